package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds API credentials.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// NewAuthConfig builds an AuthConfig, or nil when there are no credentials.
func NewAuthConfig(users map[string]string, keys []string) *AuthConfig {
	if len(users) == 0 && len(keys) == 0 {
		return nil
	}
	a := &AuthConfig{Users: users, APIKeys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		a.APIKeys[k] = true
	}
	return a
}

func (a AuthConfig) empty() bool {
	return len(a.Users) == 0 && len(a.APIKeys) == 0
}

// authMiddleware checks Basic, Bearer or X-API-Key credentials.
// /health and /metrics are always open.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "" && cfg.authorized(auth) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.Header.Get("X-API-Key"); key != "" && cfg.APIKeys[key] {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="lbswitch API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (a AuthConfig) authorized(header string) bool {
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return a.APIKeys[token]
	}
	payload, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return false
	}
	want, exists := a.Users[user]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/openflow"
	"github.com/psaab/lbswitch/pkg/session"
)

// ListenerStats reports on the OpenFlow listener.
type ListenerStats interface {
	Stats() openflow.Stats
	Serving() bool
}

// Config configures the API server.
type Config struct {
	Addr       string
	Auth       *AuthConfig // nil = no authentication
	Controller *session.Controller
	Listener   ListenerStats // optional
	EventBuf   *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	ctl        *session.Controller
	listener   ListenerStats
	eventBuf   *logging.EventBuffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		ctl:       cfg.Controller,
		listener:  cfg.Listener,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("GET /api/v1/sessions/{dpid}/mac-table", s.macTableHandler)
	mux.HandleFunc("GET /api/v1/hosts", s.hostsHandler)
	mux.HandleFunc("GET /api/v1/neighbors", s.neighborsHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil && !cfg.Auth.empty() {
		handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Streaming handlers end with ctx instead of holding up Shutdown.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: HTTP server listening", "addr", ln.Addr())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

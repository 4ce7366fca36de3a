// Package logging carries the controller's operational logging: a ring
// buffer of forwarding decisions, periodic flood aggregation and remote
// syslog forwarding of slog records.
package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// SyslogClient sends RFC 3164 syslog messages over UDP, or over TCP with
// octet-counted framing.
type SyslogClient struct {
	mu          sync.Mutex
	conn        net.Conn
	addr        string
	network     string
	hostname    string
	Facility    int // defaults to FacilityLocal0
	MinSeverity int // 0 = no filter, else SyslogError(3)/SyslogWarning(4)/SyslogInfo(6)
}

// NewSyslogClient creates a new UDP syslog client connected to host:port.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	return NewSyslogClientTransport(host, port, "udp")
}

// NewSyslogClientTransport creates a syslog client using network "udp" or
// "tcp" (empty means udp).
func NewSyslogClientTransport(host string, port int, network string) (*SyslogClient, error) {
	if network == "" {
		network = "udp"
	}
	if network != "udp" && network != "tcp" {
		return nil, fmt.Errorf("syslog: unsupported transport %q", network)
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s/%s: %w", network, addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "lbswitch"
	}
	return &SyslogClient{
		conn:     conn,
		addr:     addr,
		network:  network,
		hostname: hostname,
		Facility: FacilityLocal0,
	}, nil
}

// Send sends a syslog message with the given severity. A failed TCP write
// redials once.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s lbswitch: %s", priority, ts, s.hostname, msg)

	var frame []byte
	if s.network == "tcp" {
		frame = []byte(fmt.Sprintf("%d %s", len(line), line))
	} else {
		frame = []byte(line)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Write(frame)
	if err == nil || s.network != "tcp" {
		return err
	}
	s.conn.Close()
	conn, derr := net.DialTimeout(s.network, s.addr, 5*time.Second)
	if derr != nil {
		return fmt.Errorf("syslog redial %s: %w", s.addr, derr)
	}
	s.conn = conn
	_, err = s.conn.Write(frame)
	return err
}

// ShouldSend returns true if the severity passes this client's filter.
// Lower severity number = higher priority (error=3 < warning=4 < info=6).
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

// ParseFacility converts a facility name (kern, user, daemon, local0-7)
// to its numeric value. Unknown names map to local0.
func ParseFacility(name string) int {
	switch name {
	case "kern":
		return FacilityKern
	case "user":
		return FacilityUser
	case "daemon":
		return FacilityDaemon
	}
	if strings.HasPrefix(name, "local") && len(name) == 6 {
		if d := name[5]; d >= '0' && d <= '7' {
			return FacilityLocal0 + int(d-'0')
		}
	}
	return FacilityLocal0
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

package openflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contiv/libOpenflow/openflow13"

	"github.com/psaab/lbswitch/pkg/session"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

const (
	// DefaultHandshakeTimeout bounds HELLO through FEATURES_REPLY.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultEchoInterval is how often an idle device is probed. A device
	// that stays silent for three intervals is disconnected.
	DefaultEchoInterval = 5 * time.Second
)

// Stats are listener counters.
type Stats struct {
	Connections       int    `json:"connections"`
	Accepted          uint64 `json:"accepted"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	PacketIns         uint64 `json:"packet_ins"`
	Malformed         uint64 `json:"malformed"`
	DeviceErrors      uint64 `json:"device_errors"`
}

// Server accepts device connections and binds each to a controller
// session.
type Server struct {
	ctl *session.Controller

	HandshakeTimeout time.Duration
	EchoInterval     time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup

	accepted   atomic.Uint64
	hsFailures atomic.Uint64
	packetIns  atomic.Uint64
	malformed  atomic.Uint64
	serving    atomic.Bool

	deviceErrors atomic.Uint64
}

// NewServer creates a server delivering packet-ins to ctl.
func NewServer(ctl *session.Controller) *Server {
	return &Server{
		ctl:              ctl,
		HandshakeTimeout: DefaultHandshakeTimeout,
		EchoInterval:     DefaultEchoInterval,
		conns:            make(map[*Conn]struct{}),
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("openflow listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// every device connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("openflow: listening", "addr", ln.Addr())
	s.serving.Store(true)
	defer s.serving.Store(false)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer func() {
		s.closeAll()
		s.wg.Wait()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("openflow: accept error", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

// Serving reports whether Serve is running.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Stats returns listener counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Connections:       n,
		Accepted:          s.accepted.Load(),
		HandshakeFailures: s.hsFailures.Load(),
		PacketIns:         s.packetIns.Load(),
		Malformed:         s.malformed.Load(),
		DeviceErrors:      s.deviceErrors.Load(),
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	c := newConn(nc)
	if err := c.handshake(ctx, s.HandshakeTimeout); err != nil {
		s.hsFailures.Add(1)
		slog.Warn("openflow: handshake failed", "remote", nc.RemoteAddr(), "err", err)
		nc.Close()
		return
	}
	slog.Info("openflow: device handshake complete",
		"remote", nc.RemoteAddr(),
		"dpid", fmt.Sprintf("%016x", c.DatapathID()),
		"buffers", c.buffers, "tables", c.tables)

	s.track(c, true)
	defer s.track(c, false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.ctl.OnDeviceConnected(c.DatapathID(), c)
	go sess.Run(ctx)
	go func() {
		select {
		case <-sess.Done():
		case <-ctx.Done():
		}
		c.Close()
	}()
	go s.keepalive(ctx, c)

	err := s.readLoop(ctx, c, sess)
	sess.Close()
	if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		slog.Info("openflow: device connection ended",
			"dpid", fmt.Sprintf("%016x", c.DatapathID()), "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *Conn, sess *session.Session) error {
	for {
		if s.EchoInterval > 0 {
			c.nc.SetReadDeadline(time.Now().Add(3 * s.EchoInterval))
		}
		h, msg, err := ReadMessage(c.nc)
		if err != nil {
			return err
		}
		if h.Version != Version {
			return fmt.Errorf("%w: %d", ErrVersion, h.Version)
		}

		switch h.Type {
		case openflow13.Type_PacketIn:
			pi, err := decodePacketIn(msg)
			if err != nil {
				s.malformed.Add(1)
				slog.Warn("openflow: bad packet-in", "dpid", fmt.Sprintf("%016x", c.DatapathID()), "err", err)
				continue
			}
			s.packetIns.Add(1)
			n := switchctl.Notification{InPort: pi.InPort, BufferID: pi.BufferId, Data: pi.Frame}
			if err := sess.Deliver(ctx, n); err != nil {
				return err
			}
		case openflow13.Type_EchoRequest:
			if err := c.send(newEchoReply(msg)); err != nil {
				return fmt.Errorf("echo reply: %w", err)
			}
		case openflow13.Type_EchoReply, openflow13.Type_BarrierReply:
		case openflow13.Type_Error:
			de, err := decodeError(msg)
			if err != nil {
				s.malformed.Add(1)
				continue
			}
			s.deviceErrors.Add(1)
			slog.Warn("openflow: device reported error",
				"dpid", fmt.Sprintf("%016x", c.DatapathID()), "type", de.Type, "code", de.Code)
		default:
			slog.Debug("openflow: ignoring message",
				"dpid", fmt.Sprintf("%016x", c.DatapathID()), "type", h.Type)
		}
	}
}

func (s *Server) keepalive(ctx context.Context, c *Conn) {
	if s.EchoInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.EchoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(openflow13.NewEchoRequest()); err != nil {
				slog.Debug("openflow: echo request failed",
					"dpid", fmt.Sprintf("%016x", c.DatapathID()), "err", err)
				return
			}
		}
	}
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

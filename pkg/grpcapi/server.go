// Package grpcapi serves the standard gRPC health service for the
// controller.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceOpenFlow is the health service name tracking the device listener.
const ServiceOpenFlow = "openflow"

// DefaultPollInterval is how often the listener state is sampled.
const DefaultPollInterval = time.Second

// Serving reports whether a component is up.
type Serving interface {
	Serving() bool
}

// Server exposes grpc.health.v1. The overall status and the "openflow"
// service follow the OpenFlow listener.
type Server struct {
	addr     string
	listener Serving
	health   *health.Server

	PollInterval time.Duration
}

// NewServer creates a health server for listener.
func NewServer(addr string, listener Serving) *Server {
	return &Server{
		addr:         addr,
		listener:     listener,
		health:       health.NewServer(),
		PollInterval: DefaultPollInterval,
	}
}

// Run listens on the configured address and calls Serve.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled. Every service is reported
// NOT_SERVING before the server stops.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	s.update()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("grpc: server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.update()
		case <-ctx.Done():
			s.health.Shutdown()
			srv.GracefulStop()
			return nil
		}
	}
}

func (s *Server) update() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.listener != nil && s.listener.Serving() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceOpenFlow, st)
}

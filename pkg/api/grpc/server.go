package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the health service.
const ServiceName = "flowengine"

// HealthChecker reports whether the engine can take work.
type HealthChecker interface {
	IsHealthy() bool
}

// Server represents the gRPC API server
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	checker  HealthChecker
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
}

// Config holds gRPC server configuration
type Config struct {
	Port int

	// Listener overrides Port when set.
	Listener net.Listener

	// Checker drives the serving status; nil means always serving.
	Checker       HealthChecker
	CheckInterval time.Duration

	Logger *zap.Logger
}

// NewServer creates a new gRPC server exposing the standard health service.
func NewServer(cfg *Config) (*Server, error) {
	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("failed to create listener: %w", err)
		}
	}

	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		checker:  cfg.Checker,
		interval: interval,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
	}
	s.refresh()

	return s, nil
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	if s.checker != nil {
		go s.watch()
	}

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	close(s.stop)
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh publishes the checker's view to the health service.
func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.checker != nil && !s.checker.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

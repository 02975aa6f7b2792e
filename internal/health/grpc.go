package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "dailysolve"

// GRPCServer exposes the checker's verdict through grpc.health.v1.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	checker  *Checker
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCServer builds the server. interval controls how often the
// checker is re-run to refresh the served status.
func NewGRPCServer(checker *Checker, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCServer{
		server:   server,
		health:   hs,
		checker:  checker,
		interval: interval,
		logger:   logger.With("component", "grpc_health"),
	}
}

// Refresh runs one check and publishes the serving status.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	report := s.checker.Check(ctx)
	status := servingStatus(report.Status)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on addr until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *GRPCServer) ServeListener(ctx context.Context, ln net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.server.Stop()
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC health server: %w", err)
	}
	return nil
}

func servingStatus(status Status) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case StatusHealthy, StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case StatusUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

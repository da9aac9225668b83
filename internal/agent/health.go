package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name supervisors query.
const ServiceName = "remote.Agent"

// HealthServer exposes the standard gRPC health protocol next to the
// command listener.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	port       int
}

// NewHealthServer builds the server; creds may be nil for plaintext.
func NewHealthServer(port int, creds credentials.TransportCredentials) *HealthServer {
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	hs := health.NewServer()
	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, hs)

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{grpcServer: gs, health: hs, port: port}
}

func (h *HealthServer) Listen() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", h.port, err)
	}
	h.listener = lis
	return nil
}

// Serve blocks until Stop. Listen must have been called.
func (h *HealthServer) Serve() error {
	slog.Info("Starting health server", "address", h.listener.Addr().String())
	if err := h.grpcServer.Serve(h.listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve health: %w", err)
	}
	return nil
}

func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

func (h *HealthServer) Stop(ctx context.Context) {
	slog.Info("Stopping health server")
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("Health server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("Health server stop timeout, forcing shutdown")
		h.grpcServer.Stop()
	}
}

// Package grpc exposes the engine's readiness over the standard gRPC health
// protocol so that orchestrators and load balancers can probe it.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/services"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "simrun.engine.Orchestrator"

type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	svc      *services.HealthService
	interval time.Duration
	log      *slog.Logger
}

// NewHealthServer mirrors svc's readiness every interval. Degraded counts as
// serving, like the HTTP readiness probe.
func NewHealthServer(svc *services.HealthService, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthServer{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		svc:      svc,
		interval: interval,
		log:      logger.Get().With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Refresh runs the health checks once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) {
	report := h.svc.CheckHealth(ctx)
	if report.Status == services.HealthStatusUnhealthy {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
}

// Serve blocks until the listener fails or Stop is called. Health status is
// refreshed until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()

	h.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Shutdown reports NOT_SERVING to every watcher, then stops the server.
// Open Watch streams are cut when ctx expires.
func (h *HealthServer) Shutdown(ctx context.Context) {
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		h.server.Stop()
		<-stopped
	}
}

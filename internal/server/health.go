package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported next to the overall ("") status.
const HealthService = "pyamooz.chat"

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 2 * time.Second
	stopTimeout          = 5 * time.Second
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes grpc.health.v1 for orchestrators. The status follows
// the store: SERVING while it answers pings, NOT_SERVING otherwise.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthServer creates the gRPC health endpoint. interval <= 0 selects
// the default probe interval.
func NewHealthServer(pinger Pinger, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(1024*1024),
		grpc.ConnectionTimeout(30*time.Second),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &HealthServer{
		server:   s,
		health:   hs,
		pinger:   pinger,
		interval: interval,
		logger:   logger.Named("grpc-health"),
	}
}

// Probe pings the store once and publishes the resulting status.
func (h *HealthServer) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if h.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := h.pinger.Ping(pctx)
		cancel()
		if err != nil {
			h.logger.Warn("Store ping failed", zap.Error(err))
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
	return status
}

// Serve answers health checks on lis until ctx is cancelled, then stops
// gracefully.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.Probe(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()
	h.logger.Info("gRPC health server starting", zap.String("address", lis.Addr().String()))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server, forcing it
// after a short grace period.
func (h *HealthServer) Stop() {
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		h.logger.Info("gRPC health server stopped")
	case <-time.After(stopTimeout):
		h.logger.Warn("gRPC health server forced to stop after timeout")
		h.server.Stop()
	}
}

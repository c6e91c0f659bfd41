package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name health checks may ask for besides "".
const HealthServiceName = "tradesim.Core"

// Pinger is anything whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService exposes grpc.health.v1 for load balancers and orchestrators.
// The status follows the store's Ping.
type HealthService struct {
	server   *grpc.Server
	health   *health.Server
	store    Pinger
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthService builds the gRPC server; nothing listens until Serve.
func NewHealthService(store Pinger, interval time.Duration, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h := &HealthService{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		logger:   logger.Named("grpc_health"),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

// Check updates the serving status once and returns it.
func (h *HealthService) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.store != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.store.Ping(pctx)
		cancel()
		if err != nil {
			h.logger.Warn("store ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
	return status
}

// Serve listens on addr and blocks until ctx ends.
func (h *HealthService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis, re-checking the store every interval, and
// blocks until ctx ends.
func (h *HealthService) ServeListener(ctx context.Context, lis net.Listener) error {
	h.Check(ctx)

	go func() {
		t := time.NewTicker(h.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.server.GracefulStop()
				return
			case <-t.C:
				h.Check(ctx)
			}
		}
	}()

	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Server exposes the underlying gRPC server so other services can register on it.
func (h *HealthService) Server() *grpc.Server {
	return h.server
}

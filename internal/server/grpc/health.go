package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/ice/internal/runtime"
	logpkg "github.com/rzbill/ice/pkg/log"
)

const healthInterval = 5 * time.Second

// healthProbe mirrors runtime.CheckHealth into the standard health service,
// both for the overall server ("") and for ServiceName.
type healthProbe struct {
	rt     *runtime.Runtime
	srv    *health.Server
	logger logpkg.Logger
}

func newHealthProbe(rt *runtime.Runtime, logger logpkg.Logger) *healthProbe {
	return &healthProbe{rt: rt, srv: health.NewServer(), logger: logger}
}

func (h *healthProbe) check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.rt.CheckHealth(cctx); err != nil {
		h.logger.Warn("health check failed", logpkg.Err(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
	return st
}

func (h *healthProbe) run(ctx context.Context) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.check(ctx)
		}
	}
}

func (h *healthProbe) shutdown() { h.srv.Shutdown() }

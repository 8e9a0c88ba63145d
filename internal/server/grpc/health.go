package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/changeflo/internal/runtime"
)

const healthInterval = 5 * time.Second

// refreshHealth publishes the runtime's health under the overall ("") and
// change streams service names.
func refreshHealth(ctx context.Context, rt *runtime.Runtime, hs *health.Server) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := rt.CheckHealth(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}

func watchHealth(ctx context.Context, rt *runtime.Runtime, hs *health.Server) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refreshHealth(ctx, rt, hs)
		}
	}
}

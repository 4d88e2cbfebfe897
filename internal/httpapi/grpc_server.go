package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gatekeep.dev/internal/obs"
)

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the whole server ("") and under the service name.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
	log       zerolog.Logger
}

// NewHealthServer creates the health service. It reports NOT_SERVING until
// the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &HealthServer{
		Server:    health.NewServer(),
		readiness: r,
		log:       obs.Component("grpc-health"),
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh runs the readiness check once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) error {
	if err := s.readiness.Check(ctx); err != nil {
		s.log.Warn().Err(err).Msg("not ready")
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes every interval until ctx ends, then marks the server as
// shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		_ = s.Refresh(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
}

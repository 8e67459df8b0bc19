package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/permitdesk/staffsec/internal/obs"
)

// GRPCServer exposes readiness over the standard gRPC health protocol.
// Both the overall ("") and the named service report the same status.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// NewGRPCServer creates the health service. It reports NOT_SERVING until the
// first successful Refresh.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{health: health.NewServer(), readiness: r}
	s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health and reflection services to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)
}

// Refresh runs the readiness checks once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	if err != nil {
		s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	s.set(grpc_health_v1.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Watch refreshes readiness every interval until ctx is done, then marks the
// service NOT_SERVING so that clients drain before shutdown.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := s.Refresh(cctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("readiness check failed", zap.Error(err))
		}
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *GRPCServer) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}

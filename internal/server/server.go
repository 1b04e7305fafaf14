// Package server exposes a running database over gRPC health checks and an
// HTTP observability endpoint.
package server

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/wpstore/internal/logger"
	"github.com/nainya/wpstore/internal/metrics"
)

// ServiceName is the health service name reported for the database.
const ServiceName = "wpstore.TxnDB"

// Checker reports whether the database can serve writes.
type Checker interface {
	Check() error
}

// Server is the gRPC front of a database.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	db     Checker
	log    *logger.Logger
}

func NewServer(db Checker, log *logger.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)),
		),
		health: health.NewServer(),
		db:     db,
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.updateHealth()
	return s
}

func (s *Server) updateHealth() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Check(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// WatchHealth refreshes the serving status every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.updateHealth()
	for {
		select {
		case <-ticker.C:
			if status := s.updateHealth(); status != last {
				s.log.Warn("health status changed").Str("status", status.String()).Send()
				last = status
			}
		case <-ctx.Done():
			return
		}
	}
}

// Serve blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.log.LogServerReady(lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Shutdown marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Package health exposes the coordinator's state over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/NeelM47/smlp/internal/pool"
)

// Service is the name reported to health checks. It is SERVING while the
// coordinator accepts workers.
const Service = "smlp.Coordinator"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{grpc: grpc.NewServer(opts...), health: health.NewServer()}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Drained marks the coordinator as no longer accepting work.
func (s *Server) Drained() {
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve blocks serving health checks on ln. The pool's drain flips the
// status; canceling ctx stops the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener, p pool.Pool) error {
	go func() {
		if err := p.WaitEmpty(ctx); err == nil {
			s.Drained()
		}
	}()
	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.Stop()
	})
	defer stop()
	log.Printf("gRPC health listening on %s", ln.Addr())
	return s.grpc.Serve(ln)
}

// Run listens on addr and serves health checks for p until ctx ends.
func Run(ctx context.Context, addr string, p pool.Pool, opts ...grpc.ServerOption) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return NewServer(opts...).Serve(ctx, ln, p)
}

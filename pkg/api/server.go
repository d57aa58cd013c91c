package api

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/log"
)

// MasterService is the gRPC health service name that is SERVING while the
// master is the ALIVE leader
const MasterService = "spindle.Master"

// Server exposes the grpc.health.v1 service. The empty service name
// reports process liveness and MasterService reports leadership.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewServer creates a new gRPC health server
func NewServer() *Server {
	logger := log.WithComponent("grpc")
	s := &Server{
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(MasterService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and gracefully stops the server
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// SetMasterServing updates the status of MasterService
func (s *Server) SetMasterServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(MasterService, status)
}

// WatchLeadership re-evaluates check on every leadership event published
// by broker, and once at start, until ctx is done. MasterService is SERVING
// while check passes.
func (s *Server) WatchLeadership(ctx context.Context, broker *events.Broker, check Check) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s.evaluate(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			switch event.Type {
			case events.EventLeadershipElected, events.EventLeadershipRevoked, events.EventRecoveryCompleted:
				s.evaluate(ctx, check)
			}
		}
	}
}

func (s *Server) evaluate(ctx context.Context, check Check) {
	status, err := check(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Master not serving")
		s.SetMasterServing(false)
		return
	}
	s.logger.Debug().Str("status", status).Msg("Master serving")
	s.SetMasterServing(true)
}

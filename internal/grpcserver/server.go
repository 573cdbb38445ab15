// Package grpcserver runs the gRPC ops surface: the standard health service,
// driven by a readiness check, plus reflection in development.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health entry tracking the metering engine.
const ServiceName = "ctmeter.v1.Metering"

// ReadyFunc reports whether the engine's dependencies answer.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// New builds the server. reflect registers the reflection service so
// grpcurl works against it.
func New(logger zerolog.Logger, reflect bool) *Server {
	log := logger.With().Str("component", "grpc").Logger()
	s := &Server{
		grpc:   grpc.NewServer(serverOptions(log)...),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if reflect {
		reflection.Register(s.grpc)
		log.Info().Msg("grpc reflection enabled")
	}
	return s
}

func serverOptions(log zerolog.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryHandler(log))),
			loggingInterceptor(log),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
	}
}

func recoveryHandler(log zerolog.Logger) grpc_recovery.RecoveryHandlerFunc {
	return func(p any) error {
		log.Error().Interface("panic", p).Msg("recovered from panic in gRPC handler")
		return status.Errorf(codes.Internal, "internal server error")
	}
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Str("code", status.Code(err).String()).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}
}

// GRPC exposes the underlying server for additional registrations.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Check runs ready once and publishes the result on the health service.
func (s *Server) Check(ctx context.Context, ready ReadyFunc) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := ready(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Watch runs Check every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration, ready ReadyFunc) {
	s.Check(ctx, ready)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval/2)
			s.Check(pctx, ready)
			cancel()
		}
	}
}

// Serve blocks serving lis. It returns nil once Stop was called, even when
// Stop won the race against Serve.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service as not serving and drains connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestHealthFollowsReadiness(t *testing.T) {
	s := New(zerolog.Nop(), false)
	client := dial(t, s)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	s.Check(ctx, func(context.Context) error { return nil })
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.Check(ctx, func(context.Context) error { return errors.New("db down") })
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	client := dial(t, New(zerolog.Nop(), true))
	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatchStopsWithContext(t *testing.T) {
	s := New(zerolog.Nop(), false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	calls := 0
	go func() {
		s.Watch(ctx, 1<<62, func(context.Context) error { calls++; return nil })
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, 1, calls)
}

func TestRecoveryHandlerMapsPanicToInternal(t *testing.T) {
	err := recoveryHandler(zerolog.Nop())("boom")
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	intercept := loggingInterceptor(zerolog.Nop())
	resp, err := intercept(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, any) (any, error) { return "resp", nil })
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)
}

func TestServeAfterStopReturnsNil(t *testing.T) {
	s := New(zerolog.Nop(), false)
	s.Stop()
	lis := bufconn.Listen(1 << 10)
	assert.NoError(t, s.Serve(lis))
}

package runner

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dialHost(t *testing.T, lis *bufconn.Listener, opts ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()
	opts = append(opts,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestUnaryTokenInterceptor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryTokenInterceptor("s3cret", logger)))
	RegisterRunnerHostServer(srv, NewHost(func() Runner { return NewSimulatedRunner() }, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx := context.Background()
	cfg := Config{AgentID: "agent-1", Framework: "sim"}

	t.Run("no token", func(t *testing.T) {
		r := NewRemoteFactory(dialHost(t, lis), testGuard())()
		err := r.Init(ctx, cfg)
		require.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("wrong token", func(t *testing.T) {
		r := NewRemoteFactory(dialHost(t, lis, grpc.WithPerRPCCredentials(TokenCredentials("nope"))), testGuard())()
		assert.Equal(t, codes.Unauthenticated, status.Code(r.Init(ctx, cfg)))
	})

	t.Run("valid token", func(t *testing.T) {
		r := NewRemoteFactory(dialHost(t, lis, grpc.WithPerRPCCredentials(TokenCredentials("s3cret"))), testGuard())()
		require.NoError(t, r.Init(ctx, cfg))
		h, err := r.HealthCheck(ctx)
		require.NoError(t, err)
		assert.True(t, h.Healthy)
	})
}

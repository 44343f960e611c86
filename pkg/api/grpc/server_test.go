package grpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchChecker struct {
	healthy atomic.Bool
}

func (c *switchChecker) IsHealthy() bool { return c.healthy.Load() }

func TestHealthService(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	checker := &switchChecker{}
	checker.healthy.Store(true)

	srv, err := NewServer(&Config{
		Listener:      lis,
		Checker:       checker,
		CheckInterval: 10 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	checker.healthy.Store(false)
	assert.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)
}

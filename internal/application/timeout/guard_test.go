package timeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/domain"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGuard(cfg Config, opts ...Option) *Guard {
	return NewGuard(cfg, prometheus.NewCollector(promclient.NewRegistry()), zap.NewNop(), opts...)
}

func TestResolveOrder(t *testing.T) {
	g := newTestGuard(Config{
		Overrides: map[string]time.Duration{"slow_search": 5 * time.Minute},
	})

	tests := []struct {
		name string
		call Call
		want time.Duration
	}{
		{"explicit wins", Call{Name: "slow_search", Type: TypeMCP, Timeout: time.Second}, time.Second},
		{"name override", Call{Name: "slow_search", Type: TypeMCP}, 5 * time.Minute},
		{"builtin default", Call{Name: "calc", Type: TypeBuiltin}, 30 * time.Second},
		{"knowledge base default", Call{Name: "kb", Type: TypeKnowledgeBase}, 60 * time.Second},
		{"mcp default", Call{Name: "gh", Type: TypeMCP}, 120 * time.Second},
		{"workflow default", Call{Name: "sub", Type: TypeWorkflow}, 300 * time.Second},
		{"agent default", Call{Name: "helper", Type: TypeAgent}, 600 * time.Second},
		{"fallback", Call{Name: "x", Type: "unknown"}, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Resolve(tt.call))
		})
	}
}

func TestRunReturnsValue(t *testing.T) {
	g := newTestGuard(Config{})

	got, err := Run(context.Background(), g, Call{Name: "add", Type: TypeBuiltin}, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRunPropagatesOperationError(t *testing.T) {
	g := newTestGuard(Config{})
	boom := errors.New("boom")

	_, err := Run(context.Background(), g, Call{Name: "add", Type: TypeBuiltin}, func(ctx context.Context) (int, error) {
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestRunTimesOutAndCancelsOperation(t *testing.T) {
	g := newTestGuard(Config{})
	cancelled := make(chan struct{})

	call := Call{Name: "web_search", Type: TypeMCP, Timeout: 20 * time.Millisecond}
	_, err := Run(context.Background(), g, call, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})

	var timeoutErr *domain.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "web_search", timeoutErr.Name)
	assert.Equal(t, TypeMCP, timeoutErr.Type)
	assert.Equal(t, int64(20), timeoutErr.TimeoutMs())
	assert.False(t, timeoutErr.StartTime.IsZero())
	assert.ErrorIs(t, err, domain.ErrTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}
}

func TestRunReportsNearTimeout(t *testing.T) {
	var mu sync.Mutex
	var seen []NearTimeout
	g := newTestGuard(Config{}, WithNearTimeoutHook(func(nt NearTimeout) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, nt)
	}))

	call := Call{Name: "kb", Type: TypeKnowledgeBase, Timeout: 100 * time.Millisecond}
	_, err := Run(context.Background(), g, call, func(ctx context.Context) (bool, error) {
		time.Sleep(85 * time.Millisecond)
		return true, nil
	})
	require.NoError(t, err)

	_, err = Run(context.Background(), g, Call{Name: "fast", Type: TypeBuiltin, Timeout: time.Second}, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "kb", seen[0].Call.Name)
	assert.Equal(t, 100*time.Millisecond, seen[0].Budget)
}

func TestRunRecoversPanic(t *testing.T) {
	g := newTestGuard(Config{})

	_, err := Run(context.Background(), g, Call{Name: "bad", Type: TypeBuiltin}, func(ctx context.Context) (int, error) {
		panic("nil map")
	})

	assert.ErrorContains(t, err, "panicked")
}

func TestRunHonoursCallerCancellation(t *testing.T) {
	g := newTestGuard(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, g, Call{Name: "x", Type: TypeBuiltin}, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestNearTimeoutRatioBounds(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{name: "unset", ratio: 0, want: DefaultNearTimeoutRatio},
		{name: "negative", ratio: -0.5, want: DefaultNearTimeoutRatio},
		{name: "half", ratio: 0.5, want: 0.5},
		{name: "whole budget", ratio: 1, want: 1},
		{name: "above budget", ratio: 1.2, want: DefaultNearTimeoutRatio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(Config{NearTimeoutRatio: tt.ratio})
			assert.Equal(t, tt.want, g.cfg.NearTimeoutRatio)
			assert.Equal(t, tt.ratio == tt.want, ValidRatio(tt.ratio))
		})
	}
}

func TestFromConfig(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, FromConfig(map[string]interface{}{"timeoutMs": 250}))
	assert.Equal(t, 250*time.Millisecond, FromConfig(map[string]interface{}{"timeoutMs": int64(250)}))
	assert.Equal(t, 1500*time.Millisecond, FromConfig(map[string]interface{}{"timeoutMs": 1500.0}))
	assert.Zero(t, FromConfig(map[string]interface{}{"timeoutMs": "soon"}))
	assert.Zero(t, FromConfig(nil))
}

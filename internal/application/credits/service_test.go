package credits

import (
	"context"
	"testing"

	"github.com/aescanero/flowengine/pkg/adapters/credits/memory"
	"github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/domain"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, balance int64, skip bool) (*Service, *memory.Ledger) {
	t.Helper()
	ledger := memory.NewLedger(zap.NewNop())
	require.NoError(t, ledger.Grant(context.Background(), "ws", domain.CreditSourceSubscription, balance))
	metrics := prometheus.NewCollector(promclient.NewRegistry())
	return NewService(ledger, DefaultPricing(), skip, metrics, zap.NewNop()), ledger
}

func TestShouldAllowExecution(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10, false)

	ok, err := svc.ShouldAllowExecution(ctx, "ws", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ShouldAllowExecution(ctx, "ws", 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSkipFlagAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0, true)

	ok, err := svc.ShouldAllowExecution(ctx, "ws", 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)

	meter, err := svc.Admit(ctx, "ws", 1_000_000)
	require.NoError(t, err)
	assert.Nil(t, meter.Reservation())
	meter.Add(5)
	_, err = meter.Settle(ctx)
	assert.NoError(t, err)
}

func TestAdmitDeniedReturnsCreditError(t *testing.T) {
	svc, _ := newTestService(t, 5, false)

	_, err := svc.Admit(context.Background(), "ws", 6)

	var insufficient *domain.CreditInsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(6), insufficient.Required)
	assert.Equal(t, int64(5), insufficient.Available)
}

func TestMeterSettlesOnce(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newTestService(t, 100, false)

	meter, err := svc.Admit(ctx, "ws", 50)
	require.NoError(t, err)
	meter.Add(30)
	meter.Add(50)

	first, err := meter.Settle(ctx)
	require.NoError(t, err)
	second, err := meter.Settle(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(80), first.Charged)

	b, err := ledger.Balance(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestCalculateLLMCredits(t *testing.T) {
	p := DefaultPricing()

	assert.Equal(t, int64(0), p.CalculateLLMCredits("m", domain.TokenUsage{}))
	assert.Equal(t, int64(1), p.CalculateLLMCredits("m", domain.TokenUsage{InputTokens: 10}))
	assert.Equal(t, int64(4), p.CalculateLLMCredits("m", domain.TokenUsage{InputTokens: 1000, OutputTokens: 1000}))

	p.ModelMultipliers = map[string]float64{"big": 2}
	assert.Equal(t, int64(8), p.CalculateLLMCredits("big", domain.TokenUsage{InputTokens: 1000, OutputTokens: 1000}))
}

func TestCalculateNodeCreditsAddsTokenUsage(t *testing.T) {
	p := DefaultPricing()

	assert.Equal(t, int64(0), p.CalculateNodeCredits(domain.NodeTypeInput, nil))
	assert.Equal(t, int64(1), p.CalculateNodeCredits(domain.NodeTypeDatabase, nil))
	assert.Equal(t, int64(5), p.CalculateNodeCredits(domain.NodeTypeLLM, map[string]interface{}{
		"inputTokens":  1000,
		"outputTokens": float64(1000),
	}))
}

func TestEstimateWorkflowCreditsWeightsLoopBodies(t *testing.T) {
	p := DefaultPricing()
	def := &domain.WorkflowDefinition{
		Nodes: map[string]domain.NodeSpec{
			"in":    {Type: domain.NodeTypeInput},
			"loop":  {Type: domain.NodeTypeLoop},
			"fetch": {Type: domain.NodeTypeHTTP},
			"out":   {Type: domain.NodeTypeOutput},
			"query": {Type: domain.NodeTypeDatabase},
		},
		Edges: []domain.Edge{
			{Source: "in", Target: "query"},
			{Source: "query", Target: "loop"},
			{Source: "loop", Target: "fetch", SourceHandle: domain.HandleBody},
			{Source: "loop", Target: "out", SourceHandle: domain.HandleExit},
		},
	}

	assert.Equal(t, int64(1+5), p.EstimateWorkflowCredits(def))
}

func TestEstimateAgentCredits(t *testing.T) {
	p := DefaultPricing()
	cfg := &domain.AgentConfig{Model: "m", MaxTokens: 1000, MaxIterations: 3}
	assert.Equal(t, int64(12), p.EstimateAgentCredits(cfg))
}

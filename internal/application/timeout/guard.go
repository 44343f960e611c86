package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Operation types with a default budget.
const (
	TypeBuiltin       = "builtin"
	TypeFunction      = "function"
	TypeKnowledgeBase = "knowledge_base"
	TypeMCP           = "mcp"
	TypeIntegration   = "integration"
	TypeLLM           = "llm"
	TypeWorkflow      = "workflow"
	TypeAgent         = "agent"
)

const (
	// DefaultFallback applies to operation types without a default.
	DefaultFallback = 60 * time.Second

	// DefaultNearTimeoutRatio is the share of the budget after which a
	// completed operation is reported as a near-timeout.
	DefaultNearTimeoutRatio = 0.8
)

// DefaultTypeTimeouts returns the per-type budget table.
func DefaultTypeTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		TypeBuiltin:       30 * time.Second,
		TypeFunction:      30 * time.Second,
		TypeKnowledgeBase: 60 * time.Second,
		TypeMCP:           120 * time.Second,
		TypeIntegration:   120 * time.Second,
		TypeLLM:           120 * time.Second,
		TypeWorkflow:      300 * time.Second,
		TypeAgent:         600 * time.Second,
	}
}

// Config holds the timeout table.
type Config struct {
	TypeDefaults     map[string]time.Duration
	Overrides        map[string]time.Duration
	Fallback         time.Duration
	NearTimeoutRatio float64
}

// Call identifies one guarded operation.
type Call struct {
	Name string
	Type string

	// Timeout, when positive, wins over every configured value.
	Timeout time.Duration
}

// NearTimeout describes an operation that finished close to its budget.
type NearTimeout struct {
	Call    Call
	Budget  time.Duration
	Elapsed time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithNearTimeoutHook registers a callback invoked for every near-timeout.
func WithNearTimeoutHook(hook func(NearTimeout)) Option {
	return func(g *Guard) {
		g.onNearTimeout = hook
	}
}

// Guard races operations against their resolved budget.
type Guard struct {
	cfg           Config
	metrics       ports.MetricsCollector
	logger        *zap.Logger
	onNearTimeout func(NearTimeout)
}

// NewGuard creates a guard. Missing type defaults are filled from
// DefaultTypeTimeouts.
func NewGuard(cfg Config, metrics ports.MetricsCollector, logger *zap.Logger, opts ...Option) *Guard {
	defaults := DefaultTypeTimeouts()
	for k, v := range cfg.TypeDefaults {
		defaults[k] = v
	}
	cfg.TypeDefaults = defaults
	if cfg.Fallback <= 0 {
		cfg.Fallback = DefaultFallback
	}
	if !ValidRatio(cfg.NearTimeoutRatio) {
		cfg.NearTimeoutRatio = DefaultNearTimeoutRatio
	}

	g := &Guard{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidRatio reports whether r is a usable near-timeout ratio, in (0, 1].
func ValidRatio(r float64) bool {
	return r > 0 && r <= 1
}

// FromConfig reads an explicit timeoutMs from a node or tool config.
func FromConfig(cfg map[string]interface{}) time.Duration {
	switch v := cfg["timeoutMs"].(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// Resolve returns the effective budget for call.
func (g *Guard) Resolve(call Call) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	if d, ok := g.cfg.Overrides[call.Name]; ok && d > 0 {
		return d
	}
	if d, ok := g.cfg.TypeDefaults[call.Type]; ok && d > 0 {
		return d
	}
	return g.cfg.Fallback
}

// Run executes op under the budget resolved for call. The context passed to
// op is cancelled when the budget expires or the caller's ctx is done.
func Run[T any](ctx context.Context, g *Guard, call Call, op func(context.Context) (T, error)) (T, error) {
	var zero T
	budget := g.Resolve(call)
	start := time.Now()

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s %q panicked: %v", call.Type, call.Name, r)}
			}
		}()
		v, err := op(opCtx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		g.observe(call, budget, time.Since(start))
		return out.value, out.err

	case <-timer.C:
		cancel()
		g.logger.Warn("operation timed out",
			zap.String("name", call.Name),
			zap.String("type", call.Type),
			zap.Duration("timeout", budget))
		return zero, &domain.TimeoutError{
			Name:      call.Name,
			Type:      call.Type,
			Timeout:   budget,
			StartTime: start,
		}

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// observe records a near-timeout diagnostic when elapsed crossed the ratio.
func (g *Guard) observe(call Call, budget, elapsed time.Duration) {
	threshold := time.Duration(float64(budget) * g.cfg.NearTimeoutRatio)
	if elapsed < threshold {
		return
	}

	g.logger.Warn("operation completed close to its timeout",
		zap.String("name", call.Name),
		zap.String("type", call.Type),
		zap.Duration("elapsed", elapsed),
		zap.Duration("timeout", budget))
	g.metrics.RecordNearTimeout(call.Type)

	if g.onNearTimeout != nil {
		g.onNearTimeout(NearTimeout{Call: call, Budget: budget, Elapsed: elapsed})
	}
}

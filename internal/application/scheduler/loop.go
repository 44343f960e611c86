package scheduler

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/flowengine/internal/application/expression"
	"github.com/aescanero/flowengine/pkg/domain"
	"go.uber.org/zap"
)

// loopAggregate is what a START sentinel hands to its END sentinel.
type loopAggregate struct {
	items    []interface{}
	duration time.Duration
	restored interface{}
	replay   bool
}

func (a *loopAggregate) value() interface{} {
	if a.replay {
		return a.restored
	}
	items := a.items
	if items == nil {
		items = []interface{}{}
	}
	return map[string]interface{}{
		"iterations": len(items),
		"items":      items,
		"completed":  true,
	}
}

// runLoop resolves the iteration source and runs the body once per bound
// value, sequentially.
func (s *Scheduler) runLoop(ctx context.Context, exec *execution, node *planNode, ec *ExecutionContext, depth int) (*loopAggregate, error) {
	ls := node.loop
	if depth == 0 {
		if out, ok := exec.restored[ls.nodeID]; ok {
			return &loopAggregate{restored: out, replay: true}, nil
		}
	}

	s.emitter.EmitNodeStarted(ctx, exec.id, ls.nodeID, domain.NodeTypeLoop, node.spec.Name)
	start := time.Now()

	source, err := iterationSource(ls, ec, s.maxLoopIterations)
	if err != nil {
		s.metrics.RecordNodeExecuted(string(domain.NodeTypeLoop), "failed", time.Since(start))
		s.emitter.EmitNodeFailed(ctx, exec.id, ls.nodeID, domain.NodeTypeLoop, err.Error())
		return nil, &domain.NodeExecutionError{NodeID: ls.nodeID, NodeType: domain.NodeTypeLoop, Err: err}
	}

	s.logger.Debug("loop planned",
		zap.String("execution_id", exec.id),
		zap.String("node_id", ls.nodeID),
		zap.Int("iterations", source.n))

	agg := &loopAggregate{items: make([]interface{}, 0, source.n)}
	for i := 0; i < source.n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := source.at(i)

		bindings := map[string]interface{}{
			ls.config.ItemVariable: v,
			ls.nodeID: map[string]interface{}{
				"item":      v,
				"index":     i,
				"iteration": i + 1,
			},
		}
		if ls.config.IndexVariable != "" {
			bindings[ls.config.IndexVariable] = i
		}

		iteration := ec.Child(bindings)
		if err := s.runPlan(ctx, exec, ls.body, iteration, depth+1); err != nil {
			return nil, err
		}
		if exec.isPaused() {
			return nil, nil
		}
		agg.items = append(agg.items, iterationOutput(ls.body, iteration, v))
	}
	agg.duration = time.Since(start)
	return agg, nil
}

// completeLoop publishes the aggregate under the loop node id.
func (s *Scheduler) completeLoop(ctx context.Context, exec *execution, node *planNode, ec *ExecutionContext, depth int, agg *loopAggregate) (interface{}, error) {
	ls := node.loop
	if agg == nil {
		return nil, fmt.Errorf("loop %q ended without an iteration plan", ls.nodeID)
	}

	out := agg.value()
	ec.Set(ls.nodeID, out)

	if agg.replay {
		completed := exec.record(ls.nodeID, domain.NodeMetrics{NodeType: domain.NodeTypeLoop, Restored: true}, depth == 0)
		s.emitter.EmitExecutionProgress(ctx, exec.id, completed, exec.total)
		return out, nil
	}

	exec.meter.Add(s.credits.Pricing().CalculateNodeCredits(domain.NodeTypeLoop, nil))
	s.metrics.RecordNodeExecuted(string(domain.NodeTypeLoop), "completed", agg.duration)
	completed := exec.record(ls.nodeID, domain.NodeMetrics{
		NodeType:   domain.NodeTypeLoop,
		DurationMs: agg.duration.Milliseconds(),
		Extra:      map[string]interface{}{"iterations": len(agg.items)},
	}, depth == 0)

	if depth == 0 {
		s.checkpoint(ctx, exec.id, ls.nodeID, out)
	}
	s.emitter.EmitNodeCompleted(ctx, exec.id, ls.nodeID, domain.NodeTypeLoop, out, agg.duration)
	if depth == 0 {
		s.emitter.EmitExecutionProgress(ctx, exec.id, completed, exec.total)
	}
	return out, nil
}

// iterations is a resolved iteration source. Count loops bind the index
// itself, so no item slice is built for them.
type iterations struct {
	n     int
	items []interface{}
}

func (it iterations) at(i int) interface{} {
	if it.items != nil {
		return it.items[i]
	}
	return i
}

func iterationSource(ls *loopScope, ec *ExecutionContext, limit int) (iterations, error) {
	cfg := ls.config
	switch cfg.Mode {
	case domain.LoopModeForEach:
		v, ok, err := expression.Lookup(cfg.ArrayPath, ec.Snapshot())
		if err != nil {
			return iterations{}, &domain.InvalidLoopConfigurationError{NodeID: ls.nodeID, Reason: err.Error()}
		}
		if !ok {
			return iterations{}, &domain.InvalidLoopConfigurationError{
				NodeID: ls.nodeID,
				Reason: fmt.Sprintf("arrayPath %q did not resolve", cfg.ArrayPath),
			}
		}
		items, isArray := v.([]interface{})
		if !isArray {
			return iterations{}, &domain.InvalidLoopConfigurationError{
				NodeID: ls.nodeID,
				Reason: fmt.Sprintf("arrayPath %q resolved to %T, not an array", cfg.ArrayPath, v),
			}
		}
		if limit > 0 && len(items) > limit {
			return iterations{}, &domain.InvalidLoopConfigurationError{
				NodeID: ls.nodeID,
				Reason: fmt.Sprintf("arrayPath %q has %d items, above the limit of %d iterations", cfg.ArrayPath, len(items), limit),
			}
		}
		if items == nil {
			items = []interface{}{}
		}
		return iterations{n: len(items), items: items}, nil

	case domain.LoopModeCount:
		n, err := resolveCount(cfg.Count, ec)
		if err != nil {
			return iterations{}, &domain.InvalidLoopConfigurationError{NodeID: ls.nodeID, Reason: err.Error()}
		}
		if limit > 0 && n > limit {
			return iterations{}, &domain.InvalidLoopConfigurationError{
				NodeID: ls.nodeID,
				Reason: fmt.Sprintf("count %d exceeds the limit of %d iterations", n, limit),
			}
		}
		return iterations{n: n}, nil
	}
	return iterations{}, &domain.InvalidLoopConfigurationError{
		NodeID: ls.nodeID,
		Reason: fmt.Sprintf("unknown loop mode %q", cfg.Mode),
	}
}

func resolveCount(raw interface{}, ec *ExecutionContext) (int, error) {
	switch v := raw.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("count must not be negative, got %d", v)
		}
		return v, nil
	case int64:
		return resolveCount(int(v), ec)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("count must be an integer, got %v", v)
		}
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("count %v is out of range", v)
		}
		return resolveCount(int(v), ec)
	case string:
		if expression.HasReference(v) {
			resolved, err := expression.Resolve(v, ec.Snapshot())
			if err != nil {
				return 0, err
			}
			if s, ok := resolved.(string); ok {
				return parseCount(s)
			}
			if resolved == nil {
				return 0, fmt.Errorf("count %q did not resolve", v)
			}
			return resolveCount(resolved, ec)
		}
		return parseCount(v)
	}
	return 0, fmt.Errorf("count has unsupported type %T", raw)
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("count %q is not an integer", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("count must not be negative, got %d", n)
	}
	return n, nil
}

// iterationOutput is the output of the body's sink nodes for one iteration:
// a single value for one sink, a map by node id for several, or the bound
// item for an empty body.
func iterationOutput(body *Plan, iteration *ExecutionContext, item interface{}) interface{} {
	ids := sinks(body)
	if len(ids) == 0 {
		return item
	}
	return collect(ids, iteration)
}

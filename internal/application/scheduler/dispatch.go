package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Dispatcher runs node jobs. A dispatcher must run every accepted job.
type Dispatcher interface {
	Submit(ctx context.Context, job func()) error
}

type goDispatcher struct{}

func (goDispatcher) Submit(_ context.Context, job func()) error {
	go job()
	return nil
}

// RetryPolicy controls re-dispatch of failed nodes. The zero value never
// retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	q := p
	if q.BaseDelay <= 0 {
		q.BaseDelay = 200 * time.Millisecond
	}
	if q.MaxDelay <= 0 {
		q.MaxDelay = 5 * time.Second
	}
	if q.MaxDelay < q.BaseDelay {
		q.MaxDelay = q.BaseDelay
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	return q
}

func backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	if !jitter {
		return d
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half))) // #nosec G404 non-crypto
}

// timeoutType maps a node type to its timeout class. Local node types are
// not guarded.
func timeoutType(t domain.NodeType) (string, bool) {
	switch t {
	case domain.NodeTypeInput, domain.NodeTypeOutput, domain.NodeTypeTransform, domain.NodeTypeLoop:
		return "", false
	case domain.NodeTypeCode:
		return timeout.TypeFunction, true
	case domain.NodeTypeKBQuery:
		return timeout.TypeKnowledgeBase, true
	case domain.NodeTypeLLM:
		return timeout.TypeLLM, true
	default:
		return timeout.TypeIntegration, true
	}
}

// dispatch calls the node executor, guarded and retried per policy. It
// returns the number of attempts made.
func (s *Scheduler) dispatch(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, int, error) {
	policy := s.retry.normalized()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt-1, policy.BaseDelay, policy.MaxDelay, policy.Jitter)
			s.logger.Warn("retrying node",
				zap.String("execution_id", req.ExecutionID),
				zap.String("node_id", req.NodeID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}

		res, err := s.executeOnce(ctx, req)
		if err == nil {
			return res, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, domain.ErrNoExecutor) {
			return nil, attempt + 1, err
		}
	}
	return nil, policy.MaxRetries + 1, lastErr
}

func (s *Scheduler) executeOnce(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	class, guarded := timeoutType(req.NodeType)
	if !guarded {
		return s.executor.ExecuteNode(ctx, req)
	}
	call := timeout.Call{
		Name:    req.NodeID,
		Type:    class,
		Timeout: timeout.FromConfig(req.Config),
	}
	return timeout.Run(ctx, s.guard, call, func(ctx context.Context) (*ports.NodeResult, error) {
		return s.executor.ExecuteNode(ctx, req)
	})
}

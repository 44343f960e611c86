package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/flowengine/internal/application/credits"
	"github.com/aescanero/flowengine/internal/application/lifecycle"
	"github.com/aescanero/flowengine/internal/application/timeout"
	creditmemory "github.com/aescanero/flowengine/pkg/adapters/credits/memory"
	eventmemory "github.com/aescanero/flowengine/pkg/adapters/events/memory"
	"github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nodeHandler func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error)

// fakeExecutor records every request. Nodes without a handler echo their id.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []ports.NodeRequest
	handlers map[string]nodeHandler
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handlers: map[string]nodeHandler{}}
}

func (f *fakeExecutor) on(nodeID string, h nodeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[nodeID] = h
}

func (f *fakeExecutor) ExecuteNode(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[req.NodeID]
	f.mu.Unlock()

	if h != nil {
		return h(ctx, req)
	}
	return &ports.NodeResult{Output: map[string]interface{}{"node": req.NodeID}, Success: true}, nil
}

func (f *fakeExecutor) count(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) requests(nodeID string) []ports.NodeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.NodeRequest
	for _, c := range f.calls {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

func output(v interface{}) *ports.NodeResult {
	return &ports.NodeResult{Output: v, Success: true}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) types() map[domain.EventType]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.EventType]int)
	for _, e := range l.events {
		out[e.Type]++
	}
	return out
}

type harness struct {
	scheduler *Scheduler
	executor  *fakeExecutor
	ledger    *creditmemory.Ledger
	events    *eventLog
	bus       *eventmemory.EventBus
}

func newHarness(t *testing.T, balance int64, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	metrics := prometheus.NewCollector(promclient.NewRegistry())

	ledger := creditmemory.NewLedger(logger)
	require.NoError(t, ledger.Grant(ctx, "ws", domain.CreditSourceSubscription, balance))
	creditService := credits.NewService(ledger, credits.DefaultPricing(), false, metrics, logger)

	bus := eventmemory.NewEventBus(0, metrics, logger)
	t.Cleanup(func() { _ = bus.Close() })

	log := &eventLog{}
	for _, et := range domain.WorkflowEventTypes {
		_, err := bus.Subscribe(ctx, string(et), func(ctx context.Context, e domain.Event) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.events = append(log.events, e)
			return nil
		})
		require.NoError(t, err)
	}

	executor := newFakeExecutor()
	guard := timeout.NewGuard(timeout.Config{}, metrics, logger)
	s := New(executor, creditService, guard, lifecycle.NewEmitter(bus, logger), metrics, logger, opts...)

	return &harness{scheduler: s, executor: executor, ledger: ledger, events: log, bus: bus}
}

func (h *harness) run(t *testing.T, def *domain.WorkflowDefinition, inputs map[string]interface{}) *domain.ExecutionResult {
	t.Helper()
	return h.scheduler.Run(context.Background(), RunRequest{
		ExecutionID: "exec-1",
		WorkspaceID: "ws",
		Definition:  def,
		Inputs:      inputs,
	})
}

func (h *harness) assertSettled(t *testing.T) {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), "ws")
	require.NoError(t, err)
	assert.Zero(t, b.Reserved, "reservation left open")
}

func queryWorkflow() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:       "query",
		EntryPoint: "input",
		Nodes: map[string]domain.NodeSpec{
			"input":  {Type: domain.NodeTypeInput, Name: "Input"},
			"query":  {Type: domain.NodeTypeDatabase, Name: "Query", Config: map[string]interface{}{"sql": "select 1"}},
			"output": {Type: domain.NodeTypeOutput, Name: "Output"},
		},
		Edges: []domain.Edge{edge("input", "query"), edge("query", "output")},
	}
}

func TestRunInputDatabaseOutput(t *testing.T) {
	h := newHarness(t, 100)
	rows := []interface{}{map[string]interface{}{"id": 1}, map[string]interface{}{"id": 2}}
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return output(map[string]interface{}{"rows": rows}), nil
	})
	h.executor.on("output", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return output(req.Context["query"]), nil
	})

	result := h.run(t, queryWorkflow(), map[string]interface{}{"limit": 2})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Empty(t, result.Error)
	assert.Contains(t, result.ExecutedNodes, "query")
	assert.Contains(t, result.ExecutedNodes, "output")
	assert.Equal(t, map[string]interface{}{"rows": rows}, result.Output)
	assert.Equal(t, int64(1), result.CreditsUsed)
	h.assertSettled(t)

	b, err := h.ledger.Balance(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, int64(99), b.Available)

	inputReq := h.executor.requests("input")[0]
	assert.Equal(t, map[string]interface{}{"limit": 2}, inputReq.Context[InputsKey])

	assert.Eventually(t, func() bool {
		types := h.events.types()
		return types[domain.EventTypeExecutionStarted] == 1 &&
			types[domain.EventTypeNodeStarted] == 3 &&
			types[domain.EventTypeNodeCompleted] == 3 &&
			types[domain.EventTypeExecutionProgress] == 3 &&
			types[domain.EventTypeExecutionCompleted] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunNodeFailureStopsDownstream(t *testing.T) {
	h := newHarness(t, 100)
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return nil, errors.New("Connection refused")
	})

	result := h.run(t, queryWorkflow(), nil)

	assert.False(t, result.Success)
	assert.Equal(t, domain.ExecutionStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Contains(t, result.Error, "Connection refused")
	assert.Equal(t, "query", result.FailedNode)
	assert.NotContains(t, result.ExecutedNodes, "output")
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)

	assert.Eventually(t, func() bool {
		types := h.events.types()
		return types[domain.EventTypeNodeFailed] == 1 && types[domain.EventTypeExecutionFailed] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunOutputNodeFailureFailsRun(t *testing.T) {
	h := newHarness(t, 100)
	h.executor.on("output", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return nil, errors.New("render failed")
	})

	result := h.run(t, queryWorkflow(), nil)

	assert.False(t, result.Success)
	assert.Equal(t, "output", result.FailedNode)
	assert.Contains(t, result.ExecutedNodes, "query")
}

func TestRunCreditDenied(t *testing.T) {
	h := newHarness(t, 0)

	result := h.run(t, queryWorkflow(), nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "insufficient credits")
	assert.Empty(t, result.ExecutedNodes)
	assert.Zero(t, h.executor.count("input"))
	h.assertSettled(t)
}

func TestRunInvalidDefinition(t *testing.T) {
	h := newHarness(t, 100)

	result := h.run(t, &domain.WorkflowDefinition{Name: "empty"}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid workflow definition")
}

func TestOutputsVisibleOnlyAfterCompletion(t *testing.T) {
	h := newHarness(t, 100)
	def := &domain.WorkflowDefinition{
		Nodes: map[string]domain.NodeSpec{
			"in": {Type: domain.NodeTypeInput},
			"a":  {Type: domain.NodeTypeTransform},
			"b":  {Type: domain.NodeTypeTransform},
			"c":  {Type: domain.NodeTypeTransform},
		},
		Edges: []domain.Edge{edge("in", "a"), edge("a", "b"), edge("b", "c")},
	}

	result := h.run(t, def, nil)
	require.True(t, result.Success, result.Error)

	order := []string{"in", "a", "b", "c"}
	for i, id := range order {
		ctx := h.executor.requests(id)[0].Context
		for _, done := range order[:i] {
			assert.Contains(t, ctx, done, "%s should see %s", id, done)
		}
		for _, pending := range order[i:] {
			assert.NotContains(t, ctx, pending, "%s should not see %s", id, pending)
		}
	}
	assert.Equal(t, order, result.ExecutedNodes)
	assert.Equal(t, map[string]interface{}{"node": "c"}, result.Output)
}

func TestParallelBranchesJoin(t *testing.T) {
	h := newHarness(t, 100)
	def := &domain.WorkflowDefinition{
		Nodes: map[string]domain.NodeSpec{
			"in":   {Type: domain.NodeTypeInput},
			"a":    {Type: domain.NodeTypeHTTP},
			"b":    {Type: domain.NodeTypeHTTP},
			"join": {Type: domain.NodeTypeTransform},
		},
		Edges: []domain.Edge{edge("in", "a"), edge("in", "b"), edge("a", "join"), edge("b", "join")},
	}

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	branch := func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		arrived.Done()
		select {
		case <-both:
			return output(req.NodeID), nil
		case <-time.After(time.Second):
			return nil, errors.New("branches did not run concurrently")
		}
	}
	h.executor.on("a", branch)
	h.executor.on("b", branch)

	result := h.run(t, def, nil)

	require.True(t, result.Success, result.Error)
	joinCtx := h.executor.requests("join")[0].Context
	assert.Equal(t, "a", joinCtx["a"])
	assert.Equal(t, "b", joinCtx["b"])
}

func TestNodeTimeout(t *testing.T) {
	h := newHarness(t, 100)
	def := queryWorkflow()
	spec := def.Nodes["query"]
	spec.Config = map[string]interface{}{"timeoutMs": 20}
	def.Nodes["query"] = spec

	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	result := h.run(t, def, nil)

	assert.False(t, result.Success)
	assert.Equal(t, "query", result.FailedNode)
	assert.Contains(t, result.Error, "timed out after 20ms")
	h.assertSettled(t)
}

func TestRetryPolicy(t *testing.T) {
	h := newHarness(t, 100, WithRetry(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}))
	attempts := 0
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("flaky")
		}
		return output("ok"), nil
	})

	result := h.run(t, queryWorkflow(), nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 3, result.Metrics["query"].Attempts)
}

func TestCancellation(t *testing.T) {
	h := newHarness(t, 100)
	started := make(chan struct{})
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result := h.scheduler.Run(ctx, RunRequest{ExecutionID: "exec-c", WorkspaceID: "ws", Definition: queryWorkflow()})

	assert.Equal(t, domain.ExecutionStatusCancelled, result.Status)
	assert.False(t, result.Success)
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)
}

type memoryCheckpoints struct {
	mu   sync.Mutex
	data map[string]map[string]interface{}
}

func (m *memoryCheckpoints) SaveCheckpoint(_ context.Context, executionID, nodeID string, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[executionID] == nil {
		m.data[executionID] = map[string]interface{}{}
	}
	m.data[executionID][nodeID] = out
	return nil
}

func (m *memoryCheckpoints) LoadCheckpoints(_ context.Context, executionID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]interface{}{}
	for k, v := range m.data[executionID] {
		out[k] = v
	}
	return out, nil
}

func (m *memoryCheckpoints) DeleteCheckpoints(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, executionID)
	return nil
}

func TestPauseAndResume(t *testing.T) {
	store := &memoryCheckpoints{data: map[string]map[string]interface{}{}}
	h := newHarness(t, 100, WithCheckpoints(store))
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return &ports.NodeResult{
			Output:  "awaiting approval",
			Signals: map[string]interface{}{"pause": true, "reason": "approval"},
			Success: true,
		}, nil
	})

	first := h.run(t, queryWorkflow(), nil)

	assert.Equal(t, domain.ExecutionStatusPaused, first.Status)
	assert.False(t, first.Success)
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)

	second := h.run(t, queryWorkflow(), nil)

	require.True(t, second.Success, second.Error)
	assert.Equal(t, 1, h.executor.count("query"), "completed nodes are not re-dispatched")
	assert.Equal(t, 1, h.executor.count("input"))
	assert.True(t, second.Metrics["query"].Restored)
	assert.Equal(t, 1, h.executor.count("output"))

	restored, err := store.LoadCheckpoints(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Empty(t, restored, "checkpoints are dropped once the run completes")

	assert.Eventually(t, func() bool {
		return h.events.types()[domain.EventTypeExecutionPaused] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCheckpointsDroppedWhenRunCannotResume(t *testing.T) {
	t.Run("failed", func(t *testing.T) {
		store := &memoryCheckpoints{data: map[string]map[string]interface{}{}}
		h := newHarness(t, 100, WithCheckpoints(store))
		h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
			return nil, errors.New("Connection refused")
		})

		result := h.run(t, queryWorkflow(), nil)

		require.Equal(t, domain.ExecutionStatusFailed, result.Status)
		restored, err := store.LoadCheckpoints(context.Background(), "exec-1")
		require.NoError(t, err)
		assert.Empty(t, restored)
	})

	t.Run("cancelled", func(t *testing.T) {
		store := &memoryCheckpoints{data: map[string]map[string]interface{}{}}
		h := newHarness(t, 100, WithCheckpoints(store))
		ctx, cancel := context.WithCancel(context.Background())
		h.executor.on("query", func(qctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
			cancel()
			<-qctx.Done()
			return nil, qctx.Err()
		})

		result := h.scheduler.Run(ctx, RunRequest{ExecutionID: "exec-1", WorkspaceID: "ws", Definition: queryWorkflow()})

		require.Equal(t, domain.ExecutionStatusCancelled, result.Status)
		restored, err := store.LoadCheckpoints(context.Background(), "exec-1")
		require.NoError(t, err)
		assert.Empty(t, restored)
		h.assertSettled(t)
	})
}

func TestRunDeadlineFailsWithTimeoutError(t *testing.T) {
	h := newHarness(t, 100)
	h.executor.on("query", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result := h.scheduler.Run(ctx, RunRequest{ExecutionID: "exec-1", WorkspaceID: "ws", Definition: queryWorkflow()})

	assert.Equal(t, domain.ExecutionStatusFailed, result.Status)
	assert.Equal(t, "query", result.FailedNode)
	assert.Contains(t, result.Error, `workflow "query" timed out after`)
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)
}

func TestExecutionChannelDeliversNodeEventsBeforeTerminal(t *testing.T) {
	h := newHarness(t, 1000)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("exec-order-%d", i)
		ctx, cancel := context.WithCancel(context.Background())
		events := make(chan domain.Event, 64)
		_, err := h.bus.Subscribe(ctx, domain.ExecutionChannel(id), func(ctx context.Context, e domain.Event) error {
			events <- e
			return nil
		})
		require.NoError(t, err)

		result := h.scheduler.Run(context.Background(), RunRequest{ExecutionID: id, WorkspaceID: "ws", Definition: queryWorkflow()})
		require.True(t, result.Success, result.Error)

		var seen []domain.Event
	collect:
		for {
			select {
			case e := <-events:
				seen = append(seen, e)
				if e.IsTerminal() {
					break collect
				}
			case <-time.After(time.Second):
				t.Fatalf("run %s: no terminal event after %d events", id, len(seen))
			}
		}
		cancel()

		counts := map[domain.EventType]int{}
		for _, e := range seen {
			assert.Equal(t, id, e.ExecutionID)
			counts[e.Type]++
		}
		assert.Equal(t, domain.EventTypeExecutionStarted, seen[0].Type)
		assert.Equal(t, domain.EventTypeExecutionCompleted, seen[len(seen)-1].Type)
		assert.Equal(t, 3, counts[domain.EventTypeNodeStarted], "run %s", id)
		assert.Equal(t, 3, counts[domain.EventTypeNodeCompleted], "run %s: node events after the terminal event", id)
		assert.Equal(t, 3, counts[domain.EventTypeExecutionProgress], "run %s", id)
	}
}

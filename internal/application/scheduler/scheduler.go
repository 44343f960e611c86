package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/flowengine/internal/application/credits"
	"github.com/aescanero/flowengine/internal/application/lifecycle"
	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler runs workflow definitions to a terminal state.
type Scheduler struct {
	executor    ports.NodeExecutor
	credits     *credits.Service
	guard       *timeout.Guard
	emitter     *lifecycle.Emitter
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	checkpoints ports.CheckpointStore
	dispatcher  Dispatcher
	tracer      ports.Tracer
	retry       RetryPolicy

	maxLoopIterations int
}

// DefaultMaxLoopIterations bounds one loop node when no limit is configured.
const DefaultMaxLoopIterations = 10000

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckpoints records completed top-level nodes so a run can resume.
func WithCheckpoints(store ports.CheckpointStore) Option {
	return func(s *Scheduler) {
		s.checkpoints = store
	}
}

// WithDispatcher runs task nodes through d instead of one goroutine each.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Scheduler) {
		s.dispatcher = d
	}
}

// WithTracer opens a span per run and per node.
func WithTracer(t ports.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = t
	}
}

// WithRetry re-dispatches failed nodes per policy.
func WithRetry(p RetryPolicy) Option {
	return func(s *Scheduler) {
		s.retry = p
	}
}

// WithMaxLoopIterations caps the iterations of a single loop node. Loops
// whose source exceeds n fail with an invalid loop configuration.
func WithMaxLoopIterations(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxLoopIterations = n
		}
	}
}

// New creates a scheduler.
func New(
	executor ports.NodeExecutor,
	creditService *credits.Service,
	guard *timeout.Guard,
	emitter *lifecycle.Emitter,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		executor:   executor,
		credits:    creditService,
		guard:      guard,
		emitter:    emitter,
		metrics:    metrics,
		logger:     logger,
		dispatcher: goDispatcher{},

		maxLoopIterations: DefaultMaxLoopIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunRequest is one workflow run.
type RunRequest struct {
	ExecutionID string
	WorkspaceID string
	Definition  *domain.WorkflowDefinition
	Inputs      map[string]interface{}
}

// execution is the mutable state of one run shared by every plan level.
type execution struct {
	id          string
	workspaceID string
	meter       *credits.Meter
	restored    map[string]interface{}
	total       int

	mu          sync.Mutex
	executed    []string
	metrics     map[string]domain.NodeMetrics
	completed   int
	paused      bool
	pausedNode  string
	pauseReason interface{}
}

func (e *execution) record(nodeID string, m domain.NodeMetrics, topLevel bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, nodeID)
	e.metrics[nodeID] = m
	if topLevel {
		e.completed++
	}
	return e.completed
}

func (e *execution) pause(nodeID string, reason interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.pausedNode = nodeID
	e.pauseReason = reason
}

func (e *execution) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Run executes req and always returns a result.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) *domain.ExecutionResult {
	startedAt := time.Now().UTC()
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}
	result := &domain.ExecutionResult{
		ExecutionID:   req.ExecutionID,
		Status:        domain.ExecutionStatusRunning,
		ExecutedNodes: []string{},
		Metrics:       map[string]domain.NodeMetrics{},
		StartedAt:     startedAt,
	}
	logger := s.logger.With(
		zap.String("execution_id", req.ExecutionID),
		zap.String("workspace_id", req.WorkspaceID))

	ctx, span := s.startSpan(ctx, "workflow.run", map[string]interface{}{
		"execution_id": req.ExecutionID,
		"workspace_id": req.WorkspaceID,
	})
	s.metrics.RecordExecutionStarted(string(domain.ExecutionKindWorkflow))

	// Terminal bookkeeping must survive run cancellation.
	bg := context.WithoutCancel(ctx)

	plan, err := Compile(req.Definition)
	if err != nil {
		logger.Warn("invalid workflow definition", zap.Error(err))
		return s.fail(bg, result, span, err, "")
	}

	estimate := s.credits.Pricing().EstimateWorkflowCredits(req.Definition)
	meter, err := s.credits.Admit(ctx, req.WorkspaceID, estimate)
	if err != nil {
		logger.Info("execution denied", zap.Int64("estimate", estimate), zap.Error(err))
		return s.fail(bg, result, span, err, "")
	}
	defer func() {
		// Settle is idempotent; this covers panics between admission and
		// the explicit settlement below.
		_, _ = meter.Settle(bg)
	}()

	exec := &execution{
		id:          req.ExecutionID,
		workspaceID: req.WorkspaceID,
		meter:       meter,
		restored:    map[string]interface{}{},
		total:       plan.topLevelCount(),
		metrics:     result.Metrics,
	}
	if s.checkpoints != nil {
		restored, err := s.checkpoints.LoadCheckpoints(ctx, req.ExecutionID)
		if err != nil {
			logger.Warn("failed to load checkpoints", zap.Error(err))
		} else if len(restored) > 0 {
			exec.restored = restored
			logger.Info("resuming execution", zap.Int("restored_nodes", len(restored)))
		}
	}

	s.emitter.EmitExecutionStarted(ctx, req.ExecutionID, map[string]interface{}{
		"name":        req.Definition.Name,
		"workspaceId": req.WorkspaceID,
		"totalNodes":  exec.total,
		"entryPoint":  plan.EntryPoint(),
	})

	ec := NewExecutionContext(req.Inputs)
	runErr := s.runPlan(ctx, exec, plan, ec, 0)

	exec.mu.Lock()
	result.ExecutedNodes = append(result.ExecutedNodes, exec.executed...)
	exec.mu.Unlock()

	s.settle(bg, result, meter, logger)

	switch {
	case runErr == nil && exec.isPaused():
		result.Status = domain.ExecutionStatusPaused
		result.CompletedAt = time.Now().UTC()
		s.emitter.EmitExecutionPaused(bg, req.ExecutionID, exec.pausedNode, exec.pauseReason)
		logger.Info("execution paused", zap.String("node_id", exec.pausedNode))
		span.End()

	case runErr == nil:
		result.Status = domain.ExecutionStatusCompleted
		result.Success = true
		result.Output = resolveOutput(plan, ec)
		result.CompletedAt = time.Now().UTC()
		s.dropCheckpoints(bg, req.ExecutionID)
		s.emitter.EmitExecutionCompleted(bg, req.ExecutionID, result.Output,
			result.CompletedAt.Sub(startedAt), result.CreditsUsed)
		logger.Info("execution completed",
			zap.Int("executed_nodes", len(result.ExecutedNodes)),
			zap.Int64("credits_used", result.CreditsUsed))
		span.End()

	case errors.Is(runErr, context.Canceled):
		result.Status = domain.ExecutionStatusCancelled
		result.Error = "execution cancelled"
		result.CompletedAt = time.Now().UTC()
		s.dropCheckpoints(bg, req.ExecutionID)
		s.emitter.EmitExecutionCancelled(bg, req.ExecutionID)
		logger.Info("execution cancelled")
		span.EndWithError(runErr)

	default:
		var nodeErr *domain.NodeExecutionError
		failedNode := ""
		if errors.As(runErr, &nodeErr) {
			failedNode = nodeErr.NodeID
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = runTimeout(ctx, req, startedAt)
		}
		logger.Warn("execution failed", zap.String("node_id", failedNode), zap.Error(runErr))
		s.finish(bg, result, span, runErr, failedNode)
		return result
	}

	s.metrics.RecordExecutionCompleted(string(domain.ExecutionKindWorkflow), string(result.Status),
		result.CompletedAt.Sub(startedAt))
	return result
}

func (s *Scheduler) settle(ctx context.Context, result *domain.ExecutionResult, meter *credits.Meter, logger *zap.Logger) {
	result.CreditsUsed = meter.Used()
	settlement, err := meter.Settle(ctx)
	if err != nil {
		logger.Error("failed to settle credits", zap.Error(err))
		return
	}
	if settlement.Overage > 0 {
		logger.Warn("execution exceeded its credit reservation",
			zap.Int64("reserved", settlement.Reserved),
			zap.Int64("overage", settlement.Overage))
	}
}

// fail resolves a run that never started scheduling.
func (s *Scheduler) fail(ctx context.Context, result *domain.ExecutionResult, span ports.Span, err error, nodeID string) *domain.ExecutionResult {
	s.finish(ctx, result, span, err, nodeID)
	return result
}

// runTimeout describes a run that outlived its context deadline.
func runTimeout(ctx context.Context, req RunRequest, startedAt time.Time) *domain.TimeoutError {
	budget := time.Since(startedAt)
	if deadline, ok := ctx.Deadline(); ok {
		budget = deadline.Sub(startedAt)
	}
	name := req.Definition.Name
	if name == "" {
		name = req.ExecutionID
	}
	return &domain.TimeoutError{
		Name:      name,
		Type:      timeout.TypeWorkflow,
		Timeout:   budget,
		StartTime: startedAt,
	}
}

// dropCheckpoints forgets the checkpoint log of a run that can no longer
// be resumed.
func (s *Scheduler) dropCheckpoints(ctx context.Context, executionID string) {
	if s.checkpoints == nil {
		return
	}
	if err := s.checkpoints.DeleteCheckpoints(ctx, executionID); err != nil {
		s.logger.Warn("failed to delete checkpoints",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

func (s *Scheduler) finish(ctx context.Context, result *domain.ExecutionResult, span ports.Span, err error, nodeID string) {
	s.dropCheckpoints(ctx, result.ExecutionID)
	result.Status = domain.ExecutionStatusFailed
	result.Success = false
	result.Error = err.Error()
	result.FailedNode = nodeID
	result.CompletedAt = time.Now().UTC()
	s.emitter.EmitExecutionFailed(ctx, result.ExecutionID, result.Error, nodeID)
	s.metrics.RecordExecutionCompleted(string(domain.ExecutionKindWorkflow), string(result.Status),
		result.CompletedAt.Sub(result.StartedAt))
	span.EndWithError(err)
}

type completion struct {
	index  int
	output interface{}
	err    error
}

// runPlan drives one plan level to completion. It returns the first error
// observed; in-flight nodes are always awaited.
func (s *Scheduler) runPlan(ctx context.Context, exec *execution, p *Plan, ec *ExecutionContext, depth int) error {
	pending := make([]int, len(p.nodes))
	var ready []int
	for i, n := range p.nodes {
		pending[i] = len(n.deps)
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	done := make(chan completion, len(p.nodes))
	aggregates := make(map[int]*loopAggregate)
	inFlight := 0
	var firstErr error

	for {
		if firstErr == nil && !exec.isPaused() && len(ready) > 0 {
			if err := ctx.Err(); err != nil {
				firstErr = err
			} else {
				sort.Slice(ready, func(a, b int) bool {
					return p.nodes[ready[a]].label() < p.nodes[ready[b]].label()
				})
				for _, idx := range ready {
					s.launch(ctx, exec, p.nodes[idx], ec, depth, aggregates, done)
					inFlight++
				}
			}
		}
		ready = ready[:0]

		if inFlight == 0 {
			break
		}
		c := <-done
		inFlight--

		if c.err != nil {
			if firstErr == nil {
				firstErr = c.err
			}
			continue
		}
		node := p.nodes[c.index]
		if node.kind == kindLoopStart {
			agg, _ := c.output.(*loopAggregate)
			aggregates[node.loop.end] = agg
		}
		for _, d := range node.dependents {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return firstErr
}

func (s *Scheduler) launch(
	ctx context.Context,
	exec *execution,
	node *planNode,
	ec *ExecutionContext,
	depth int,
	aggregates map[int]*loopAggregate,
	done chan<- completion,
) {
	idx := node.index

	switch node.kind {
	case kindLoopStart:
		go func() {
			defer s.recoverNode(ctx, exec, node.loop.nodeID, domain.NodeTypeLoop, idx, done)
			agg, err := s.runLoop(ctx, exec, node, ec, depth)
			done <- completion{index: idx, output: agg, err: err}
		}()

	case kindLoopEnd:
		out, err := s.completeLoop(ctx, exec, node, ec, depth, aggregates[idx])
		done <- completion{index: idx, output: out, err: err}

	default:
		if depth == 0 {
			if out, ok := exec.restored[node.nodeID]; ok {
				s.restore(ctx, exec, node, ec, out)
				done <- completion{index: idx, output: out}
				return
			}
		}
		s.emitter.EmitNodeStarted(ctx, exec.id, node.nodeID, node.spec.Type, node.spec.Name)
		job := func() {
			defer s.recoverNode(ctx, exec, node.nodeID, node.spec.Type, idx, done)
			out, err := s.runTask(ctx, exec, node, ec, depth)
			done <- completion{index: idx, output: out, err: err}
		}
		if err := s.dispatcher.Submit(ctx, job); err != nil {
			nodeErr := &domain.NodeExecutionError{
				NodeID:   node.nodeID,
				NodeType: node.spec.Type,
				Err:      fmt.Errorf("failed to dispatch node: %w", err),
			}
			s.emitter.EmitNodeFailed(ctx, exec.id, node.nodeID, node.spec.Type, nodeErr.Error())
			done <- completion{index: idx, err: nodeErr}
		}
	}
}

// recoverNode turns a panic in a node goroutine into a failure of that node.
// It must be deferred directly.
func (s *Scheduler) recoverNode(ctx context.Context, exec *execution, nodeID string, nodeType domain.NodeType, idx int, done chan<- completion) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error("node panicked",
		zap.String("execution_id", exec.id),
		zap.String("node_id", nodeID),
		zap.Any("panic", r))
	s.metrics.RecordNodeExecuted(string(nodeType), "failed", 0)

	nodeErr := &domain.NodeExecutionError{
		NodeID:   nodeID,
		NodeType: nodeType,
		Err:      fmt.Errorf("node panicked: %v", r),
	}
	s.emitter.EmitNodeFailed(ctx, exec.id, nodeID, nodeType, nodeErr.Error())
	done <- completion{index: idx, err: nodeErr}
}

func (s *Scheduler) restore(ctx context.Context, exec *execution, node *planNode, ec *ExecutionContext, out interface{}) {
	ec.Set(node.nodeID, out)
	completed := exec.record(node.nodeID, domain.NodeMetrics{NodeType: node.spec.Type, Restored: true}, true)
	s.emitter.EmitExecutionProgress(ctx, exec.id, completed, exec.total)
}

// runTask executes one task node and publishes its output.
func (s *Scheduler) runTask(ctx context.Context, exec *execution, node *planNode, ec *ExecutionContext, depth int) (interface{}, error) {
	ctx, span := s.startSpan(ctx, "workflow.node", map[string]interface{}{
		"execution_id": exec.id,
		"node_id":      node.nodeID,
		"node_type":    string(node.spec.Type),
	})
	start := time.Now()

	req := ports.NodeRequest{
		ExecutionID: exec.id,
		WorkspaceID: exec.workspaceID,
		NodeID:      node.nodeID,
		NodeType:    node.spec.Type,
		Config:      node.spec.Config,
		Context:     ec.Snapshot(),
	}
	res, attempts, err := s.dispatch(ctx, req)
	if err == nil && res != nil && !res.Success {
		err = fmt.Errorf("node reported failure: %v", res.Result)
	}
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordNodeExecuted(string(node.spec.Type), "failed", duration)
		nodeErr := &domain.NodeExecutionError{NodeID: node.nodeID, NodeType: node.spec.Type, Err: err}
		s.emitter.EmitNodeFailed(ctx, exec.id, node.nodeID, node.spec.Type, err.Error())
		span.EndWithError(nodeErr)
		return nil, nodeErr
	}
	if res == nil {
		res = &ports.NodeResult{Success: true}
	}

	ec.Set(node.nodeID, res.Output)
	exec.meter.Add(s.credits.Pricing().CalculateNodeCredits(node.spec.Type, res.Metrics))
	s.metrics.RecordNodeExecuted(string(node.spec.Type), "completed", duration)

	completed := exec.record(node.nodeID, domain.NodeMetrics{
		NodeType:   node.spec.Type,
		DurationMs: duration.Milliseconds(),
		Attempts:   attempts,
		Extra:      res.Metrics,
	}, depth == 0)

	if depth == 0 {
		s.checkpoint(ctx, exec.id, node.nodeID, res.Output)
	}
	s.emitter.EmitNodeCompleted(ctx, exec.id, node.nodeID, node.spec.Type, res.Output, duration)

	if pause, _ := res.Signals["pause"].(bool); pause {
		exec.pause(node.nodeID, res.Signals["reason"])
	}
	if depth == 0 {
		s.emitter.EmitExecutionProgress(ctx, exec.id, completed, exec.total)
	}

	span.End()
	return res.Output, nil
}

func (s *Scheduler) checkpoint(ctx context.Context, executionID, nodeID string, output interface{}) {
	if s.checkpoints == nil {
		return
	}
	if err := s.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), executionID, nodeID, output); err != nil {
		s.logger.Warn("failed to save checkpoint",
			zap.String("execution_id", executionID),
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}

type noopSpan struct{}

func (noopSpan) SetAttributes(map[string]interface{}) {}
func (noopSpan) End()                                 {}
func (noopSpan) EndWithError(error)                   {}

func (s *Scheduler) startSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, ports.Span) {
	if s.tracer == nil {
		return ctx, noopSpan{}
	}
	return s.tracer.StartSpan(ctx, name, attrs)
}

// resolveOutput picks the run output: the value of the output node, a map of
// values when there are several, or the outputs of the sink nodes otherwise.
func resolveOutput(p *Plan, ec *ExecutionContext) interface{} {
	var outputs []string
	for _, n := range p.nodes {
		if n.kind == kindTask && n.spec.Type == domain.NodeTypeOutput {
			outputs = append(outputs, n.nodeID)
		}
	}
	if len(outputs) == 0 {
		outputs = sinks(p)
	}
	return collect(outputs, ec)
}

func sinks(p *Plan) []string {
	var ids []string
	for _, n := range p.nodes {
		if len(n.dependents) == 0 && n.kind != kindLoopStart {
			ids = append(ids, n.nodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

func collect(ids []string, ec *ExecutionContext) interface{} {
	switch len(ids) {
	case 0:
		return nil
	case 1:
		v, _ := ec.Get(ids[0])
		return v
	}
	out := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		v, _ := ec.Get(id)
		out[id] = v
	}
	return out
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/flowengine/internal/application/agent"
	"github.com/aescanero/flowengine/internal/application/scheduler"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned for submissions after Shutdown.
	ErrShuttingDown = errors.New("manager is shutting down")

	// ErrNotResumable is returned when resuming a run that is not paused.
	ErrNotResumable = errors.New("execution is not paused")

	// ErrAlreadyTerminal is returned when cancelling a finished run.
	ErrAlreadyTerminal = errors.New("execution already in terminal state")

	// ErrDuplicateExecution is returned when a submission reuses a run id.
	ErrDuplicateExecution = errors.New("execution already exists")
)

// Manager coordinates run execution
type Manager struct {
	scheduler *scheduler.Scheduler
	agents    *agent.Orchestrator
	store     ports.ExecutionStore
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	// Track active executions
	executions sync.Map // map[string]*activeExecution
	active     atomic.Int64
	closed     atomic.Bool
	wg         sync.WaitGroup

	graphTimeout time.Duration
}

// activeExecution holds the handle of one running execution
type activeExecution struct {
	id     string
	kind   domain.ExecutionKind
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkflowSubmission is a request to run a workflow.
type WorkflowSubmission struct {
	// ExecutionID pins the run id so a caller can subscribe to
	// domain.ExecutionChannel before the run starts. Empty generates one.
	ExecutionID string
	WorkspaceID string
	UserID      string
	Definition  *domain.WorkflowDefinition
	Inputs      map[string]interface{}
}

// AgentSubmission is a request to run an agent.
type AgentSubmission struct {
	ExecutionID string
	WorkspaceID string
	UserID      string
	Agent       *domain.AgentConfig
	ThreadID    string
	Message     string
	History     []domain.Message
}

// NewManager creates a new manager. A zero graphTimeout leaves workflow runs
// unbounded.
func NewManager(
	sched *scheduler.Scheduler,
	agents *agent.Orchestrator,
	store ports.ExecutionStore,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	graphTimeout time.Duration,
) *Manager {
	return &Manager{
		scheduler:    sched,
		agents:       agents,
		store:        store,
		metrics:      metrics,
		validator:    validator,
		logger:       logger,
		graphTimeout: graphTimeout,
	}
}

// SubmitWorkflow validates and starts a workflow run. The returned record is
// a snapshot taken at submission.
func (m *Manager) SubmitWorkflow(ctx context.Context, sub WorkflowSubmission) (*domain.ExecutionRecord, error) {
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}
	if err := m.validator.Validate(sub.Definition); err != nil {
		m.logger.Info("workflow validation failed", zap.String("workspace_id", sub.WorkspaceID), zap.Error(err))
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	id, err := m.executionID(ctx, sub.ExecutionID)
	if err != nil {
		return nil, err
	}

	record := &domain.ExecutionRecord{
		ID:          id,
		Kind:        domain.ExecutionKindWorkflow,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Status:      domain.ExecutionStatusPending,
		Definition:  sub.Definition,
		Inputs:      sub.Inputs,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.store.SaveExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	submitted := *record
	m.startWorkflow(record)
	m.logger.Info("workflow submitted",
		zap.String("execution_id", submitted.ID),
		zap.String("workspace_id", submitted.WorkspaceID),
		zap.String("workflow", sub.Definition.Name))
	return &submitted, nil
}

// SubmitAgent validates and starts an agent run
func (m *Manager) SubmitAgent(ctx context.Context, sub AgentSubmission) (*domain.ExecutionRecord, error) {
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}
	if err := m.validator.ValidateAgent(sub.Agent); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	id, err := m.executionID(ctx, sub.ExecutionID)
	if err != nil {
		return nil, err
	}

	threadID := sub.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	record := &domain.ExecutionRecord{
		ID:          id,
		Kind:        domain.ExecutionKindAgent,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Status:      domain.ExecutionStatusPending,
		Agent:       sub.Agent,
		ThreadID:    threadID,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.store.SaveExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	submitted := *record
	runCtx, exec := m.track(record, 0)
	m.wg.Add(1)
	go func() {
		defer m.untrack(exec)
		m.markRunning(record)

		result := m.agents.Run(runCtx, agent.Input{
			ExecutionID: record.ID,
			WorkspaceID: record.WorkspaceID,
			Agent:       sub.Agent,
			ThreadID:    threadID,
			History:     sub.History,
			Message:     sub.Message,
		})

		record.AgentResult = result
		m.complete(record, result.Status, result.Error)
	}()

	m.logger.Info("agent run submitted",
		zap.String("execution_id", submitted.ID),
		zap.String("agent_id", sub.Agent.ID),
		zap.String("thread_id", threadID))
	return &submitted, nil
}

// executionID returns requested, or a fresh id when it is empty.
func (m *Manager) executionID(ctx context.Context, requested string) (string, error) {
	if requested == "" {
		return uuid.New().String(), nil
	}
	if _, running := m.executions.Load(requested); running {
		return "", fmt.Errorf("%w: %s", ErrDuplicateExecution, requested)
	}
	_, err := m.store.GetExecution(ctx, requested)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %s", ErrDuplicateExecution, requested)
	case errors.Is(err, domain.ErrExecutionNotFound):
		return requested, nil
	default:
		return "", fmt.Errorf("failed to check execution id: %w", err)
	}
}

// GetExecution returns the stored record of a run
func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return m.store.GetExecution(ctx, executionID)
}

// ListExecutions returns every stored record
func (m *Manager) ListExecutions(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	return m.store.ListExecutions(ctx)
}

// CancelExecution cancels a running execution. The run resolves as
// cancelled once in-flight work drains.
func (m *Manager) CancelExecution(ctx context.Context, executionID string) error {
	val, ok := m.executions.Load(executionID)
	if !ok {
		record, err := m.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, record.Status)
	}

	exec := val.(*activeExecution)
	exec.cancel()
	m.logger.Info("execution cancellation requested", zap.String("execution_id", executionID))
	return nil
}

// Resume restarts a paused workflow under the same execution id. Nodes that
// completed before the pause are restored from checkpoints.
func (m *Manager) Resume(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}
	if _, running := m.executions.Load(executionID); running {
		return nil, fmt.Errorf("%w: %s is still running", ErrNotResumable, executionID)
	}

	record, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.Kind != domain.ExecutionKindWorkflow || record.Status != domain.ExecutionStatusPaused {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, executionID, record.Status)
	}

	record.Status = domain.ExecutionStatusPending
	record.CompletedAt = nil
	record.Error = ""
	if err := m.store.SaveExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	resumed := *record
	m.startWorkflow(record)
	m.logger.Info("workflow resumed", zap.String("execution_id", executionID))
	return &resumed, nil
}

// Wait blocks until the run finishes or ctx ends and returns the stored record.
func (m *Manager) Wait(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	if val, ok := m.executions.Load(executionID); ok {
		select {
		case <-val.(*activeExecution).done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetExecution(ctx, executionID)
}

// ActiveCount returns the number of running executions.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

func (m *Manager) startWorkflow(record *domain.ExecutionRecord) {
	runCtx, exec := m.track(record, m.graphTimeout)
	m.wg.Add(1)
	go func() {
		defer m.untrack(exec)
		m.markRunning(record)

		result := m.scheduler.Run(runCtx, scheduler.RunRequest{
			ExecutionID: record.ID,
			WorkspaceID: record.WorkspaceID,
			Definition:  record.Definition,
			Inputs:      record.Inputs,
		})

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("workflow execution timed out",
				zap.String("execution_id", record.ID),
				zap.Duration("timeout", m.graphTimeout))
		}
		record.Result = result
		m.complete(record, result.Status, result.Error)
	}()
}

// track registers a running execution. Runs are detached from the
// submitting request and bounded by timeout when set.
func (m *Manager) track(record *domain.ExecutionRecord, timeout time.Duration) (context.Context, *activeExecution) {
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	exec := &activeExecution{
		id:     record.ID,
		kind:   record.Kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.executions.Store(record.ID, exec)
	m.metrics.SetActiveExecutions(int(m.active.Add(1)))
	return ctx, exec
}

func (m *Manager) untrack(exec *activeExecution) {
	exec.cancel()
	m.executions.Delete(exec.id)
	m.metrics.SetActiveExecutions(int(m.active.Add(-1)))
	close(exec.done)
	m.wg.Done()
}

func (m *Manager) markRunning(record *domain.ExecutionRecord) {
	now := time.Now().UTC()
	record.Status = domain.ExecutionStatusRunning
	record.StartedAt = &now
	m.save(record)
}

func (m *Manager) complete(record *domain.ExecutionRecord, status domain.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	record.Status = status
	record.Error = errMsg
	record.CompletedAt = &now
	m.save(record)

	m.logger.Info("execution finished",
		zap.String("execution_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("status", string(status)))
}

func (m *Manager) save(record *domain.ExecutionRecord) {
	if err := m.store.SaveExecution(context.Background(), record); err != nil {
		m.logger.Error("failed to save execution",
			zap.String("execution_id", record.ID),
			zap.Error(err))
	}
}

// Shutdown stops accepting runs, cancels active ones and waits for them to
// drain or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")
	m.closed.Store(true)

	m.executions.Range(func(key, value interface{}) bool {
		value.(*activeExecution).cancel()
		return true
	})

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain executions: %w", ctx.Err())
	}
}

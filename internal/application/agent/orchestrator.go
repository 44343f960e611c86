package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/flowengine/internal/application/credits"
	"github.com/aescanero/flowengine/internal/application/lifecycle"
	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxIterations applies when an agent does not set one.
const DefaultMaxIterations = 10

// Orchestrator drives agent runs.
type Orchestrator struct {
	llm            ports.LLMCaller
	tools          ports.ToolExecutor
	safety         ports.SafetyPipeline
	safetyDefaults domain.SafetyConfig
	threads        ports.ThreadStore
	credits        *credits.Service
	guard          *timeout.Guard
	emitter        *lifecycle.Emitter
	metrics        ports.MetricsCollector
	logger         *zap.Logger
	tracer         ports.Tracer
	policies       map[domain.ToolType]domain.ToolFailurePolicy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSafety validates inbound and outbound content through pipeline using
// defaults merged under each agent's own settings.
func WithSafety(pipeline ports.SafetyPipeline, defaults domain.SafetyConfig) Option {
	return func(o *Orchestrator) {
		o.safety = pipeline
		o.safetyDefaults = defaults
	}
}

// WithThreadStore persists threads incrementally.
func WithThreadStore(store ports.ThreadStore) Option {
	return func(o *Orchestrator) {
		o.threads = store
	}
}

// WithToolPolicies sets the process-wide failure policy per tool type.
func WithToolPolicies(policies map[domain.ToolType]domain.ToolFailurePolicy) Option {
	return func(o *Orchestrator) {
		for k, v := range policies {
			o.policies[k] = v
		}
	}
}

// WithTracer opens spans per run, model call and tool call.
func WithTracer(t ports.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// New creates an orchestrator.
func New(
	llm ports.LLMCaller,
	tools ports.ToolExecutor,
	creditService *credits.Service,
	guard *timeout.Guard,
	emitter *lifecycle.Emitter,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		llm:      llm,
		tools:    tools,
		credits:  creditService,
		guard:    guard,
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger,
		policies: map[domain.ToolType]domain.ToolFailurePolicy{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Input is one agent run.
type Input struct {
	ExecutionID string
	WorkspaceID string
	Agent       *domain.AgentConfig
	ThreadID    string

	// History seeds the thread. When empty, the thread store is consulted.
	History []domain.Message

	// Message is appended as a user message before the first pass.
	Message string
}

// run is the state of one agent run.
type run struct {
	in        Input
	cfg       *domain.AgentConfig
	safety    domain.SafetyConfig
	scope     lifecycle.AgentRun
	thread    *domain.Thread
	meter     *credits.Meter
	persisted int
	validated int
	logger    *zap.Logger
}

// Run executes the loop and always returns a result.
func (o *Orchestrator) Run(ctx context.Context, in Input) *domain.AgentResult {
	if in.ExecutionID == "" {
		in.ExecutionID = uuid.New().String()
	}
	if in.ThreadID == "" {
		in.ThreadID = uuid.New().String()
	}
	result := &domain.AgentResult{
		ExecutionID: in.ExecutionID,
		ThreadID:    in.ThreadID,
		Status:      domain.ExecutionStatusRunning,
	}
	start := time.Now()
	bg := context.WithoutCancel(ctx)
	o.metrics.RecordExecutionStarted(string(domain.ExecutionKindAgent))

	if in.Agent == nil {
		return o.finish(bg, nil, result, start, fmt.Errorf("%w: agent config is required", domain.ErrInvalidDefinition))
	}

	if compiler, ok := o.tools.(ports.ToolSchemaCompiler); ok {
		if err := compiler.CompileSchemas(in.Agent.Tools); err != nil {
			return o.finish(bg, nil, result, start, err)
		}
	}

	cfg := *in.Agent
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	r := &run{
		in:     in,
		cfg:    &cfg,
		safety: o.safetyDefaults.Merge(cfg.Safety),
		scope: lifecycle.AgentRun{
			ExecutionID: in.ExecutionID,
			ThreadID:    in.ThreadID,
			AgentID:     cfg.ID,
		},
		thread: &domain.Thread{ID: in.ThreadID, AgentID: cfg.ID},
		logger: o.logger.With(
			zap.String("execution_id", in.ExecutionID),
			zap.String("thread_id", in.ThreadID),
			zap.String("agent_id", cfg.ID)),
	}

	ctx, span := o.startSpan(ctx, "agent.run", map[string]interface{}{
		"execution_id": in.ExecutionID,
		"agent_id":     cfg.ID,
		"model":        cfg.Model,
	})

	meter, err := o.credits.Admit(ctx, in.WorkspaceID, o.credits.Pricing().EstimateAgentCredits(&cfg))
	if err != nil {
		r.logger.Info("agent run denied", zap.Error(err))
		span.EndWithError(err)
		return o.finish(bg, r, result, start, err)
	}
	r.meter = meter
	defer func() {
		_, _ = meter.Settle(bg)
	}()

	if err := o.loadThread(ctx, r); err != nil {
		span.EndWithError(err)
		return o.finish(bg, r, result, start, err)
	}

	o.emitter.EmitAgentStarted(ctx, r.scope)

	if in.Message != "" {
		content, err := o.validate(ctx, r, domain.SafetyInput, in.Message)
		if err != nil {
			span.EndWithError(err)
			return o.finish(bg, r, result, start, err)
		}
		o.appendMessage(ctx, r, domain.Message{Role: domain.RoleUser, Content: content})
		r.validated = len(r.thread.Messages)
	}

	final, iterations, err := o.loop(ctx, r)
	result.Iterations = iterations
	if err != nil {
		span.EndWithError(err)
		return o.finish(bg, r, result, start, err)
	}

	if r.cfg.Memory.EmbeddingsEnabled && o.threads != nil {
		if err := o.threads.StoreThreadEmbeddings(bg, r.thread.ID, r.thread.Messages); err != nil {
			r.logger.Warn("failed to store thread embeddings", zap.Error(err))
		}
	}

	result.FinalMessage = final
	span.End()
	return o.finish(bg, r, result, start, nil)
}

// loop runs thinking passes until a final answer, a fatal error or the
// iteration limit.
func (o *Orchestrator) loop(ctx context.Context, r *run) (*domain.Message, int, error) {
	iterations := 0
	for {
		if err := o.validateInbound(ctx, r); err != nil {
			return nil, iterations, err
		}

		o.emitter.EmitAgentThinking(ctx, r.scope, iterations+1)
		resp, err := o.callModel(ctx, r)
		if err != nil {
			return nil, iterations, err
		}

		if resp.IsComplete || len(resp.ToolCalls) == 0 {
			content, err := o.validate(ctx, r, domain.SafetyOutput, resp.Content)
			if err != nil {
				return nil, iterations, err
			}
			msg := o.appendMessage(ctx, r, domain.Message{Role: domain.RoleAssistant, Content: content})
			return &msg, iterations, nil
		}

		o.appendMessage(ctx, r, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := o.dispatchTools(ctx, r, resp.ToolCalls)
		for _, msg := range results {
			o.appendMessage(ctx, r, msg)
		}
		if err != nil {
			return nil, iterations, err
		}

		iterations++
		o.persist(ctx, r)

		if iterations >= r.cfg.MaxIterations {
			return nil, iterations, &domain.MaxIterationsExceededError{MaxIterations: r.cfg.MaxIterations}
		}
	}
}

func (o *Orchestrator) callModel(ctx context.Context, r *run) (*ports.LLMResponse, error) {
	ctx, span := o.startSpan(ctx, "agent.llm", map[string]interface{}{"model": r.cfg.Model})

	req := &ports.LLMRequest{
		Model:        r.cfg.Model,
		Provider:     r.cfg.Provider,
		ConnectionID: r.cfg.ConnectionID,
		SystemPrompt: r.cfg.SystemPrompt,
		Messages:     window(r.thread.Messages, r.cfg.Memory.MaxMessages),
		Tools:        r.cfg.Tools,
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
		ThreadID:     r.thread.ID,
		OnToken: func(chunk string) {
			o.emitter.EmitAgentToken(ctx, r.scope, chunk)
		},
	}

	start := time.Now()
	resp, err := timeout.Run(ctx, o.guard, timeout.Call{Name: r.cfg.Model, Type: timeout.TypeLLM}, func(ctx context.Context) (*ports.LLMResponse, error) {
		return o.llm.CallLLM(ctx, req)
	})
	if err != nil {
		span.EndWithError(err)
		return nil, fmt.Errorf("failed to call language model: %w", err)
	}
	if resp == nil {
		resp = &ports.LLMResponse{IsComplete: true}
	}

	o.metrics.RecordLLMCall(r.cfg.Model, resp.Usage, time.Since(start))
	r.thread.Tokens.Add(resp.Usage)
	r.meter.Add(o.credits.Pricing().CalculateLLMCredits(r.cfg.Model, resp.Usage))

	if o.threads != nil && resp.Usage.Total() > 0 {
		if err := o.threads.UpdateThreadTokens(ctx, r.thread.ID, resp.Usage); err != nil {
			r.logger.Warn("failed to update thread tokens", zap.Error(err))
		}
	}
	o.emitter.EmitThreadTokens(ctx, r.scope, r.thread.Tokens)

	span.End()
	return resp, nil
}

// validateInbound runs every message appended since the last pass that came
// from outside the model through input validation.
func (o *Orchestrator) validateInbound(ctx context.Context, r *run) error {
	for i := r.validated; i < len(r.thread.Messages); i++ {
		msg := &r.thread.Messages[i]
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleTool {
			continue
		}
		content, err := o.validate(ctx, r, domain.SafetyInput, msg.Content)
		if err != nil {
			return err
		}
		msg.Content = content
	}
	r.validated = len(r.thread.Messages)
	return nil
}

// validate applies the safety pipeline. Blocking violations fail the run;
// others substitute the returned content.
func (o *Orchestrator) validate(ctx context.Context, r *run, dir domain.SafetyDirection, content string) (string, error) {
	if o.safety == nil {
		return content, nil
	}
	res, err := o.safety.Validate(ctx, content, domain.SafetyContext{
		Direction:   dir,
		WorkspaceID: r.in.WorkspaceID,
		AgentID:     r.cfg.ID,
		ThreadID:    r.thread.ID,
		ExecutionID: r.in.ExecutionID,
	}, r.safety)
	if err != nil {
		return "", fmt.Errorf("failed to validate %s: %w", dir, err)
	}
	if !res.ShouldProceed {
		return "", &domain.SafetyViolationError{Direction: dir, Violations: res.Violations}
	}
	if len(res.Violations) > 0 {
		r.logger.Info("content modified by safety rules",
			zap.String("direction", string(dir)),
			zap.Int("violations", len(res.Violations)))
	}
	return res.Content, nil
}

// dispatchTools runs calls concurrently and returns their results in request
// order. A non-nil error means a fatal tool failure.
func (o *Orchestrator) dispatchTools(ctx context.Context, r *run, calls []domain.ToolCall) ([]domain.Message, error) {
	results := make([]domain.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			msg, err := o.dispatchTool(gctx, r, call)
			results[i] = msg
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func (o *Orchestrator) appendMessage(ctx context.Context, r *run, msg domain.Message) domain.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	r.thread.Messages = append(r.thread.Messages, msg)
	o.emitter.EmitAgentMessage(ctx, r.scope, msg)
	return msg
}

func (o *Orchestrator) finish(ctx context.Context, r *run, result *domain.AgentResult, start time.Time, err error) *domain.AgentResult {
	iterations := result.Iterations
	if r != nil {
		if r.meter != nil {
			result.CreditsUsed = r.meter.Used()
			if _, settleErr := r.meter.Settle(ctx); settleErr != nil {
				r.logger.Error("failed to settle credits", zap.Error(settleErr))
			}
		}
		o.persist(ctx, r)
		result.Usage = r.thread.Tokens
		if data, marshalErr := json.Marshal(r.thread); marshalErr == nil {
			result.SerializedThread = data
		}
	}

	switch {
	case err == nil:
		result.Status = domain.ExecutionStatusCompleted
		result.Success = true
		o.emitter.EmitAgentCompleted(ctx, o.scopeOf(r, result), result.FinalMessage, iterations)

	case errors.Is(err, context.Canceled):
		result.Status = domain.ExecutionStatusCancelled
		result.Error = "execution cancelled"
		o.emitter.EmitAgentCancelled(ctx, o.scopeOf(r, result), iterations)

	default:
		result.Status = domain.ExecutionStatusFailed
		result.Error = err.Error()
		o.emitter.EmitAgentFailed(ctx, o.scopeOf(r, result), result.Error, iterations)
		if r != nil {
			r.logger.Warn("agent run failed", zap.Int("iterations", iterations), zap.Error(err))
		}
	}

	o.metrics.RecordExecutionCompleted(string(domain.ExecutionKindAgent), string(result.Status), time.Since(start))
	return result
}

func (o *Orchestrator) scopeOf(r *run, result *domain.AgentResult) lifecycle.AgentRun {
	if r != nil {
		return r.scope
	}
	return lifecycle.AgentRun{ExecutionID: result.ExecutionID, ThreadID: result.ThreadID}
}

type noopSpan struct{}

func (noopSpan) SetAttributes(map[string]interface{}) {}
func (noopSpan) End()                                 {}
func (noopSpan) EndWithError(error)                   {}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, ports.Span) {
	if o.tracer == nil {
		return ctx, noopSpan{}
	}
	return o.tracer.StartSpan(ctx, name, attrs)
}

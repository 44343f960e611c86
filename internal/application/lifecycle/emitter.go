package lifecycle

import (
	"context"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Emitter publishes lifecycle events on a bus. Each event goes to the
// channel named by its type and, when it belongs to a run, to that run's
// execution channel.
type Emitter struct {
	bus    ports.EventBus
	logger *zap.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(bus ports.EventBus, logger *zap.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger}
}

func (e *Emitter) publish(ctx context.Context, event domain.Event) {
	if err := e.bus.Publish(ctx, string(event.Type), event); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err))
	}
	if event.ExecutionID == "" {
		return
	}
	if err := e.bus.Publish(ctx, domain.ExecutionChannel(event.ExecutionID), event); err != nil {
		e.logger.Warn("failed to publish execution event",
			zap.String("event_type", string(event.Type)),
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err))
	}
}

// EmitExecutionStarted announces a run.
func (e *Emitter) EmitExecutionStarted(ctx context.Context, executionID string, data map[string]interface{}) {
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionStarted, executionID, data))
}

// EmitExecutionProgress reports completed over total scheduled steps.
func (e *Emitter) EmitExecutionProgress(ctx context.Context, executionID string, completed, total int) {
	percentage := 0
	if total > 0 {
		percentage = completed * 100 / total
	}
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionProgress, executionID, map[string]interface{}{
		"completed":  completed,
		"total":      total,
		"percentage": percentage,
	}))
}

// EmitExecutionCompleted announces a successful run.
func (e *Emitter) EmitExecutionCompleted(ctx context.Context, executionID string, output interface{}, duration time.Duration, creditsUsed int64) {
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionCompleted, executionID, map[string]interface{}{
		"output":      output,
		"durationMs":  duration.Milliseconds(),
		"creditsUsed": creditsUsed,
	}))
}

// EmitExecutionFailed announces a failed run.
func (e *Emitter) EmitExecutionFailed(ctx context.Context, executionID, message, nodeID string) {
	data := map[string]interface{}{"error": message}
	if nodeID != "" {
		data["nodeId"] = nodeID
	}
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionFailed, executionID, data))
}

// EmitExecutionPaused announces a run suspended at a node.
func (e *Emitter) EmitExecutionPaused(ctx context.Context, executionID, nodeID string, reason interface{}) {
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionPaused, executionID, map[string]interface{}{
		"nodeId": nodeID,
		"reason": reason,
	}))
}

// EmitExecutionCancelled announces a cancelled run.
func (e *Emitter) EmitExecutionCancelled(ctx context.Context, executionID string) {
	e.publish(ctx, domain.NewEvent(domain.EventTypeExecutionCancelled, executionID, nil))
}

// EmitNodeStarted announces a dispatched node.
func (e *Emitter) EmitNodeStarted(ctx context.Context, executionID, nodeID string, nodeType domain.NodeType, nodeName string) {
	event := domain.NewEvent(domain.EventTypeNodeStarted, executionID, map[string]interface{}{
		"nodeId":   nodeID,
		"nodeType": nodeType,
		"nodeName": nodeName,
	})
	event.NodeID = nodeID
	e.publish(ctx, event)
}

// EmitNodeCompleted announces a node output.
func (e *Emitter) EmitNodeCompleted(ctx context.Context, executionID, nodeID string, nodeType domain.NodeType, output interface{}, duration time.Duration) {
	event := domain.NewEvent(domain.EventTypeNodeCompleted, executionID, map[string]interface{}{
		"nodeId":     nodeID,
		"nodeType":   nodeType,
		"output":     output,
		"durationMs": duration.Milliseconds(),
	})
	event.NodeID = nodeID
	e.publish(ctx, event)
}

// EmitNodeFailed announces a node failure.
func (e *Emitter) EmitNodeFailed(ctx context.Context, executionID, nodeID string, nodeType domain.NodeType, message string) {
	event := domain.NewEvent(domain.EventTypeNodeFailed, executionID, map[string]interface{}{
		"nodeId":   nodeID,
		"nodeType": nodeType,
		"error":    message,
	})
	event.NodeID = nodeID
	e.publish(ctx, event)
}

// AgentRun identifies the run and thread agent events belong to.
type AgentRun struct {
	ExecutionID string
	ThreadID    string
	AgentID     string
}

func (e *Emitter) publishAgent(ctx context.Context, run AgentRun, eventType domain.EventType, data map[string]interface{}) {
	event := domain.NewEvent(eventType, run.ExecutionID, data)
	event.ThreadID = run.ThreadID
	e.publish(ctx, event)

	if run.ThreadID == "" {
		return
	}
	if err := e.bus.PublishToThread(ctx, run.ThreadID, event); err != nil {
		e.logger.Warn("failed to publish thread event",
			zap.String("event_type", string(eventType)),
			zap.String("thread_id", run.ThreadID),
			zap.Error(err))
	}
}

// EmitAgentStarted announces an agent run.
func (e *Emitter) EmitAgentStarted(ctx context.Context, run AgentRun) {
	e.publishAgent(ctx, run, domain.EventTypeAgentStarted, map[string]interface{}{"agentId": run.AgentID})
}

// EmitAgentThinking announces a model call.
func (e *Emitter) EmitAgentThinking(ctx context.Context, run AgentRun, iteration int) {
	e.publishAgent(ctx, run, domain.EventTypeAgentThinking, map[string]interface{}{"iteration": iteration})
}

// EmitAgentToken streams a chunk of model output.
func (e *Emitter) EmitAgentToken(ctx context.Context, run AgentRun, token string) {
	e.publishAgent(ctx, run, domain.EventTypeAgentToken, map[string]interface{}{"token": token})
}

// EmitAgentMessage announces a message appended to the thread.
func (e *Emitter) EmitAgentMessage(ctx context.Context, run AgentRun, message domain.Message) {
	e.publishAgent(ctx, run, domain.EventTypeAgentMessage, map[string]interface{}{"message": message})
}

// EmitToolCallStarted announces a tool dispatch.
func (e *Emitter) EmitToolCallStarted(ctx context.Context, run AgentRun, call domain.ToolCall) {
	e.publishAgent(ctx, run, domain.EventTypeToolCallStarted, map[string]interface{}{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"arguments":  call.Arguments,
	})
}

// EmitToolCallCompleted announces a tool result.
func (e *Emitter) EmitToolCallCompleted(ctx context.Context, run AgentRun, call domain.ToolCall, result interface{}, duration time.Duration) {
	e.publishAgent(ctx, run, domain.EventTypeToolCallCompleted, map[string]interface{}{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"result":     result,
		"durationMs": duration.Milliseconds(),
	})
}

// EmitToolCallFailed announces a tool failure.
func (e *Emitter) EmitToolCallFailed(ctx context.Context, run AgentRun, call domain.ToolCall, message string) {
	e.publishAgent(ctx, run, domain.EventTypeToolCallFailed, map[string]interface{}{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"error":      message,
	})
}

// EmitAgentCompleted announces a final answer.
func (e *Emitter) EmitAgentCompleted(ctx context.Context, run AgentRun, message *domain.Message, iterations int) {
	e.publishAgent(ctx, run, domain.EventTypeExecutionCompleted, map[string]interface{}{
		"finalMessage": message,
		"iterations":   iterations,
	})
}

// EmitAgentFailed announces a failed agent run.
func (e *Emitter) EmitAgentFailed(ctx context.Context, run AgentRun, message string, iterations int) {
	e.publishAgent(ctx, run, domain.EventTypeExecutionFailed, map[string]interface{}{
		"error":      message,
		"iterations": iterations,
	})
}

// EmitAgentCancelled announces an agent run stopped by its caller.
func (e *Emitter) EmitAgentCancelled(ctx context.Context, run AgentRun, iterations int) {
	e.publishAgent(ctx, run, domain.EventTypeExecutionCancelled, map[string]interface{}{
		"iterations": iterations,
	})
}

// EmitThreadTokens publishes a token usage update on the thread channel.
func (e *Emitter) EmitThreadTokens(ctx context.Context, run AgentRun, total domain.TokenUsage) {
	event := domain.NewEvent(domain.EventTypeThreadTokensUpdate, run.ExecutionID, map[string]interface{}{
		"inputTokens":  total.InputTokens,
		"outputTokens": total.OutputTokens,
		"totalTokens":  total.Total(),
	})
	event.ThreadID = run.ThreadID

	if err := e.bus.Publish(ctx, domain.ChannelThread, event); err != nil {
		e.logger.Warn("failed to publish thread notice", zap.Error(err))
	}
	if run.ThreadID != "" {
		if err := e.bus.PublishToThread(ctx, run.ThreadID, event); err != nil {
			e.logger.Warn("failed to publish thread notice", zap.Error(err))
		}
	}
}

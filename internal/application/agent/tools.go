package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// dispatchTool runs one call and turns its outcome into a tool message. The
// returned error is non-nil only when the failure is fatal to the run.
func (o *Orchestrator) dispatchTool(ctx context.Context, r *run, call domain.ToolCall) (domain.Message, error) {
	o.emitter.EmitToolCallStarted(ctx, r.scope, call)

	tool, ok := r.cfg.FindTool(call.Name)
	if !ok {
		err := &domain.ToolNotFoundError{Name: call.Name, Available: r.cfg.ToolNames()}
		o.metrics.RecordToolCall("unknown", call.Name, "not_found", 0)
		o.emitter.EmitToolCallFailed(ctx, r.scope, call, err.Error())
		return toolMessage(call, map[string]interface{}{"success": false, "error": err.Error()}), nil
	}

	ctx, span := o.startSpan(ctx, "agent.tool", map[string]interface{}{
		"tool_name": tool.Name,
		"tool_type": string(tool.Type),
	})
	start := time.Now()

	result, err := timeout.Run(ctx, o.guard, timeout.Call{
		Name:    tool.Name,
		Type:    string(tool.Type),
		Timeout: timeout.FromConfig(tool.Config),
	}, func(ctx context.Context) (interface{}, error) {
		return o.tools.ExecuteTool(ctx, ports.ToolRequest{
			Tool:        tool,
			CallID:      call.ID,
			Arguments:   call.Arguments,
			ExecutionID: r.in.ExecutionID,
			WorkspaceID: r.in.WorkspaceID,
			AgentID:     r.cfg.ID,
			ThreadID:    r.thread.ID,
		})
	})
	duration := time.Since(start)

	if err != nil {
		status := "failed"
		payload := map[string]interface{}{"success": false, "error": err.Error()}
		var timeoutErr *domain.TimeoutError
		if errors.As(err, &timeoutErr) {
			status = "timeout"
			payload["errorType"] = "timeout"
			payload["toolName"] = timeoutErr.Name
			payload["toolType"] = timeoutErr.Type
			payload["timeoutMs"] = timeoutErr.TimeoutMs()
		}
		o.metrics.RecordToolCall(string(tool.Type), tool.Name, status, duration)
		o.emitter.EmitToolCallFailed(ctx, r.scope, call, err.Error())
		span.EndWithError(err)

		if o.policy(r.cfg, tool.Type) == domain.ToolFailureFatal {
			return toolMessage(call, payload), err
		}
		r.logger.Info("tool call failed",
			zap.String("tool_name", tool.Name),
			zap.String("tool_type", string(tool.Type)),
			zap.Error(err))
		return toolMessage(call, payload), nil
	}

	r.meter.Add(o.credits.Pricing().CalculateToolCredits(tool.Type))
	o.metrics.RecordToolCall(string(tool.Type), tool.Name, "completed", duration)
	o.emitter.EmitToolCallCompleted(ctx, r.scope, call, result, duration)
	span.End()
	return toolMessage(call, result), nil
}

// policy resolves the failure policy: agent override, then process default,
// then recoverable.
func (o *Orchestrator) policy(cfg *domain.AgentConfig, t domain.ToolType) domain.ToolFailurePolicy {
	if p, ok := cfg.ToolPolicies[t]; ok && p != "" {
		return p
	}
	if p, ok := o.policies[t]; ok && p != "" {
		return p
	}
	return domain.ToolFailureRecoverable
}

func toolMessage(call domain.ToolCall, result interface{}) domain.Message {
	var content string
	switch v := result.(type) {
	case string:
		content = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			data, _ = json.Marshal(map[string]interface{}{"success": false, "error": err.Error()})
		}
		content = string(data)
	}
	return domain.Message{
		Role:       domain.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

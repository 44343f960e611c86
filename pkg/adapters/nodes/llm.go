package nodes

import (
	"context"
	"fmt"

	"github.com/aescanero/flowengine/internal/application/expression"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
)

type llmHandler struct {
	caller ports.LLMCaller
}

// Execute sends the resolved prompt as a single user message. Token usage is
// reported in metrics so the node is metered by tokens.
func (h *llmHandler) Execute(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	resolved, err := expression.ResolveValue(req.Config, req.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve llm config: %w", err)
	}
	cfg, _ := resolved.(map[string]interface{})

	prompt := fmt.Sprint(cfg["prompt"])
	if cfg["prompt"] == nil || prompt == "" {
		return nil, fmt.Errorf("llm node requires prompt")
	}

	model, _ := cfg["model"].(string)
	provider, _ := cfg["provider"].(string)
	system, _ := cfg["systemPrompt"].(string)
	resp, err := h.caller.CallLLM(ctx, &ports.LLMRequest{
		Model:        model,
		Provider:     provider,
		SystemPrompt: system,
		Messages:     []domain.Message{{Role: domain.RoleUser, Content: prompt}},
		Temperature:  number(cfg["temperature"]),
		MaxTokens:    int(number(cfg["maxTokens"])),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call language model: %w", err)
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &ports.NodeResult{
		Output: map[string]interface{}{
			"content": resp.Content,
			"model":   model,
			"usage":   resp.Usage,
		},
		Metrics: map[string]interface{}{
			"model":        model,
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		},
		Success: true,
	}, nil
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

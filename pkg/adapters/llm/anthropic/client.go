// Package anthropic implements the LLM caller on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "claude-sonnet-4-5"

const defaultMaxTokens = 4096

// Client implements ports.LLMCaller
type Client struct {
	client anthropic.Client
	logger *zap.Logger
}

// NewClient creates a new Anthropic client. Extra options (base URL,
// retries, timeouts) are passed through to the SDK.
func NewClient(apiKey string, logger *zap.Logger, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		logger: logger,
	}, nil
}

// CallLLM sends the thread to the model. With req.OnToken set the response is
// streamed and text deltas are forwarded as they arrive.
func (c *Client) CallLLM(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	params := buildParams(req)

	var msg *anthropic.Message
	if req.OnToken != nil {
		streamed, err := c.stream(ctx, params, req.OnToken)
		if err != nil {
			return nil, err
		}
		msg = streamed
	} else {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic api error: %w", err)
		}
		msg = resp
	}

	out, err := convertResponse(msg)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("anthropic call completed",
		zap.String("model", out.Model),
		zap.Int64("input_tokens", out.Usage.InputTokens),
		zap.Int64("output_tokens", out.Usage.OutputTokens),
		zap.Int("tool_calls", len(out.ToolCalls)))
	return out, nil
}

func (c *Client) stream(ctx context.Context, params anthropic.MessageNewParams, onToken func(string)) (*anthropic.Message, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream: %w", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				onToken(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic streaming error: %w", err)
	}
	return &message, nil
}

func buildParams(req *ports.LLMRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, messages := buildMessages(req.Messages)
	if req.SystemPrompt != "" {
		system = append([]anthropic.TextBlockParam{{Text: req.SystemPrompt}}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// buildMessages maps the thread onto Anthropic turns. Consecutive tool
// results are folded into one user turn, following the assistant turn that
// requested them.
func buildMessages(thread []domain.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range thread {
		switch m.Role {
		case domain.RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case domain.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case domain.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return system, messages
}

func buildTools(tools []domain.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := tool.Schema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredList(tool.Schema["required"])

		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" && out[i].OfTool != nil {
			out[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}
	return out
}

func requiredList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func convertResponse(msg *anthropic.Message) (*ports.LLMResponse, error) {
	out := &ports.LLMResponse{
		Model: string(msg.Model),
		Usage: domain.TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			args := map[string]interface{}{}
			if raw, err := json.Marshal(toolUse.Input); err == nil {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("failed to decode arguments of tool %s: %w", toolUse.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: args,
			})
		}
	}

	out.IsComplete = len(out.ToolCalls) == 0
	return out, nil
}

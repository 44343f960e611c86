// Package openai implements the LLM caller on the OpenAI Chat Completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// DefaultModel is used when a request names no model.
const DefaultModel = openai.ChatModelGPT4oMini

// Client implements ports.LLMCaller
type Client struct {
	client openai.Client
	logger *zap.Logger
}

// NewClient creates a new OpenAI client.
func NewClient(apiKey string, logger *zap.Logger, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: openai.NewClient(opts...),
		logger: logger,
	}, nil
}

// CallLLM sends the thread to the model, streaming when req.OnToken is set.
func (c *Client) CallLLM(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	params := buildParams(req)

	var completion *openai.ChatCompletion
	if req.OnToken != nil {
		streamed, err := c.stream(ctx, params, req.OnToken)
		if err != nil {
			return nil, err
		}
		completion = streamed
	} else {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai api error: %w", err)
		}
		completion = resp
	}

	out, err := convertResponse(completion)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("openai call completed",
		zap.String("model", out.Model),
		zap.Int64("input_tokens", out.Usage.InputTokens),
		zap.Int64("output_tokens", out.Usage.OutputTokens),
		zap.Int("tool_calls", len(out.ToolCalls)))
	return out, nil
}

func (c *Client) stream(ctx context.Context, params openai.ChatCompletionNewParams, onToken func(string)) (*openai.ChatCompletion, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onToken(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai streaming error: %w", err)
	}
	return &acc.ChatCompletion, nil
}

func buildParams(req *ports.LLMRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, buildMessages(req.Messages)...)

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  tool.Schema,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func buildMessages(thread []domain.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(thread))
	for _, m := range thread {
		switch m.Role {
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case domain.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		case domain.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil || call.Arguments == nil {
					args = []byte("{}")
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}

func convertResponse(completion *openai.ChatCompletion) (*ports.LLMResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	choice := completion.Choices[0]

	out := &ports.LLMResponse{
		Content: choice.Message.Content,
		Model:   completion.Model,
		Usage: domain.TokenUsage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to decode arguments of tool %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	out.IsComplete = len(out.ToolCalls) == 0
	return out, nil
}

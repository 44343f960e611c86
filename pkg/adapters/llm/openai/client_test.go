package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallLLMToolCalls(t *testing.T) {
	var sent map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search", "arguments": "{\"q\":\"go\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient("test-key", zap.NewNop(), option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := client.CallLLM(context.Background(), &ports.LLMRequest{
		Model:        "gpt-test",
		SystemPrompt: "be brief",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "find go"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call_0", Name: "search", Arguments: map[string]interface{}{"q": "rust"}}}},
			{Role: domain.RoleTool, ToolCallID: "call_0", Content: "nothing"},
		},
		Tools: []domain.Tool{{Name: "search", Schema: map[string]interface{}{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.False(t, resp.IsComplete)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, domain.ToolCall{ID: "call_1", Name: "search", Arguments: map[string]interface{}{"q": "go"}}, resp.ToolCalls[0])
	assert.Equal(t, domain.TokenUsage{InputTokens: 20, OutputTokens: 4}, resp.Usage)
	assert.Equal(t, "gpt-test", resp.Model)

	msgs := sent["messages"].([]interface{})
	require.Len(t, msgs, 4)
	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, roles)
	assert.Equal(t, "call_0", msgs[3].(map[string]interface{})["tool_call_id"])
}

func TestNewClientRequiresKey(t *testing.T) {
	client, err := NewClient("k", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, client)

	_, err = NewClient("", zap.NewNop())
	assert.Error(t, err)
}

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", zap.NewNop())
	assert.Error(t, err)
}

func TestCallLLMToolUse(t *testing.T) {
	var sent map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Let me search."},
				{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "go"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient("test-key", zap.NewNop(), option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := client.CallLLM(context.Background(), &ports.LLMRequest{
		Model:        "claude-test",
		SystemPrompt: "be brief",
		MaxTokens:    100,
		Messages:     []domain.Message{{Role: domain.RoleUser, Content: "find go"}},
		Tools: []domain.Tool{{
			Name:        "search",
			Description: "web search",
			Schema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"q"},
			},
		}},
	})
	require.NoError(t, err)

	assert.False(t, resp.IsComplete)
	assert.Equal(t, "Let me search.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, domain.ToolCall{ID: "tu_1", Name: "search", Arguments: map[string]interface{}{"q": "go"}}, resp.ToolCalls[0])
	assert.Equal(t, domain.TokenUsage{InputTokens: 12, OutputTokens: 7}, resp.Usage)

	assert.Equal(t, "claude-test", sent["model"])
	assert.Equal(t, float64(100), sent["max_tokens"])
	tools := sent["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].(map[string]interface{})["name"])
}

func TestBuildMessagesGroupsToolResults(t *testing.T) {
	system, messages := buildMessages([]domain.Message{
		{Role: domain.RoleSystem, Content: "rules"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: domain.RoleTool, ToolCallID: "b", Content: "2"},
		{Role: domain.RoleAssistant, Content: "done"},
	})

	require.Len(t, system, 1)
	assert.Equal(t, "rules", system[0].Text)

	require.Len(t, messages, 4)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, string(m.Role))
	}
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles)
	assert.Len(t, messages[1].Content, 2)
	assert.Len(t, messages[2].Content, 2, "both tool results share one user turn")
}

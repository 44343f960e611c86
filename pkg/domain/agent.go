package domain

import "time"

// ToolType classifies how a tool is dispatched and how long it may run.
type ToolType string

const (
	ToolTypeBuiltin       ToolType = "builtin"
	ToolTypeMCP           ToolType = "mcp"
	ToolTypeKnowledgeBase ToolType = "knowledge_base"
	ToolTypeAgent         ToolType = "agent"
)

// ToolFailurePolicy decides whether a failed tool call ends the run.
type ToolFailurePolicy string

const (
	// ToolFailureRecoverable surfaces the failure to the model as a structured result.
	ToolFailureRecoverable ToolFailurePolicy = "recoverable"
	// ToolFailureFatal fails the whole agent run.
	ToolFailureFatal ToolFailurePolicy = "fatal"
)

// Tool is a named, schema-described capability an agent may invoke.
type Tool struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Type        ToolType               `json:"type" yaml:"type"`
	Schema      map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// MemoryConfig bounds the history replayed to the model.
type MemoryConfig struct {
	MaxMessages       int  `json:"maxMessages,omitempty" yaml:"maxMessages,omitempty"`
	EmbeddingsEnabled bool `json:"embeddingsEnabled,omitempty" yaml:"embeddingsEnabled,omitempty"`
}

// SafetyConfig configures the safety pipeline for one agent.
type SafetyConfig struct {
	EnablePIIDetection bool     `json:"enablePiiDetection" yaml:"enablePiiDetection"`
	RedactPII          bool     `json:"redactPii" yaml:"redactPii"`
	BlockedPhrases     []string `json:"blockedPhrases,omitempty" yaml:"blockedPhrases,omitempty"`
	MaxInputLength     int      `json:"maxInputLength,omitempty" yaml:"maxInputLength,omitempty"`
}

// Merge overlays agent-specific settings on top of defaults.
func (c SafetyConfig) Merge(override *SafetyConfig) SafetyConfig {
	if override == nil {
		return c
	}
	merged := c
	merged.EnablePIIDetection = c.EnablePIIDetection || override.EnablePIIDetection
	merged.RedactPII = c.RedactPII || override.RedactPII
	merged.BlockedPhrases = append(append([]string{}, c.BlockedPhrases...), override.BlockedPhrases...)
	if override.MaxInputLength > 0 {
		merged.MaxInputLength = override.MaxInputLength
	}
	return merged
}

// AgentConfig is supplied per agent run and is immutable during execution.
type AgentConfig struct {
	ID            string                         `json:"id" yaml:"id"`
	Name          string                         `json:"name,omitempty" yaml:"name,omitempty"`
	Model         string                         `json:"model" yaml:"model"`
	Provider      string                         `json:"provider" yaml:"provider"`
	ConnectionID  string                         `json:"connectionId,omitempty" yaml:"connectionId,omitempty"`
	SystemPrompt  string                         `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Temperature   float64                        `json:"temperature" yaml:"temperature"`
	MaxTokens     int                            `json:"maxTokens" yaml:"maxTokens"`
	MaxIterations int                            `json:"maxIterations" yaml:"maxIterations"`
	Tools         []Tool                         `json:"tools,omitempty" yaml:"tools,omitempty"`
	Memory        MemoryConfig                   `json:"memory,omitempty" yaml:"memory,omitempty"`
	Safety        *SafetyConfig                  `json:"safety,omitempty" yaml:"safety,omitempty"`
	ToolPolicies  map[ToolType]ToolFailurePolicy `json:"toolPolicies,omitempty" yaml:"toolPolicies,omitempty"`
}

// FindTool returns the tool with the given name.
func (c *AgentConfig) FindTool(name string) (Tool, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ToolNames lists the names of the configured tools.
func (c *AgentConfig) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	return names
}

// MessageRole is the author of a thread message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one entry in a thread.
type Message struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// TokenUsage counts tokens consumed by model calls.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Thread is the ordered message history of an agent conversation.
type Thread struct {
	ID       string     `json:"id"`
	AgentID  string     `json:"agentId,omitempty"`
	Messages []Message  `json:"messages"`
	Tokens   TokenUsage `json:"tokens"`
}

// AgentResult is returned by an agent run. Error is set iff Success is false.
type AgentResult struct {
	ExecutionID      string          `json:"executionId"`
	ThreadID         string          `json:"threadId"`
	Status           ExecutionStatus `json:"status"`
	Success          bool            `json:"success"`
	FinalMessage     *Message        `json:"finalMessage,omitempty"`
	SerializedThread []byte          `json:"serializedThread,omitempty"`
	Iterations       int             `json:"iterations"`
	Error            string          `json:"error,omitempty"`
	Usage            TokenUsage      `json:"usage"`
	CreditsUsed      int64           `json:"creditsUsed"`
}

// SafetyDirection tells the pipeline whether content flows in or out.
type SafetyDirection string

const (
	SafetyInput  SafetyDirection = "input"
	SafetyOutput SafetyDirection = "output"
)

// SafetyContext identifies the content being validated.
type SafetyContext struct {
	Direction   SafetyDirection
	WorkspaceID string
	AgentID     string
	ThreadID    string
	ExecutionID string
}

// Violation is one finding of the safety pipeline.
type Violation struct {
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// SafetyResult is the outcome of validating content.
type SafetyResult struct {
	Content       string      `json:"content"`
	ShouldProceed bool        `json:"shouldProceed"`
	Violations    []Violation `json:"violations,omitempty"`
}

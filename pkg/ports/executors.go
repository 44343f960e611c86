package ports

import (
	"context"

	"github.com/aescanero/flowengine/pkg/domain"
)

// NodeRequest carries everything an executor needs to run one node.
type NodeRequest struct {
	ExecutionID string
	WorkspaceID string
	NodeID      string
	NodeType    domain.NodeType
	Config      map[string]interface{}
	Context     map[string]interface{}
}

// NodeResult is the outcome of a successful node execution.
type NodeResult struct {
	Result  interface{}            `json:"result,omitempty"`
	Output  interface{}            `json:"output,omitempty"`
	Signals map[string]interface{} `json:"signals,omitempty"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
	Success bool                   `json:"success"`
}

// NodeExecutor runs a single node. It owns all node-type-specific behaviour.
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, req NodeRequest) (*NodeResult, error)
}

// LLMRequest is one language-model call.
type LLMRequest struct {
	Model        string
	Provider     string
	ConnectionID string
	SystemPrompt string
	Messages     []domain.Message
	Tools        []domain.Tool
	Temperature  float64
	MaxTokens    int
	ThreadID     string

	// OnToken, when set, receives streamed text chunks in order.
	OnToken func(chunk string)
}

// LLMResponse is the model's answer. IsComplete is true for a final answer
// and false when ToolCalls must be dispatched.
type LLMResponse struct {
	Content    string
	ToolCalls  []domain.ToolCall
	IsComplete bool
	Usage      domain.TokenUsage
	Model      string
}

// LLMCaller calls a language model.
type LLMCaller interface {
	CallLLM(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// ToolRequest is one tool invocation.
type ToolRequest struct {
	Tool        domain.Tool
	CallID      string
	Arguments   map[string]interface{}
	ExecutionID string
	WorkspaceID string
	AgentID     string
	ThreadID    string
}

// ToolExecutor dispatches a tool call to its provider.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, req ToolRequest) (interface{}, error)
}

// ToolSchemaCompiler is implemented by tool executors that compile argument
// schemas before the first call, so a broken schema fails the run up front.
type ToolSchemaCompiler interface {
	CompileSchemas(tools []domain.Tool) error
}

// SafetyPipeline validates inbound and outbound content.
type SafetyPipeline interface {
	Validate(ctx context.Context, content string, sctx domain.SafetyContext, cfg domain.SafetyConfig) (*domain.SafetyResult, error)
}

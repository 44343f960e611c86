package domain

import (
	"encoding/json"
	"time"
)

// NodeType identifies the executor responsible for a node.
type NodeType string

const (
	NodeTypeInput                 NodeType = "input"
	NodeTypeOutput                NodeType = "output"
	NodeTypeDatabase              NodeType = "database"
	NodeTypeTransform             NodeType = "transform"
	NodeTypeLoop                  NodeType = "loop"
	NodeTypeHTTP                  NodeType = "http"
	NodeTypeCode                  NodeType = "code"
	NodeTypeKBQuery               NodeType = "kbQuery"
	NodeTypeAudio                 NodeType = "audio"
	NodeTypeAudioTranscription    NodeType = "audioTranscription"
	NodeTypeVideoGeneration       NodeType = "videoGeneration"
	NodeTypePDFExtract            NodeType = "pdfExtract"
	NodeTypePDFGeneration         NodeType = "pdfGeneration"
	NodeTypeSpreadsheetGeneration NodeType = "spreadsheetGeneration"
	NodeTypeChartGeneration       NodeType = "chartGeneration"
	NodeTypeTemplateOutput        NodeType = "templateOutput"
	NodeTypeLLM                   NodeType = "llm"
)

// Loop edge handles. An edge leaving a loop node through HandleBody enters
// the loop body; any other handle (including none) leaves through the exit.
const (
	HandleBody = "body"
	HandleExit = "exit"
)

// Position is display metadata and is ignored by the engine.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeSpec describes one step of a workflow.
type NodeSpec struct {
	Type     NodeType               `json:"type" yaml:"type"`
	Name     string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Position *Position              `json:"position,omitempty" yaml:"position,omitempty"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// WorkflowDefinition is the declarative graph supplied per run.
type WorkflowDefinition struct {
	Name       string              `json:"name" yaml:"name"`
	Nodes      map[string]NodeSpec `json:"nodes" yaml:"nodes"`
	Edges      []Edge              `json:"edges" yaml:"edges"`
	EntryPoint string              `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
}

// LoopMode selects the iteration source of a loop node.
type LoopMode string

const (
	LoopModeForEach LoopMode = "forEach"
	LoopModeCount   LoopMode = "count"
)

// LoopConfig is the decoded configuration of a loop node.
type LoopConfig struct {
	Mode          LoopMode    `json:"mode"`
	ArrayPath     string      `json:"arrayPath,omitempty"`
	Count         interface{} `json:"count,omitempty"`
	ItemVariable  string      `json:"itemVariable,omitempty"`
	IndexVariable string      `json:"indexVariable,omitempty"`
}

// DecodeLoopConfig reads a LoopConfig out of an opaque node config.
// A missing mode is inferred from which source field is present.
func DecodeLoopConfig(raw map[string]interface{}) (LoopConfig, error) {
	var cfg LoopConfig
	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Mode == "" {
		switch {
		case cfg.ArrayPath != "":
			cfg.Mode = LoopModeForEach
		case cfg.Count != nil:
			cfg.Mode = LoopModeCount
		}
	}
	if cfg.ItemVariable == "" {
		if cfg.Mode == LoopModeCount {
			cfg.ItemVariable = "index"
		} else {
			cfg.ItemVariable = "item"
		}
	}
	return cfg, nil
}

// ExecutionStatus represents the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeMetrics holds diagnostics recorded for one node execution.
type NodeMetrics struct {
	NodeType   NodeType               `json:"nodeType"`
	DurationMs int64                  `json:"durationMs"`
	Attempts   int                    `json:"attempts,omitempty"`
	Restored   bool                   `json:"restored,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// ExecutionResult is returned by a workflow run. Error is set iff Success is false.
type ExecutionResult struct {
	ExecutionID   string                 `json:"executionId"`
	Status        ExecutionStatus        `json:"status"`
	Success       bool                   `json:"success"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	FailedNode    string                 `json:"failedNode,omitempty"`
	ExecutedNodes []string               `json:"executedNodes"`
	Metrics       map[string]NodeMetrics `json:"metrics,omitempty"`
	CreditsUsed   int64                  `json:"creditsUsed"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   time.Time              `json:"completedAt"`
}

// ExecutionKind distinguishes workflow runs from agent runs in records.
type ExecutionKind string

const (
	ExecutionKindWorkflow ExecutionKind = "workflow"
	ExecutionKindAgent    ExecutionKind = "agent"
)

// ExecutionRecord is the persisted view of a submitted run.
type ExecutionRecord struct {
	ID          string                 `json:"id"`
	Kind        ExecutionKind          `json:"kind"`
	WorkspaceID string                 `json:"workspaceId"`
	UserID      string                 `json:"userId,omitempty"`
	Status      ExecutionStatus        `json:"status"`
	Definition  *WorkflowDefinition    `json:"definition,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Agent       *AgentConfig           `json:"agent,omitempty"`
	ThreadID    string                 `json:"threadId,omitempty"`
	Result      *ExecutionResult       `json:"result,omitempty"`
	AgentResult *AgentResult           `json:"agentResult,omitempty"`
	Error       string                 `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

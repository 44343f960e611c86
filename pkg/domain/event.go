package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is drawn from a closed vocabulary. Each type is also the name of
// the bus channel it is published on.
type EventType string

const (
	EventTypeConnected          EventType = "connected"
	EventTypeExecutionStarted   EventType = "execution:started"
	EventTypeExecutionProgress  EventType = "execution:progress"
	EventTypeExecutionCompleted EventType = "execution:completed"
	EventTypeExecutionFailed    EventType = "execution:failed"
	EventTypeExecutionPaused    EventType = "execution:paused"
	EventTypeExecutionCancelled EventType = "execution:cancelled"
	EventTypeNodeStarted        EventType = "node:started"
	EventTypeNodeCompleted      EventType = "node:completed"
	EventTypeNodeFailed         EventType = "node:failed"

	EventTypeAgentStarted       EventType = "started"
	EventTypeAgentThinking      EventType = "thinking"
	EventTypeAgentToken         EventType = "token"
	EventTypeAgentMessage       EventType = "message"
	EventTypeToolCallStarted    EventType = "tool_call_started"
	EventTypeToolCallCompleted  EventType = "tool_call_completed"
	EventTypeToolCallFailed     EventType = "tool_call_failed"
	EventTypeThreadTokensUpdate EventType = "thread:tokens_updated"
)

// ChannelThread is the catch-all channel for thread-scoped notices.
const ChannelThread = "thread"

// ExecutionChannel returns the channel that carries every event of one run,
// in the order the run published them.
func ExecutionChannel(executionID string) string {
	return "execution/" + executionID
}

// WorkflowEventTypes lists the channels a workflow run publishes on.
var WorkflowEventTypes = []EventType{
	EventTypeExecutionStarted,
	EventTypeExecutionProgress,
	EventTypeNodeStarted,
	EventTypeNodeCompleted,
	EventTypeNodeFailed,
	EventTypeExecutionPaused,
	EventTypeExecutionCompleted,
	EventTypeExecutionFailed,
	EventTypeExecutionCancelled,
}

// AgentEventTypes lists the channels an agent run publishes on.
var AgentEventTypes = []EventType{
	EventTypeAgentStarted,
	EventTypeAgentThinking,
	EventTypeAgentToken,
	EventTypeAgentMessage,
	EventTypeToolCallStarted,
	EventTypeToolCallCompleted,
	EventTypeToolCallFailed,
	EventTypeExecutionCompleted,
	EventTypeExecutionFailed,
	EventTypeExecutionCancelled,
}

// Event is a lifecycle notification.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"executionId,omitempty"`
	ThreadID    string                 `json:"threadId,omitempty"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event stamped with a fresh id and the current time.
func NewEvent(eventType EventType, executionID string, data map[string]interface{}) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// IsTerminal reports whether the event ends a run.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeExecutionCompleted, EventTypeExecutionFailed, EventTypeExecutionCancelled, EventTypeExecutionPaused:
		return true
	}
	return false
}

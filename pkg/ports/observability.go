package ports

import (
	"context"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
)

// MetricsCollector records engine metrics.
type MetricsCollector interface {
	RecordExecutionStarted(kind string)
	RecordExecutionCompleted(kind, status string, duration time.Duration)
	SetActiveExecutions(count int)
	RecordNodeExecuted(nodeType, status string, duration time.Duration)
	RecordToolCall(toolType, toolName, status string, duration time.Duration)
	RecordNearTimeout(operationType string)
	RecordLLMCall(model string, usage domain.TokenUsage, duration time.Duration)
	RecordCreditsReserved(amount int64)
	RecordCreditsReleased(amount int64)
	RecordCreditsSettled(charged, overage int64)
	RecordEventPublished(channel string)
	RecordEventDropped(channel string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetQueueDepth(queue string, depth int)
}

// Span is an open tracing span.
type Span interface {
	SetAttributes(attrs map[string]interface{})
	End()
	EndWithError(err error)
}

// Tracer creates spans.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, Span)
}

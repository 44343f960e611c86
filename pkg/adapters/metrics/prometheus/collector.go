package prometheus

import (
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	activeExecutions    prometheus.Gauge

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	nearTimeouts *prometheus.CounterVec

	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	creditsReserved prometheus.Counter
	creditsReleased prometheus.Counter
	creditsCharged  prometheus.Counter
	creditsOverage  prometheus.Counter

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// Pass prometheus.DefaultRegisterer to expose the metrics on /metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_executions_started_total",
				Help: "Total number of executions started",
			},
			[]string{"kind"},
		),
		executionsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_executions_completed_total",
				Help: "Total number of executions that reached a final state",
			},
			[]string{"kind", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_active_executions",
				Help: "Number of currently active executions",
			},
		),
		nodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_nodes_executed_total",
				Help: "Total number of nodes executed",
			},
			[]string{"node_type", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"node_type"},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_tool_calls_total",
				Help: "Total number of tool calls by outcome",
			},
			[]string{"tool_type", "tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"tool_type"},
		),
		nearTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_near_timeouts_total",
				Help: "Operations that completed after 80% of their timeout budget",
			},
			[]string{"operation_type"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"model"},
		),
		creditsReserved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_credits_reserved_total",
				Help: "Credits placed on hold by reservations",
			},
		),
		creditsReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_credits_released_total",
				Help: "Credits returned by released reservations",
			},
		),
		creditsCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_credits_charged_total",
				Help: "Credits debited by finalized reservations",
			},
		),
		creditsOverage: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_credits_overage_total",
				Help: "Usage that exceeded the available balance at settlement",
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_events_published_total",
				Help: "Events published on the bus",
			},
			[]string{"channel"},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full",
			},
			[]string{"channel"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowengine_queue_depth",
				Help: "Current depth of dispatch queues",
			},
			[]string{"queue"},
		),
	}
}

// RecordExecutionStarted counts a started run
func (c *Collector) RecordExecutionStarted(kind string) {
	c.executionsStarted.WithLabelValues(kind).Inc()
}

// RecordExecutionCompleted counts a run that reached a final state
func (c *Collector) RecordExecutionCompleted(kind, status string, duration time.Duration) {
	c.executionsCompleted.WithLabelValues(kind, status).Inc()
	c.executionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetActiveExecutions sets the number of currently active executions
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}

// RecordNodeExecuted records a node execution
func (c *Collector) RecordNodeExecuted(nodeType, status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordToolCall records a tool call and its outcome
func (c *Collector) RecordToolCall(toolType, toolName, status string, duration time.Duration) {
	c.toolCalls.WithLabelValues(toolType, toolName, status).Inc()
	c.toolDuration.WithLabelValues(toolType).Observe(duration.Seconds())
}

// RecordNearTimeout counts a near-timeout diagnostic
func (c *Collector) RecordNearTimeout(operationType string) {
	c.nearTimeouts.WithLabelValues(operationType).Inc()
}

// RecordLLMCall records an LLM API call with its token usage
func (c *Collector) RecordLLMCall(model string, usage domain.TokenUsage, duration time.Duration) {
	c.llmCalls.WithLabelValues(model).Inc()
	c.llmTokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	c.llmLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordCreditsReserved records a reservation
func (c *Collector) RecordCreditsReserved(amount int64) {
	c.creditsReserved.Add(float64(amount))
}

// RecordCreditsReleased records a released reservation
func (c *Collector) RecordCreditsReleased(amount int64) {
	c.creditsReleased.Add(float64(amount))
}

// RecordCreditsSettled records a finalized reservation
func (c *Collector) RecordCreditsSettled(charged, overage int64) {
	c.creditsCharged.Add(float64(charged))
	c.creditsOverage.Add(float64(overage))
}

// RecordEventPublished counts an event published on channel
func (c *Collector) RecordEventPublished(channel string) {
	c.eventsPublished.WithLabelValues(channel).Inc()
}

// RecordEventDropped counts an event a subscriber could not accept
func (c *Collector) RecordEventDropped(channel string) {
	c.eventsDropped.WithLabelValues(channel).Inc()
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetQueueDepth sets the current depth of a dispatch queue
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

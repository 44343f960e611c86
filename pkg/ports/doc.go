// Package ports declares the contracts between the execution engine and its
// collaborators.
//
// The scheduler and the agent loop depend only on these interfaces:
//   - NodeExecutor, LLMCaller, ToolExecutor and SafetyPipeline do the actual work
//   - EventBus fans lifecycle events out to observers
//   - CreditLedger, ExecutionStore, CheckpointStore and ThreadStore hold state
//   - MetricsCollector and Tracer observe execution
//
// Concrete implementations live under pkg/adapters.
package ports

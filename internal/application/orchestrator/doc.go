// Package orchestrator manages workflow and agent runs.
//
// The manager coordinates runs by:
//   - Validating definitions before anything is scheduled
//   - Managing the run lifecycle (submit, wait, cancel, resume)
//   - Bounding each workflow run by the graph timeout
//   - Persisting execution records through the execution store
//
// Execution itself is delegated to the scheduler (workflows) and the agent
// orchestrator (agents), which publish lifecycle events on the bus.
package orchestrator

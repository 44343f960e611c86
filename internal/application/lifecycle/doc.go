// Package lifecycle publishes typed lifecycle events for workflow and agent
// runs.
//
// Each event is published on the channel named after its type. Agent events
// are additionally published to the run's thread so thread subscribers can
// follow a conversation. Emission is fire-and-forget: bus errors are logged
// and never reach the run.
package lifecycle

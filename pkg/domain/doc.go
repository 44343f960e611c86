// Package domain defines the data model shared by the execution engine.
//
// It covers:
//   - Workflow definitions (nodes, edges, entry point) and execution results
//   - Agent configurations, tools, threads and messages
//   - Credit balances, reservations and settlements
//   - Lifecycle events and their channel vocabulary
//   - The typed error taxonomy used across the engine
//
// Types in this package carry no behaviour beyond small helpers; the
// application packages own all scheduling and metering logic.
package domain

// Package nodes dispatches workflow nodes to per-type handlers.
//
// The Registry implements ports.NodeExecutor. Built-in handlers cover the
// node kinds the engine can run without external services:
//   - input: exposes (and optionally checks) the run inputs
//   - output: shapes the final result
//   - transform: evaluates a mapping or expression over the context
//   - http: calls an HTTP endpoint
//   - llm: single language-model completion
//
// Hosts register handlers for every other node type.
package nodes

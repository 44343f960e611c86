// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow submission, status, cancellation and resume
//   - Agent runs and thread history
//   - Server-sent event streams per execution and per thread
//   - Workspace credit balances
//   - Health checks and Prometheus metrics
package http

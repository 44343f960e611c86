// Package timeout bounds externally dispatched operations with a deadline.
//
// The guard knows nothing about tools or nodes. It runs a named, typed,
// cancellable operation and races it against a budget resolved in this order:
//   - an explicit per-call timeout
//   - a per-name override from configuration
//   - the default for the operation type
//   - the fallback budget
//
// On expiry the operation's context is cancelled and a *domain.TimeoutError
// is returned. Operations that finish after 80% of their budget are reported
// as near-timeouts through logs, metrics and an optional hook.
package timeout

// Package credits provides credit ledger implementations.
//
// Implementations:
//   - redis: Lua scripts keep reserve/release/finalize atomic across processes
//   - memory: mutex-guarded ledger for single-process deployments and tests
//
// Both debit bonus credits first, then subscription, then purchased credits,
// and clamp a settlement so that balance - reserved never goes negative.
package credits

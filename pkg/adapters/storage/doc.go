// Package storage provides execution, checkpoint and thread stores.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: In-memory for tests and the CLI
package storage

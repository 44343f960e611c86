// Package events provides event bus implementations.
//
// Implementations:
//   - memory: in-process broadcast bus with one ordered delivery queue per
//     subscriber; publishing never blocks and full queues drop events
//   - redis: Redis Pub/Sub relay that fans events out to every process and
//     delivers them through a local memory bus
package events

// Package workers implements the bounded worker pool used to dispatch
// workflow nodes.
//
// The pool manages a fixed number of goroutines that:
//   - Take jobs from a bounded queue
//   - Run them with panic isolation
//   - Report idle/busy/stopped status
//
// Shutdown stops intake and drains every accepted job, so a caller waiting on
// a job's completion is never stranded. The health monitor tracks worker
// status and logs metrics.
package workers

// Package credits implements credit admission and metering for runs.
//
// A run is admitted with Admit, which checks the workspace balance against an
// estimate and reserves it. The returned Meter accumulates actual usage while
// the run executes and settles the reservation exactly once, whatever the
// outcome of the run.
//
// Cost functions are pluggable through Pricing and always return
// non-negative integers.
package credits

// Package scheduler runs workflow definitions.
//
// A definition is first compiled into a plan. Compilation validates the
// graph and rewrites every loop node into a typed START/END sentinel pair
// that owns a nested sub-plan for the loop body. Back-edges from the body to
// the loop node are dropped, so every plan level is a DAG.
//
// Running a plan is Kahn's algorithm over dependency counts: a node is
// dispatched once all of its predecessors completed, independent branches run
// concurrently, and the first failure stops further dispatch while in-flight
// nodes drain. Loop iterations run sequentially; each iteration gets its own
// context view so iteration outputs never leak into each other.
package scheduler

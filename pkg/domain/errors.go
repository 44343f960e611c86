package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// use errors.Is without knowing the concrete type.
var (
	ErrInvalidDefinition     = errors.New("invalid workflow definition")
	ErrNodeNotFound          = errors.New("node not found")
	ErrEdgeNodeNotFound      = errors.New("edge references unknown node")
	ErrEntryPoint            = errors.New("invalid entry point")
	ErrCycleDetected         = errors.New("cycle detected")
	ErrInvalidLoop           = errors.New("invalid loop configuration")
	ErrNodeExecution         = errors.New("node execution failed")
	ErrNoExecutor            = errors.New("no executor registered")
	ErrTimeout               = errors.New("operation timed out")
	ErrToolNotFound          = errors.New("tool not found")
	ErrSafetyViolation       = errors.New("safety violation")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrReservationSettled    = errors.New("reservation already settled")
	ErrMaxIterationsExceeded = errors.New("maximum iterations exceeded")
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrThreadNotFound        = errors.New("thread not found")
	ErrBusClosed             = errors.New("event bus closed")
)

// NodeExecutionError is fatal to a workflow run.
type NodeExecutionError struct {
	NodeID   string
	NodeType NodeType
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed: %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeExecutionError) Unwrap() []error { return []error{ErrNodeExecution, e.Err} }

// TimeoutError is raised when a guarded operation exceeds its budget.
type TimeoutError struct {
	Name      string
	Type      string
	Timeout   time.Duration
	StartTime time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %q timed out after %dms", e.Type, e.Name, e.TimeoutMs())
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// TimeoutMs returns the effective budget in milliseconds.
func (e *TimeoutError) TimeoutMs() int64 { return e.Timeout.Milliseconds() }

// ToolNotFoundError is converted into a structured tool result, never thrown.
type ToolNotFoundError struct {
	Name      string
	Available []string
}

func (e *ToolNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("Tool %q not found. No tools are available.", e.Name)
	}
	return fmt.Sprintf("Tool %q not found. Available tools: %s", e.Name, strings.Join(e.Available, ", "))
}

func (e *ToolNotFoundError) Unwrap() error { return ErrToolNotFound }

// SafetyViolationError ends a run when the pipeline blocks content.
type SafetyViolationError struct {
	Direction  SafetyDirection
	Violations []Violation
}

func (e *SafetyViolationError) Error() string {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Blocking {
			rules = append(rules, v.Rule)
		}
	}
	return fmt.Sprintf("%s blocked by safety rules: %s", e.Direction, strings.Join(rules, ", "))
}

func (e *SafetyViolationError) Unwrap() error { return ErrSafetyViolation }

// CreditInsufficientError is raised at admission time.
type CreditInsufficientError struct {
	WorkspaceID string
	Required    int64
	Available   int64
}

func (e *CreditInsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits for workspace %s: required %d, available %d",
		e.WorkspaceID, e.Required, e.Available)
}

func (e *CreditInsufficientError) Unwrap() error { return ErrInsufficientCredits }

// MaxIterationsExceededError ends an agent run that never produced a final answer.
type MaxIterationsExceededError struct {
	MaxIterations int
}

func (e *MaxIterationsExceededError) Error() string {
	return fmt.Sprintf("maximum iterations exceeded (%d iterations)", e.MaxIterations)
}

func (e *MaxIterationsExceededError) Unwrap() error { return ErrMaxIterationsExceeded }

// InvalidLoopConfigurationError reports a missing or invalid iteration source.
type InvalidLoopConfigurationError struct {
	NodeID string
	Reason string
}

func (e *InvalidLoopConfigurationError) Error() string {
	return fmt.Sprintf("invalid loop configuration for node %q: %s", e.NodeID, e.Reason)
}

func (e *InvalidLoopConfigurationError) Unwrap() error { return ErrInvalidLoop }

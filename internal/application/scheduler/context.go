package scheduler

import (
	"sync"
)

// InputsKey is the context slot holding the run inputs.
const InputsKey = "inputs"

// ExecutionContext maps node ids to their latest outputs. A child view reads
// through to its parent but writes only to itself.
type ExecutionContext struct {
	mu     sync.RWMutex
	parent *ExecutionContext
	values map[string]interface{}
}

// NewExecutionContext creates a root context seeded with the run inputs.
func NewExecutionContext(inputs map[string]interface{}) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &ExecutionContext{
		values: map[string]interface{}{InputsKey: inputs},
	}
}

// Child creates an iteration view with bindings set locally.
func (c *ExecutionContext) Child(bindings map[string]interface{}) *ExecutionContext {
	values := make(map[string]interface{}, len(bindings))
	for k, v := range bindings {
		values[k] = v
	}
	return &ExecutionContext{parent: c, values: values}
}

// Set records the output of nodeID.
func (c *ExecutionContext) Set(nodeID string, output interface{}) {
	c.mu.Lock()
	c.values[nodeID] = output
	c.mu.Unlock()
}

// Get returns the output recorded for nodeID in this view or its ancestors.
func (c *ExecutionContext) Get(nodeID string) (interface{}, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.values[nodeID]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Snapshot returns a flat copy of every visible entry, nearest view winning.
func (c *ExecutionContext) Snapshot() map[string]interface{} {
	var chain []*ExecutionContext
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	out := make(map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for k, v := range chain[i].values {
			out[k] = v
		}
		chain[i].mu.RUnlock()
	}
	return out
}

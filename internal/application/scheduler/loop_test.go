package scheduler

import (
	"context"
	"fmt"
	"testing"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopWorkflow is input -> loop(body: work) -> output.
func loopWorkflow(cfg map[string]interface{}) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:       "loop",
		EntryPoint: "input",
		Nodes: map[string]domain.NodeSpec{
			"input":  {Type: domain.NodeTypeInput},
			"loop":   {Type: domain.NodeTypeLoop, Config: cfg},
			"work":   {Type: domain.NodeTypeTransform},
			"output": {Type: domain.NodeTypeOutput},
		},
		Edges: []domain.Edge{
			edge("input", "loop"),
			handleEdge("loop", "work", domain.HandleBody),
			edge("work", "loop"),
			handleEdge("loop", "output", domain.HandleExit),
		},
	}
}

func echoBinding(name string) nodeHandler {
	return func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return output(req.Context[name]), nil
	}
}

func TestForEachLoop(t *testing.T) {
	tests := []struct {
		name  string
		items []interface{}
	}{
		{"three items", []interface{}{"a", "b", "c"}},
		{"empty array", []interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.executor.on("work", echoBinding("row"))
			h.executor.on("output", echoBinding("loop"))

			def := loopWorkflow(map[string]interface{}{"arrayPath": "inputs.items", "itemVariable": "row"})
			result := h.run(t, def, map[string]interface{}{"items": tt.items})

			require.True(t, result.Success, result.Error)
			assert.Equal(t, len(tt.items), h.executor.count("work"))

			agg, ok := result.Output.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, len(tt.items), agg["iterations"])
			assert.Equal(t, true, agg["completed"])
			assert.Equal(t, tt.items, agg["items"])
			assert.Equal(t, 1, h.executor.count("output"))
			h.assertSettled(t)
		})
	}
}

func TestCountLoop(t *testing.T) {
	tests := []struct {
		name  string
		count interface{}
		want  int
	}{
		{"zero", 0, 0},
		{"five", 5, 5},
		{"string", "3", 3},
		{"reference", "${inputs.n}", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.executor.on("work", echoBinding("index"))
			h.executor.on("output", echoBinding("loop"))

			def := loopWorkflow(map[string]interface{}{"mode": "count", "count": tt.count})
			result := h.run(t, def, map[string]interface{}{"n": 4})

			require.True(t, result.Success, result.Error)
			assert.Equal(t, tt.want, h.executor.count("work"))

			agg := result.Output.(map[string]interface{})
			assert.Equal(t, tt.want, agg["iterations"])

			items := agg["items"].([]interface{})
			for i, item := range items {
				assert.Equal(t, i, item)
			}
		})
	}
}

func TestLoopIterationsAreIsolated(t *testing.T) {
	h := newHarness(t, 100)
	def := &domain.WorkflowDefinition{
		Nodes: map[string]domain.NodeSpec{
			"input":  {Type: domain.NodeTypeInput},
			"loop":   {Type: domain.NodeTypeLoop, Config: map[string]interface{}{"arrayPath": "inputs.items", "indexVariable": "i"}},
			"first":  {Type: domain.NodeTypeTransform},
			"second": {Type: domain.NodeTypeTransform},
			"output": {Type: domain.NodeTypeOutput},
		},
		Edges: []domain.Edge{
			edge("input", "loop"),
			handleEdge("loop", "first", domain.HandleBody),
			edge("first", "second"),
			edge("second", "loop"),
			handleEdge("loop", "output", domain.HandleExit),
		},
	}

	h.executor.on("first", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		if _, leaked := req.Context["second"]; leaked {
			return nil, fmt.Errorf("iteration %v saw a previous iteration", req.Context["i"])
		}
		return output(fmt.Sprintf("%v-%v", req.Context["item"], req.Context["i"])), nil
	})
	h.executor.on("second", echoBinding("first"))
	h.executor.on("output", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		for _, id := range []string{"first", "second"} {
			if _, leaked := req.Context[id]; leaked {
				return nil, fmt.Errorf("body output %q leaked out of the loop", id)
			}
		}
		return output(req.Context["loop"]), nil
	})

	result := h.run(t, def, map[string]interface{}{"items": []interface{}{"x", "y"}})

	require.True(t, result.Success, result.Error)
	agg := result.Output.(map[string]interface{})
	assert.Equal(t, []interface{}{"x-0", "y-1"}, agg["items"])
}

func TestLoopBodyFailureFailsRun(t *testing.T) {
	h := newHarness(t, 100)
	calls := 0
	h.executor.on("work", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		calls++
		if calls == 2 {
			return nil, fmt.Errorf("bad row")
		}
		return output("ok"), nil
	})

	result := h.run(t, loopWorkflow(map[string]interface{}{"count": 5}), nil)

	assert.False(t, result.Success)
	assert.Equal(t, "work", result.FailedNode)
	assert.Equal(t, 2, calls, "iterations stop at the first failure")
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)
}

func TestLoopSourceErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]interface{}
		want string
	}{
		{"unresolved path", map[string]interface{}{"arrayPath": "inputs.missing"}, "did not resolve"},
		{"not an array", map[string]interface{}{"arrayPath": "inputs.name"}, "not an array"},
		{"negative count", map[string]interface{}{"count": -1}, "must not be negative"},
		{"fractional count", map[string]interface{}{"count": 1.5}, "must be an integer"},
		{"count above limit", map[string]interface{}{"count": 1 << 50}, "exceeds the limit"},
		{"decoded count out of range", map[string]interface{}{"count": 1e18}, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)

			result := h.run(t, loopWorkflow(tt.cfg), map[string]interface{}{"name": "ada"})

			assert.False(t, result.Success)
			assert.Equal(t, "loop", result.FailedNode)
			assert.Contains(t, result.Error, tt.want)
			assert.Zero(t, h.executor.count("work"))
		})
	}
}

func TestLoopIterationLimit(t *testing.T) {
	h := newHarness(t, 100, WithMaxLoopIterations(2))

	result := h.run(t, loopWorkflow(map[string]interface{}{"arrayPath": "inputs.rows"}),
		map[string]interface{}{"rows": []interface{}{"a", "b", "c"}})
	assert.False(t, result.Success)
	assert.Equal(t, "loop", result.FailedNode)
	assert.Contains(t, result.Error, "above the limit of 2 iterations")
	assert.Zero(t, h.executor.count("work"))
	h.assertSettled(t)

	result = h.run(t, loopWorkflow(map[string]interface{}{"count": 2}), nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 2, h.executor.count("work"))
}

func TestLoopBodyPanicFailsRun(t *testing.T) {
	h := newHarness(t, 100)
	h.executor.on("work", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		panic("index out of range")
	})

	result := h.run(t, loopWorkflow(map[string]interface{}{"count": 3}), nil)

	assert.False(t, result.Success)
	assert.Equal(t, domain.ExecutionStatusFailed, result.Status)
	assert.Equal(t, "work", result.FailedNode)
	assert.Contains(t, result.Error, "node panicked: index out of range")
	assert.Equal(t, 1, h.executor.count("work"))
	assert.Zero(t, h.executor.count("output"))
	h.assertSettled(t)
}

func TestNestedLoops(t *testing.T) {
	h := newHarness(t, 100)
	def := &domain.WorkflowDefinition{
		Nodes: map[string]domain.NodeSpec{
			"input": {Type: domain.NodeTypeInput},
			"outer": {Type: domain.NodeTypeLoop, Config: map[string]interface{}{"count": 2, "itemVariable": "o"}},
			"inner": {Type: domain.NodeTypeLoop, Config: map[string]interface{}{"count": 3, "itemVariable": "n"}},
			"leaf":  {Type: domain.NodeTypeCode},
		},
		Edges: []domain.Edge{
			edge("input", "outer"),
			handleEdge("outer", "inner", domain.HandleBody),
			handleEdge("inner", "leaf", domain.HandleBody),
			edge("leaf", "inner"),
			edge("inner", "outer"),
		},
	}
	h.executor.on("leaf", func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return output(fmt.Sprintf("%v.%v", req.Context["o"], req.Context["n"])), nil
	})

	result := h.run(t, def, nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 6, h.executor.count("leaf"))

	outer := result.Output.(map[string]interface{})
	assert.Equal(t, 2, outer["iterations"])
	second := outer["items"].([]interface{})[1].(map[string]interface{})
	assert.Equal(t, []interface{}{"1.0", "1.1", "1.2"}, second["items"])
}

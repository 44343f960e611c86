package nodes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aescanero/flowengine/internal/application/expression"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
)

// RegisterBuiltins installs the built-in handlers. The llm handler is only
// installed when caller is non-nil; a nil client uses http.DefaultClient.
func RegisterBuiltins(r *Registry, caller ports.LLMCaller, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}
	r.Register(domain.NodeTypeInput, HandlerFunc(executeInput))
	r.Register(domain.NodeTypeOutput, HandlerFunc(executeOutput))
	r.Register(domain.NodeTypeTransform, HandlerFunc(executeTransform))
	r.Register(domain.NodeTypeHTTP, &httpHandler{client: client})
	if caller != nil {
		r.Register(domain.NodeTypeLLM, &llmHandler{caller: caller})
	}
}

func inputsOf(req ports.NodeRequest) map[string]interface{} {
	inputs, _ := req.Context["inputs"].(map[string]interface{})
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return inputs
}

// executeInput returns the run inputs. With a "fields" list only the named
// fields are kept; entries may be names or {name, required, default}.
func executeInput(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	inputs := inputsOf(req)
	fields, ok := req.Config["fields"].([]interface{})
	if !ok {
		return &ports.NodeResult{Output: inputs, Success: true}, nil
	}

	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		var name string
		var required bool
		var def interface{}
		switch v := f.(type) {
		case string:
			name = v
		case map[string]interface{}:
			name, _ = v["name"].(string)
			required, _ = v["required"].(bool)
			def = v["default"]
		}
		if name == "" {
			return nil, fmt.Errorf("input field without a name")
		}

		value, present := inputs[name]
		switch {
		case present:
			out[name] = value
		case def != nil:
			out[name] = def
		case required:
			return nil, fmt.Errorf("missing required input %q", name)
		}
	}
	return &ports.NodeResult{Output: out, Success: true}, nil
}

// executeOutput resolves "value" against the context. Without one it
// returns every node output seen so far.
func executeOutput(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	if value, ok := req.Config["value"]; ok {
		resolved, err := expression.ResolveValue(value, req.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve output: %w", err)
		}
		return &ports.NodeResult{Output: resolved, Success: true}, nil
	}

	out := make(map[string]interface{}, len(req.Context))
	for k, v := range req.Context {
		if k != "inputs" {
			out[k] = v
		}
	}
	return &ports.NodeResult{Output: out, Success: true}, nil
}

// executeTransform evaluates "mapping" (any shape) or "expression" (one
// template). "default" replaces a nil result.
func executeTransform(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	var source interface{}
	switch {
	case req.Config["mapping"] != nil:
		source = req.Config["mapping"]
	case req.Config["expression"] != nil:
		source = req.Config["expression"]
	default:
		return nil, fmt.Errorf("transform requires mapping or expression")
	}

	out, err := expression.ResolveValue(source, req.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate transform: %w", err)
	}
	if out == nil {
		out = req.Config["default"]
	}
	return &ports.NodeResult{Output: out, Success: true}, nil
}

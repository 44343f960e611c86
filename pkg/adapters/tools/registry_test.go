package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type providerFunc func(ctx context.Context, req ports.ToolRequest) (interface{}, error)

func (f providerFunc) ExecuteTool(ctx context.Context, req ports.ToolRequest) (interface{}, error) {
	return f(ctx, req)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterDefaults(r)
	r.RegisterProvider(domain.ToolTypeMCP, providerFunc(func(ctx context.Context, req ports.ToolRequest) (interface{}, error) {
		return "mcp:" + req.Tool.Name, nil
	}))
	ctx := context.Background()

	out, err := r.ExecuteTool(ctx, ports.ToolRequest{
		Tool:      domain.Tool{Name: "json_query", Type: domain.ToolTypeBuiltin},
		Arguments: map[string]interface{}{"document": `{"a":{"b":[1,2]}}`, "path": "a.b.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"found": true, "value": float64(2)}, out)

	out, err = r.ExecuteTool(ctx, ports.ToolRequest{Tool: domain.Tool{Name: "search", Type: domain.ToolTypeMCP}})
	require.NoError(t, err)
	assert.Equal(t, "mcp:search", out)

	_, err = r.ExecuteTool(ctx, ports.ToolRequest{Tool: domain.Tool{Name: "nope", Type: domain.ToolTypeBuiltin}})
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	_, err = r.ExecuteTool(ctx, ports.ToolRequest{Tool: domain.Tool{Name: "kb", Type: domain.ToolTypeKnowledgeBase}})
	assert.Error(t, err)

	assert.Equal(t, []string{"current_time", "json_query"}, r.Builtins())
}

func TestRegistryValidatesBeforeDispatch(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	called := false
	r.RegisterBuiltin("lookup", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		called = true
		return nil, errors.New("lookup failed")
	})

	tool := domain.Tool{
		Name: "lookup",
		Type: domain.ToolTypeBuiltin,
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"id"},
		},
	}
	_, err := r.ExecuteTool(context.Background(), ports.ToolRequest{Tool: tool, Arguments: map[string]interface{}{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid arguments for tool "lookup"`)
	assert.False(t, called)

	_, err = r.ExecuteTool(context.Background(), ports.ToolRequest{Tool: tool, Arguments: map[string]interface{}{"id": "x"}})
	assert.EqualError(t, err, "lookup failed")
	assert.True(t, called)
	assert.Equal(t, 1, r.schemas.len())
}

func TestCompileSchemas(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	valid := domain.Tool{Name: "ok", Schema: map[string]interface{}{"type": "object"}}
	broken := domain.Tool{Name: "broken", Schema: map[string]interface{}{"type": "object", "minimum": "one"}}

	require.NoError(t, r.CompileSchemas([]domain.Tool{valid, {Name: "bare"}}))
	require.NoError(t, r.CompileSchemas([]domain.Tool{valid}))
	assert.Equal(t, 1, r.schemas.len())

	err := r.CompileSchemas([]domain.Tool{valid, broken})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "tool broken")

	_, err = r.ExecuteTool(context.Background(), ports.ToolRequest{Tool: broken})
	assert.Error(t, err)
}

func TestValidateArguments(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"query"},
		"$defs": map[string]interface{}{
			"tag": map[string]interface{}{"type": "string", "pattern": "^[a-z]+$"},
		},
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "minLength": 1},
			"limit": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
			"mode":  map[string]interface{}{"type": "string", "enum": []interface{}{"fast", "deep"}},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"$ref": "#/$defs/tag"},
			},
			"code": map[string]interface{}{"type": "string", "pattern": "^[A-Z]{3}$"},
			"target": map[string]interface{}{
				"oneOf": []interface{}{
					map[string]interface{}{"type": "string"},
					map[string]interface{}{"type": "integer"},
				},
			},
			"filter": map[string]interface{}{
				"type":       "object",
				"required":   []interface{}{"field"},
				"properties": map[string]interface{}{"field": map[string]interface{}{"type": "string"}},
			},
		},
	}

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{name: "valid", args: map[string]interface{}{"query": "x", "limit": 3, "mode": "fast", "tags": []string{"a"}, "code": "ABC", "target": 7}},
		{name: "unknown properties pass", args: map[string]interface{}{"query": "x", "other": true}},
		{name: "missing required", args: map[string]interface{}{}, wantErr: `at "/"`},
		{name: "wrong type", args: map[string]interface{}{"query": 1.0}, wantErr: `at "/query"`},
		{name: "min length", args: map[string]interface{}{"query": ""}, wantErr: `at "/query"`},
		{name: "fractional integer", args: map[string]interface{}{"query": "x", "limit": 1.5}, wantErr: `at "/limit"`},
		{name: "below minimum", args: map[string]interface{}{"query": "x", "limit": 0}, wantErr: `at "/limit"`},
		{name: "above maximum", args: map[string]interface{}{"query": "x", "limit": 51}, wantErr: `at "/limit"`},
		{name: "enum", args: map[string]interface{}{"query": "x", "mode": "slow"}, wantErr: `at "/mode"`},
		{name: "array item type", args: map[string]interface{}{"query": "x", "tags": []interface{}{"a", 2.0}}, wantErr: `at "/tags/1"`},
		{name: "array item pattern through ref", args: map[string]interface{}{"query": "x", "tags": []interface{}{"ok", "Bad"}}, wantErr: `at "/tags/1"`},
		{name: "pattern", args: map[string]interface{}{"query": "x", "code": "abc"}, wantErr: `at "/code"`},
		{name: "one of", args: map[string]interface{}{"query": "x", "target": true}, wantErr: `at "/target"`},
		{name: "nested required", args: map[string]interface{}{"query": "x", "filter": map[string]interface{}{}}, wantErr: `at "/filter"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, ValidateArguments(nil, map[string]interface{}{"anything": 1}))
}

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Func implements a builtin tool.
type Func func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Registry implements ports.ToolExecutor.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Func
	providers map[domain.ToolType]ports.ToolExecutor
	schemas   *schemaCache
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		builtins:  make(map[string]Func),
		providers: make(map[domain.ToolType]ports.ToolExecutor),
		schemas:   newSchemaCache(),
		logger:    logger,
	}
}

// RegisterBuiltin binds fn to a builtin tool name.
func (r *Registry) RegisterBuiltin(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = fn
}

// RegisterProvider routes every tool of toolType to exec.
func (r *Registry) RegisterProvider(toolType domain.ToolType, exec ports.ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[toolType] = exec
}

// Builtins lists registered builtin names in sorted order.
func (r *Registry) Builtins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompileSchemas compiles the argument schema of every tool ahead of the
// first call. Schemas already seen are not compiled again.
func (r *Registry) CompileSchemas(tools []domain.Tool) error {
	for _, tool := range tools {
		if _, err := r.schemas.get(tool.Schema); err != nil {
			return fmt.Errorf("%w: tool %s: %v", domain.ErrInvalidDefinition, tool.Name, err)
		}
	}
	return nil
}

// ExecuteTool validates the arguments and dispatches the call.
func (r *Registry) ExecuteTool(ctx context.Context, req ports.ToolRequest) (interface{}, error) {
	sch, err := r.schemas.get(req.Tool.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %q has an unusable schema: %w", req.Tool.Name, err)
	}
	if err := validate(sch, req.Arguments); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %q: %w", req.Tool.Name, err)
	}

	r.mu.RLock()
	fn, isBuiltin := r.builtins[req.Tool.Name]
	provider, hasProvider := r.providers[req.Tool.Type]
	r.mu.RUnlock()

	r.logger.Debug("executing tool",
		zap.String("execution_id", req.ExecutionID),
		zap.String("tool_name", req.Tool.Name),
		zap.String("tool_type", string(req.Tool.Type)))

	switch {
	case req.Tool.Type == domain.ToolTypeBuiltin || req.Tool.Type == "":
		if !isBuiltin {
			return nil, fmt.Errorf("%w: builtin %q is not registered", domain.ErrToolNotFound, req.Tool.Name)
		}
		args := req.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		return fn(ctx, args)
	case hasProvider:
		return provider.ExecuteTool(ctx, req)
	default:
		return nil, fmt.Errorf("no provider for tool type %q", req.Tool.Type)
	}
}

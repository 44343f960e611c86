package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// Handler runs nodes of one type.
type Handler interface {
	Execute(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	return f(ctx, req)
}

// Registry maps node types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.NodeType]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[domain.NodeType]Handler),
		logger:   logger,
	}
}

// Register binds h to nodeType, replacing any previous handler.
func (r *Registry) Register(nodeType domain.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

// Types lists registered node types in sorted order.
func (r *Registry) Types() []domain.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ExecuteNode implements ports.NodeExecutor.
func (r *Registry) ExecuteNode(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.NodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for node type %q", domain.ErrNoExecutor, req.NodeType)
	}

	r.logger.Debug("executing node",
		zap.String("execution_id", req.ExecutionID),
		zap.String("node_id", req.NodeID),
		zap.String("node_type", string(req.NodeType)))

	return h.Execute(ctx, req)
}

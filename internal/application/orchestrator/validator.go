package orchestrator

import (
	"fmt"

	"github.com/aescanero/flowengine/internal/application/scheduler"
	"github.com/aescanero/flowengine/pkg/domain"
)

// Validator validates workflow and agent definitions
type Validator struct {
	supported map[domain.NodeType]struct{}
}

// NewValidator creates a new validator. When nodeTypes is non-empty, nodes
// of any other type (loops aside) are rejected.
func NewValidator(nodeTypes ...domain.NodeType) *Validator {
	v := &Validator{}
	if len(nodeTypes) > 0 {
		v.supported = make(map[domain.NodeType]struct{}, len(nodeTypes))
		for _, t := range nodeTypes {
			v.supported[t] = struct{}{}
		}
	}
	return v
}

// Validate checks a workflow definition, including that it compiles into a
// schedulable plan.
func (v *Validator) Validate(def *domain.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is nil", domain.ErrInvalidDefinition)
	}

	for nodeID, node := range def.Nodes {
		if nodeID == "" {
			return fmt.Errorf("%w: node ID is required", domain.ErrInvalidDefinition)
		}
		if node.Type == "" {
			return fmt.Errorf("%w: node %s has no type", domain.ErrInvalidDefinition, nodeID)
		}
		if node.Type == domain.NodeTypeLoop || v.supported == nil {
			continue
		}
		if _, ok := v.supported[node.Type]; !ok {
			return fmt.Errorf("%w for node %s of type %q", domain.ErrNoExecutor, nodeID, node.Type)
		}
	}

	if _, err := scheduler.Compile(def); err != nil {
		return err
	}
	return nil
}

// ValidateAgent checks an agent configuration
func (v *Validator) ValidateAgent(cfg *domain.AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: agent config is required", domain.ErrInvalidDefinition)
	}
	if cfg.MaxIterations < 0 {
		return fmt.Errorf("%w: maxIterations must not be negative", domain.ErrInvalidDefinition)
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must not be negative", domain.ErrInvalidDefinition)
	}

	names := make(map[string]struct{}, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		if tool.Name == "" {
			return fmt.Errorf("%w: tool name is required", domain.ErrInvalidDefinition)
		}
		if _, dup := names[tool.Name]; dup {
			return fmt.Errorf("%w: duplicate tool %s", domain.ErrInvalidDefinition, tool.Name)
		}
		names[tool.Name] = struct{}{}
	}

	for toolType, policy := range cfg.ToolPolicies {
		if policy != domain.ToolFailureRecoverable && policy != domain.ToolFailureFatal {
			return fmt.Errorf("%w: unknown failure policy %q for tool type %s", domain.ErrInvalidDefinition, policy, toolType)
		}
	}
	return nil
}

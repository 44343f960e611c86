package credits

import (
	"math"

	"github.com/aescanero/flowengine/pkg/domain"
)

// Pricing holds the cost functions' parameters.
type Pricing struct {
	// Credits charged per thousand tokens.
	InputPer1K  float64
	OutputPer1K float64

	// ModelMultipliers scales token costs for specific models.
	ModelMultipliers map[string]float64

	NodeCosts       map[domain.NodeType]int64
	DefaultNodeCost int64
	ToolCosts       map[domain.ToolType]int64

	// EstimatedLoopIterations is assumed for loop bodies when estimating.
	EstimatedLoopIterations int
}

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		InputPer1K:  1,
		OutputPer1K: 3,
		NodeCosts: map[domain.NodeType]int64{
			domain.NodeTypeInput:                 0,
			domain.NodeTypeOutput:                0,
			domain.NodeTypeTransform:             0,
			domain.NodeTypeLoop:                  0,
			domain.NodeTypeTemplateOutput:        0,
			domain.NodeTypeKBQuery:               2,
			domain.NodeTypeLLM:                   1,
			domain.NodeTypeAudio:                 10,
			domain.NodeTypeAudioTranscription:    10,
			domain.NodeTypeVideoGeneration:       25,
			domain.NodeTypePDFGeneration:         2,
			domain.NodeTypeSpreadsheetGeneration: 2,
			domain.NodeTypeChartGeneration:       2,
		},
		DefaultNodeCost: 1,
		ToolCosts: map[domain.ToolType]int64{
			domain.ToolTypeBuiltin:       0,
			domain.ToolTypeKnowledgeBase: 1,
			domain.ToolTypeMCP:           1,
			domain.ToolTypeAgent:         0,
		},
		EstimatedLoopIterations: 5,
	}
}

// CalculateLLMCredits converts token usage into credits.
func (p Pricing) CalculateLLMCredits(model string, usage domain.TokenUsage) int64 {
	if usage.InputTokens <= 0 && usage.OutputTokens <= 0 {
		return 0
	}
	multiplier := 1.0
	if m, ok := p.ModelMultipliers[model]; ok && m > 0 {
		multiplier = m
	}
	cost := (float64(max(usage.InputTokens, 0))*p.InputPer1K +
		float64(max(usage.OutputTokens, 0))*p.OutputPer1K) / 1000 * multiplier
	return int64(math.Ceil(cost))
}

// CalculateNodeCredits prices one node execution. Token counts reported by
// the executor in metrics ("inputTokens", "outputTokens") are added on top
// of the flat node cost.
func (p Pricing) CalculateNodeCredits(nodeType domain.NodeType, metrics map[string]interface{}) int64 {
	cost, ok := p.NodeCosts[nodeType]
	if !ok {
		cost = p.DefaultNodeCost
	}
	usage := domain.TokenUsage{
		InputTokens:  metricInt(metrics, "inputTokens"),
		OutputTokens: metricInt(metrics, "outputTokens"),
	}
	model, _ := metrics["model"].(string)
	return max(cost, 0) + p.CalculateLLMCredits(model, usage)
}

// CalculateToolCredits prices one tool call.
func (p Pricing) CalculateToolCredits(toolType domain.ToolType) int64 {
	return max(p.ToolCosts[toolType], 0)
}

// EstimateWorkflowCredits sums node costs, counting loop body nodes once per
// estimated iteration.
func (p Pricing) EstimateWorkflowCredits(def *domain.WorkflowDefinition) int64 {
	if def == nil {
		return 0
	}
	iterations := int64(max(p.EstimatedLoopIterations, 1))

	weight := make(map[string]int64, len(def.Nodes))
	for id := range def.Nodes {
		weight[id] = 1
	}
	for id, spec := range def.Nodes {
		if spec.Type != domain.NodeTypeLoop {
			continue
		}
		for bodyID := range loopBody(def, id) {
			weight[bodyID] *= iterations
		}
	}

	var total int64
	for id, spec := range def.Nodes {
		total += p.CalculateNodeCredits(spec.Type, nil) * weight[id]
	}
	return total
}

// EstimateAgentCredits assumes every iteration uses the full token budget.
func (p Pricing) EstimateAgentCredits(cfg *domain.AgentConfig) int64 {
	if cfg == nil {
		return 0
	}
	perCall := p.CalculateLLMCredits(cfg.Model, domain.TokenUsage{
		InputTokens:  int64(cfg.MaxTokens),
		OutputTokens: int64(cfg.MaxTokens),
	})
	return perCall * int64(max(cfg.MaxIterations, 1))
}

// loopBody returns the nodes reachable from a loop's body edges without
// passing back through the loop node.
func loopBody(def *domain.WorkflowDefinition, loopID string) map[string]struct{} {
	body := make(map[string]struct{})
	var queue []string
	for _, e := range def.Edges {
		if e.Source == loopID && e.SourceHandle == domain.HandleBody {
			queue = append(queue, e.Target)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == loopID {
			continue
		}
		if _, seen := body[id]; seen {
			continue
		}
		body[id] = struct{}{}
		for _, e := range def.Edges {
			if e.Source == id {
				queue = append(queue, e.Target)
			}
		}
	}
	return body
}

func metricInt(metrics map[string]interface{}, key string) int64 {
	switch v := metrics[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aescanero/flowengine/pkg/domain"
)

type nodeKind int

const (
	kindTask nodeKind = iota
	kindLoopStart
	kindLoopEnd
)

func (k nodeKind) String() string {
	switch k {
	case kindLoopStart:
		return "start"
	case kindLoopEnd:
		return "end"
	default:
		return "task"
	}
}

// planNode is one schedulable step. Sentinels carry the scope of the loop
// node they were derived from.
type planNode struct {
	index      int
	kind       nodeKind
	nodeID     string
	spec       domain.NodeSpec
	loop       *loopScope
	deps       []int
	dependents []int
}

func (n *planNode) label() string {
	if n.kind == kindTask {
		return n.nodeID
	}
	return n.nodeID + "#" + n.kind.String()
}

// loopScope is the compiled form of a loop node.
type loopScope struct {
	nodeID string
	config domain.LoopConfig
	start  int
	end    int
	body   *Plan
}

// Plan is a compiled workflow level. Loop bodies are nested plans.
type Plan struct {
	nodes      []*planNode
	entryPoint string
}

// Step is an inspectable view of a plan node.
type Step struct {
	Label string
	Kind  string
	Deps  []string
	Body  []Step
}

// Steps lists the plan nodes in index order.
func (p *Plan) Steps() []Step {
	steps := make([]Step, 0, len(p.nodes))
	for _, n := range p.nodes {
		step := Step{Label: n.label(), Kind: n.kind.String()}
		for _, d := range n.deps {
			step.Deps = append(step.Deps, p.nodes[d].label())
		}
		sort.Strings(step.Deps)
		if n.kind == kindLoopStart {
			step.Body = n.loop.body.Steps()
		}
		steps = append(steps, step)
	}
	return steps
}

// EntryPoint returns the node the run starts from.
func (p *Plan) EntryPoint() string {
	return p.entryPoint
}

// topLevelCount is the number of graph nodes at this level, counting a loop
// once.
func (p *Plan) topLevelCount() int {
	count := 0
	for _, n := range p.nodes {
		if n.kind != kindLoopStart {
			count++
		}
	}
	return count
}

// Compile validates def and builds its plan.
func Compile(def *domain.WorkflowDefinition) (*Plan, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow has no nodes", domain.ErrInvalidDefinition)
	}
	for _, e := range def.Edges {
		if _, ok := def.Nodes[e.Source]; !ok {
			return nil, fmt.Errorf("%w: edge %q source %q", domain.ErrEdgeNodeNotFound, e.ID, e.Source)
		}
		if _, ok := def.Nodes[e.Target]; !ok {
			return nil, fmt.Errorf("%w: edge %q target %q", domain.ErrEdgeNodeNotFound, e.ID, e.Target)
		}
	}

	scope := make(map[string]struct{}, len(def.Nodes))
	for id := range def.Nodes {
		scope[id] = struct{}{}
	}

	p, err := compileLevel(def, scope)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, n := range p.nodes {
		if len(n.deps) == 0 {
			roots = append(roots, n.nodeID)
		}
	}
	sort.Strings(roots)

	if def.EntryPoint != "" {
		if _, ok := def.Nodes[def.EntryPoint]; !ok {
			return nil, fmt.Errorf("%w: entry point %q not found", domain.ErrEntryPoint, def.EntryPoint)
		}
		if len(roots) != 1 || roots[0] != def.EntryPoint {
			return nil, fmt.Errorf("%w: %q must be the only node without incoming edges, found [%s]",
				domain.ErrEntryPoint, def.EntryPoint, strings.Join(roots, ", "))
		}
	} else if len(roots) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one node without incoming edges, found [%s]",
			domain.ErrEntryPoint, strings.Join(roots, ", "))
	}
	p.entryPoint = roots[0]

	return p, nil
}

// compileLevel plans the nodes in scope. Loops not nested in another loop of
// this level become sentinel pairs whose bodies are compiled recursively.
func compileLevel(def *domain.WorkflowDefinition, scope map[string]struct{}) (*Plan, error) {
	var edges []domain.Edge
	for _, e := range def.Edges {
		if inSet(scope, e.Source) && inSet(scope, e.Target) {
			edges = append(edges, e)
		}
	}

	ids := sortedKeys(scope)

	configs := make(map[string]domain.LoopConfig)
	bodies := make(map[string]map[string]struct{})
	var loops []string
	for _, id := range ids {
		spec := def.Nodes[id]
		if spec.Type != domain.NodeTypeLoop {
			continue
		}
		cfg, err := decodeLoop(id, spec)
		if err != nil {
			return nil, err
		}
		configs[id] = cfg
		loops = append(loops, id)

		bodies[id] = reach(edges, id, func(e domain.Edge) bool { return e.SourceHandle == domain.HandleBody })
	}

	owner := make(map[string]string)
	for _, l := range loops {
		nested := false
		for _, m := range loops {
			if m != l && inSet(bodies[m], l) {
				if inSet(bodies[l], m) {
					return nil, &domain.InvalidLoopConfigurationError{
						NodeID: l,
						Reason: fmt.Sprintf("loop bodies of %q and %q contain each other", l, m),
					}
				}
				nested = true
			}
		}
		if nested {
			continue
		}
		// Nested loops are checked when their enclosing body is compiled.
		exit := reach(edges, l, func(e domain.Edge) bool { return e.SourceHandle != domain.HandleBody })
		for _, n := range sortedKeys(bodies[l]) {
			if inSet(exit, n) {
				return nil, &domain.InvalidLoopConfigurationError{
					NodeID: l,
					Reason: fmt.Sprintf("node %q is reachable from both the body and the exit", n),
				}
			}
		}
		for _, n := range sortedKeys(bodies[l]) {
			if other, taken := owner[n]; taken {
				return nil, &domain.InvalidLoopConfigurationError{
					NodeID: l,
					Reason: fmt.Sprintf("node %q also belongs to the body of %q", n, other),
				}
			}
			owner[n] = l
		}
	}

	p := &Plan{}
	taskIdx := make(map[string]int)
	scopes := make(map[string]*loopScope)
	add := func(n *planNode) int {
		n.index = len(p.nodes)
		p.nodes = append(p.nodes, n)
		return n.index
	}

	for _, id := range ids {
		if _, owned := owner[id]; owned {
			continue
		}
		spec := def.Nodes[id]
		if spec.Type != domain.NodeTypeLoop {
			taskIdx[id] = add(&planNode{kind: kindTask, nodeID: id, spec: spec})
			continue
		}

		body, err := compileLevel(def, bodies[id])
		if err != nil {
			return nil, err
		}
		ls := &loopScope{nodeID: id, config: configs[id], body: body}
		ls.start = add(&planNode{kind: kindLoopStart, nodeID: id, spec: spec, loop: ls})
		ls.end = add(&planNode{kind: kindLoopEnd, nodeID: id, spec: spec, loop: ls})
		scopes[id] = ls
	}

	in := func(id string) int {
		if ls, ok := scopes[id]; ok {
			return ls.start
		}
		if l, ok := owner[id]; ok {
			return scopes[l].start
		}
		return taskIdx[id]
	}
	out := func(id string) int {
		if ls, ok := scopes[id]; ok {
			return ls.end
		}
		return taskIdx[id]
	}

	deps := make([]map[int]struct{}, len(p.nodes))
	link := func(from, to int) {
		if from == to {
			return
		}
		if deps[to] == nil {
			deps[to] = make(map[int]struct{})
		}
		deps[to][from] = struct{}{}
	}

	for _, ls := range scopes {
		link(ls.start, ls.end)
	}
	for _, e := range edges {
		if _, isLoop := scopes[e.Source]; isLoop && e.SourceHandle == domain.HandleBody {
			continue
		}
		if l, ok := owner[e.Source]; ok {
			// Body edges, including back-edges to the loop node, live in
			// the body plan.
			if e.Target == l || owner[e.Target] == l {
				continue
			}
		}
		link(out(e.Source), in(e.Target))
	}

	for i, set := range deps {
		for d := range set {
			p.nodes[i].deps = append(p.nodes[i].deps, d)
			p.nodes[d].dependents = append(p.nodes[d].dependents, i)
		}
	}
	for _, n := range p.nodes {
		sort.Ints(n.deps)
		sort.Ints(n.dependents)
	}

	if err := checkAcyclic(p); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeLoop(id string, spec domain.NodeSpec) (domain.LoopConfig, error) {
	cfg, err := domain.DecodeLoopConfig(spec.Config)
	if err != nil {
		return cfg, &domain.InvalidLoopConfigurationError{NodeID: id, Reason: err.Error()}
	}
	switch cfg.Mode {
	case domain.LoopModeForEach:
		if strings.TrimSpace(cfg.ArrayPath) == "" {
			return cfg, &domain.InvalidLoopConfigurationError{NodeID: id, Reason: "forEach loop requires arrayPath"}
		}
	case domain.LoopModeCount:
		if cfg.Count == nil {
			return cfg, &domain.InvalidLoopConfigurationError{NodeID: id, Reason: "count loop requires count"}
		}
	case "":
		return cfg, &domain.InvalidLoopConfigurationError{NodeID: id, Reason: "loop requires arrayPath or count"}
	default:
		return cfg, &domain.InvalidLoopConfigurationError{NodeID: id, Reason: fmt.Sprintf("unknown loop mode %q", cfg.Mode)}
	}
	return cfg, nil
}

// reach returns the nodes reachable from loopID through the first edges
// accepted by follow, without passing through loopID again.
func reach(edges []domain.Edge, loopID string, follow func(domain.Edge) bool) map[string]struct{} {
	seen := make(map[string]struct{})
	var queue []string
	for _, e := range edges {
		if e.Source == loopID && follow(e) {
			queue = append(queue, e.Target)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == loopID || inSet(seen, id) {
			continue
		}
		seen[id] = struct{}{}
		for _, e := range edges {
			if e.Source == id {
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

func checkAcyclic(p *Plan) error {
	pending := make([]int, len(p.nodes))
	var queue []int
	for i, n := range p.nodes {
		pending[i] = len(n.deps)
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range p.nodes[i].dependents {
			pending[d]--
			if pending[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited == len(p.nodes) {
		return nil
	}

	var stuck []string
	for i, n := range p.nodes {
		if pending[i] > 0 {
			stuck = append(stuck, n.label())
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("%w: %s", domain.ErrCycleDetected, strings.Join(stuck, ", "))
}

func inSet(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package recompute

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/born-ml/gradgraph/internal/graph"
)

// ErrStructuralAssumption marks a graph that does not have the repeating
// block shape the matcher expects. The pass must not proceed on a partial
// match, since mispaired boundaries would shadow the wrong node spans.
var ErrStructuralAssumption = errors.New("graph does not match expected block structure")

// Suffix is appended to every tensor name duplicated into a shadow copy.
const Suffix = "_recompute"

// shadowPriority defers shadow nodes until the scheduler needs them.
const shadowPriority = -10

// Pass duplicates each matched region into a deferred shadow copy.
type Pass struct {
	matcher Matcher
	logger  *slog.Logger
}

// Option configures a Pass.
type Option func(*Pass)

// WithMatcher overrides the default TransformerBlockMatcher.
func WithMatcher(m Matcher) Option {
	return func(p *Pass) { p.matcher = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pass) { p.logger = logger }
}

// NewPass creates a recompute pass.
func NewPass(opts ...Option) *Pass {
	p := &Pass{matcher: TransformerBlockMatcher{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply matches regions, clones each matched node set, and re-resolves the
// graph. Applicable to any resolved graph, before or instead of splitting.
func (p *Pass) Apply(g *graph.Graph) error {
	if !g.IsResolved() {
		if err := g.Resolve(); err != nil {
			return err
		}
	}

	starts, ends, err := p.matcher.Identify(g)
	if err != nil {
		return err
	}
	if len(starts) != len(ends) {
		return fmt.Errorf("%w: %s found %d start edges and %d end edges",
			ErrStructuralAssumption, p.matcher.Name(), len(starts), len(ends))
	}
	p.logger.Debug("recompute regions matched", "matcher", p.matcher.Name(), "regions", len(starts))

	// All regions are extracted before the first mutation so a bad pair
	// cannot leave a half-rewritten graph behind.
	regions := make([][]*graph.Node, len(starts))
	for i := range starts {
		nodes, err := NodesBetweenEdges(g, starts[i], ends[i])
		if err != nil {
			return err
		}
		regions[i] = nodes
	}
	for _, nodes := range regions {
		p.insertShadowNodes(g, nodes)
	}
	if len(starts) == 0 {
		return nil
	}
	return g.Resolve()
}

// NodesBetweenEdges extracts the node set bounded by a start and an end
// edge: the intersection of the nodes forward-reachable from start's
// consumers and the nodes backward-reachable into end's producer, producer
// included. The intersection excludes unrelated side branches while keeping
// branches that rejoin, which a naive topological index range would get
// wrong. Result is in node index order. An end edge nothing produces is a
// mispaired boundary and fails with ErrStructuralAssumption.
func NodesBetweenEdges(g *graph.Graph, start, end *graph.NodeArg) ([]*graph.Node, error) {
	forward := make(map[int]*graph.Node)
	var queue []*graph.Node
	for _, n := range g.ConsumerNodes(start.Name()) {
		if _, ok := forward[n.Index()]; !ok {
			forward[n.Index()] = n
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range g.OutputNodes(n) {
			if _, ok := forward[next.Index()]; !ok {
				forward[next.Index()] = next
				queue = append(queue, next)
			}
		}
	}

	endProducer := g.ProducerNode(end.Name())
	if endProducer == nil {
		return nil, fmt.Errorf("%w: end edge %q has no producer", ErrStructuralAssumption, end.Name())
	}
	backward := map[int]*graph.Node{endProducer.Index(): endProducer}
	queue = []*graph.Node{endProducer}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, prev := range g.InputNodes(n) {
			if _, ok := backward[prev.Index()]; !ok {
				backward[prev.Index()] = prev
				queue = append(queue, prev)
			}
		}
	}

	var indices []int
	for idx := range forward {
		if _, ok := backward[idx]; ok {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	nodes := make([]*graph.Node, len(indices))
	for i, idx := range indices {
		nodes[i] = forward[idx]
	}
	return nodes, nil
}

// insertShadowNodes clones every node of the extracted set. Inputs that are
// constants or produced outside the set are reused unchanged; inputs
// produced inside the set are rewired to their shadow duplicates, threading
// duplicated values through the cloned region. Dropout-family nodes become
// their grad variant, which replays the original's random mask instead of
// sampling a fresh one.
func (p *Pass) insertShadowNodes(g *graph.Graph, nodes []*graph.Node) {
	inSet := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		inSet[n.Index()] = true
	}

	shadowInput := func(arg *graph.NodeArg) *graph.NodeArg {
		if arg == nil {
			return nil
		}
		if _, isInit := g.Initializer(arg.Name()); isInit {
			return arg
		}
		if producer := g.ProducerNode(arg.Name()); producer == nil || !inSet[producer.Index()] {
			return arg
		}
		return g.GetOrCreateNodeArg(arg.Name()+Suffix, arg)
	}

	for _, node := range nodes {
		if (node.OpType() == "Dropout" || node.OpType() == "TrainableDropout") &&
			len(node.Inputs()) >= 2 && len(node.Outputs()) >= 2 {
			// Inputs: data, the original's mask, the original's ratio.
			inputs := []*graph.NodeArg{
				shadowInput(node.Inputs()[0]),
				node.Outputs()[1],
				node.Inputs()[1],
			}
			out := node.Outputs()[0]
			shadowOut := g.GetOrCreateNodeArg(out.Name()+Suffix, out)
			shadow := g.AddNode(node.Name()+Suffix, "TrainableDropoutGrad", "",
				inputs, []*graph.NodeArg{shadowOut}, nil, graph.TrainingDomain)
			shadow.SetPriority(shadowPriority)
			continue
		}

		inputs := make([]*graph.NodeArg, len(node.Inputs()))
		for i, arg := range node.Inputs() {
			inputs[i] = shadowInput(arg)
		}
		outputs := make([]*graph.NodeArg, len(node.Outputs()))
		for i, arg := range node.Outputs() {
			outputs[i] = g.GetOrCreateNodeArg(arg.Name()+Suffix, arg)
		}
		shadow := g.AddNode(node.Name()+Suffix, node.OpType(), "",
			inputs, outputs, node.Attributes(), node.Domain())
		shadow.SetPriority(shadowPriority)
	}
}

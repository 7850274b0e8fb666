package gradient

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

// ErrDifferentiation is wrapped by every failure to differentiate the
// requested output set with respect to the requested target set.
var ErrDifferentiation = errors.New("gradient graph build failed")

// GradSuffix is the naming convention for gradient tensors: the gradient of
// a tensor named T is always named T+GradSuffix.
const GradSuffix = "_grad"

// GradName returns the conventional gradient tensor name for t.
func GradName(t string) string { return t + GradSuffix }

// Config controls gradient graph construction.
type Config struct {
	// UseInvertibleLayerNormGrad selects the invertible layer normalization
	// gradient kernel, which reconstructs the input from the output instead
	// of retaining it.
	UseInvertibleLayerNormGrad bool

	// SetGradientsAsGraphOutputs appends every produced target gradient to
	// the graph outputs.
	SetGradientsAsGraphOutputs bool
}

// Builder differentiates a resolved graph in place.
type Builder struct {
	g      *graph.Graph
	yNames []string
	xNames []string
	cfg    Config
	logger *slog.Logger

	ySet map[string]bool
	xSet map[string]bool

	diffSet   map[int]bool // node index -> on an X-to-Y path
	expected  map[string]int
	collected map[string][]*graph.NodeArg
	finalized map[string]*graph.NodeArg
	tmpCount  int
}

// NewBuilder prepares differentiation of g over outputs yNames with respect
// to targets xNames. The graph must be resolved.
func NewBuilder(g *graph.Graph, yNames, xNames []string, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		g:         g,
		yNames:    append([]string(nil), yNames...),
		xNames:    append([]string(nil), xNames...),
		cfg:       cfg,
		logger:    logger,
		ySet:      make(map[string]bool, len(yNames)),
		xSet:      make(map[string]bool, len(xNames)),
		diffSet:   make(map[int]bool),
		expected:  make(map[string]int),
		collected: make(map[string][]*graph.NodeArg),
		finalized: make(map[string]*graph.NodeArg),
	}
	for _, y := range yNames {
		b.ySet[y] = true
	}
	for _, x := range xNames {
		b.xSet[x] = true
	}
	return b
}

// Build emits the backward nodes. On success every produced target gradient
// is named per GradName, and (if configured) appended to the graph outputs.
func (b *Builder) Build() error {
	if !b.g.IsResolved() {
		return fmt.Errorf("%w: graph must be resolved before differentiation", ErrDifferentiation)
	}
	for _, y := range b.yNames {
		if b.g.GetNodeArg(y) == nil {
			return fmt.Errorf("%w: output %q not found in graph", ErrDifferentiation, y)
		}
	}

	b.computeDiffSet()
	if len(b.diffSet) == 0 {
		return fmt.Errorf("%w: no path from outputs %v to targets %v", ErrDifferentiation, b.yNames, b.xNames)
	}
	b.countContributions()

	order := b.g.NodesInTopologicalOrder()
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if !b.diffSet[node.Index()] {
			continue
		}
		if err := b.emitNodeGradients(node); err != nil {
			return err
		}
	}

	produced := 0
	var gradOutputs []*graph.NodeArg
	for _, x := range b.xNames {
		arg := b.finalizeGrad(b.g.GetNodeArg(x))
		if arg == nil {
			b.logger.Debug("target has no gradient path", "target", x)
			continue
		}
		produced++
		gradOutputs = append(gradOutputs, arg)
	}
	if produced == 0 {
		return fmt.Errorf("%w: no target in %v receives a gradient", ErrDifferentiation, b.xNames)
	}

	if b.cfg.SetGradientsAsGraphOutputs {
		b.g.SetOutputs(append(b.g.Outputs(), gradOutputs...))
	}
	b.logger.Debug("gradient graph built", "targets", len(b.xNames), "with_gradient", produced)
	return nil
}

// computeDiffSet intersects the nodes backward-reachable from Y with the
// nodes forward-reachable from X.
func (b *Builder) computeDiffSet() {
	reachesY := make(map[int]bool)
	var stack []*graph.Node
	for _, y := range b.yNames {
		if p := b.g.ProducerNode(y); p != nil && !reachesY[p.Index()] {
			reachesY[p.Index()] = true
			stack = append(stack, p)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, up := range b.g.InputNodes(n) {
			if !reachesY[up.Index()] {
				reachesY[up.Index()] = true
				stack = append(stack, up)
			}
		}
	}

	fromX := make(map[int]bool)
	stack = stack[:0]
	for _, x := range b.xNames {
		for _, c := range b.g.ConsumerNodes(x) {
			if !fromX[c.Index()] {
				fromX[c.Index()] = true
				stack = append(stack, c)
			}
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, down := range b.g.OutputNodes(n) {
			if !fromX[down.Index()] {
				fromX[down.Index()] = true
				stack = append(stack, down)
			}
		}
	}

	for idx := range fromX {
		if reachesY[idx] {
			b.diffSet[idx] = true
		}
	}
}

// needsGrad reports whether a gradient must flow into the named tensor: it
// is a target, or it is produced by a node on an X-to-Y path.
func (b *Builder) needsGrad(name string) bool {
	if b.xSet[name] {
		return true
	}
	p := b.g.ProducerNode(name)
	return p != nil && b.diffSet[p.Index()]
}

// countContributions precomputes, per tensor, how many gradient
// contributions will be accumulated, so single contributions can be emitted
// directly under their final name.
func (b *Builder) countContributions() {
	for _, node := range b.g.Nodes() {
		if !b.diffSet[node.Index()] {
			continue
		}
		def, ok := registry[node.OpType()]
		if !ok {
			continue // surfaced as an error during emission
		}
		for _, slot := range def.slots(node) {
			in := node.Inputs()[slot]
			if in != nil && b.needsGrad(in.Name()) {
				b.expected[in.Name()]++
			}
		}
	}
}

// finalizeGrad returns the gradient NodeArg for t, emitting the Sum node
// combining contributions if there is more than one. Returns nil when no
// gradient flows into t.
func (b *Builder) finalizeGrad(t *graph.NodeArg) *graph.NodeArg {
	if t == nil {
		return nil
	}
	if arg, ok := b.finalized[t.Name()]; ok {
		return arg
	}
	contribs := b.collected[t.Name()]
	var arg *graph.NodeArg
	switch {
	case len(contribs) == 0 && b.ySet[t.Name()]:
		// External seed: consumed by backward nodes, produced by nobody.
		arg = b.g.GetOrCreateNodeArg(GradName(t.Name()), t)
		arg.UpdateTypeAndShape(t)
	case len(contribs) == 0:
		arg = nil
	case len(contribs) == 1:
		arg = contribs[0]
	default:
		arg = b.g.GetOrCreateNodeArg(GradName(t.Name()), t)
		arg.UpdateTypeAndShape(t)
		sum := b.g.AddNode(GradName(t.Name())+"_sum", "Sum", graph.BackwardPassTag, contribs, []*graph.NodeArg{arg}, nil, "")
		sum.SetRole(graph.RoleBackward)
	}
	b.finalized[t.Name()] = arg
	return arg
}

// contribArg allocates the NodeArg a gradient definition writes a
// contribution for tensor t into, and registers it for accumulation.
func (b *Builder) contribArg(t *graph.NodeArg) *graph.NodeArg {
	name := GradName(t.Name())
	if b.expected[t.Name()] > 1 {
		name = fmt.Sprintf("%s_%d", name, len(b.collected[t.Name()]))
	}
	arg := b.g.GetOrCreateNodeArg(name, t)
	arg.UpdateTypeAndShape(t)
	b.collected[t.Name()] = append(b.collected[t.Name()], arg)
	return arg
}

// tempArg allocates a uniquely named scratch tensor for intermediate
// gradient computations.
func (b *Builder) tempArg(base string, like *graph.NodeArg) *graph.NodeArg {
	b.tmpCount++
	return b.g.GetOrCreateNodeArg(fmt.Sprintf("%s_grad_tmp_%d", base, b.tmpCount), like)
}

func (b *Builder) emitNodeGradients(node *graph.Node) error {
	def, ok := registry[node.OpType()]
	if !ok {
		return fmt.Errorf("%w: no gradient definition for operator %q (node %q)",
			ErrDifferentiation, node.OpType(), node.Name())
	}

	outGrads := make([]*graph.NodeArg, len(node.Outputs()))
	for i, out := range node.Outputs() {
		outGrads[i] = b.finalizeGrad(out)
	}
	any := false
	for _, g := range outGrads {
		if g != nil {
			any = true
		}
	}
	if !any {
		return nil
	}

	ctx := &opContext{b: b, node: node, outGrads: outGrads}
	if err := def.emit(ctx); err != nil {
		return fmt.Errorf("%w: %s (node %q)", ErrDifferentiation, err, node.Name())
	}
	return nil
}

// opContext is what a gradient definition sees while emitting nodes for one
// forward node.
type opContext struct {
	b        *Builder
	node     *graph.Node
	outGrads []*graph.NodeArg
	emitted  int
}

func (c *opContext) input(i int) *graph.NodeArg  { return c.node.Inputs()[i] }
func (c *opContext) output(i int) *graph.NodeArg { return c.node.Outputs()[i] }

// outGrad returns the gradient flowing into output i, or nil.
func (c *opContext) outGrad(i int) *graph.NodeArg {
	if i >= len(c.outGrads) {
		return nil
	}
	return c.outGrads[i]
}

// needs reports whether input slot i requires a gradient.
func (c *opContext) needs(i int) bool {
	in := c.input(i)
	return in != nil && c.b.needsGrad(in.Name())
}

// gradFor allocates the contribution tensor for input slot i.
func (c *opContext) gradFor(i int) *graph.NodeArg {
	return c.b.contribArg(c.input(i))
}

// temp allocates a scratch tensor.
func (c *opContext) temp(like *graph.NodeArg) *graph.NodeArg {
	return c.b.tempArg(c.node.Name(), like)
}

// add emits a backward node.
func (c *opContext) add(opType string, inputs, outputs []*graph.NodeArg, attrs []onnx.AttributeProto, domain string) *graph.Node {
	c.emitted++
	name := fmt.Sprintf("%s_grad_%d", c.node.Name(), c.emitted)
	n := c.b.g.AddNode(name, opType, graph.BackwardPassTag, inputs, outputs, attrs, domain)
	n.SetRole(graph.RoleBackward)
	return n
}

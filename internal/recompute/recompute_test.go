package recompute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

func arg(g *graph.Graph, name string, dims ...int64) *graph.NodeArg {
	a := g.GetOrCreateNodeArg(name, nil)
	a.SetElemType(onnx.TensorProtoFloat)
	if len(dims) > 0 {
		a.SetShape(dims)
	}
	return a
}

// chainGraph is X -> n1 -> S -> n2 -> A -> n3 -> B -> n4 -> E.
func chainGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewGraph("chain")
	x := arg(g, "X", 2, 4)
	s := arg(g, "S")
	a := arg(g, "A")
	b := arg(g, "B")
	e := arg(g, "E")
	g.AddNode("n1", "Relu", "", []*graph.NodeArg{x}, []*graph.NodeArg{s}, nil, "")
	g.AddNode("n2", "Relu", "", []*graph.NodeArg{s}, []*graph.NodeArg{a}, nil, "")
	g.AddNode("n3", "Relu", "", []*graph.NodeArg{a}, []*graph.NodeArg{b}, nil, "")
	g.AddNode("n4", "Relu", "", []*graph.NodeArg{b}, []*graph.NodeArg{e}, nil, "")
	g.SetInputs([]*graph.NodeArg{x})
	g.SetOutputs([]*graph.NodeArg{e})
	require.NoError(t, g.Resolve())
	return g
}

func nodeNames(nodes []*graph.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return out
}

func TestNodesBetweenEdgesLinearChain(t *testing.T) {
	g := chainGraph(t)
	// On a straight line the extracted set is exactly the path between the
	// edges, end producer included.
	nodes, err := NodesBetweenEdges(g, g.GetNodeArg("S"), g.GetNodeArg("E"))
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3", "n4"}, nodeNames(nodes))
}

func TestNodesBetweenEdgesEndWithoutProducer(t *testing.T) {
	g := chainGraph(t)
	// A graph input can never close a region; the mispairing must surface
	// instead of degrading to an empty shadow set.
	_, err := NodesBetweenEdges(g, g.GetNodeArg("S"), g.GetNodeArg("X"))
	require.ErrorIs(t, err, ErrStructuralAssumption)
}

func TestNodesBetweenEdgesExcludesSideBranch(t *testing.T) {
	g := chainGraph(t)
	u := arg(g, "U")
	g.AddNode("side", "Neg", "", []*graph.NodeArg{g.GetNodeArg("S")}, []*graph.NodeArg{u}, nil, "")
	g.SetOutputs([]*graph.NodeArg{g.GetNodeArg("E"), u})
	require.NoError(t, g.Resolve())

	// The side branch is forward-reachable from S but cannot reach E.
	nodes, err := NodesBetweenEdges(g, g.GetNodeArg("S"), g.GetNodeArg("E"))
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3", "n4"}, nodeNames(nodes))
}

func TestNodesBetweenEdgesKeepsRejoiningBranch(t *testing.T) {
	g := graph.NewGraph("diamond")
	x := arg(g, "X", 2, 4)
	s := arg(g, "S")
	a := arg(g, "A")
	b := arg(g, "B")
	e := arg(g, "E")
	g.AddNode("n1", "Relu", "", []*graph.NodeArg{x}, []*graph.NodeArg{s}, nil, "")
	g.AddNode("left", "Relu", "", []*graph.NodeArg{s}, []*graph.NodeArg{a}, nil, "")
	g.AddNode("right", "Neg", "", []*graph.NodeArg{s}, []*graph.NodeArg{b}, nil, "")
	g.AddNode("join", "Add", "", []*graph.NodeArg{a, b}, []*graph.NodeArg{e}, nil, "")
	g.SetInputs([]*graph.NodeArg{x})
	g.SetOutputs([]*graph.NodeArg{e})
	require.NoError(t, g.Resolve())

	nodes, err := NodesBetweenEdges(g, s, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right", "join"}, nodeNames(nodes))
}

func TestInsertShadowNodesRewiring(t *testing.T) {
	g := chainGraph(t)
	p := NewPass()
	region, err := NodesBetweenEdges(g, g.GetNodeArg("S"), g.GetNodeArg("E"))
	require.NoError(t, err)
	p.insertShadowNodes(g, region)
	require.NoError(t, g.Resolve())

	// n2's shadow reads the original S: its producer is outside the region.
	shadow2 := g.ProducerNode("A" + Suffix)
	require.NotNil(t, shadow2)
	assert.Equal(t, "n2"+Suffix, shadow2.Name())
	assert.Equal(t, "S", shadow2.Inputs()[0].Name())
	assert.Equal(t, -10, shadow2.Priority())

	// n3's shadow threads the duplicated tensor instead.
	shadow3 := g.ProducerNode("B" + Suffix)
	require.NotNil(t, shadow3)
	assert.Equal(t, "A"+Suffix, shadow3.Inputs()[0].Name())
}

func TestInsertShadowNodesDropoutVariant(t *testing.T) {
	g := graph.NewGraph("dropout")
	x := arg(g, "X", 2, 4)
	s := arg(g, "S")
	ratio := arg(g, "ratio", 1)
	d := arg(g, "D")
	mask := arg(g, "mask")
	e := arg(g, "E")
	g.AddNode("n1", "Relu", "", []*graph.NodeArg{x}, []*graph.NodeArg{s}, nil, "")
	g.AddNode("drop", "Dropout", "", []*graph.NodeArg{s, ratio}, []*graph.NodeArg{d, mask}, nil, "")
	g.AddNode("n2", "Relu", "", []*graph.NodeArg{d}, []*graph.NodeArg{e}, nil, "")
	g.SetInputs([]*graph.NodeArg{x, ratio})
	g.SetOutputs([]*graph.NodeArg{e})
	require.NoError(t, g.Resolve())

	p := NewPass()
	region, err := NodesBetweenEdges(g, s, e)
	require.NoError(t, err)
	require.Equal(t, []string{"drop", "n2"}, nodeNames(region))
	p.insertShadowNodes(g, region)
	require.NoError(t, g.Resolve())

	// Replaying dropout must reuse the original mask, so the shadow is the
	// grad variant, not a structural clone.
	shadow := g.ProducerNode("D" + Suffix)
	require.NotNil(t, shadow)
	assert.Equal(t, "TrainableDropoutGrad", shadow.OpType())
	assert.Equal(t, graph.TrainingDomain, shadow.Domain())
	assert.Equal(t, []string{"S", "mask", "ratio"}, func() []string {
		var names []string
		for _, in := range shadow.Inputs() {
			names = append(names, in.Name())
		}
		return names
	}())
	assert.Equal(t, -10, shadow.Priority())
}

// transformerBlockGraph builds one transformer-style block: a residual
// branch point with four consumer edges, then a feed-forward tail ending in
// Gelu -> Dropout -> LayerNormalization.
func transformerBlockGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewGraph("block")
	x := arg(g, "X", 2, 8)
	scale := arg(g, "scale", 8)
	bias := arg(g, "bias", 8)
	ratio := arg(g, "ratio", 1)
	g.AddInitializer(&onnx.TensorProto{Name: "Wq", DataType: onnx.TensorProtoFloat, Dims: []int64{8, 8}})
	wq := g.GetNodeArg("Wq")

	s := arg(g, "S")
	q := arg(g, "Q")
	k := arg(g, "K")
	v := arg(g, "V")
	qk := arg(g, "QK")
	att := arg(g, "Att")
	res := arg(g, "Res")
	gelu := arg(g, "G")
	d := arg(g, "D")
	mask := arg(g, "mask")
	out := arg(g, "Out")

	g.AddNode("ln1", "LayerNormalization", "", []*graph.NodeArg{x, scale, bias}, []*graph.NodeArg{s}, nil, "")
	// Four consumer edges of S: the block start signature.
	g.AddNode("q", "MatMul", "", []*graph.NodeArg{s, wq}, []*graph.NodeArg{q}, nil, "")
	g.AddNode("k", "MatMul", "", []*graph.NodeArg{s, wq}, []*graph.NodeArg{k}, nil, "")
	g.AddNode("v", "MatMul", "", []*graph.NodeArg{s, wq}, []*graph.NodeArg{v}, nil, "")
	g.AddNode("qk", "Add", "", []*graph.NodeArg{q, k}, []*graph.NodeArg{qk}, nil, "")
	g.AddNode("att", "Add", "", []*graph.NodeArg{qk, v}, []*graph.NodeArg{att}, nil, "")
	g.AddNode("res", "Add", "", []*graph.NodeArg{s, att}, []*graph.NodeArg{res}, nil, "")
	g.AddNode("gelu", "Gelu", "", []*graph.NodeArg{res}, []*graph.NodeArg{gelu}, nil, "")
	g.AddNode("drop", "Dropout", "", []*graph.NodeArg{gelu, ratio}, []*graph.NodeArg{d, mask}, nil, "")
	g.AddNode("ln2", "LayerNormalization", "", []*graph.NodeArg{d, scale, bias}, []*graph.NodeArg{out}, nil, "")
	g.SetInputs([]*graph.NodeArg{x, scale, bias, ratio})
	g.SetOutputs([]*graph.NodeArg{out})
	require.NoError(t, g.Resolve())
	return g
}

func TestMatcherFindsBlock(t *testing.T) {
	g := transformerBlockGraph(t)
	starts, ends, err := (TransformerBlockMatcher{}).Identify(g)
	require.NoError(t, err)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, "S", starts[0].Name())
	assert.Equal(t, "Out", ends[0].Name())
}

func TestApplyTransformerBlock(t *testing.T) {
	g := transformerBlockGraph(t)
	before := len(g.Nodes())

	p := NewPass()
	require.NoError(t, p.Apply(g))

	// Everything between S and Out is shadowed: q, k, v, qk, att, res,
	// gelu, drop, ln2.
	assert.Equal(t, before+9, len(g.Nodes()))
	assert.True(t, g.IsResolved())

	// Shadow of q reuses both S (produced outside the region) and the Wq
	// constant.
	shadowQ := g.ProducerNode("Q" + Suffix)
	require.NotNil(t, shadowQ)
	assert.Equal(t, "S", shadowQ.Inputs()[0].Name())
	assert.Equal(t, "Wq", shadowQ.Inputs()[1].Name())

	// The dropout shadow replays the recorded mask.
	shadowDrop := g.ProducerNode("D" + Suffix)
	require.NotNil(t, shadowDrop)
	assert.Equal(t, "TrainableDropoutGrad", shadowDrop.OpType())

	// Shadow nodes are deferred; originals keep default priority.
	for _, n := range g.Nodes() {
		if g.ProducerNode("Q"+Suffix) == n || g.ProducerNode("Out"+Suffix) == n {
			assert.Equal(t, -10, n.Priority())
		}
	}
}

func TestApplyStructuralMismatch(t *testing.T) {
	// A feed-forward tail without any four-edge branch point: one end edge,
	// zero start edges.
	g := graph.NewGraph("tail")
	x := arg(g, "X", 2, 8)
	scale := arg(g, "scale", 8)
	bias := arg(g, "bias", 8)
	ratio := arg(g, "ratio", 1)
	gelu := arg(g, "G")
	d := arg(g, "D")
	mask := arg(g, "mask")
	out := arg(g, "Out")
	g.AddNode("gelu", "Gelu", "", []*graph.NodeArg{x}, []*graph.NodeArg{gelu}, nil, "")
	g.AddNode("drop", "Dropout", "", []*graph.NodeArg{gelu, ratio}, []*graph.NodeArg{d, mask}, nil, "")
	g.AddNode("ln", "LayerNormalization", "", []*graph.NodeArg{d, scale, bias}, []*graph.NodeArg{out}, nil, "")
	g.SetInputs([]*graph.NodeArg{x, scale, bias, ratio})
	g.SetOutputs([]*graph.NodeArg{out})
	require.NoError(t, g.Resolve())

	err := NewPass().Apply(g)
	require.ErrorIs(t, err, ErrStructuralAssumption)
}

func TestApplyNoRegionsIsNoOp(t *testing.T) {
	g := chainGraph(t)
	before := len(g.Nodes())
	require.NoError(t, NewPass().Apply(g))
	assert.Equal(t, before, len(g.Nodes()))
}

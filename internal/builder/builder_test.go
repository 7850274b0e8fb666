package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

func floatInput(name string, dims ...int64) onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		shape.Dims = append(shape.Dims, onnx.DimensionProto{DimValue: d})
	}
	return onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{
			ElemType: onnx.TensorProtoFloat,
			Shape:    shape,
		}},
	}
}

func floatInitializer(name string, dims ...int64) onnx.TensorProto {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return onnx.TensorProto{
		Name:      name,
		DataType:  onnx.TensorProtoFloat,
		Dims:      dims,
		FloatData: make([]float32, n),
	}
}

func serialize(gp *onnx.GraphProto) []byte {
	return onnx.Serialize(&onnx.ModelProto{
		IRVersion:   8,
		OpsetImport: []onnx.OperatorSetID{{Version: 14}},
		Graph:       gp,
	})
}

// reluMatMulModel is Y = Relu(MatMul(X, W)) with W a persisted constant.
func reluMatMulModel() []byte {
	return serialize(&onnx.GraphProto{
		Name: "main",
		Nodes: []onnx.NodeProto{
			{Name: "mm", OpType: "MatMul", Inputs: []string{"X", "W"}, Outputs: []string{"T"}},
			{Name: "act", OpType: "Relu", Inputs: []string{"T"}, Outputs: []string{"Y"}},
		},
		Initializers: []onnx.TensorProto{floatInitializer("W", 3, 4)},
		Inputs:       []onnx.ValueInfoProto{floatInput("X", 2, 3)},
		Outputs:      []onnx.ValueInfoProto{{Name: "Y"}},
	})
}

// twoLayerModel is Y = Relu(MatMul(MatMul(X, W1), W2)).
func twoLayerModel() []byte {
	return serialize(&onnx.GraphProto{
		Name: "main",
		Nodes: []onnx.NodeProto{
			{Name: "mm1", OpType: "MatMul", Inputs: []string{"X", "W1"}, Outputs: []string{"T1"}},
			{Name: "mm2", OpType: "MatMul", Inputs: []string{"T1", "W2"}, Outputs: []string{"T2"}},
			{Name: "act", OpType: "Relu", Inputs: []string{"T2"}, Outputs: []string{"Y"}},
		},
		Initializers: []onnx.TensorProto{
			floatInitializer("W1", 3, 3),
			floatInitializer("W2", 3, 4),
		},
		Inputs:  []onnx.ValueInfoProto{floatInput("X", 2, 3)},
		Outputs: []onnx.ValueInfoProto{{Name: "Y"}},
	})
}

func TestInitializePromotesTrainables(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"W"}}))

	g := b.model.Graph()
	_, isInit := g.Initializer("W")
	assert.False(t, isInit, "trainable must leave the constant table")
	require.Len(t, g.Inputs(), 2)
	assert.Equal(t, "X", g.Inputs()[0].Name())
	assert.Equal(t, "W", g.Inputs()[1].Name())

	assert.Equal(t, []string{"X"}, b.info.UserInputNames)
	assert.Equal(t, []string{"Y"}, b.info.UserOutputNames)
}

func TestInitializeUnknownTrainable(t *testing.T) {
	b := New()
	err := b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"missing"}})
	require.ErrorIs(t, err, ErrConfigMismatch)
}

func TestInitializeGarbageModel(t *testing.T) {
	b := New()
	err := b.Initialize([]byte{0x01, 0x02, 0x03}, Config{})
	require.ErrorIs(t, err, ErrLoad)
}

func TestBuildAndSplit(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"W"}}))
	require.NoError(t, b.BuildAndSplit([][]int64{{2, 3}}))

	info := b.Info()
	assert.Equal(t, []string{"W_grad"}, info.InitializerGradNamesToTrain)
	assert.Equal(t, []string{"Y_grad"}, info.UserOutputGradNames)
	assert.Equal(t, []string{"Y_grad"}, info.BackwardOutputGradNames)
	// Relu differentiates from its own output, so nothing internal crosses
	// the boundary: Y itself is re-fed to the backward graph instead.
	assert.Empty(t, info.IntermediateTensorNames)
	assert.Equal(t, []string{"X"}, info.BackwardUserInputNames)
	assert.Empty(t, info.BackwardInitializerNamesAsInput)

	forwardBytes, err := b.ForwardModel()
	require.NoError(t, err)
	backwardBytes, err := b.BackwardModel()
	require.NoError(t, err)

	forward, err := graph.LoadModel(forwardBytes)
	require.NoError(t, err)
	backward, err := graph.LoadModel(backwardBytes)
	require.NoError(t, err)

	fg := forward.Graph()
	assert.Equal(t, []string{"X", "W"}, argNames(fg.Inputs()))
	assert.Equal(t, []string{"Y"}, argNames(fg.Outputs()))
	for _, n := range fg.Nodes() {
		assert.Equal(t, graph.RoleForward, n.Role(), "node %s", n.Name())
	}

	bg := backward.Graph()
	assert.Equal(t, []string{"X", "Y", "Y_grad"}, argNames(bg.Inputs()))
	assert.Equal(t, []string{"W_grad"}, argNames(bg.Outputs()))
	for _, n := range bg.Nodes() {
		assert.Equal(t, graph.RoleBackward, n.Role(), "node %s", n.Name())
	}
	assert.Empty(t, bg.InitializerNames(), "backward keeps no stale constants")

	// Split completeness: the two node sets partition the merged set.
	forwardNames := nodeNames(fg.Nodes())
	backwardNames := nodeNames(bg.Nodes())
	for name := range backwardNames {
		_, clash := forwardNames[name]
		assert.False(t, clash, "node %s on both sides", name)
	}
	assert.Len(t, fg.Nodes(), 2)
	assert.NotEmpty(t, bg.Nodes())

	// Both sides resolve independently after a reload.
	require.NoError(t, fg.Resolve())
	require.NoError(t, bg.Resolve())
}

func TestBuildAndSplitStampsBuildID(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"W"}}))
	require.NoError(t, b.BuildAndSplit([][]int64{{2, 3}}))

	forwardBytes, err := b.ForwardModel()
	require.NoError(t, err)
	backwardBytes, err := b.BackwardModel()
	require.NoError(t, err)

	fid := metadataValue(t, forwardBytes, buildIDKey)
	bid := metadataValue(t, backwardBytes, buildIDKey)
	assert.NotEmpty(t, fid)
	assert.Equal(t, fid, bid, "artifacts of one build share a build ID")
}

func TestBuildAndSplitShapeCountMismatch(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"W"}}))
	err := b.BuildAndSplit(nil)
	require.ErrorIs(t, err, ErrConfigMismatch)
}

func TestBuildAndSplitNoGradientPath(t *testing.T) {
	// W exists but feeds nothing.
	model := serialize(&onnx.GraphProto{
		Name: "main",
		Nodes: []onnx.NodeProto{
			{Name: "act", OpType: "Relu", Inputs: []string{"X"}, Outputs: []string{"Y"}},
		},
		Initializers: []onnx.TensorProto{floatInitializer("W", 3, 4)},
		Inputs:       []onnx.ValueInfoProto{floatInput("X", 2, 3)},
		Outputs:      []onnx.ValueInfoProto{{Name: "Y"}},
	})
	b := New()
	require.NoError(t, b.Initialize(model, Config{InitializerNamesToTrain: []string{"W"}}))
	err := b.BuildAndSplit([][]int64{{2, 3}})
	require.ErrorIs(t, err, ErrDifferentiation)
}

func TestBuildAndSplitIsRepeatable(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(reluMatMulModel(), Config{InitializerNamesToTrain: []string{"W"}}))

	require.NoError(t, b.BuildAndSplit([][]int64{{2, 3}}))
	first, err := b.ForwardModel()
	require.NoError(t, err)

	// A second build with a different batch size works from a fresh clone.
	require.NoError(t, b.BuildAndSplit([][]int64{{8, 3}}))
	second, err := b.ForwardModel()
	require.NoError(t, err)

	fg1, err := graph.LoadModel(first)
	require.NoError(t, err)
	fg2, err := graph.LoadModel(second)
	require.NoError(t, err)
	d1, _ := fg1.Graph().GetNodeArg("X").ConcreteDims()
	d2, _ := fg2.Graph().GetNodeArg("X").ConcreteDims()
	assert.Equal(t, int64(2), d1[0])
	assert.Equal(t, int64(8), d2[0])
}

func TestBuildMergedGraph(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(twoLayerModel(), Config{InitializerNamesToTrain: []string{"W1", "W2"}}))
	require.NoError(t, b.Build())

	gradientBytes, err := b.GradientModel()
	require.NoError(t, err)
	model, err := graph.LoadModel(gradientBytes)
	require.NoError(t, err)
	g := model.Graph()

	// Canonical boundary: no gradient seed among inputs, user outputs only.
	assert.Equal(t, []string{"X", "W1", "W2"}, argNames(g.Inputs()))
	assert.Equal(t, []string{"Y"}, argNames(g.Outputs()))

	var awaitYields, pushYields []*graph.Node
	for _, n := range g.Nodes() {
		if n.OpType() != "Yield" {
			continue
		}
		assert.Equal(t, graph.TrainingDomain, n.Domain())
		if v, ok := n.IntAttribute(pushInputAttr); ok && v == 1 {
			pushYields = append(pushYields, n)
		} else {
			awaitYields = append(awaitYields, n)
		}
	}

	// One boundary marker awaiting the output gradient seed.
	require.Len(t, awaitYields, 1)
	assert.Equal(t, []string{"Y"}, argNames(awaitYields[0].Inputs()))
	assert.Equal(t, []string{"Y_grad"}, argNames(awaitYields[0].Outputs()))

	// One push marker per produced trainable gradient.
	require.Len(t, pushYields, 2)
	pushed := map[string]bool{}
	for _, n := range pushYields {
		require.Len(t, n.Inputs(), 1)
		assert.Empty(t, n.Outputs())
		pushed[n.Inputs()[0].Name()] = true
	}
	assert.True(t, pushed["W1_grad"])
	assert.True(t, pushed["W2_grad"])

	info := b.Info()
	assert.Equal(t, []string{"Y_grad"}, info.UserOutputGradNames)
	assert.Equal(t, []string{"Y_grad"}, info.BackwardOutputGradNames)
}

func TestBuildOrderedInitializerNames(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(twoLayerModel(), Config{InitializerNamesToTrain: []string{"W1", "W2"}}))
	require.NoError(t, b.Build())

	// The backward pass finishes W2's gradient before W1's; a forward
	// topological scan records [W2, W1] and the documented reversal yields
	// W1 first.
	assert.Equal(t, []string{"W1", "W2"}, b.Info().OrderedInitializerNames)
}

func TestBuildKeepsTrainableGradProducers(t *testing.T) {
	// Trainable gradients are not canonical outputs, only push markers read
	// them; the cleanup passes must still leave their producers in place.
	b := New()
	require.NoError(t, b.Initialize(twoLayerModel(), Config{InitializerNamesToTrain: []string{"W1", "W2"}}))
	require.NoError(t, b.Build())

	gradientBytes, err := b.GradientModel()
	require.NoError(t, err)
	model, err := graph.LoadModel(gradientBytes)
	require.NoError(t, err)
	g := model.Graph()

	for _, name := range []string{"W1_grad", "W2_grad"} {
		producer := g.ProducerNode(name)
		require.NotNil(t, producer, "%s lost its producer", name)
		assert.NotEqual(t, "Yield", producer.OpType())
	}
	for _, arg := range g.Outputs() {
		assert.NotContains(t, []string{"W1_grad", "W2_grad"}, arg.Name())
	}
}

func TestBuildRequiredInputGradMissing(t *testing.T) {
	// X2 is declared but disconnected, so its required gradient can never
	// be produced.
	model := serialize(&onnx.GraphProto{
		Name: "main",
		Nodes: []onnx.NodeProto{
			{Name: "mm", OpType: "MatMul", Inputs: []string{"X", "W"}, Outputs: []string{"T"}},
			{Name: "act", OpType: "Relu", Inputs: []string{"T"}, Outputs: []string{"Y"}},
		},
		Initializers: []onnx.TensorProto{floatInitializer("W", 3, 4)},
		Inputs: []onnx.ValueInfoProto{
			floatInput("X", 2, 3),
			floatInput("X2", 2, 3),
		},
		Outputs: []onnx.ValueInfoProto{{Name: "Y"}},
	})
	b := New()
	require.NoError(t, b.Initialize(model, Config{
		InitializerNamesToTrain: []string{"W"},
		InputNamesRequireGrad:   []string{"X2"},
	}))
	err := b.Build()
	require.ErrorIs(t, err, ErrConfigMismatch)
}

func TestBuildRequiredInputGradInOutputs(t *testing.T) {
	b := New()
	require.NoError(t, b.Initialize(twoLayerModel(), Config{
		InitializerNamesToTrain: []string{"W1", "W2"},
		InputNamesRequireGrad:   []string{"X"},
	}))
	require.NoError(t, b.Build())

	gradientBytes, err := b.GradientModel()
	require.NoError(t, err)
	model, err := graph.LoadModel(gradientBytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y", "X_grad"}, argNames(model.Graph().Outputs()))
	assert.Equal(t, map[string]string{"X": "X_grad"}, b.Info().UserInputGradNames)
}

func TestAccessorsBeforeBuild(t *testing.T) {
	b := New()
	_, err := b.ForwardModel()
	require.ErrorIs(t, err, ErrNotBuilt)
	_, err = b.BackwardModel()
	require.ErrorIs(t, err, ErrNotBuilt)
	_, err = b.GradientModel()
	require.ErrorIs(t, err, ErrNotBuilt)
	require.ErrorIs(t, b.BuildAndSplit(nil), ErrNotBuilt)
	require.ErrorIs(t, b.Build(), ErrNotBuilt)
}

func argNames(args []*graph.NodeArg) []string {
	var out []string
	for _, a := range args {
		out = append(out, a.Name())
	}
	return out
}

func nodeNames(nodes []*graph.Node) map[string]bool {
	out := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		out[n.Name()] = true
	}
	return out
}

func metadataValue(t *testing.T, modelBytes []byte, key string) string {
	t.Helper()
	proto, err := onnx.Parse(modelBytes)
	require.NoError(t, err)
	for _, kv := range proto.MetadataProps {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

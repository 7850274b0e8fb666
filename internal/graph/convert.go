package graph

import (
	"sort"

	"github.com/born-ml/gradgraph/internal/onnx"
)

// FromGraphProto builds a Graph from its wire form. Node roles are derived
// from the wire description tag.
func FromGraphProto(gp *onnx.GraphProto) *Graph {
	g := NewGraph(gp.Name)
	g.docString = gp.DocString

	for i := range gp.Initializers {
		t := gp.Initializers[i]
		g.AddInitializer(&t)
	}
	applyValueInfo(g, gp.Inputs)
	applyValueInfo(g, gp.Outputs)
	applyValueInfo(g, gp.ValueInfo)

	for i := range gp.Nodes {
		np := &gp.Nodes[i]
		inputs := make([]*NodeArg, len(np.Inputs))
		for j, name := range np.Inputs {
			if name == "" {
				continue // optional input slot
			}
			inputs[j] = g.GetOrCreateNodeArg(name, nil)
		}
		outputs := make([]*NodeArg, len(np.Outputs))
		for j, name := range np.Outputs {
			outputs[j] = g.GetOrCreateNodeArg(name, nil)
		}
		g.AddNode(np.Name, np.OpType, np.DocString, inputs, outputs, np.Attributes, np.Domain)
	}

	var inputs []*NodeArg
	for i := range gp.Inputs {
		inputs = append(inputs, g.GetOrCreateNodeArg(gp.Inputs[i].Name, nil))
	}
	g.SetInputs(inputs)

	var outputs []*NodeArg
	for i := range gp.Outputs {
		outputs = append(outputs, g.GetOrCreateNodeArg(gp.Outputs[i].Name, nil))
	}
	g.SetOutputs(outputs)

	return g
}

// ToGraphProto serializes the graph. Shapes known for tensors that are
// neither inputs nor outputs are emitted as value_info so a round trip does
// not lose inference results.
func ToGraphProto(g *Graph) *onnx.GraphProto {
	gp := &onnx.GraphProto{
		Name:      g.name,
		DocString: g.docString,
	}

	referenced := make(map[string]bool)
	for _, node := range g.Nodes() {
		np := onnx.NodeProto{
			Name:       node.name,
			OpType:     node.opType,
			Domain:     node.domain,
			DocString:  node.description,
			Attributes: append([]onnx.AttributeProto(nil), node.attributes...),
		}
		for _, arg := range node.inputs {
			if arg == nil {
				np.Inputs = append(np.Inputs, "")
				continue
			}
			np.Inputs = append(np.Inputs, arg.name)
			referenced[arg.name] = true
		}
		for _, arg := range node.outputs {
			np.Outputs = append(np.Outputs, arg.name)
			referenced[arg.name] = true
		}
		gp.Nodes = append(gp.Nodes, np)
	}

	for _, name := range g.InitializerNames() {
		gp.Initializers = append(gp.Initializers, *g.initializers[name])
	}

	boundary := make(map[string]bool)
	for _, arg := range g.inputs {
		gp.Inputs = append(gp.Inputs, valueInfo(arg))
		boundary[arg.name] = true
	}
	for _, arg := range g.outputs {
		gp.Outputs = append(gp.Outputs, valueInfo(arg))
		boundary[arg.name] = true
	}

	var interior []string
	for name, arg := range g.nodeArgs {
		if boundary[name] || arg == nil || !referenced[name] {
			continue
		}
		if _, isInit := g.initializers[name]; isInit {
			continue
		}
		if arg.hasType || arg.shape != nil {
			interior = append(interior, name)
		}
	}
	sort.Strings(interior)
	for _, name := range interior {
		gp.ValueInfo = append(gp.ValueInfo, valueInfo(g.nodeArgs[name]))
	}

	return gp
}

func applyValueInfo(g *Graph, infos []onnx.ValueInfoProto) {
	for i := range infos {
		vi := &infos[i]
		arg := g.GetOrCreateNodeArg(vi.Name, nil)
		if vi.Type == nil || vi.Type.TensorType == nil {
			continue
		}
		tt := vi.Type.TensorType
		if tt.ElemType != 0 {
			arg.SetElemType(tt.ElemType)
		}
		if tt.Shape != nil {
			dims := make([]Dim, len(tt.Shape.Dims))
			for j, d := range tt.Shape.Dims {
				dims[j] = Dim{Value: d.DimValue, Param: d.DimParam}
			}
			arg.shape = dims
		}
	}
}

func valueInfo(arg *NodeArg) onnx.ValueInfoProto {
	vi := onnx.ValueInfoProto{Name: arg.name}
	if !arg.hasType && arg.shape == nil {
		return vi
	}
	tt := &onnx.TensorTypeProto{ElemType: arg.elemType}
	if arg.shape != nil {
		shape := &onnx.TensorShapeProto{}
		for _, d := range arg.shape {
			shape.Dims = append(shape.Dims, onnx.DimensionProto{DimValue: d.Value, DimParam: d.Param})
		}
		tt.Shape = shape
	}
	vi.Type = &onnx.TypeProto{TensorType: tt}
	return vi
}

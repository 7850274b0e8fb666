package graph

import "github.com/born-ml/gradgraph/internal/onnx"

// Lightweight shape/type propagation. This is not a full ONNX shape
// inference engine: it covers the operators the compiler emits and leaves
// everything else untouched, which is legal since value_info is optional on
// the wire.

func (g *Graph) inferShapes() {
	for _, node := range g.NodesInTopologicalOrder() {
		g.inferNode(node)
	}
}

//nolint:gocyclo,cyclop // Per-operator dispatch is a flat switch by design.
func (g *Graph) inferNode(n *Node) {
	switch n.opType {
	case "MatMul":
		g.inferMatMul(n)
	case "Gemm":
		g.inferGemm(n)
	case "Transpose":
		g.inferTranspose(n)
	case "Reshape":
		g.inferReshape(n)
	case "ReduceSum", "ReduceMean":
		g.inferReduce(n)
	case "Shape":
		if len(n.inputs) > 0 && len(n.outputs) > 0 {
			out := n.outputs[0]
			out.SetElemType(onnx.TensorProtoInt64)
			if s := n.inputs[0].shape; s != nil {
				out.SetShape([]int64{int64(len(s))})
			}
		}
	case "Yield":
		// Yield outputs are externally supplied gradients; types were fixed
		// when the node was added.
	default:
		// Elementwise and normalization ops preserve the shape of their
		// first (data) input. Secondary outputs such as dropout masks get
		// the same shape.
		g.inferSameShape(n)
	}
}

func (g *Graph) inferSameShape(n *Node) {
	src := firstTypedInput(n)
	if src == nil {
		return
	}
	for _, out := range n.outputs {
		if out == nil {
			continue
		}
		if !out.hasType {
			out.SetElemType(src.elemType)
		}
		if out.shape == nil && src.shape != nil {
			out.SetShapeDims(src.shape)
		}
	}
}

func (g *Graph) inferMatMul(n *Node) {
	if len(n.inputs) < 2 || len(n.outputs) < 1 {
		return
	}
	a, b, out := n.inputs[0], n.inputs[1], n.outputs[0]
	if !out.hasType && a.hasType {
		out.SetElemType(a.elemType)
	}
	if out.shape != nil || a.shape == nil || b.shape == nil {
		return
	}
	la, lb := len(a.shape), len(b.shape)
	if la < 2 || lb < 2 {
		return
	}
	dims := make([]Dim, 0, la)
	dims = append(dims, a.shape[:la-1]...)
	dims = append(dims, b.shape[lb-1])
	out.shape = dims
}

func (g *Graph) inferGemm(n *Node) {
	if len(n.inputs) < 2 || len(n.outputs) < 1 {
		return
	}
	a, b, out := n.inputs[0], n.inputs[1], n.outputs[0]
	if !out.hasType && a.hasType {
		out.SetElemType(a.elemType)
	}
	if out.shape != nil || a.shape == nil || b.shape == nil || len(a.shape) != 2 || len(b.shape) != 2 {
		return
	}
	m, k := a.shape[0], b.shape[1]
	if ta, _ := n.IntAttribute("transA"); ta != 0 {
		m = a.shape[1]
	}
	if tb, _ := n.IntAttribute("transB"); tb != 0 {
		k = b.shape[0]
	}
	out.shape = []Dim{m, k}
}

func (g *Graph) inferTranspose(n *Node) {
	if len(n.inputs) < 1 || len(n.outputs) < 1 {
		return
	}
	in, out := n.inputs[0], n.outputs[0]
	if !out.hasType && in.hasType {
		out.SetElemType(in.elemType)
	}
	if out.shape != nil || in.shape == nil {
		return
	}
	rank := len(in.shape)
	perm := make([]int64, 0, rank)
	if attr, ok := intsAttribute(n, "perm"); ok {
		perm = attr
	} else {
		for i := rank - 1; i >= 0; i-- {
			perm = append(perm, int64(i))
		}
	}
	if len(perm) != rank {
		return
	}
	dims := make([]Dim, rank)
	for i, p := range perm {
		if p < 0 || int(p) >= rank {
			return
		}
		dims[i] = in.shape[p]
	}
	out.shape = dims
}

func (g *Graph) inferReshape(n *Node) {
	if len(n.inputs) < 2 || len(n.outputs) < 1 {
		return
	}
	in, out := n.inputs[0], n.outputs[0]
	if !out.hasType && in.hasType {
		out.SetElemType(in.elemType)
	}
	if out.shape != nil {
		return
	}
	t, ok := g.initializers[n.inputs[1].name]
	if !ok || len(t.Int64Data) == 0 {
		return
	}
	dims := make([]Dim, len(t.Int64Data))
	for i, d := range t.Int64Data {
		if d < 0 {
			return // -1 inference needs element counts; left unknown
		}
		if d == 0 {
			if in.shape == nil || i >= len(in.shape) {
				return
			}
			dims[i] = in.shape[i]
			continue
		}
		dims[i] = Dim{Value: d}
	}
	out.shape = dims
}

func (g *Graph) inferReduce(n *Node) {
	if len(n.inputs) < 1 || len(n.outputs) < 1 {
		return
	}
	in, out := n.inputs[0], n.outputs[0]
	if !out.hasType && in.hasType {
		out.SetElemType(in.elemType)
	}
	if out.shape != nil || in.shape == nil {
		return
	}
	axes, haveAxes := intsAttribute(n, "axes")
	keep := int64(1)
	if v, ok := n.IntAttribute("keepdims"); ok {
		keep = v
	}
	if !haveAxes {
		if keep != 0 {
			dims := make([]Dim, len(in.shape))
			for i := range dims {
				dims[i] = Dim{Value: 1}
			}
			out.shape = dims
		} else {
			out.shape = []Dim{}
		}
		return
	}
	reduced := make(map[int64]bool, len(axes))
	for _, a := range axes {
		if a < 0 {
			a += int64(len(in.shape))
		}
		reduced[a] = true
	}
	var dims []Dim
	for i, d := range in.shape {
		if reduced[int64(i)] {
			if keep != 0 {
				dims = append(dims, Dim{Value: 1})
			}
			continue
		}
		dims = append(dims, d)
	}
	out.shape = dims
}

func firstTypedInput(n *Node) *NodeArg {
	for _, in := range n.inputs {
		if in != nil && (in.hasType || in.shape != nil) {
			return in
		}
	}
	return nil
}

func intsAttribute(n *Node, name string) ([]int64, bool) {
	for i := range n.attributes {
		a := &n.attributes[i]
		if a.Name == name && a.Type == onnx.AttributeProtoInts {
			return a.Ints, true
		}
	}
	return nil, false
}

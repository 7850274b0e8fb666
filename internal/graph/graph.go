package graph

import (
	"fmt"
	"sort"

	"github.com/born-ml/gradgraph/internal/onnx"
)

// Role classifies a node as part of the forward or the backward computation.
// It is set authoritatively by the gradient builder; the wire-level
// description tag is only a serialization of this field.
type Role int

const (
	// RoleForward marks a node that computes user-visible outputs.
	RoleForward Role = iota
	// RoleBackward marks a node emitted by gradient construction.
	RoleBackward
)

// BackwardPassTag is the node description used on the wire to mark backward
// nodes. It exists for interchange compatibility; in-memory classification
// uses Node.Role.
const BackwardPassTag = "Backward pass"

// TrainingDomain is the operator domain for training-only operators such as
// Yield and the *Grad kernels.
const TrainingDomain = "ai.born.training"

// Dim is a single tensor dimension, either a concrete value or a symbolic
// parameter name.
type Dim struct {
	Value int64
	Param string
}

// NodeArg is a named tensor placeholder. The name is unique within a graph
// and joins a producer to its consumers; there is no separate edge object.
type NodeArg struct {
	name     string
	elemType int32
	shape    []Dim
	hasType  bool
}

// Name returns the tensor name.
func (a *NodeArg) Name() string { return a.name }

// ElemType returns the ONNX element type, or zero if untyped.
func (a *NodeArg) ElemType() int32 { return a.elemType }

// Shape returns the dimension list, or nil if unknown.
func (a *NodeArg) Shape() []Dim { return a.shape }

// HasType reports whether an element type has been recorded.
func (a *NodeArg) HasType() bool { return a.hasType }

// SetElemType records the element type.
func (a *NodeArg) SetElemType(t int32) {
	a.elemType = t
	a.hasType = true
}

// SetShape overwrites the shape with concrete dimensions.
func (a *NodeArg) SetShape(dims []int64) {
	a.shape = make([]Dim, len(dims))
	for i, d := range dims {
		a.shape[i] = Dim{Value: d}
	}
}

// SetShapeDims overwrites the shape with the given dimension list.
func (a *NodeArg) SetShapeDims(dims []Dim) {
	a.shape = append([]Dim(nil), dims...)
}

// UpdateTypeAndShape copies type and shape from another NodeArg. Used when
// grafting a tensor into a graph where it was not locally inferred.
func (a *NodeArg) UpdateTypeAndShape(from *NodeArg) {
	if from == nil {
		return
	}
	if from.hasType {
		a.elemType = from.elemType
		a.hasType = true
	}
	if from.shape != nil {
		a.shape = append([]Dim(nil), from.shape...)
	}
}

// ConcreteDims returns the shape as plain int64s if every dimension is
// concrete.
func (a *NodeArg) ConcreteDims() ([]int64, bool) {
	if a.shape == nil {
		return nil, false
	}
	dims := make([]int64, len(a.shape))
	for i, d := range a.shape {
		if d.Param != "" {
			return nil, false
		}
		dims[i] = d.Value
	}
	return dims, true
}

// Node is a single operator instance.
type Node struct {
	index       int
	name        string
	opType      string
	domain      string
	description string
	role        Role
	inputs      []*NodeArg
	outputs     []*NodeArg
	attributes  []onnx.AttributeProto
	priority    int
}

// Index returns the node's stable index within its graph.
func (n *Node) Index() int { return n.index }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// OpType returns the operator type string.
func (n *Node) OpType() string { return n.opType }

// Domain returns the operator domain.
func (n *Node) Domain() string { return n.domain }

// Description returns the free-form description tag.
func (n *Node) Description() string { return n.description }

// Role returns the node's forward/backward classification.
func (n *Node) Role() Role { return n.role }

// SetRole sets the node's classification and keeps the wire tag in sync.
func (n *Node) SetRole(r Role) {
	n.role = r
	if r == RoleBackward {
		n.description = BackwardPassTag
	}
}

// Inputs returns the ordered input NodeArgs.
func (n *Node) Inputs() []*NodeArg { return n.inputs }

// Outputs returns the ordered output NodeArgs.
func (n *Node) Outputs() []*NodeArg { return n.outputs }

// Attributes returns the node's attribute list.
func (n *Node) Attributes() []onnx.AttributeProto { return n.attributes }

// Priority returns the scheduling priority. Lower values are deferred by
// the scheduler.
func (n *Node) Priority() int { return n.priority }

// SetPriority sets the scheduling priority.
func (n *Node) SetPriority(p int) { n.priority = p }

// AddAttribute appends an integer attribute.
func (n *Node) AddAttribute(name string, value int64) {
	n.attributes = append(n.attributes, onnx.AttributeProto{
		Name: name,
		Type: onnx.AttributeProtoInt,
		I:    value,
	})
}

// IntAttribute looks up an integer attribute by name.
func (n *Node) IntAttribute(name string) (int64, bool) {
	for i := range n.attributes {
		if n.attributes[i].Name == name && n.attributes[i].Type == onnx.AttributeProtoInt {
			return n.attributes[i].I, true
		}
	}
	return 0, false
}

// Graph is a mutable DAG of nodes over named tensors, plus the initializer
// table of persisted constants.
//
// Producer and consumer relations are maintained incrementally as a
// bidirectional name index, so lookups never rescan the node list.
type Graph struct {
	name         string
	docString    string
	nodes        []*Node // indexed by Node.Index; removed slots are nil
	nodeArgs     map[string]*NodeArg
	initializers map[string]*onnx.TensorProto
	inputs       []*NodeArg
	outputs      []*NodeArg

	producers map[string]*Node
	consumers map[string][]*Node

	topoOrder []int
	resolved  bool
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		nodeArgs:     make(map[string]*NodeArg),
		initializers: make(map[string]*onnx.TensorProto),
		producers:    make(map[string]*Node),
		consumers:    make(map[string][]*Node),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Inputs returns the declared graph inputs in order.
func (g *Graph) Inputs() []*NodeArg { return g.inputs }

// SetInputs replaces the declared graph inputs.
func (g *Graph) SetInputs(args []*NodeArg) {
	g.inputs = append([]*NodeArg(nil), args...)
	g.resolved = false
}

// Outputs returns the declared graph outputs in order.
func (g *Graph) Outputs() []*NodeArg { return g.outputs }

// SetOutputs replaces the declared graph outputs.
func (g *Graph) SetOutputs(args []*NodeArg) {
	g.outputs = append([]*NodeArg(nil), args...)
	g.resolved = false
}

// GetNodeArg returns the NodeArg with the given name, or nil.
func (g *Graph) GetNodeArg(name string) *NodeArg {
	return g.nodeArgs[name]
}

// GetOrCreateNodeArg returns the NodeArg with the given name, creating it
// with type and shape copied from like (which may be nil) if absent.
func (g *Graph) GetOrCreateNodeArg(name string, like *NodeArg) *NodeArg {
	if arg, ok := g.nodeArgs[name]; ok {
		return arg
	}
	arg := &NodeArg{name: name}
	arg.UpdateTypeAndShape(like)
	g.nodeArgs[name] = arg
	return arg
}

// Initializer returns the persisted constant with the given name.
func (g *Graph) Initializer(name string) (*onnx.TensorProto, bool) {
	t, ok := g.initializers[name]
	return t, ok
}

// InitializerNames returns the names of all persisted constants, sorted.
func (g *Graph) InitializerNames() []string {
	names := make([]string, 0, len(g.initializers))
	for name := range g.initializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddInitializer stores a persisted constant and registers its NodeArg.
func (g *Graph) AddInitializer(t *onnx.TensorProto) {
	g.initializers[t.Name] = t
	arg := g.GetOrCreateNodeArg(t.Name, nil)
	if !arg.hasType {
		arg.SetElemType(t.DataType)
	}
	if arg.shape == nil {
		arg.SetShape(t.Dims)
	}
	g.resolved = false
}

// RemoveInitializer drops a persisted constant from the table. The NodeArg
// stays registered so the tensor can still arrive as a graph input.
func (g *Graph) RemoveInitializer(name string) {
	delete(g.initializers, name)
	g.resolved = false
}

// Nodes returns all live nodes in index order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// GetNode returns the node with the given index, or nil if removed.
func (g *Graph) GetNode(index int) *Node {
	if index < 0 || index >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// AddNode appends a new node and updates the producer/consumer index.
func (g *Graph) AddNode(name, opType, description string, inputs, outputs []*NodeArg, attrs []onnx.AttributeProto, domain string) *Node {
	node := &Node{
		index:       len(g.nodes),
		name:        name,
		opType:      opType,
		domain:      domain,
		description: description,
		inputs:      append([]*NodeArg(nil), inputs...),
		outputs:     append([]*NodeArg(nil), outputs...),
		attributes:  append([]onnx.AttributeProto(nil), attrs...),
	}
	if description == BackwardPassTag {
		node.role = RoleBackward
	}
	g.nodes = append(g.nodes, node)
	for _, arg := range node.inputs {
		if arg != nil {
			g.consumers[arg.name] = append(g.consumers[arg.name], node)
		}
	}
	for _, arg := range node.outputs {
		if arg != nil {
			g.producers[arg.name] = node
		}
	}
	g.resolved = false
	return node
}

// RemoveNode removes a node, severing its producer and consumer edges.
func (g *Graph) RemoveNode(index int) error {
	node := g.GetNode(index)
	if node == nil {
		return fmt.Errorf("no node with index %d", index)
	}
	for _, arg := range node.outputs {
		if arg != nil && g.producers[arg.name] == node {
			delete(g.producers, arg.name)
		}
	}
	for _, arg := range node.inputs {
		if arg == nil {
			continue
		}
		list := g.consumers[arg.name]
		kept := list[:0]
		for _, c := range list {
			if c != node {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(g.consumers, arg.name)
		} else {
			g.consumers[arg.name] = kept
		}
	}
	g.nodes[index] = nil
	g.resolved = false
	return nil
}

// ReplaceNodeInput rewires one input slot of a node to a different tensor,
// keeping the consumer index consistent.
func (g *Graph) ReplaceNodeInput(n *Node, slot int, arg *NodeArg) {
	old := n.inputs[slot]
	if old == arg {
		return
	}
	if old != nil {
		list := g.consumers[old.name]
		for i, c := range list {
			if c == n {
				g.consumers[old.name] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(g.consumers[old.name]) == 0 {
			delete(g.consumers, old.name)
		}
	}
	n.inputs[slot] = arg
	if arg != nil {
		g.consumers[arg.name] = append(g.consumers[arg.name], n)
	}
	g.resolved = false
}

// ProducerNode returns the node producing the named tensor, or nil.
func (g *Graph) ProducerNode(name string) *Node {
	return g.producers[name]
}

// ConsumerNodes returns the nodes consuming the named tensor, in insertion
// order. A node appears once per consuming input.
func (g *Graph) ConsumerNodes(name string) []*Node {
	return g.consumers[name]
}

// OutputEdgeCount returns the number of consumer edges leaving the node,
// summed over all of its outputs.
func (g *Graph) OutputEdgeCount(n *Node) int {
	count := 0
	for _, out := range n.outputs {
		if out != nil {
			count += len(g.consumers[out.name])
		}
	}
	return count
}

// OutputNodes returns the distinct downstream nodes consuming any output of
// n, ordered by node index.
func (g *Graph) OutputNodes(n *Node) []*Node {
	seen := make(map[int]bool)
	var out []*Node
	for _, arg := range n.outputs {
		if arg == nil {
			continue
		}
		for _, c := range g.consumers[arg.name] {
			if !seen[c.index] {
				seen[c.index] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// InputNodes returns the distinct upstream nodes producing any input of n,
// ordered by node index.
func (g *Graph) InputNodes(n *Node) []*Node {
	seen := make(map[int]bool)
	var out []*Node
	for _, arg := range n.inputs {
		if arg == nil {
			continue
		}
		if p := g.producers[arg.name]; p != nil && !seen[p.index] {
			seen[p.index] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// IsResolved reports whether the graph has been resolved since the last
// structural edit.
func (g *Graph) IsResolved() bool { return g.resolved }

// NodesInTopologicalOrder returns live nodes in the order computed by the
// last successful Resolve.
func (g *Graph) NodesInTopologicalOrder() []*Node {
	out := make([]*Node, 0, len(g.topoOrder))
	for _, idx := range g.topoOrder {
		if n := g.GetNode(idx); n != nil {
			out = append(out, n)
		}
	}
	return out
}

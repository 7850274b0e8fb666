package builder

import (
	"sort"

	"github.com/born-ml/gradgraph/internal/graph"
)

// split partitions two clones of the merged gradient graph into a forward
// model and a backward model. Classification is by node role; the clones
// carry it through the wire-level backward tag.
//
// The intermediate tensor set is exactly the tensors produced by a forward
// node and consumed by at least one backward node, minus the user outputs,
// which cross the boundary anyway. Intermediates become explicit forward
// outputs and backward inputs; user outputs the backward graph reads (a
// gradient kernel taking the forward output rather than its input) become
// backward inputs without joining the intermediate set.
func (b *Builder) split(forward, backward *graph.Model) error {
	fg := forward.Graph()
	if err := fg.Resolve(); err != nil {
		return err
	}

	forwardConsumed := make(map[string]bool)
	forwardProduced := make(map[string]bool)
	backwardConsumed := make(map[string]bool)
	backwardProduced := make(map[string]bool)
	var backwardNodes []*graph.Node
	for _, node := range fg.NodesInTopologicalOrder() {
		if node.Role() == graph.RoleBackward {
			backwardNodes = append(backwardNodes, node)
			accumulateNodeIONames(node, backwardConsumed, backwardProduced)
		} else {
			accumulateNodeIONames(node, forwardConsumed, forwardProduced)
		}
	}

	userOutputs := make(map[string]bool, len(b.info.UserOutputNames))
	for _, name := range b.info.UserOutputNames {
		userOutputs[name] = true
	}
	var intermediates []string
	for name := range forwardProduced {
		if backwardConsumed[name] && !userOutputs[name] {
			intermediates = append(intermediates, name)
		}
	}
	sort.Strings(intermediates)
	b.info.IntermediateTensorNames = intermediates

	if err := removeNodes(fg, backwardNodes); err != nil {
		return err
	}
	filterInitializers(fg, forwardConsumed)

	var forwardInputs []*graph.NodeArg
	for _, name := range b.info.UserInputNames {
		forwardInputs = append(forwardInputs, fg.GetNodeArg(name))
	}
	for _, name := range b.info.InitializerNamesToTrain {
		forwardInputs = append(forwardInputs, fg.GetNodeArg(name))
	}
	fg.SetInputs(forwardInputs)

	var forwardOutputs []*graph.NodeArg
	for _, name := range b.info.UserOutputNames {
		forwardOutputs = append(forwardOutputs, fg.GetNodeArg(name))
	}
	for _, name := range intermediates {
		forwardOutputs = append(forwardOutputs, fg.GetNodeArg(name))
	}
	fg.SetOutputs(forwardOutputs)
	if err := fg.Resolve(); err != nil {
		return err
	}

	bg := backward.Graph()
	if err := bg.Resolve(); err != nil {
		return err
	}
	var forwardNodes []*graph.Node
	for _, node := range bg.NodesInTopologicalOrder() {
		if node.Role() != graph.RoleBackward {
			forwardNodes = append(forwardNodes, node)
		}
	}
	if err := removeNodes(bg, forwardNodes); err != nil {
		return err
	}
	filterInitializers(bg, backwardConsumed)

	b.info.BackwardUserInputNames = nil
	var backwardInputs []*graph.NodeArg
	for _, name := range b.info.UserInputNames {
		if backwardConsumed[name] {
			b.info.BackwardUserInputNames = append(b.info.BackwardUserInputNames, name)
			backwardInputs = append(backwardInputs, bg.GetNodeArg(name))
		}
	}
	for _, name := range b.info.UserOutputNames {
		if backwardConsumed[name] {
			arg := bg.GetNodeArg(name)
			arg.UpdateTypeAndShape(fg.GetNodeArg(name))
			backwardInputs = append(backwardInputs, arg)
		}
	}

	// Trainables referenced by the backward graph arrive as live inputs, so
	// their stale constant copies must go.
	b.info.BackwardInitializerNamesAsInput = nil
	for _, name := range b.info.InitializerNamesToTrain {
		if backwardConsumed[name] {
			b.info.BackwardInitializerNamesAsInput = append(b.info.BackwardInitializerNamesAsInput, name)
			backwardInputs = append(backwardInputs, bg.GetNodeArg(name))
			bg.RemoveInitializer(name)
		}
	}

	// The backward copy never ran forward shape inference, so intermediates
	// borrow type and shape from the forward graph.
	for _, name := range intermediates {
		arg := bg.GetNodeArg(name)
		arg.UpdateTypeAndShape(fg.GetNodeArg(name))
		backwardInputs = append(backwardInputs, arg)
	}
	for _, name := range b.info.BackwardOutputGradNames {
		backwardInputs = append(backwardInputs, bg.GetNodeArg(name))
	}
	bg.SetInputs(backwardInputs)

	var backwardOutputs []*graph.NodeArg
	for _, arg := range bg.Outputs() {
		if backwardProduced[arg.Name()] {
			backwardOutputs = append(backwardOutputs, arg)
		}
	}
	bg.SetOutputs(backwardOutputs)
	return bg.Resolve()
}

// accumulateNodeIONames adds one node's tensor names to consumed/produced.
func accumulateNodeIONames(node *graph.Node, consumed, produced map[string]bool) {
	for _, arg := range node.Inputs() {
		if arg != nil {
			consumed[arg.Name()] = true
		}
	}
	for _, arg := range node.Outputs() {
		produced[arg.Name()] = true
	}
}

// removeNodes drops the given nodes from the graph, severing their edges.
func removeNodes(g *graph.Graph, nodes []*graph.Node) error {
	for _, node := range nodes {
		if err := g.RemoveNode(node.Index()); err != nil {
			return err
		}
	}
	return nil
}

// filterInitializers drops persisted constants no remaining node references.
func filterInitializers(g *graph.Graph, referenced map[string]bool) {
	for _, name := range g.InitializerNames() {
		if !referenced[name] {
			g.RemoveInitializer(name)
		}
	}
}

package transform

import (
	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

// IdentityElimination removes Identity nodes by rewiring their consumers to
// the Identity input. Nodes whose output is a graph output, or has no
// consumers at all, are left alone: the former would rename a declared
// boundary, the latter may be a gradient kept alive for checkpoint markers.
type IdentityElimination struct{}

func (IdentityElimination) Name() string { return "IdentityElimination" }

func (IdentityElimination) Apply(g *graph.Graph) (bool, error) {
	modified := false
	for _, node := range g.Nodes() {
		if node.OpType() != "Identity" || node.Domain() != "" {
			continue
		}
		if bypassNode(g, node) {
			modified = true
		}
	}
	return modified, nil
}

// NoOpTransposeElimination removes Transpose nodes whose permutation is the
// identity permutation.
type NoOpTransposeElimination struct{}

func (NoOpTransposeElimination) Name() string { return "NoOpTransposeElimination" }

func (NoOpTransposeElimination) Apply(g *graph.Graph) (bool, error) {
	modified := false
	for _, node := range g.Nodes() {
		if node.OpType() != "Transpose" {
			continue
		}
		perm, ok := permAttr(node)
		if !ok || !isIdentityPerm(perm) {
			continue
		}
		if bypassNode(g, node) {
			modified = true
		}
	}
	return modified, nil
}

// DeadNodeElimination removes nodes none of whose outputs reach a consumer
// or a graph output. Nodes with no outputs at all are markers, not dead
// code, and are never touched; the fixpoint loop clears dead chains.
type DeadNodeElimination struct{}

func (DeadNodeElimination) Name() string { return "DeadNodeElimination" }

func (DeadNodeElimination) Apply(g *graph.Graph) (bool, error) {
	boundary := make(map[string]bool)
	for _, arg := range g.Outputs() {
		boundary[arg.Name()] = true
	}
	modified := false
	for _, node := range g.Nodes() {
		if len(node.Outputs()) == 0 || node.Domain() == graph.TrainingDomain {
			continue
		}
		live := false
		for _, out := range node.Outputs() {
			if out == nil {
				continue
			}
			if boundary[out.Name()] || len(g.ConsumerNodes(out.Name())) > 0 {
				live = true
				break
			}
		}
		if live {
			continue
		}
		_ = g.RemoveNode(node.Index())
		modified = true
	}
	return modified, nil
}

// UnreferencedInitializerCleanup drops persisted constants that no node
// consumes and no graph boundary declares.
type UnreferencedInitializerCleanup struct{}

func (UnreferencedInitializerCleanup) Name() string { return "UnreferencedInitializerCleanup" }

func (UnreferencedInitializerCleanup) Apply(g *graph.Graph) (bool, error) {
	boundary := make(map[string]bool)
	for _, arg := range g.Inputs() {
		boundary[arg.Name()] = true
	}
	for _, arg := range g.Outputs() {
		boundary[arg.Name()] = true
	}
	modified := false
	for _, name := range g.InitializerNames() {
		if boundary[name] || len(g.ConsumerNodes(name)) > 0 {
			continue
		}
		g.RemoveInitializer(name)
		modified = true
	}
	return modified, nil
}

// bypassNode rewires consumers of a single-input single-output node to its
// input and removes the node. Returns false when the node must be kept.
func bypassNode(g *graph.Graph, node *graph.Node) bool {
	if len(node.Inputs()) != 1 || len(node.Outputs()) != 1 {
		return false
	}
	in, out := node.Inputs()[0], node.Outputs()[0]
	if in == nil {
		return false
	}
	for _, arg := range g.Outputs() {
		if arg == out {
			return false
		}
	}
	consumers := g.ConsumerNodes(out.Name())
	if len(consumers) == 0 {
		return false
	}
	for _, c := range append([]*graph.Node(nil), consumers...) {
		for slot, arg := range c.Inputs() {
			if arg == out {
				g.ReplaceNodeInput(c, slot, in)
			}
		}
	}
	_ = g.RemoveNode(node.Index())
	return true
}

func permAttr(n *graph.Node) ([]int64, bool) {
	for i := range n.Attributes() {
		a := &n.Attributes()[i]
		if a.Name == "perm" && a.Type == onnx.AttributeProtoInts {
			return a.Ints, true
		}
	}
	return nil, false
}

func isIdentityPerm(perm []int64) bool {
	for i, p := range perm {
		if p != int64(i) {
			return false
		}
	}
	return len(perm) > 0
}

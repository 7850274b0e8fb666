package recompute

import (
	"github.com/born-ml/gradgraph/internal/graph"
)

// Matcher finds recompute region boundaries in a resolved graph. A boundary
// is a pair of tensors: the edge entering the region and the edge leaving
// it. Both stay live; only the nodes between them are shadowed. The i-th
// start edge pairs with the i-th end edge.
type Matcher interface {
	Name() string
	Identify(g *graph.Graph) (starts, ends []*graph.NodeArg, err error)
}

var (
	geluOps    = map[string]bool{"Gelu": true, "BiasGelu": true, "FastGelu": true}
	dropoutOps = map[string]bool{"Dropout": true, "BiasDropout": true, "TrainableDropout": true}
)

// TransformerBlockMatcher matches the repeating block of transformer-style
// models.
//
// A block starts at a normalization or dropout node with exactly four
// consumer edges, the signature of the residual branch point. A block ends
// at the normalization node reached from an activation node by following
// single consumers through the feed-forward tail: activation, then dropout,
// then normalization.
type TransformerBlockMatcher struct{}

// Name implements Matcher.
func (TransformerBlockMatcher) Name() string { return "TransformerBlockMatcher" }

// Identify implements Matcher.
func (TransformerBlockMatcher) Identify(g *graph.Graph) (starts, ends []*graph.NodeArg, err error) {
	for _, node := range g.NodesInTopologicalOrder() {
		if (node.OpType() == "LayerNormalization" || dropoutOps[node.OpType()]) &&
			g.OutputEdgeCount(node) == 4 {
			starts = append(starts, node.Outputs()[0])
		}

		if geluOps[node.OpType()] {
			if end := followFeedForwardTail(g, node); end != nil {
				ends = append(ends, end.Outputs()[0])
			}
		}
	}
	return starts, ends, nil
}

// followFeedForwardTail walks single consumers from an activation node until
// it passes a dropout node and reaches a normalization node. Returns nil if
// the chain ends without one.
func followFeedForwardTail(g *graph.Graph, node *graph.Node) *graph.Node {
	next := firstOutputNode(g, node)
	if next == nil {
		return nil
	}
	for !dropoutOps[next.OpType()] {
		n := firstOutputNode(g, next)
		if n == nil {
			return nil
		}
		next = n
	}
	for next.OpType() != "LayerNormalization" {
		n := firstOutputNode(g, next)
		if n == nil {
			return nil
		}
		next = n
	}
	return next
}

func firstOutputNode(g *graph.Graph, node *graph.Node) *graph.Node {
	consumers := g.OutputNodes(node)
	if len(consumers) == 0 {
		return nil
	}
	return consumers[0]
}

// Package gradient builds the backward portion of a graph by reverse-mode
// differentiation.
//
// Given a set of output tensors Y and a set of differentiation targets X,
// the builder finds the node set on paths from X to Y, walks it in reverse
// topological order, and emits gradient nodes per operator from a registry
// of gradient definitions. Every gradient tensor of a tensor named T is
// named exactly T_grad; multiple gradient contributions to the same tensor
// are combined with a Sum node.
//
// Gradients of graph outputs that nothing downstream produces are left as
// consumed-but-unproduced seeds named <output>_grad; the caller decides
// whether to promote them to graph inputs.
package gradient

package graph

import "errors"

// Common errors.
var (
	// ErrResolve is wrapped by every failure of Graph.Resolve: unresolvable
	// node inputs, duplicate producers, or a dependency cycle.
	ErrResolve = errors.New("graph resolve failed")
)

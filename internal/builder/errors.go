package builder

import (
	"errors"

	"github.com/born-ml/gradgraph/internal/gradient"
	"github.com/born-ml/gradgraph/internal/graph"
)

// Error taxonomy. All failures wrap one of these; none is retryable since
// the build is deterministic.
var (
	// ErrLoad marks a malformed input model byte stream.
	ErrLoad = graph.ErrLoad

	// ErrDifferentiation marks a gradient builder failure: the requested
	// output set cannot be differentiated with respect to the requested
	// trainable set.
	ErrDifferentiation = gradient.ErrDifferentiation

	// ErrResolve marks a post-mutation shape/type re-inference failure on
	// one of the produced graphs.
	ErrResolve = graph.ErrResolve

	// ErrConfigMismatch marks a disagreement between the trainability
	// configuration and the model, such as a required input gradient that
	// the differentiated graph does not produce.
	ErrConfigMismatch = errors.New("configuration does not match model")

	// ErrNotBuilt is returned by model accessors before a successful build.
	ErrNotBuilt = errors.New("model not built")
)

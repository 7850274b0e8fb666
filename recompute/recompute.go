// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package recompute rewrites a model to re-derive bounded spans of forward
// activations during the backward pass instead of keeping them resident,
// trading compute for peak activation memory.
//
// Example:
//
//	import "github.com/born-ml/gradgraph/recompute"
//
//	rewritten, err := recompute.Apply(modelBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
package recompute

import (
	"log/slog"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/recompute"
)

// Pass duplicates each matched region into a deferred shadow copy.
type Pass = recompute.Pass

// Option configures a Pass.
type Option = recompute.Option

// Matcher finds recompute region boundaries in a graph.
type Matcher = recompute.Matcher

// TransformerBlockMatcher is the default Matcher; it recognizes the
// repeating block of transformer-style models.
type TransformerBlockMatcher = recompute.TransformerBlockMatcher

// ErrStructuralAssumption marks a graph that does not match the expected
// repeating block shape.
var ErrStructuralAssumption = recompute.ErrStructuralAssumption

// Suffix is appended to every duplicated tensor name.
const Suffix = recompute.Suffix

// NewPass creates a recompute pass.
func NewPass(opts ...Option) *Pass {
	return recompute.NewPass(opts...)
}

// WithMatcher overrides the default TransformerBlockMatcher.
func WithMatcher(m Matcher) Option {
	return recompute.WithMatcher(m)
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return recompute.WithLogger(logger)
}

// Apply loads a serialized model, runs the pass over its graph, and returns
// the rewritten serialized model.
//
// Scheduling priorities are runtime-only and have no wire representation:
// the returned bytes carry the shadow nodes but not their deferral hint. A
// runtime consuming the output must re-derive deferral from the Suffix
// naming, or use Pass.Apply on an in-memory graph instead.
func Apply(modelBytes []byte, opts ...Option) ([]byte, error) {
	model, err := graph.LoadModel(modelBytes)
	if err != nil {
		return nil, err
	}
	if err := NewPass(opts...).Apply(model.Graph()); err != nil {
		return nil, err
	}
	return model.Serialize(), nil
}

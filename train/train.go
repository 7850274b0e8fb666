// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package train

import (
	"log/slog"

	"github.com/born-ml/gradgraph/internal/builder"
)

// Builder drives gradient graph construction and splitting for one model.
type Builder = builder.Builder

// Config is the trainability specification supplied to Initialize.
type Config = builder.Config

// SplitGraphsInfo records the canonical boundary names of the last build.
type SplitGraphsInfo = builder.SplitGraphsInfo

// Option configures a Builder.
type Option = builder.Option

// Sentinel errors, matchable with errors.Is.
var (
	ErrLoad            = builder.ErrLoad
	ErrDifferentiation = builder.ErrDifferentiation
	ErrResolve         = builder.ErrResolve
	ErrConfigMismatch  = builder.ErrConfigMismatch
	ErrNotBuilt        = builder.ErrNotBuilt
)

// New creates a Builder. Call Initialize before building.
func New(opts ...Option) *Builder {
	return builder.New(opts...)
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return builder.WithLogger(logger)
}

// Package builder owns the gradient graph build lifecycle: load a model,
// promote trainable constants to inputs, differentiate, fix up the gradient
// input/output boundary, and either split the result into independently
// executable forward and backward graphs or insert Yield synchronization
// markers into a single merged gradient graph.
//
// A working copy of the model is cloned for every build, so repeated builds
// with different concrete input shapes are independent and the stored
// original is never mutated.
package builder

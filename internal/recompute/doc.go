// Package recompute lowers peak activation memory by duplicating bounded
// spans of forward operators into deferred shadow copies. The scheduler runs
// a shadow copy just before the backward pass needs its activations, so the
// originals do not have to stay resident across the whole forward pass.
//
// Region boundaries are found by a pluggable Matcher; the extraction and
// cloning algorithm is independent of the block shape being matched.
package recompute

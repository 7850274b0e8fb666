// Package graph provides the mutable graph IR the compiler passes operate
// on: operator nodes joined by named tensor placeholders (NodeArgs), an
// initializer table for persisted constants, and an incrementally maintained
// producer/consumer name index.
//
// The IR is deliberately name-keyed: a NodeArg name is the sole join key
// between a producer and its consumers, mirroring the ONNX wire format.
// After any structural edit the graph must be re-resolved with
// [Graph.Resolve] before topological order or inferred shapes are trusted.
package graph

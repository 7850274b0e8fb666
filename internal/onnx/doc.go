// Package onnx implements the ONNX protobuf wire format used by the graph
// compiler: a minimal hand-written decoder and encoder covering models,
// graphs, nodes, initializers and attributes.
//
// The package is the (de)serialization boundary only. Graph semantics live
// in the graph package; this one never interprets operator types.
package onnx

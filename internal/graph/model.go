package graph

import (
	"errors"
	"fmt"

	"github.com/born-ml/gradgraph/internal/onnx"
)

// ErrLoad is wrapped by model load failures: the byte stream does not parse
// as a valid ONNX model.
var ErrLoad = errors.New("model load failed")

// Model pairs a Graph with the ONNX model metadata it was loaded with, so
// the graph can be serialized back without losing opset or producer info.
type Model struct {
	irVersion       int64
	opsetImport     []onnx.OperatorSetID
	producerName    string
	producerVersion string
	domain          string
	modelVersion    int64
	docString       string
	metadata        []onnx.StringStringEntry

	graph *Graph
}

// LoadModel parses a serialized ONNX model and builds its Graph.
func LoadModel(data []byte) (*Model, error) {
	proto, err := onnx.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return FromModelProto(proto)
}

// FromModelProto builds a Model from a parsed proto.
func FromModelProto(proto *onnx.ModelProto) (*Model, error) {
	if proto.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", ErrLoad)
	}
	return &Model{
		irVersion:       proto.IRVersion,
		opsetImport:     append([]onnx.OperatorSetID(nil), proto.OpsetImport...),
		producerName:    proto.ProducerName,
		producerVersion: proto.ProducerVersion,
		domain:          proto.Domain,
		modelVersion:    proto.ModelVersion,
		docString:       proto.DocString,
		metadata:        append([]onnx.StringStringEntry(nil), proto.MetadataProps...),
		graph:           FromGraphProto(proto.Graph),
	}, nil
}

// Graph returns the model's main graph.
func (m *Model) Graph() *Graph { return m.graph }

// SetMetadata adds or replaces a metadata key/value pair.
func (m *Model) SetMetadata(key, value string) {
	for i := range m.metadata {
		if m.metadata[i].Key == key {
			m.metadata[i].Value = value
			return
		}
	}
	m.metadata = append(m.metadata, onnx.StringStringEntry{Key: key, Value: value})
}

// ToProto serializes the model back to its proto form.
func (m *Model) ToProto() *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion:       m.irVersion,
		OpsetImport:     append([]onnx.OperatorSetID(nil), m.opsetImport...),
		ProducerName:    m.producerName,
		ProducerVersion: m.producerVersion,
		Domain:          m.domain,
		ModelVersion:    m.modelVersion,
		DocString:       m.docString,
		MetadataProps:   append([]onnx.StringStringEntry(nil), m.metadata...),
		Graph:           ToGraphProto(m.graph),
	}
}

// Serialize encodes the model to ONNX wire bytes.
func (m *Model) Serialize() []byte {
	return onnx.Serialize(m.ToProto())
}

// Clone makes an independent deep copy by round-tripping through the proto
// form. Inferred shapes survive via value_info; scheduling priorities are
// runtime-only and reset to zero.
func (m *Model) Clone() *Model {
	clone, err := FromModelProto(m.ToProto())
	if err != nil {
		// ToProto always emits a graph, so this cannot fail.
		panic(err)
	}
	return clone
}

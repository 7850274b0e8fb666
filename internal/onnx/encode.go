package onnx

import (
	"encoding/binary"
	"math"
)

// Serialize encodes an ONNX model back to its protobuf wire form.
func Serialize(m *ModelProto) []byte {
	e := &encoder{}
	e.modelProto(m)
	return e.buf
}

// encoder builds a protobuf message into a growing byte slice. Nested
// messages are encoded into a child encoder first so the length prefix is
// known.
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) tag(field, wire int) {
	e.uvarint(uint64(field)<<3 | uint64(wire)) //nolint:gosec // G115: field numbers are small constants.
}

func (e *encoder) varintField(field int, v int64) {
	e.tag(field, wireVarint)
	e.uvarint(uint64(v)) //nolint:gosec // G115: two's complement varint per protobuf spec.
}

func (e *encoder) bytesField(field int, b []byte) {
	e.tag(field, wireBytes)
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) stringField(field int, s string) {
	if s == "" {
		return
	}
	e.bytesField(field, []byte(s))
}

func (e *encoder) float32Field(field int, v float32) {
	e.tag(field, wire32Bit)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v))
}

// messageField encodes a nested message produced by fn as a
// length-delimited field.
func (e *encoder) messageField(field int, fn func(*encoder)) {
	sub := &encoder{}
	fn(sub)
	e.bytesField(field, sub.buf)
}

// packedInt64Field writes a repeated int64 field in packed encoding.
func (e *encoder) packedInt64Field(field int, vals []int64) {
	if len(vals) == 0 {
		return
	}
	e.messageField(field, func(sub *encoder) {
		for _, v := range vals {
			sub.uvarint(uint64(v)) //nolint:gosec // G115: two's complement varint per protobuf spec.
		}
	})
}

// packedFloat32Field writes a repeated float field in packed encoding.
func (e *encoder) packedFloat32Field(field int, vals []float32) {
	if len(vals) == 0 {
		return
	}
	e.messageField(field, func(sub *encoder) {
		for _, v := range vals {
			sub.buf = binary.LittleEndian.AppendUint32(sub.buf, math.Float32bits(v))
		}
	})
}

func (e *encoder) modelProto(m *ModelProto) {
	if m.IRVersion != 0 {
		e.varintField(1, m.IRVersion)
	}
	e.stringField(2, m.ProducerName)
	e.stringField(3, m.ProducerVersion)
	e.stringField(4, m.Domain)
	if m.ModelVersion != 0 {
		e.varintField(5, m.ModelVersion)
	}
	e.stringField(6, m.DocString)
	if m.Graph != nil {
		e.messageField(7, func(sub *encoder) { sub.graphProto(m.Graph) })
	}
	for i := range m.OpsetImport {
		opset := &m.OpsetImport[i]
		e.messageField(8, func(sub *encoder) { sub.operatorSetID(opset) })
	}
	for i := range m.MetadataProps {
		entry := &m.MetadataProps[i]
		e.messageField(14, func(sub *encoder) { sub.stringStringEntry(entry) })
	}
}

func (e *encoder) graphProto(g *GraphProto) {
	for i := range g.Nodes {
		node := &g.Nodes[i]
		e.messageField(1, func(sub *encoder) { sub.nodeProto(node) })
	}
	e.stringField(2, g.Name)
	for i := range g.Initializers {
		t := &g.Initializers[i]
		e.messageField(5, func(sub *encoder) { sub.tensorProto(t) })
	}
	e.stringField(10, g.DocString)
	for i := range g.Inputs {
		vi := &g.Inputs[i]
		e.messageField(11, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
	for i := range g.Outputs {
		vi := &g.Outputs[i]
		e.messageField(12, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
	for i := range g.ValueInfo {
		vi := &g.ValueInfo[i]
		e.messageField(13, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
}

func (e *encoder) nodeProto(n *NodeProto) {
	for _, name := range n.Inputs {
		e.bytesField(1, []byte(name))
	}
	for _, name := range n.Outputs {
		e.bytesField(2, []byte(name))
	}
	e.stringField(3, n.Name)
	e.stringField(4, n.OpType)
	for i := range n.Attributes {
		attr := &n.Attributes[i]
		e.messageField(5, func(sub *encoder) { sub.attributeProto(attr) })
	}
	e.stringField(6, n.DocString)
	e.stringField(7, n.Domain)
}

func (e *encoder) tensorProto(t *TensorProto) {
	e.packedInt64Field(1, t.Dims)
	if t.DataType != 0 {
		e.varintField(2, int64(t.DataType))
	}
	e.packedFloat32Field(4, t.FloatData)
	if len(t.Int32Data) > 0 {
		vals := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			vals[i] = int64(v)
		}
		e.packedInt64Field(5, vals)
	}
	e.packedInt64Field(7, t.Int64Data)
	e.stringField(8, t.Name)
	if len(t.RawData) > 0 {
		e.bytesField(9, t.RawData)
	}
	e.stringField(12, t.DocString)
}

func (e *encoder) valueInfoProto(vi *ValueInfoProto) {
	e.stringField(1, vi.Name)
	if vi.Type != nil {
		e.messageField(2, func(sub *encoder) { sub.typeProto(vi.Type) })
	}
	e.stringField(3, vi.DocString)
}

func (e *encoder) typeProto(t *TypeProto) {
	if t.TensorType != nil {
		e.messageField(1, func(sub *encoder) { sub.tensorTypeProto(t.TensorType) })
	}
}

func (e *encoder) tensorTypeProto(t *TensorTypeProto) {
	if t.ElemType != 0 {
		e.varintField(1, int64(t.ElemType))
	}
	if t.Shape != nil {
		e.messageField(2, func(sub *encoder) { sub.tensorShapeProto(t.Shape) })
	}
}

func (e *encoder) tensorShapeProto(s *TensorShapeProto) {
	for i := range s.Dims {
		dim := &s.Dims[i]
		e.messageField(1, func(sub *encoder) { sub.dimensionProto(dim) })
	}
}

func (e *encoder) dimensionProto(d *DimensionProto) {
	if d.DimParam != "" {
		e.stringField(2, d.DimParam)
		return
	}
	e.varintField(1, d.DimValue)
}

func (e *encoder) attributeProto(a *AttributeProto) {
	e.stringField(1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		e.float32Field(2, a.F)
	case AttributeProtoInt:
		e.varintField(3, a.I)
	case AttributeProtoString:
		e.bytesField(4, a.S)
	case AttributeProtoTensor:
		if a.T != nil {
			e.messageField(5, func(sub *encoder) { sub.tensorProto(a.T) })
		}
	case AttributeProtoGraph:
		if a.G != nil {
			e.messageField(6, func(sub *encoder) { sub.graphProto(a.G) })
		}
	case AttributeProtoFloats:
		e.packedFloat32Field(7, a.Floats)
	case AttributeProtoInts:
		e.packedInt64Field(8, a.Ints)
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			e.bytesField(9, s)
		}
	case AttributeProtoTensors:
		for i := range a.Tensors {
			t := &a.Tensors[i]
			e.messageField(10, func(sub *encoder) { sub.tensorProto(t) })
		}
	case AttributeProtoGraphs:
		for i := range a.Graphs {
			g := &a.Graphs[i]
			e.messageField(11, func(sub *encoder) { sub.graphProto(g) })
		}
	}
	e.stringField(13, a.DocString)
	if a.Type != AttributeProtoUndefined {
		e.varintField(20, int64(a.Type))
	}
}

func (e *encoder) operatorSetID(o *OperatorSetID) {
	e.stringField(1, o.Domain)
	if o.Version != 0 {
		e.varintField(2, o.Version)
	}
}

func (e *encoder) stringStringEntry(s *StringStringEntry) {
	e.stringField(1, s.Key)
	e.stringField(2, s.Value)
}

package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Protobuf wire types.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

var errVarintOverflow = errors.New("varint overflow")

// Parse decodes an ONNX model from its serialized protobuf form.
func Parse(data []byte) (*ModelProto, error) {
	d := &decoder{buf: data}
	model, err := d.modelProto()
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// ParseFile decodes an ONNX model from a file.
//
//nolint:gosec // G304: model path is user-supplied on purpose.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// decoder is a minimal protobuf wire format reader over a byte slice.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool { return d.pos >= len(d.buf) }

func (d *decoder) tag() (fieldNum, wireType int, err error) {
	if d.done() {
		return 0, 0, io.EOF
	}
	v, err := d.varint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), nil
}

func (d *decoder) varint() (int64, error) {
	var out uint64
	var shift uint
	for {
		if d.done() {
			return 0, io.ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		out |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(out), nil //nolint:gosec // G115: protobuf varint fits int64.
		}
		shift += 7
		if shift >= 64 {
			return 0, errVarintOverflow
		}
	}
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("negative length")
	}
	end := d.pos + int(n)
	if end > len(d.buf) || end < d.pos {
		return nil, io.ErrUnexpectedEOF
	}
	out := d.buf[d.pos:end]
	d.pos = end
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) float32() (float32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return math.Float32frombits(bits), nil
}

// sub returns a decoder over the next length-delimited field.
func (d *decoder) sub() (*decoder, error) {
	b, err := d.bytes()
	if err != nil {
		return nil, err
	}
	return &decoder{buf: b}, nil
}

func (d *decoder) skip(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := d.varint()
		return err
	case wire64Bit:
		if d.pos+8 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.pos += 8
		return nil
	case wireBytes:
		_, err := d.bytes()
		return err
	case wire32Bit:
		if d.pos+4 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.pos += 4
		return nil
	default:
		return fmt.Errorf("unknown wire type: %d", wireType)
	}
}

// packedInt64s decodes a repeated int64 field, accepting both packed and
// unpacked encodings.
func (d *decoder) packedInt64s(wireType int, dst []int64) ([]int64, error) {
	if wireType == wireBytes {
		sub, err := d.sub()
		if err != nil {
			return nil, err
		}
		for !sub.done() {
			v, err := sub.varint()
			if err != nil {
				return nil, err
			}
			dst = append(dst, v)
		}
		return dst, nil
	}
	v, err := d.varint()
	if err != nil {
		return nil, err
	}
	return append(dst, v), nil
}

// packedFloat32s decodes a repeated float field, accepting both packed and
// unpacked encodings.
func (d *decoder) packedFloat32s(wireType int, dst []float32) ([]float32, error) {
	if wireType == wireBytes {
		sub, err := d.sub()
		if err != nil {
			return nil, err
		}
		for !sub.done() {
			v, err := sub.float32()
			if err != nil {
				return nil, err
			}
			dst = append(dst, v)
		}
		return dst, nil
	}
	v, err := d.float32()
	if err != nil {
		return nil, err
	}
	return append(dst, v), nil
}

func (d *decoder) modelProto() (*ModelProto, error) {
	m := &ModelProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			m.IRVersion, err = d.varint()
		case 2:
			m.ProducerName, err = d.str()
		case 3:
			m.ProducerVersion, err = d.str()
		case 4:
			m.Domain, err = d.str()
		case 5:
			m.ModelVersion, err = d.varint()
		case 6:
			m.DocString, err = d.str()
		case 7:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				m.Graph, err = sub.graphProto()
			}
		case 8:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var opset OperatorSetID
				if opset, err = sub.operatorSetID(); err == nil {
					m.OpsetImport = append(m.OpsetImport, opset)
				}
			}
		case 14:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var entry StringStringEntry
				if entry, err = sub.stringStringEntry(); err == nil {
					m.MetadataProps = append(m.MetadataProps, entry)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (d *decoder) graphProto() (*GraphProto, error) {
	g := &GraphProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var node NodeProto
				if node, err = sub.nodeProto(); err == nil {
					g.Nodes = append(g.Nodes, node)
				}
			}
		case 2:
			g.Name, err = d.str()
		case 5:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var t TensorProto
				if t, err = sub.tensorProto(); err == nil {
					g.Initializers = append(g.Initializers, t)
				}
			}
		case 10:
			g.DocString, err = d.str()
		case 11, 12, 13:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var vi ValueInfoProto
				if vi, err = sub.valueInfoProto(); err == nil {
					switch field {
					case 11:
						g.Inputs = append(g.Inputs, vi)
					case 12:
						g.Outputs = append(g.Outputs, vi)
					default:
						g.ValueInfo = append(g.ValueInfo, vi)
					}
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (d *decoder) nodeProto() (NodeProto, error) {
	var n NodeProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return n, err
		}
		switch field {
		case 1:
			var s string
			if s, err = d.str(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case 2:
			var s string
			if s, err = d.str(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case 3:
			n.Name, err = d.str()
		case 4:
			n.OpType, err = d.str()
		case 5:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var attr AttributeProto
				if attr, err = sub.attributeProto(); err == nil {
					n.Attributes = append(n.Attributes, attr)
				}
			}
		case 6:
			n.DocString, err = d.str()
		case 7:
			n.Domain, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *decoder) tensorProto() (TensorProto, error) {
	var t TensorProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return t, err
		}
		switch field {
		case 1:
			t.Dims, err = d.packedInt64s(wire, t.Dims)
		case 2:
			var v int64
			if v, err = d.varint(); err == nil {
				t.DataType = int32(v) //nolint:gosec // G115: ONNX enum fits int32.
			}
		case 4:
			t.FloatData, err = d.packedFloat32s(wire, t.FloatData)
		case 5:
			var vals []int64
			if vals, err = d.packedInt64s(wire, nil); err == nil {
				for _, v := range vals {
					t.Int32Data = append(t.Int32Data, int32(v)) //nolint:gosec // G115: int32 payload.
				}
			}
		case 7:
			t.Int64Data, err = d.packedInt64s(wire, t.Int64Data)
		case 8:
			t.Name, err = d.str()
		case 9:
			t.RawData, err = d.bytes()
		case 12:
			t.DocString, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return t, err
		}
	}
	return t, nil
}

func (d *decoder) valueInfoProto() (ValueInfoProto, error) {
	var vi ValueInfoProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return vi, err
		}
		switch field {
		case 1:
			vi.Name, err = d.str()
		case 2:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				vi.Type, err = sub.typeProto()
			}
		case 3:
			vi.DocString, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return vi, err
		}
	}
	return vi, nil
}

func (d *decoder) typeProto() (*TypeProto, error) {
	t := &TypeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				t.TensorType, err = sub.tensorTypeProto()
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (d *decoder) tensorTypeProto() (*TensorTypeProto, error) {
	t := &TensorTypeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var v int64
			if v, err = d.varint(); err == nil {
				t.ElemType = int32(v) //nolint:gosec // G115: ONNX enum fits int32.
			}
		case 2:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				t.Shape, err = sub.tensorShapeProto()
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (d *decoder) tensorShapeProto() (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var dim DimensionProto
				if dim, err = sub.dimensionProto(); err == nil {
					s.Dims = append(s.Dims, dim)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (d *decoder) dimensionProto() (DimensionProto, error) {
	var dim DimensionProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return dim, err
		}
		switch field {
		case 1:
			dim.DimValue, err = d.varint()
		case 2:
			dim.DimParam, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return dim, err
		}
	}
	return dim, nil
}

func (d *decoder) attributeProto() (AttributeProto, error) {
	var a AttributeProto
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return a, err
		}
		switch field {
		case 1:
			a.Name, err = d.str()
		case 2:
			a.F, err = d.float32()
		case 3:
			a.I, err = d.varint()
		case 4:
			a.S, err = d.bytes()
		case 5:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var t TensorProto
				if t, err = sub.tensorProto(); err == nil {
					a.T = &t
				}
			}
		case 6:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				a.G, err = sub.graphProto()
			}
		case 7:
			a.Floats, err = d.packedFloat32s(wire, a.Floats)
		case 8:
			a.Ints, err = d.packedInt64s(wire, a.Ints)
		case 9:
			var b []byte
			if b, err = d.bytes(); err == nil {
				a.Strings = append(a.Strings, b)
			}
		case 10:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var t TensorProto
				if t, err = sub.tensorProto(); err == nil {
					a.Tensors = append(a.Tensors, t)
				}
			}
		case 11:
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var g *GraphProto
				if g, err = sub.graphProto(); err == nil {
					a.Graphs = append(a.Graphs, *g)
				}
			}
		case 13:
			a.DocString, err = d.str()
		case 20:
			var v int64
			if v, err = d.varint(); err == nil {
				a.Type = int32(v) //nolint:gosec // G115: ONNX enum fits int32.
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return a, err
		}
	}
	return a, nil
}

func (d *decoder) operatorSetID() (OperatorSetID, error) {
	var o OperatorSetID
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return o, err
		}
		switch field {
		case 1:
			o.Domain, err = d.str()
		case 2:
			o.Version, err = d.varint()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return o, err
		}
	}
	return o, nil
}

func (d *decoder) stringStringEntry() (StringStringEntry, error) {
	var e StringStringEntry
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return e, err
		}
		switch field {
		case 1:
			e.Key, err = d.str()
		case 2:
			e.Value, err = d.str()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return e, err
		}
	}
	return e, nil
}

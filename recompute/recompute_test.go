// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package recompute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

func chainModelBytes() []byte {
	return onnx.Serialize(&onnx.ModelProto{
		IRVersion:   8,
		OpsetImport: []onnx.OperatorSetID{{Version: 14}},
		Graph: &onnx.GraphProto{
			Name: "main",
			Nodes: []onnx.NodeProto{
				{Name: "n1", OpType: "Relu", Inputs: []string{"X"}, Outputs: []string{"A"}},
				{Name: "n2", OpType: "Relu", Inputs: []string{"A"}, Outputs: []string{"Y"}},
			},
			Inputs: []onnx.ValueInfoProto{{
				Name: "X",
				Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{
					ElemType: onnx.TensorProtoFloat,
					Shape:    &onnx.TensorShapeProto{Dims: []onnx.DimensionProto{{DimValue: 4}}},
				}},
			}},
			Outputs: []onnx.ValueInfoProto{{Name: "Y"}},
		},
	})
}

func TestApplyPassThrough(t *testing.T) {
	// No transformer blocks: the model comes back structurally unchanged.
	out, err := Apply(chainModelBytes())
	require.NoError(t, err)

	model, err := graph.LoadModel(out)
	require.NoError(t, err)
	assert.Len(t, model.Graph().Nodes(), 2)
}

func TestApplyGarbage(t *testing.T) {
	_, err := Apply([]byte{0xba, 0xad})
	require.Error(t, err)
}

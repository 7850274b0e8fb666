package gradient

import (
	"errors"
	"fmt"

	"github.com/born-ml/gradgraph/internal/graph"
	"github.com/born-ml/gradgraph/internal/onnx"
)

var errNoOutputGrad = errors.New("no gradient flows into node output")

// gradDef describes how one operator is differentiated: which input slots
// receive gradients, and how to emit the backward nodes.
type gradDef struct {
	slots func(n *graph.Node) []int
	emit  func(c *opContext) error
}

func fixedSlots(slots ...int) func(*graph.Node) []int {
	return func(*graph.Node) []int { return slots }
}

func allSlots(n *graph.Node) []int {
	out := make([]int, len(n.Inputs()))
	for i := range out {
		out[i] = i
	}
	return out
}

// registry maps operator type to its gradient definition. Gradient kernels
// that have no standard ONNX expression (ReluGrad, DropoutGrad, the layer
// normalization gradients) are emitted into the training domain, the way
// the runtime's training build does.
var registry = map[string]gradDef{
	"MatMul": {
		slots: fixedSlots(0, 1),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			a, b := c.input(0), c.input(1)
			if c.needs(0) {
				// dA = dY x B^T
				bt := c.temp(nil)
				c.add("Transpose", []*graph.NodeArg{b}, []*graph.NodeArg{bt}, nil, "")
				c.add("MatMul", []*graph.NodeArg{dy, bt}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			}
			if c.needs(1) {
				// dB = A^T x dY
				at := c.temp(nil)
				c.add("Transpose", []*graph.NodeArg{a}, []*graph.NodeArg{at}, nil, "")
				c.add("MatMul", []*graph.NodeArg{at, dy}, []*graph.NodeArg{c.gradFor(1)}, nil, "")
			}
			return nil
		},
	},
	"Add": {
		slots: fixedSlots(0, 1),
		emit:  passThroughBinary,
	},
	"Sub": {
		slots: fixedSlots(0, 1),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if c.needs(0) {
				c.add("Identity", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			}
			if c.needs(1) {
				c.add("Neg", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(1)}, nil, "")
			}
			return nil
		},
	},
	"Mul": {
		slots: fixedSlots(0, 1),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if c.needs(0) {
				c.add("Mul", []*graph.NodeArg{dy, c.input(1)}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			}
			if c.needs(1) {
				c.add("Mul", []*graph.NodeArg{dy, c.input(0)}, []*graph.NodeArg{c.gradFor(1)}, nil, "")
			}
			return nil
		},
	},
	"Neg": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if c.needs(0) {
				c.add("Neg", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			}
			return nil
		},
	},
	"Identity": {
		slots: fixedSlots(0),
		emit:  passThroughUnary,
	},
	"Sum": {
		slots: allSlots,
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			for i := range c.node.Inputs() {
				if c.needs(i) {
					c.add("Identity", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(i)}, nil, "")
				}
			}
			return nil
		},
	},
	"Relu": {
		slots: fixedSlots(0),
		// relu'(x) = 1[relu(x) > 0], so the kernel reads the forward output
		// and the input activation need not cross the split boundary.
		emit: activationGrad("ReluGrad", true),
	},
	"Gelu": {
		slots: fixedSlots(0),
		emit:  activationGrad("GeluGrad", false),
	},
	"FastGelu": {
		slots: fixedSlots(0),
		emit:  activationGrad("FastGeluGrad", false),
	},
	"Sigmoid": {
		slots: fixedSlots(0),
		emit:  activationGrad("SigmoidGrad", true),
	},
	"Tanh": {
		slots: fixedSlots(0),
		emit:  activationGrad("TanhGrad", true),
	},
	"Softmax": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if c.needs(0) {
				attrs := copyAttrs(c.node, "axis")
				c.add("SoftmaxGrad", []*graph.NodeArg{dy, c.output(0)},
					[]*graph.NodeArg{c.gradFor(0)}, attrs, graph.TrainingDomain)
			}
			return nil
		},
	},
	"Transpose": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if !c.needs(0) {
				return nil
			}
			var attrs []onnx.AttributeProto
			if perm, ok := nodeInts(c.node, "perm"); ok {
				inverse := make([]int64, len(perm))
				for i, p := range perm {
					if p < 0 || int(p) >= len(perm) {
						return fmt.Errorf("invalid perm attribute %v", perm)
					}
					inverse[p] = int64(i)
				}
				attrs = []onnx.AttributeProto{{Name: "perm", Type: onnx.AttributeProtoInts, Ints: inverse}}
			}
			c.add("Transpose", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(0)}, attrs, "")
			return nil
		},
	},
	"Reshape": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if !c.needs(0) {
				return nil
			}
			// dX = Reshape(dY, Shape(X))
			shape := c.temp(nil)
			c.add("Shape", []*graph.NodeArg{c.input(0)}, []*graph.NodeArg{shape}, nil, "")
			c.add("Reshape", []*graph.NodeArg{dy, shape}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			return nil
		},
	},
	"ReduceSum": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if !c.needs(0) {
				return nil
			}
			// dX = Expand(dY, Shape(X))
			shape := c.temp(nil)
			c.add("Shape", []*graph.NodeArg{c.input(0)}, []*graph.NodeArg{shape}, nil, "")
			c.add("Expand", []*graph.NodeArg{dy, shape}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
			return nil
		},
	},
	"Dropout": {
		slots: fixedSlots(0),
		emit: func(c *opContext) error {
			dy := c.outGrad(0)
			if dy == nil {
				return errNoOutputGrad
			}
			if !c.needs(0) {
				return nil
			}
			if len(c.node.Outputs()) < 2 {
				return errors.New("dropout node has no mask output to differentiate through")
			}
			inputs := []*graph.NodeArg{dy, c.output(1)}
			if len(c.node.Inputs()) > 1 {
				inputs = append(inputs, c.input(1)) // ratio
			}
			c.add("DropoutGrad", inputs, []*graph.NodeArg{c.gradFor(0)}, nil, graph.TrainingDomain)
			return nil
		},
	},
	"LayerNormalization": {
		slots: fixedSlots(0, 1, 2),
		emit:  layerNormGrad,
	},
}

// passThroughUnary sends the output gradient through unchanged.
func passThroughUnary(c *opContext) error {
	dy := c.outGrad(0)
	if dy == nil {
		return errNoOutputGrad
	}
	if c.needs(0) {
		c.add("Identity", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
	}
	return nil
}

// passThroughBinary sends the output gradient to both inputs. Broadcast
// reduction is not modeled; inputs are assumed shape-compatible.
func passThroughBinary(c *opContext) error {
	dy := c.outGrad(0)
	if dy == nil {
		return errNoOutputGrad
	}
	if c.needs(0) {
		c.add("Identity", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(0)}, nil, "")
	}
	if c.needs(1) {
		c.add("Identity", []*graph.NodeArg{dy}, []*graph.NodeArg{c.gradFor(1)}, nil, "")
	}
	return nil
}

// activationGrad emits a training-domain gradient kernel taking (dY, X) or
// (dY, Y) when the gradient is expressible from the forward output.
func activationGrad(opType string, fromOutput bool) func(*opContext) error {
	return func(c *opContext) error {
		dy := c.outGrad(0)
		if dy == nil {
			return errNoOutputGrad
		}
		if !c.needs(0) {
			return nil
		}
		second := c.input(0)
		if fromOutput {
			second = c.output(0)
		}
		c.add(opType, []*graph.NodeArg{dy, second}, []*graph.NodeArg{c.gradFor(0)}, nil, graph.TrainingDomain)
		return nil
	}
}

// layerNormGrad differentiates LayerNormalization into X, scale and bias
// gradients. With the invertible variant the kernel reconstructs X from Y
// so the input activation need not be retained.
func layerNormGrad(c *opContext) error {
	dy := c.outGrad(0)
	if dy == nil {
		return errNoOutputGrad
	}
	var outputs []*graph.NodeArg
	slots := []int{0, 1, 2}
	for _, slot := range slots {
		if slot < len(c.node.Inputs()) && c.needs(slot) {
			outputs = append(outputs, c.gradFor(slot))
		} else {
			outputs = append(outputs, c.temp(nil))
		}
	}

	attrs := copyAttrs(c.node, "axis", "epsilon")
	if c.b.cfg.UseInvertibleLayerNormGrad {
		// Reconstructs the input from output, scale and bias.
		inputs := []*graph.NodeArg{dy, c.output(0), c.input(1)}
		if len(c.node.Inputs()) > 2 {
			inputs = append(inputs, c.input(2))
		}
		if len(c.node.Outputs()) > 2 {
			inputs = append(inputs, c.output(2)) // inv_std_dev
		}
		c.add("InvertibleLayerNormalizationGrad", inputs, outputs, attrs, graph.TrainingDomain)
		return nil
	}

	inputs := []*graph.NodeArg{dy, c.input(0), c.input(1)}
	if len(c.node.Outputs()) > 2 {
		inputs = append(inputs, c.output(1), c.output(2)) // mean, inv_std_dev
	}
	c.add("LayerNormalizationGrad", inputs, outputs, attrs, graph.TrainingDomain)
	return nil
}

func copyAttrs(n *graph.Node, names ...string) []onnx.AttributeProto {
	var out []onnx.AttributeProto
	for i := range n.Attributes() {
		a := n.Attributes()[i]
		for _, name := range names {
			if a.Name == name {
				out = append(out, a)
			}
		}
	}
	return out
}

func nodeInts(n *graph.Node, name string) ([]int64, bool) {
	for i := range n.Attributes() {
		a := &n.Attributes()[i]
		if a.Name == name && a.Type == onnx.AttributeProtoInts {
			return a.Ints, true
		}
	}
	return nil, false
}

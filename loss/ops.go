package loss

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
)

// detachedOp maps each element of its input through fn and contributes no gradient
// to its input. It plays the role of a stop-gradient: the value flows forward,
// the backward pass treats it as a constant.
type detachedOp struct {
	name string
	fn   func(i int, x float64) float64
}

func detach(name string, x *G.Node, fn func(i int, x float64) float64) (*G.Node, error) {
	return G.ApplyOp(&detachedOp{name: name, fn: fn}, x)
}

func (op *detachedOp) Arity() int { return 1 }

func (op *detachedOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op *detachedOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	return passthroughShape(op, inputs...)
}

func (op *detachedOp) Do(values ...G.Value) (G.Value, error) {
	out, err := cloneDense(op, values...)
	if err != nil {
		return nil, err
	}

	switch data := out.Data().(type) {
	case []float64:
		for i, x := range data {
			data[i] = op.fn(i, x)
		}
	case []float32:
		for i, x := range data {
			data[i] = float32(op.fn(i, float64(x)))
		}
	default:
		return nil, errors.Errorf("%v: unsupported dtype %v", op, out.Dtype())
	}
	return out, nil
}

func (op *detachedOp) ReturnsPtr() bool     { return false }
func (op *detachedOp) CallsExtern() bool    { return false }
func (op *detachedOp) OverwritesInput() int { return -1 }

func (op *detachedOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }

func (op *detachedOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op *detachedOp) String() string { return "Detached{" + op.name + "}" }

func (op *detachedOp) DiffWRT(inputs int) []bool { return make([]bool, inputs) }

// SymDiff returns a zero gradient in case a caller differentiates through the op anyway.
func (op *detachedOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	zero, err := G.Mul(grad, scalar(grad.Dtype(), 0))
	if err != nil {
		return nil, err
	}
	return G.Nodes{zero}, nil
}

// boxCheckOp passes boxes through unchanged after checking that no width or height
// is negative. The check runs when the machine executes the node; the gradient is
// the identity.
type boxCheckOp struct{}

func (op boxCheckOp) Arity() int { return 1 }

func (op boxCheckOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op boxCheckOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	return passthroughShape(op, inputs...)
}

func (op boxCheckOp) Do(values ...G.Value) (G.Value, error) {
	out, err := cloneDense(op, values...)
	if err != nil {
		return nil, err
	}
	if err := bbox.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (op boxCheckOp) ReturnsPtr() bool     { return false }
func (op boxCheckOp) CallsExtern() bool    { return false }
func (op boxCheckOp) OverwritesInput() int { return -1 }

func (op boxCheckOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }

func (op boxCheckOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op boxCheckOp) String() string { return "ValidateBoxes" }

func (op boxCheckOp) DiffWRT(inputs int) []bool { return []bool{true} }

func (op boxCheckOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	return G.Nodes{grad}, nil
}

func passthroughShape(op fmt.Stringer, inputs ...G.DimSizer) (tensor.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("%v expects 1 input, got %d", op, len(inputs))
	}
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("%v: cannot infer shape from %T", op, inputs[0])
	}
	return s.Clone(), nil
}

func cloneDense(op fmt.Stringer, values ...G.Value) (*tensor.Dense, error) {
	if len(values) != 1 {
		return nil, errors.Errorf("%v expects 1 value, got %d", op, len(values))
	}
	t, ok := values[0].(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("%v: expected a dense tensor, got %T", op, values[0])
	}
	return t.Clone().(*tensor.Dense), nil
}

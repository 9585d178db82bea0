package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/util"
)

// expr chains graph construction calls and keeps the first error. Once an error is
// recorded every further call is a no-op returning nil.
type expr struct {
	err error
}

func (e *expr) apply(name string, fn func() (*G.Node, error)) *G.Node {
	if e.err != nil {
		return nil
	}
	n, err := fn()
	if err != nil {
		e.err = errors.Wrap(err, name)
		return nil
	}
	return n
}

func (e *expr) add(a, b *G.Node) *G.Node {
	return e.apply("add", func() (*G.Node, error) { return G.Add(a, b) })
}

func (e *expr) sub(a, b *G.Node) *G.Node {
	return e.apply("sub", func() (*G.Node, error) { return G.Sub(a, b) })
}

// mul is the elementwise product of two equally shaped nodes.
func (e *expr) mul(a, b *G.Node) *G.Node {
	return e.apply("mul", func() (*G.Node, error) { return G.HadamardProd(a, b) })
}

// div is the elementwise quotient of two equally shaped nodes.
func (e *expr) div(a, b *G.Node) *G.Node {
	return e.apply("div", func() (*G.Node, error) { return G.HadamardDiv(a, b) })
}

// matmul is the matrix product of two matrices.
func (e *expr) matmul(a, b *G.Node) *G.Node {
	return e.apply("matmul", func() (*G.Node, error) { return G.Mul(a, b) })
}

// scale multiplies a by the constant v.
func (e *expr) scale(a *G.Node, v float64) *G.Node {
	return e.apply("scale", func() (*G.Node, error) { return G.Mul(a, scalar(a.Dtype(), v)) })
}

// over divides a by the constant v.
func (e *expr) over(a *G.Node, v float64) *G.Node {
	return e.apply("over", func() (*G.Node, error) { return G.Div(a, scalar(a.Dtype(), v)) })
}

// shift adds the constant v to a.
func (e *expr) shift(a *G.Node, v float64) *G.Node {
	return e.apply("shift", func() (*G.Node, error) { return G.Add(a, scalar(a.Dtype(), v)) })
}

func (e *expr) neg(a *G.Node) *G.Node {
	return e.apply("neg", func() (*G.Node, error) { return G.Neg(a) })
}

func (e *expr) abs(a *G.Node) *G.Node {
	return e.apply("abs", func() (*G.Node, error) { return G.Abs(a) })
}

func (e *expr) relu(a *G.Node) *G.Node {
	return e.apply("relu", func() (*G.Node, error) { return G.Rectify(a) })
}

func (e *expr) log(a *G.Node) *G.Node {
	return e.apply("log", func() (*G.Node, error) { return G.Log(a) })
}

func (e *expr) sum(a *G.Node) *G.Node {
	return e.apply("sum", func() (*G.Node, error) { return G.Sum(a) })
}

func (e *expr) reshape(a *G.Node, to tensor.Shape) *G.Node {
	return e.apply("reshape", func() (*G.Node, error) { return G.Reshape(a, to) })
}

func (e *expr) concat(axis int, parts ...*G.Node) *G.Node {
	return e.apply("concat", func() (*G.Node, error) { return G.Concat(axis, parts...) })
}

func (e *expr) detach(name string, a *G.Node, fn func(i int, x float64) float64) *G.Node {
	return e.apply(name, func() (*G.Node, error) { return detach(name, a, fn) })
}

// maximum is (a + b + |a - b|) / 2.
func (e *expr) maximum(a, b *G.Node) *G.Node {
	return e.scale(e.add(e.add(a, b), e.abs(e.sub(a, b))), 0.5)
}

// minimum is (a + b - |a - b|) / 2.
func (e *expr) minimum(a, b *G.Node) *G.Node {
	return e.scale(e.sub(e.add(a, b), e.abs(e.sub(a, b))), 0.5)
}

// clamp limits a to [lo, hi] with the gradient of a inside the range and zero outside.
func (e *expr) clamp(a *G.Node, lo, hi float64) *G.Node {
	floor := e.shift(e.relu(e.shift(a, -lo)), lo)
	return e.sub(floor, e.relu(e.shift(floor, -hi)))
}

// stack joins equally shaped nodes along a new trailing axis.
func (e *expr) stack(parts ...*G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	shape := append(parts[0].Shape().Clone(), 1)
	cols := make([]*G.Node, len(parts))
	for i, p := range parts {
		cols[i] = e.reshape(p, shape)
	}
	return e.concat(len(shape)-1, cols...)
}

func scalar(dt tensor.Dtype, v float64) *G.Node {
	if dt == tensor.Float32 {
		return G.NewConstant(float32(v))
	}
	return G.NewConstant(v)
}

func constant(dt tensor.Dtype, shape tensor.Shape, data []float64) (*G.Node, error) {
	t, err := util.ToTensor(dt, shape, data)
	if err != nil {
		return nil, err
	}
	return G.NewConstant(t), nil
}

package bbox

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/util"
)

// unpack splits a box tensor into its flat data and leading shape. A bare (4) box
// has the leading shape (1).
func unpack(t tensor.Tensor) ([]float64, tensor.Shape, error) {
	if t == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "nil box tensor")
	}
	s := t.Shape()
	if len(s) == 0 || s[len(s)-1] != 4 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "box tensor needs a trailing axis of 4, got %v", s)
	}
	data, err := util.Float64s(t)
	if err != nil {
		return nil, nil, err
	}
	lead := s[:len(s)-1].Clone()
	if len(lead) == 0 {
		lead = tensor.Shape{1}
	}
	return data, lead, nil
}

// pair holds two unpacked box tensors that can be combined elementwise. A side
// holding a single box is broadcast against the other.
type pair struct {
	a, b   []float64
	na, nb int
	lead   tensor.Shape
	dtype  tensor.Dtype
}

func newPair(a, b tensor.Tensor) (*pair, error) {
	ad, alead, err := unpack(a)
	if err != nil {
		return nil, err
	}
	bd, blead, err := unpack(b)
	if err != nil {
		return nil, err
	}

	p := &pair{a: ad, b: bd, na: len(ad) / 4, nb: len(bd) / 4, dtype: a.Dtype()}
	switch {
	case alead.Eq(blead):
		p.lead = alead
	case p.na == 1:
		p.lead = blead
	case p.nb == 1:
		p.lead = alead
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot pair boxes %v and %v", a.Shape(), b.Shape())
	}
	return p, nil
}

func (p *pair) len() int {
	return p.lead.TotalSize()
}

func (p *pair) at(i int) (quad, quad) {
	ai, bi := i, i
	if p.na == 1 {
		ai = 0
	}
	if p.nb == 1 {
		bi = 0
	}
	return quadAt(p.a, ai), quadAt(p.b, bi)
}

// quad is a float64 (x, y, w, h) box read from tensor data.
type quad [4]float64

func quadAt(data []float64, i int) quad {
	return quad{data[4*i], data[4*i+1], data[4*i+2], data[4*i+3]}
}

func (q quad) area() float64 {
	return q[2] * q[3]
}

// within mirrors Box.IntersectionWithin in float64.
func (q quad) within(w quad) quad {
	x1 := math.Max(q[0], w[0])
	y1 := math.Max(q[1], w[1])
	x2 := math.Min(q[0]+q[2], w[0]+w[2])
	y2 := math.Min(q[1]+q[3], w[1]+w[3])
	return quad{
		math.Max(x1-w[0], 0),
		math.Max(y1-w[1], 0),
		math.Max(x2-x1, 0),
		math.Max(y2-y1, 0),
	}
}

// Validate checks that every box in t has a non-negative width and height.
//
// Arguments:
// - t: A tensor of shape (..., 4).
//
// Returns:
// - *InvalidBoxError naming the first offending box, or a shape error.
//
// @example
// t := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float64{0, 0, -1, 2}))
// err := Validate(t) // invalid box 0: negative size (w=-1, h=2)
func Validate(t tensor.Tensor) error {
	data, _, err := unpack(t)
	if err != nil {
		return err
	}
	return validateFlat(data)
}

func validateFlat(data []float64) error {
	for i := 0; i < len(data)/4; i++ {
		w, h := data[4*i+2], data[4*i+3]
		if w < 0 || h < 0 {
			return &InvalidBoxError{Index: i, W: w, H: h}
		}
	}
	return nil
}

// ClampNonNegative returns a copy of t with negative widths and heights set to zero.
// This is the value-only form; the differentiable form lives in the loss package.
func ClampNonNegative(t tensor.Tensor) (*tensor.Dense, error) {
	data, _, err := unpack(t)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(data)/4; i++ {
		data[4*i+2] = math.Max(data[4*i+2], 0)
		data[4*i+3] = math.Max(data[4*i+3], 0)
	}
	return util.ToTensor(t.Dtype(), t.Shape(), data)
}

// Area returns w*h for every box, shaped like the leading axes of t. A bare (4)
// box gives shape (1).
func Area(t tensor.Tensor) (*tensor.Dense, error) {
	data, lead, err := unpack(t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(data)/4)
	for i := range out {
		out[i] = data[4*i+2] * data[4*i+3]
	}
	return util.ToTensor(t.Dtype(), lead, out)
}

// Intersection computes the pairwise intersection area of two box tensors.
//
// Both tensors are validated first. Leading shapes must match, or one side must
// hold exactly one box, which is broadcast.
//
// Arguments:
// - a, b: Tensors of shape (..., 4).
//
// Returns:
// - *tensor.Dense: Intersection areas shaped like the leading axes, (1) for two bare (4) boxes.
// - error: *InvalidBoxError or ErrShapeMismatch.
func Intersection(a, b tensor.Tensor) (*tensor.Dense, error) {
	p, err := newValidPair(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]float64, p.len())
	for i := range out {
		qa, qb := p.at(i)
		out[i] = qa.within(qb).area()
	}
	return util.ToTensor(p.dtype, p.lead, out)
}

// IntersectionWithin computes, for every pair, the intersection rectangle of box
// and within in within's coordinate frame, with the local origin clamped to zero.
//
// Returns:
// - *tensor.Dense: Shape (..., 4) holding local (x, y, w, h).
func IntersectionWithin(box, within tensor.Tensor) (*tensor.Dense, error) {
	p, err := newValidPair(box, within)
	if err != nil {
		return nil, err
	}
	n := p.len()
	out := make([]float64, 0, 4*n)
	for i := 0; i < n; i++ {
		qb, qw := p.at(i)
		r := qb.within(qw)
		out = append(out, r[:]...)
	}
	shape := append(p.lead.Clone(), 4)
	return util.ToTensor(p.dtype, shape, out)
}

// IoU computes the pairwise Intersection over Union of two box tensors.
//
// The denominator is deliberately unguarded: a pair of zero-area boxes yields NaN.
// Callers that can produce such pairs must filter them out or accept the NaN.
// Like Intersection, two bare (4) boxes give a result of shape (1).
func IoU(a, b tensor.Tensor) (*tensor.Dense, error) {
	p, err := newValidPair(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]float64, p.len())
	for i := range out {
		qa, qb := p.at(i)
		inter := qa.within(qb).area()
		out[i] = inter / (qa.area() + qb.area() - inter)
	}
	return util.ToTensor(p.dtype, p.lead, out)
}

func newValidPair(a, b tensor.Tensor) (*pair, error) {
	p, err := newPair(a, b)
	if err != nil {
		return nil, err
	}
	if err := validateFlat(p.a); err != nil {
		return nil, errors.Wrap(err, "first operand")
	}
	if err := validateFlat(p.b); err != nil {
		return nil, errors.Wrap(err, "second operand")
	}
	return p, nil
}

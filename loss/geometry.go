// Package loss - Differentiable box geometry and presence-masked losses on gorgonia graphs.
//
// Every function here builds nodes in the expression graph of its inputs and returns
// them; nothing is computed until a machine runs the graph. Box nodes carry
// (x, y, w, h) on a trailing axis of size 4.
package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
)

// ClampNonNegative clamps box widths and heights to be non-negative while preserving
// their gradients.
//
// The output is w - stopgrad(min(w, 0)) (same for h). Its value equals max(w, 0) but
// the gradient with respect to w is 1 everywhere, so an optimizer still sees a signal
// pushing a negative width back toward zero.
//
// Arguments:
// - box: A node of shape (..., 4).
//
// Returns:
// - A node of the same shape with clamped sizes.
// - error: bbox.ErrShapeMismatch if the trailing axis is not 4.
//
// @example
// raw := G.NewMatrix(g, tensor.Float64, G.WithShape(nobjs, 4), G.WithName("raw"))
// pred, err := loss.ClampNonNegative(raw)
func ClampNonNegative(box *G.Node) (*G.Node, error) {
	if err := checkBoxShape(box); err != nil {
		return nil, err
	}

	e := &expr{}
	correction := e.detach("sizeCorrection", box, func(i int, x float64) float64 {
		if i%4 >= 2 && x < 0 {
			return -x
		}
		return 0
	})
	out := e.add(box, correction)
	return out, e.err
}

// Validated returns box unchanged, with a check that fails the machine run with a
// *bbox.InvalidBoxError if any width or height is negative.
func Validated(box *G.Node) (*G.Node, error) {
	if err := checkBoxShape(box); err != nil {
		return nil, err
	}
	return G.ApplyOp(boxCheckOp{}, box)
}

// Components splits the trailing axis of box into its x, y, w and h nodes, each
// shaped like the leading axes of box. A bare (4) box gives components of shape (1).
//
// The boxes are flattened to (n, 4) and multiplied by a one-hot (4, 1) selector, so
// every component stays a tensor even when the box node holds a single box.
func Components(box *G.Node) (x, y, w, h *G.Node, err error) {
	if err = checkBoxShape(box); err != nil {
		return nil, nil, nil, nil, err
	}

	s := box.Shape()
	lead := s[:len(s)-1].Clone()
	if len(lead) == 0 {
		lead = tensor.Shape{1}
	}
	n := 1
	for _, d := range lead {
		n *= d
	}

	e := &expr{}
	flat := e.reshape(box, tensor.Shape{n, 4})
	parts := make([]*G.Node, 4)
	for i := range parts {
		onehot := make([]float64, 4)
		onehot[i] = 1
		sel, err := constant(box.Dtype(), tensor.Shape{4, 1}, onehot)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		parts[i] = e.reshape(e.matmul(flat, sel), lead)
	}
	if e.err != nil {
		return nil, nil, nil, nil, errors.Wrap(e.err, "split box components")
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// Area returns w*h for every box.
func Area(box *G.Node) (*G.Node, error) {
	_, _, w, h, err := Components(box)
	if err != nil {
		return nil, err
	}
	e := &expr{}
	area := e.mul(w, h)
	return area, e.err
}

// overlap is the intersection rectangle of two box nodes in absolute coordinates.
type overlap struct {
	x1, y1, w, h *G.Node
}

func intersect(a, b *G.Node) (*overlap, error) {
	if err := checkBoxShape(a); err != nil {
		return nil, err
	}
	if !a.Shape().Eq(b.Shape()) {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "cannot pair boxes %v and %v", a.Shape(), b.Shape())
	}

	a, err := Validated(a)
	if err != nil {
		return nil, err
	}
	b, err = Validated(b)
	if err != nil {
		return nil, err
	}
	ax, ay, aw, ah, err := Components(a)
	if err != nil {
		return nil, err
	}
	bx, by, bw, bh, err := Components(b)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	x1 := e.maximum(ax, bx)
	y1 := e.maximum(ay, by)
	x2 := e.minimum(e.add(ax, aw), e.add(bx, bw))
	y2 := e.minimum(e.add(ay, ah), e.add(by, bh))
	r := &overlap{
		x1: x1,
		y1: y1,
		w:  e.relu(e.sub(x2, x1)),
		h:  e.relu(e.sub(y2, y1)),
	}
	return r, e.err
}

// Intersection builds the pairwise intersection area of two equally shaped box nodes.
//
// Both inputs are validated when the graph runs.
//
//	x1 = max(ax, bx), y1 = max(ay, by)
//	x2 = min(ax+aw, bx+bw), y2 = min(ay+ah, by+bh)
//	area = max(x2-x1, 0) * max(y2-y1, 0)
func Intersection(a, b *G.Node) (*G.Node, error) {
	r, err := intersect(a, b)
	if err != nil {
		return nil, err
	}
	e := &expr{}
	area := e.mul(r.w, r.h)
	return area, e.err
}

// IntersectionWithin builds the intersection of box and within expressed in within's
// coordinate frame. The local x and y are clamped to be non-negative.
//
// Returns:
// - A node of shape (..., 4) holding the local (x, y, w, h).
func IntersectionWithin(box, within *G.Node) (*G.Node, error) {
	r, err := intersect(box, within)
	if err != nil {
		return nil, err
	}
	wx, wy, _, _, err := Components(within)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	x := e.relu(e.sub(r.x1, wx))
	y := e.relu(e.sub(r.y1, wy))
	out := e.stack(x, y, r.w, r.h)
	return out, e.err
}

// IoU builds the pairwise Intersection over Union of two equally shaped box nodes.
//
// The union is not guarded: two zero-area boxes produce NaN. The loss functions
// rely on the negative-log guard instead.
func IoU(a, b *G.Node) (*G.Node, error) {
	r, err := intersect(a, b)
	if err != nil {
		return nil, err
	}
	_, _, aw, ah, err := Components(a)
	if err != nil {
		return nil, err
	}
	_, _, bw, bh, err := Components(b)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	inter := e.mul(r.w, r.h)
	union := e.sub(e.add(e.mul(aw, ah), e.mul(bw, bh)), inter)
	iou := e.div(inter, union)
	return iou, e.err
}

func checkBoxShape(box *G.Node) error {
	if box == nil {
		return errors.Wrap(bbox.ErrShapeMismatch, "nil box node")
	}
	s := box.Shape()
	if len(s) == 0 || s[len(s)-1] != 4 {
		return errors.Wrapf(bbox.ErrShapeMismatch, "box node needs a trailing axis of 4, got %v", s)
	}
	return nil
}

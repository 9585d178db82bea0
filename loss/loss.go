package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// IoULoss is the masked mean negative log IoU between predicted and target boxes.
//
// Arguments:
// - pred, target: Box nodes of shape (batch, nobjs, 4).
// - presence: Tensor of shape (batch, nobjs).
func IoULoss(pred, target *G.Node, presence tensor.Tensor) (*G.Node, error) {
	iou, err := IoU(pred, target)
	if err != nil {
		return nil, err
	}
	return MaskedMean(iou, presence, nil)
}

// IntersectionLoss is the masked mean negative log of the intersection over the
// target area. A zero target area is replaced by 1, so the ratio falls back to the
// raw intersection instead of NaN.
func IntersectionLoss(pred, target *G.Node, presence tensor.Tensor) (*G.Node, error) {
	inter, err := Intersection(pred, target)
	if err != nil {
		return nil, err
	}
	area, err := Area(target)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	guard := e.detach("zeroAreaGuard", area, func(_ int, v float64) float64 {
		if v == 0 {
			return 1
		}
		return 0
	})
	ratio := e.div(inter, e.add(area, guard))
	if e.err != nil {
		return nil, e.err
	}
	return MaskedMean(ratio, presence, nil)
}

// AreaLoss discourages predictions from covering the whole image.
//
// The predicted area over the image area is the ratio. It is clamped to [1, 10]
// as a per-object weight, so boxes far larger than the image are penalized much more
// steeply than mild over-coverage, and clamped to [0, 1] as the value fed to
// MaskedMean(1 - ratio). Under-coverage is not rewarded.
//
// Arguments:
// - pred: Box node of shape (batch, nobjs, 4).
// - nrows, ncols: Image size in the boxes' coordinate frame.
// - presence: Tensor of shape (batch, nobjs).
func AreaLoss(pred *G.Node, nrows, ncols float64, presence tensor.Tensor) (*G.Node, error) {
	if nrows <= 0 || ncols <= 0 {
		return nil, errors.Errorf("image size must be positive, got %vx%v", nrows, ncols)
	}
	area, err := Area(pred)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	ratio := e.over(area, nrows*ncols)
	weight := e.clamp(ratio, 1, 10)
	value := e.shift(e.neg(e.clamp(ratio, 0, 1)), 1)
	if e.err != nil {
		return nil, e.err
	}
	return MaskedMean(value, presence, weight)
}

// Weights scales each term of Combined.
type Weights struct {
	IoU          float64 `json:"iou"          yaml:"iou"`
	Intersection float64 `json:"intersection" yaml:"intersection"`
	Area         float64 `json:"area"         yaml:"area"`
}

// DefaultWeights weighs every term equally.
func DefaultWeights() Weights {
	return Weights{IoU: 1, Intersection: 1, Area: 1}
}

// Terms holds the nodes built by Combined. Their values can be read after a run.
type Terms struct {
	// Pred is the clamped prediction every term is computed from.
	Pred         *G.Node
	IoU          *G.Node
	Intersection *G.Node
	Area         *G.Node
	// Total is the weighted sum of the three terms; pass it to G.Grad.
	Total *G.Node
}

// Combined clamps raw predictions and builds the weighted sum of IoULoss,
// IntersectionLoss and AreaLoss.
//
// Arguments:
// - raw: Unconstrained predicted boxes of shape (batch, nobjs, 4).
// - target: Target boxes of the same shape.
// - presence: Tensor of shape (batch, nobjs).
// - nrows, ncols: Image size.
// - w: Term weights.
//
// Returns:
// - *Terms with every intermediate cost node.
//
// @example
// terms, err := loss.Combined(raw, target, presence, 480, 640, loss.DefaultWeights())
// _, err = G.Grad(terms.Total, learnables...)
func Combined(raw, target *G.Node, presence tensor.Tensor, nrows, ncols float64, w Weights) (*Terms, error) {
	pred, err := ClampNonNegative(raw)
	if err != nil {
		return nil, err
	}

	t := &Terms{Pred: pred}
	if t.IoU, err = IoULoss(pred, target, presence); err != nil {
		return nil, err
	}
	if t.Intersection, err = IntersectionLoss(pred, target, presence); err != nil {
		return nil, err
	}
	if t.Area, err = AreaLoss(pred, nrows, ncols, presence); err != nil {
		return nil, err
	}

	e := &expr{}
	t.Total = e.add(
		e.add(e.scale(t.IoU, w.IoU), e.scale(t.Intersection, w.Intersection)),
		e.scale(t.Area, w.Area),
	)
	return t, e.err
}

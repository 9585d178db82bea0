package loss

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
	"github.com/nvr-ai/go-boxtrain/util"
)

// DefaultEpsilon is the guard NegLog adds to values below it.
const DefaultEpsilon = 1e-8

// NegLog builds -log(x) with a conditional guard: eps is added only to elements
// below eps, leaving the others untouched. The guard itself carries no gradient.
func NegLog(x *G.Node, eps float64) (*G.Node, error) {
	e := &expr{}
	guard := e.detach(fmt.Sprintf("epsilonGuard(%g)", eps), x, func(_ int, v float64) float64 {
		if v-eps < 0 {
			return eps
		}
		return 0
	})
	out := e.neg(e.log(e.add(x, guard)))
	return out, e.err
}

// MaskedMean averages NegLog(x) over present objects per batch row, then over the
// rows that have at least one present object.
//
// Padded slots (presence == 0) contribute nothing; rows without any present object
// are left out of the batch average so they do not skew it. A batch with no present
// object at all yields 0.
//
// Arguments:
// - x: Per-object values of shape (batch, nobjs), typically in (0, 1].
// - presence: Tensor of shape (batch, nobjs); nonzero marks a real object.
// - weight: Optional node of shape (batch, nobjs) multiplying the negative log; nil for none.
//
// Returns:
// - A scalar node.
// - error: bbox.ErrShapeMismatch if shapes disagree.
//
// @example
// iou, _ := loss.IoU(pred, target)
// cost, err := loss.MaskedMean(iou, presence, nil)
func MaskedMean(x *G.Node, presence tensor.Tensor, weight *G.Node) (*G.Node, error) {
	if x == nil {
		return nil, errors.Wrap(bbox.ErrShapeMismatch, "nil value node")
	}
	s := x.Shape()
	if s.Dims() != 2 {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "masked mean needs (batch, nobjs), got %v", s)
	}
	if presence == nil || !presence.Shape().Eq(s) {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "presence does not match values %v", s)
	}
	if weight != nil && !weight.Shape().Eq(s) {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "weight %v does not match values %v", weight.Shape(), s)
	}

	coef, err := presenceCoefficients(presence, s[0], s[1])
	if err != nil {
		return nil, err
	}
	c, err := constant(x.Dtype(), s, coef)
	if err != nil {
		return nil, err
	}

	nll, err := NegLog(x, DefaultEpsilon)
	if err != nil {
		return nil, err
	}

	e := &expr{}
	if weight != nil {
		nll = e.mul(nll, weight)
	}
	out := e.sum(e.mul(nll, c))
	return out, e.err
}

// presenceCoefficients folds the whole masked average into one coefficient per slot:
// a present slot in a row with p present objects, in a batch with r non-empty rows,
// gets 1/(p*r); everything else gets 0.
func presenceCoefficients(presence tensor.Tensor, batch, nobjs int) ([]float64, error) {
	p, err := util.Float64s(presence)
	if err != nil {
		return nil, errors.Wrap(err, "presence")
	}

	counts := make([]float64, batch)
	rows := 0.0
	for r := 0; r < batch; r++ {
		for o := 0; o < nobjs; o++ {
			if p[r*nobjs+o] != 0 {
				counts[r]++
			}
		}
		if counts[r] != 0 {
			rows++
		}
	}
	if rows == 0 {
		rows = 1
	}

	coef := make([]float64, batch*nobjs)
	for r := 0; r < batch; r++ {
		if counts[r] == 0 {
			continue
		}
		for o := 0; o < nobjs; o++ {
			if p[r*nobjs+o] != 0 {
				coef[r*nobjs+o] = 1 / (counts[r] * rows)
			}
		}
	}
	return coef, nil
}

// Package grads - Gradient diagnostics and global-norm clipping for a training loop.
//
// Call Check and Clip after backpropagation and before the optimizer step. Clip
// rescales the caller's gradient buffers in place, so it must not run concurrently
// on the same parameters.
package grads

import (
	"log"
	"math"
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-boxtrain/util"
)

// ExplodingThreshold is the magnitude above which a gradient element counts as exploding.
const ExplodingThreshold = 1e5

// Gradient is anything exposing a gradient. *gorgonia.Node satisfies it once its dual
// value is bound (G.BindDualValues); an error from Grad means no gradient is defined.
type Gradient interface {
	Grad() (G.Value, error)
}

// Named pairs a parameter with the name used in diagnostics.
type Named struct {
	Name  string
	Param Gradient
}

// NodesToNamed wraps graph nodes, naming each by its node name.
func NodesToNamed(nodes ...*G.Node) []Named {
	out := make([]Named, len(nodes))
	for i, n := range nodes {
		out[i] = Named{Name: n.Name(), Param: n}
	}
	return out
}

var logger = log.New(os.Stderr, "[grads] ", log.LstdFlags)

// SetLogger replaces the logger used by Check. A nil logger restores the default.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(os.Stderr, "[grads] ", log.LstdFlags)
	}
	logger = l
}

// HasNaNOrExploding reports whether any element of v is NaN or has a magnitude above
// ExplodingThreshold.
//
// Arguments:
// - v: A tensor or scalar value.
//
// Returns:
// - true if any element is NaN or exploding. Non-numeric values report false.
func HasNaNOrExploding(v util.DataHolder) bool {
	if v == nil {
		return false
	}

	switch data := v.Data().(type) {
	case []float32:
		for _, x := range data {
			if x != x || math32.Abs(x) > ExplodingThreshold {
				return true
			}
		}
		return false
	case float32:
		return data != data || math32.Abs(data) > ExplodingThreshold
	}

	data, err := util.Float64s(v)
	if err != nil {
		return false
	}
	for _, x := range data {
		if x != x || math.Abs(x) > ExplodingThreshold {
			return true
		}
	}
	return false
}

// Check runs HasNaNOrExploding on every parameter with a defined gradient and logs
// the name of each one that fails. It never modifies the gradients.
//
// Arguments:
// - params: The parameters, each passed once.
//
// Returns:
// - true if any gradient is NaN or exploding. The caller decides whether to abort.
//
// @example
//
//	if grads.Check(grads.NodesToNamed(learnables...)) {
//	    log.Printf("skipping step %d", step)
//	}
func Check(params []Named) bool {
	fail := false
	for _, p := range params {
		grad, ok := gradientOf(p)
		if !ok {
			continue
		}
		if HasNaNOrExploding(grad) {
			logger.Printf("%s has NaN or big gradient", p.Name)
			fail = true
		}
	}
	return fail
}

// Clip rescales all gradients so that their global L2 norm is at most maxNorm.
//
// The global norm is sqrt(sum of squared gradient norms). If it exceeds maxNorm every
// gradient is divided in place by norm/maxNorm; otherwise nothing changes.
//
// Arguments:
// - params: The parameters, each passed once.
// - maxNorm: The largest allowed global norm.
//
// Returns:
// - float64: The global norm before clipping (0 without gradients).
// - bool: Whether the gradients were rescaled.
// - error: If a gradient has a dtype that cannot be scaled.
//
// @example
// norm, clipped, err := grads.Clip(grads.NodesToNamed(w, b), 5)
func Clip(params []Named, maxNorm float64) (float64, bool, error) {
	var values []G.Value
	sq := 0.0
	for _, p := range params {
		grad, ok := gradientOf(p)
		if !ok {
			continue
		}
		data, err := util.Float64s(grad)
		if err != nil {
			return 0, false, errors.Wrapf(err, "gradient of %s", p.Name)
		}
		sq += floats.Dot(data, data)
		values = append(values, grad)
	}

	norm := math.Sqrt(sq)
	if len(values) == 0 || !(norm > maxNorm) {
		return norm, false, nil
	}

	ratio := norm / maxNorm
	for i, v := range values {
		if err := divideInPlace(v, ratio); err != nil {
			return norm, false, errors.Wrapf(err, "scale gradient %d", i)
		}
	}
	return norm, true, nil
}

func gradientOf(p Named) (G.Value, bool) {
	if p.Param == nil {
		return nil, false
	}
	grad, err := p.Param.Grad()
	if err != nil || grad == nil {
		return nil, false
	}
	return grad, true
}

func divideInPlace(v G.Value, ratio float64) error {
	switch s := v.(type) {
	case *G.F64:
		*s = G.F64(float64(*s) / ratio)
		return nil
	case *G.F32:
		*s = G.F32(float32(float64(*s) / ratio))
		return nil
	}

	switch data := v.Data().(type) {
	case []float64:
		floats.Scale(1/ratio, data)
	case []float32:
		r := float32(ratio)
		for i := range data {
			data[i] /= r
		}
	default:
		return errors.Wrapf(util.ErrUnsupportedDtype, "element type %T", data)
	}
	return nil
}

package loss

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
	"github.com/nvr-ai/go-boxtrain/util"
)

// guarded is -log(DefaultEpsilon), the loss of a slot whose value is zero.
var guarded = -math.Log(DefaultEpsilon)

func dense(shape []int, data ...float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func input(g *G.ExprGraph, name string, shape []int, data ...float64) *G.Node {
	return G.NewTensor(g, tensor.Float64, len(shape),
		G.WithShape(shape...), G.WithName(name), G.WithValue(dense(shape, data...)))
}

func run(t *testing.T, g *G.ExprGraph, learnables ...*G.Node) error {
	t.Helper()
	var opts []G.VMOpt
	if len(learnables) > 0 {
		opts = append(opts, G.BindDualValues(learnables...))
	}
	vm := G.NewTapeMachine(g, opts...)
	defer vm.Close()
	return vm.RunAll()
}

func values(t *testing.T, n *G.Node) []float64 {
	t.Helper()
	require.NotNil(t, n.Value())
	data, err := util.Float64s(n.Value())
	require.NoError(t, err)
	return data
}

func scalarOf(t *testing.T, n *G.Node) float64 {
	t.Helper()
	v, err := util.Scalar(n.Value())
	require.NoError(t, err)
	return v
}

func TestClampNonNegative_PreservesGradient(t *testing.T) {
	g := G.NewGraph()
	raw := input(g, "raw", []int{2, 4},
		1, 2, -2, 3,
		-1, -1, 4, -5,
	)

	out, err := ClampNonNegative(raw)
	require.NoError(t, err)
	cost, err := G.Sum(out)
	require.NoError(t, err)
	_, err = G.Grad(cost, raw)
	require.NoError(t, err)

	require.NoError(t, run(t, g, raw))

	assert.Equal(t, []float64{1, 2, 0, 3, -1, -1, 4, 0}, values(t, out))

	grad, err := raw.Grad()
	require.NoError(t, err)
	gradients, err := util.Float64s(grad)
	require.NoError(t, err)
	for i, d := range gradients {
		assert.Equal(t, 1.0, d, "gradient %d must pass through the clamp", i)
	}
}

func TestClampNonNegative_BadShape(t *testing.T) {
	g := G.NewGraph()
	_, err := ClampNonNegative(input(g, "raw", []int{2, 3}, make([]float64, 6)...))
	assert.True(t, errors.Is(err, bbox.ErrShapeMismatch))
}

func TestIntersection_MatchesEager(t *testing.T) {
	a := []float64{
		0, 0, 10, 10,
		0, 0, 1, 1,
		2, 2, 4, 4,
		-3, 1, 5, 2,
	}
	b := []float64{
		5, 5, 10, 10,
		5, 5, 1, 1,
		0, 0, 10, 10,
		0, 0, 1, 8,
	}

	g := G.NewGraph()
	inter, err := Intersection(input(g, "a", []int{4, 4}, a...), input(g, "b", []int{4, 4}, b...))
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	eager, err := bbox.Intersection(dense([]int{4, 4}, a...), dense([]int{4, 4}, b...))
	require.NoError(t, err)

	assert.InDeltaSlice(t, eager.Data().([]float64), values(t, inter), 1e-12)
	assert.Equal(t, []float64{25, 0, 16, 2}, values(t, inter))
}

func TestIntersection_Bounds(t *testing.T) {
	a := []float64{0, 0, 10, 10, 3, 4, 1, 9, 0, 0, 0, 0}
	b := []float64{2, -2, 3, 30, 0, 0, 10, 10, 0, 0, 5, 5}

	g := G.NewGraph()
	inter, err := Intersection(input(g, "a", []int{3, 4}, a...), input(g, "b", []int{3, 4}, b...))
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	for i, v := range values(t, inter) {
		areaA := a[4*i+2] * a[4*i+3]
		areaB := b[4*i+2] * b[4*i+3]
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, math.Min(areaA, areaB))
	}
}

func TestIntersection_ShapeMismatch(t *testing.T) {
	g := G.NewGraph()
	_, err := Intersection(input(g, "a", []int{2, 4}, make([]float64, 8)...), input(g, "b", []int{1, 4}, make([]float64, 4)...))
	assert.True(t, errors.Is(err, bbox.ErrShapeMismatch))
}

func TestIoU(t *testing.T) {
	a := []float64{0, 0, 100, 100, 0, 0, 1, 1, 3, 3, 4, 2}
	b := []float64{50, 50, 100, 100, 5, 5, 1, 1, 3, 3, 4, 2}

	g := G.NewGraph()
	na := input(g, "a", []int{3, 4}, a...)
	nb := input(g, "b", []int{3, 4}, b...)
	ab, err := IoU(na, nb)
	require.NoError(t, err)
	ba, err := IoU(nb, na)
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	got := values(t, ab)
	assert.InDelta(t, 2500.0/17500.0, got[0], 1e-12)
	assert.Equal(t, 0.0, got[1], "disjoint boxes")
	assert.InDelta(t, 1.0, got[2], 1e-12, "identical boxes")
	assert.InDeltaSlice(t, got, values(t, ba), 1e-12, "IoU must be symmetric")
}

func TestIoU_ZeroAreaIsUnguarded(t *testing.T) {
	g := G.NewGraph()
	a := input(g, "a", []int{1, 4}, 2, 2, 0, 0)
	b := input(g, "b", []int{1, 4}, 2, 2, 0, 0)
	iou, err := IoU(a, b)
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	assert.True(t, math.IsNaN(values(t, iou)[0]))
}

func TestValidated_FailsRunOnNegativeSize(t *testing.T) {
	g := G.NewGraph()
	a := input(g, "a", []int{1, 4}, 0, 0, -1, 2)
	b := input(g, "b", []int{1, 4}, 0, 0, 1, 1)
	_, err := Intersection(a, b)
	require.NoError(t, err, "validation happens when the graph runs")

	err = run(t, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid box")
}

func TestIntersectionWithin(t *testing.T) {
	g := G.NewGraph()
	box := input(g, "box", []int{2, 4},
		5, 15, 10, 10,
		12, 12, 4, 4,
	)
	within := input(g, "within", []int{2, 4},
		10, 10, 20, 20,
		10, 10, 20, 20,
	)

	local, err := IntersectionWithin(box, within)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4}, local.Shape())
	require.NoError(t, run(t, g))

	assert.Equal(t, []float64{0, 5, 5, 10, 2, 2, 4, 4}, values(t, local))
}

func TestNegLog_ConditionalGuard(t *testing.T) {
	g := G.NewGraph()
	x := input(g, "x", []int{3}, 0, 0.5, 1)
	out, err := NegLog(x, DefaultEpsilon)
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	got := values(t, out)
	assert.InDelta(t, guarded, got[0], 1e-9)
	assert.Equal(t, -math.Log(0.5), got[1], "values above eps are untouched")
	assert.Equal(t, 0.0, got[2])
}

func TestMaskedMean(t *testing.T) {
	tests := []struct {
		name     string
		x        []float64
		presence []float64
		expected float64
	}{
		{
			name:     "Empty row excluded",
			x:        []float64{0.5, 0.9, 0.3, 0.7},
			presence: []float64{1, 0, 0, 0},
			expected: -math.Log(0.5),
		},
		{
			name:     "Rows averaged separately",
			x:        []float64{0.5, 0.25, 0.125, 0.7},
			presence: []float64{1, 1, 1, 0},
			expected: ((-math.Log(0.5)-math.Log(0.25))/2 - math.Log(0.125)) / 2,
		},
		{
			name:     "No present object",
			x:        []float64{0.5, 0.9, 0.3, 0.7},
			presence: []float64{0, 0, 0, 0},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			x := input(g, "x", []int{2, 2}, tt.x...)
			cost, err := MaskedMean(x, dense([]int{2, 2}, tt.presence...), nil)
			require.NoError(t, err)
			require.NoError(t, run(t, g))

			assert.InDelta(t, tt.expected, scalarOf(t, cost), 1e-12)
		})
	}
}

func TestMaskedMean_Weight(t *testing.T) {
	g := G.NewGraph()
	x := input(g, "x", []int{1, 2}, 0.5, 0.5)
	w := input(g, "w", []int{1, 2}, 2, 4)
	presence := tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]bool{true, true}))

	cost, err := MaskedMean(x, presence, w)
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	assert.InDelta(t, 3*-math.Log(0.5), scalarOf(t, cost), 1e-12)
}

func TestMaskedMean_ShapeMismatch(t *testing.T) {
	g := G.NewGraph()
	x := input(g, "x", []int{2, 2}, 1, 1, 1, 1)

	_, err := MaskedMean(x, dense([]int{1, 2}, 1, 1), nil)
	assert.True(t, errors.Is(err, bbox.ErrShapeMismatch))

	_, err = MaskedMean(input(g, "v", []int{4}, 1, 1, 1, 1), dense([]int{4}, 1, 1, 1, 1), nil)
	assert.True(t, errors.Is(err, bbox.ErrShapeMismatch))

	_, err = MaskedMean(nil, dense([]int{1, 1}, 1), nil)
	assert.True(t, errors.Is(err, bbox.ErrShapeMismatch))
}

func TestIoULoss(t *testing.T) {
	g := G.NewGraph()
	pred := input(g, "pred", []int{1, 2, 4},
		0, 0, 100, 100,
		0, 0, 1, 1,
	)
	target := input(g, "target", []int{1, 2, 4},
		50, 50, 100, 100,
		7, 7, 1, 1,
	)

	cost, err := IoULoss(pred, target, dense([]int{1, 2}, 1, 0))
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	assert.InDelta(t, -math.Log(2500.0/17500.0), scalarOf(t, cost), 1e-9)
}

func TestIntersectionLoss(t *testing.T) {
	g := G.NewGraph()
	pred := input(g, "pred", []int{1, 2, 4},
		0, 0, 2, 2,
		0, 0, 2, 2,
	)
	target := input(g, "target", []int{1, 2, 4},
		0, 0, 4, 4,
		1, 1, 0, 0,
	)

	cost, err := IntersectionLoss(pred, target, dense([]int{1, 2}, 1, 1))
	require.NoError(t, err)
	require.NoError(t, run(t, g))

	// The zero-area target divides by 1 instead of 0 and lands on the guard.
	expected := (-math.Log(0.25) + guarded) / 2
	got := scalarOf(t, cost)
	assert.False(t, math.IsNaN(got))
	assert.InDelta(t, expected, got, 1e-9)
}

func TestAreaLoss(t *testing.T) {
	tests := []struct {
		name     string
		box      []float64
		expected float64
	}{
		{"Full image", []float64{0, 0, 640, 480}, guarded},
		{"Four times the image", []float64{0, 0, 1280, 960}, 4 * guarded},
		{"Far beyond the image", []float64{0, 0, 6400, 4800}, 10 * guarded},
		{"Quarter of the image", []float64{0, 0, 320, 240}, -math.Log(0.75)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			pred := input(g, "pred", []int{1, 1, 4}, tt.box...)
			cost, err := AreaLoss(pred, 480, 640, dense([]int{1, 1}, 1))
			require.NoError(t, err)
			require.NoError(t, run(t, g))

			got := scalarOf(t, cost)
			assert.False(t, math.IsInf(got, 0))
			assert.InDelta(t, tt.expected, got, 1e-6)
		})
	}
}

func TestCombined_Backpropagates(t *testing.T) {
	g := G.NewGraph()
	raw := input(g, "raw", []int{2, 2, 4},
		10, 10, 50, -20,
		0, 0, 30, 30,
		5, 5, 10, 10,
		0, 0, 1, 1,
	)
	target := input(g, "target", []int{2, 2, 4},
		12, 8, 40, 30,
		5, 5, 30, 30,
		4, 4, 12, 12,
		0, 0, 1, 1,
	)
	presence := dense([]int{2, 2}, 1, 1, 1, 0)

	terms, err := Combined(raw, target, presence, 100, 100, DefaultWeights())
	require.NoError(t, err)
	_, err = G.Grad(terms.Total, raw)
	require.NoError(t, err)
	require.NoError(t, run(t, g, raw))

	total := scalarOf(t, terms.Total)
	sum := scalarOf(t, terms.IoU) + scalarOf(t, terms.Intersection) + scalarOf(t, terms.Area)
	assert.InDelta(t, sum, total, 1e-9)

	grad, err := raw.Grad()
	require.NoError(t, err)
	gradients, err := util.Float64s(grad)
	require.NoError(t, err)
	for _, d := range gradients {
		assert.False(t, math.IsNaN(d))
	}
	// The padded slot receives no gradient.
	assert.Equal(t, []float64{0, 0, 0, 0}, gradients[12:16])
}

func TestAreaLoss_RejectsEmptyImage(t *testing.T) {
	g := G.NewGraph()
	pred := input(g, "pred", []int{1, 1, 4}, 0, 0, 1, 1)
	_, err := AreaLoss(pred, 0, 640, dense([]int{1, 1}, 1))
	assert.Error(t, err)
}

func TestClampNonNegative_SingleBox(t *testing.T) {
	g := G.NewGraph()
	raw := input(g, "raw", []int{1, 4}, 3, 4, -2, 3)

	out, err := ClampNonNegative(raw)
	require.NoError(t, err)
	cost, err := G.Sum(out)
	require.NoError(t, err)
	_, err = G.Grad(cost, raw)
	require.NoError(t, err)
	require.NoError(t, run(t, g, raw))

	assert.Equal(t, []float64{3, 4, 0, 3}, values(t, out))
	grad, err := raw.Grad()
	require.NoError(t, err)
	gradients, err := util.Float64s(grad)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 1}, gradients)
}

func TestGeometry_SingleBox(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		lead  tensor.Shape
	}{
		{"Bare box", []int{4}, tensor.Shape{1}},
		{"One row", []int{1, 4}, tensor.Shape{1}},
		{"One row one object", []int{1, 1, 4}, tensor.Shape{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			a := input(g, "a", tt.shape, 0, 0, 2, 2)
			b := input(g, "b", tt.shape, 1, 1, 2, 2)

			area, err := Area(a)
			require.NoError(t, err)
			inter, err := Intersection(a, b)
			require.NoError(t, err)
			iou, err := IoU(a, b)
			require.NoError(t, err)
			local, err := IntersectionWithin(a, b)
			require.NoError(t, err)

			assert.Equal(t, tt.lead, inter.Shape())
			assert.Equal(t, append(tt.lead.Clone(), 4), local.Shape())
			require.NoError(t, run(t, g))

			assert.Equal(t, []float64{4}, values(t, area))
			assert.Equal(t, []float64{1}, values(t, inter))
			assert.InDelta(t, 1.0/7.0, values(t, iou)[0], 1e-12)
			assert.Equal(t, []float64{0, 0, 1, 1}, values(t, local))
		})
	}
}

func TestCombined_SingleBox(t *testing.T) {
	g := G.NewGraph()
	raw := input(g, "raw", []int{1, 1, 4}, 0, 0, 10, 10)
	target := input(g, "target", []int{1, 1, 4}, 5, 5, 10, 10)

	terms, err := Combined(raw, target, dense([]int{1, 1}, 1), 100, 100, DefaultWeights())
	require.NoError(t, err)
	_, err = G.Grad(terms.Total, raw)
	require.NoError(t, err)
	require.NoError(t, run(t, g, raw))

	assert.InDelta(t, -math.Log(25.0/175.0), scalarOf(t, terms.IoU), 1e-9)
	assert.InDelta(t, -math.Log(0.25), scalarOf(t, terms.Intersection), 1e-9)
	assert.InDelta(t, -math.Log(0.99), scalarOf(t, terms.Area), 1e-9)
	assert.InDelta(t, -math.Log(25.0/175.0)-math.Log(0.25)-math.Log(0.99), scalarOf(t, terms.Total), 1e-9)

	grad, err := raw.Grad()
	require.NoError(t, err)
	gradients, err := util.Float64s(grad)
	require.NoError(t, err)
	require.Len(t, gradients, 4)
	nonzero := false
	for _, d := range gradients {
		assert.False(t, math.IsNaN(d) || math.IsInf(d, 0))
		nonzero = nonzero || d != 0
	}
	assert.True(t, nonzero)
}

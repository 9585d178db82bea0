package bbox

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoxIoU_Correctness validates IoU against known cases and checks symmetry.
func TestBoxIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float32
	}{
		{"Identical boxes", Box{0, 0, 100, 100}, Box{0, 0, 100, 100}, 1.0},
		{"No overlap", Box{0, 0, 1, 1}, Box{5, 5, 1, 1}, 0.0},
		{"Touching edges", Box{0, 0, 100, 100}, Box{100, 0, 100, 100}, 0.0},
		{"Half overlap", Box{0, 0, 100, 100}, Box{50, 50, 100, 100}, 2500.0 / 17500.0},
		{"One inside other", Box{0, 0, 100, 100}, Box{25, 25, 50, 50}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.a.IoU(tt.b), 1e-6)
			assert.InDelta(t, tt.a.IoU(tt.b), tt.b.IoU(tt.a), 1e-6, "IoU must be symmetric")
		})
	}
}

func TestBoxIntersectionBounds(t *testing.T) {
	boxes := []Box{
		{0, 0, 10, 10},
		{5, -3, 2, 20},
		{-4, -4, 4, 4},
		{3, 3, 0, 5},
		{100, 100, 1, 1},
	}
	for _, a := range boxes {
		for _, b := range boxes {
			i := a.Intersection(b)
			assert.GreaterOrEqual(t, i, float32(0))
			assert.LessOrEqual(t, i, math32.Min(a.Area(), b.Area()))
		}
	}
}

func TestBoxIntersectionWithin(t *testing.T) {
	crop := Box{X: 10, Y: 10, W: 20, H: 20}

	local := Box{X: 5, Y: 15, W: 10, H: 10}.IntersectionWithin(crop)
	assert.Equal(t, Box{X: 0, Y: 5, W: 5, H: 10}, local)

	outside := Box{X: 50, Y: 50, W: 5, H: 5}.IntersectionWithin(crop)
	assert.Equal(t, float32(0), outside.W)
	assert.Equal(t, float32(0), outside.H)
}

func TestBoxValidate(t *testing.T) {
	require.NoError(t, Box{0, 0, 0, 0}.Validate())

	err := Box{0, 0, -1, 2}.Validate()
	require.Error(t, err)
	assert.True(t, IsInvalidBox(err))
}

func TestBoxIoU_ZeroAreaIsNaN(t *testing.T) {
	a := Box{X: 1, Y: 1}
	assert.True(t, math32.IsNaN(a.IoU(a)))
}

func TestBoxClamped(t *testing.T) {
	assert.Equal(t, Box{X: 1, Y: 2, W: 0, H: 3}, Box{X: 1, Y: 2, W: -2, H: 3}.Clamped())
}

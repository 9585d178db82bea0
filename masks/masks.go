// Package masks - Rasterizes boxes into soft masks at a target resolution.
package masks

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
	"github.com/nvr-ai/go-boxtrain/util"
)

// Size is a raster size in pixels.
type Size struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

// BoxToMask rasterizes every box into a mask of the given output size.
//
// Each box lives in its own region of regionRows x regionCols pixels. Pixels inside
// the box, clipped to the region, are 1 and the rest 0; the region raster is then
// resampled to size with a bilinear filter, so edges come out as fractional values in
// [0, 1]. Negative sizes are clamped, the lit core is at least one pixel in each axis
// and the region is at least 1x1. A box that does not overlap its region yields an
// all-zero mask.
//
// Boxes are rasterized one at a time.
//
// Arguments:
// - boxes: Tensor of shape (..., 4) in (x, y, w, h) form.
// - regionRows, regionCols: Tensors with one value per box, or a single value for all.
// - size: The output raster size.
//
// Returns:
// - *tensor.Dense: float32 masks of shape (..., size.Rows, size.Cols).
// - error: If shapes disagree or the output size is empty.
//
// @example
// boxes := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float64{0, 0, 8, 8, 4, 4, 8, 8}))
// rows := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float64{16, 16}))
// out, err := masks.BoxToMask(boxes, rows, rows, masks.Size{Rows: 32, Cols: 32}) // (2, 32, 32)
func BoxToMask(boxes, regionRows, regionCols tensor.Tensor, size Size) (*tensor.Dense, error) {
	if size.Rows <= 0 || size.Cols <= 0 {
		return nil, errors.Errorf("output size must be positive, got %dx%d", size.Rows, size.Cols)
	}
	if boxes == nil {
		return nil, errors.Wrap(bbox.ErrShapeMismatch, "nil box tensor")
	}
	s := boxes.Shape()
	if len(s) == 0 || s[len(s)-1] != 4 {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "box tensor needs a trailing axis of 4, got %v", s)
	}

	data, err := util.Float64s(boxes)
	if err != nil {
		return nil, err
	}
	n := len(data) / 4
	rows, err := perBox(regionRows, n, "region rows")
	if err != nil {
		return nil, err
	}
	cols, err := perBox(regionCols, n, "region cols")
	if err != nil {
		return nil, err
	}

	plane := size.Rows * size.Cols
	out := make([]float32, n*plane)
	for i := 0; i < n; i++ {
		rasterize(bbox.BoxAt(data, i), rows[i], cols[i], size, out[i*plane:(i+1)*plane])
	}

	shape := append(s[:len(s)-1].Clone(), size.Rows, size.Cols)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// perBox expands t to one value per box.
func perBox(t tensor.Tensor, n int, name string) ([]float64, error) {
	if t == nil {
		return nil, errors.Errorf("%s: missing", name)
	}
	v, err := util.Float64s(t)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	switch len(v) {
	case n:
		return v, nil
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = v[0]
		}
		return out, nil
	default:
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "%s: %d values for %d boxes", name, len(v), n)
	}
}

// rasterize draws one box into dst, which holds size.Rows*size.Cols values.
func rasterize(b bbox.Box, rows, cols float64, size Size, dst []float32) {
	regionRows := max(int(rows), 1)
	regionCols := max(int(cols), 1)
	region := bbox.Box{W: float32(regionCols), H: float32(regionRows)}

	c := b.Clamped()
	if outside(c.X, c.W, region.W) || outside(c.Y, c.H, region.H) {
		return
	}
	visible := c.IntersectionWithin(region)

	coreW := max(int(math.Round(float64(visible.W))), 1)
	coreH := max(int(math.Round(float64(visible.H))), 1)
	x1, y1 := int(visible.X), int(visible.Y)
	core := image.Rect(x1, y1, x1+coreW, y1+coreH).Intersect(image.Rect(0, 0, regionCols, regionRows))

	mask := image.NewGray(image.Rect(0, 0, regionCols, regionRows))
	draw.Draw(mask, core, image.NewUniform(color.Gray{Y: 255}), image.Point{}, draw.Src)

	resized := resize.Resize(uint(size.Cols), uint(size.Rows), mask, resize.Bilinear)
	bounds := resized.Bounds()
	for y := 0; y < size.Rows; y++ {
		for x := 0; x < size.Cols; x++ {
			g, _, _, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			dst[y*size.Cols+x] = float32(g>>8) / 255.0
		}
	}
}

// outside reports whether the span starting at lo with the given extent misses
// [0, limit). Zero-extent spans on the region count as inside and get a one pixel core.
func outside(lo, extent, limit float32) bool {
	if lo >= limit {
		return true
	}
	hi := lo + extent
	return hi < 0 || (extent > 0 && hi <= 0)
}

package images

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Layout is the axis order of an image tensor.
type Layout string

const (
	// CHW puts channels first: (3, rows, cols).
	CHW Layout = "chw"
	// HWC puts channels last: (rows, cols, 3).
	HWC Layout = "hwc"
)

// FromImage converts an image to a float32 RGB tensor with values in [0, 1].
//
// Arguments:
// - img: The image to convert. Alpha is dropped.
// - layout: CHW or HWC.
//
// Returns:
// - *tensor.Dense: The image tensor.
// - error: If the layout is unknown.
//
// @example
// x, err := images.FromImage(img, images.CHW) // (3, h, w)
func FromImage(img image.Image, layout Layout) (*tensor.Dense, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float32, 3*w*h)

	var shape []int
	var at func(c, x, y int) int
	switch layout {
	case CHW:
		shape = []int{3, h, w}
		at = func(c, x, y int) int { return c*w*h + y*w + x }
	case HWC:
		shape = []int{h, w, 3}
		at = func(c, x, y int) int { return (y*w+x)*3 + c }
	default:
		return nil, errors.Errorf("unknown layout %q", layout)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data[at(0, x, y)] = float32(r>>8) / 255.0
			data[at(1, x, y)] = float32(g>>8) / 255.0
			data[at(2, x, y)] = float32(b>>8) / 255.0
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Package bbox - Bounding box geometry for localization training.
//
// Boxes use the (x, y, w, h) convention: (x, y) is the top-left corner and w, h are
// the width and height. Tensors of boxes carry them on a trailing axis of size 4.
package bbox

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is a single axis-aligned box.
type Box struct {
	X, Y, W, H float32
}

// Area returns w*h.
func (b Box) Area() float32 {
	return b.W * b.H
}

// Validate returns an *InvalidBoxError if the width or height is negative.
func (b Box) Validate() error {
	if b.W < 0 || b.H < 0 {
		return &InvalidBoxError{W: float64(b.W), H: float64(b.H)}
	}
	return nil
}

// Clamped returns the box with negative width and height replaced by zero.
func (b Box) Clamped() Box {
	return Box{X: b.X, Y: b.Y, W: math32.Max(b.W, 0), H: math32.Max(b.H, 0)}
}

// Intersection calculates the overlapping area of two boxes.
//
// Arguments:
// - other: The other box.
//
// Returns:
// - The intersection area, zero for disjoint or touching boxes.
//
// @example
// a := Box{X: 0, Y: 0, W: 100, H: 100}
// b := Box{X: 50, Y: 50, W: 100, H: 100}
// area := a.Intersection(b) // 2500
func (b Box) Intersection(other Box) float32 {
	r := b.IntersectionWithin(other)
	return r.W * r.H
}

// IntersectionWithin returns the intersection of b and within, expressed in
// within's coordinate frame. The local origin is clamped to be non-negative.
//
// Arguments:
// - within: The reference box whose top-left corner becomes the origin.
//
// Returns:
// - The intersection rectangle relative to within.
//
// @example
// crop := Box{X: 10, Y: 10, W: 20, H: 20}
// obj := Box{X: 5, Y: 15, W: 10, H: 10}
// local := obj.IntersectionWithin(crop) // {X: 0, Y: 5, W: 5, H: 10}
func (b Box) IntersectionWithin(within Box) Box {
	x1 := math32.Max(b.X, within.X)
	y1 := math32.Max(b.Y, within.Y)
	x2 := math32.Min(b.X+b.W, within.X+within.W)
	y2 := math32.Min(b.Y+b.H, within.Y+within.H)

	return Box{
		X: math32.Max(x1-within.X, 0),
		Y: math32.Max(y1-within.Y, 0),
		W: math32.Max(x2-x1, 0),
		H: math32.Max(y2-y1, 0),
	}
}

// IoU calculates the Intersection over Union of two boxes.
//
//	IoU = Area of Intersection / (Area(A) + Area(B) - Area of Intersection)
//
// The union is not guarded: two zero-area boxes give 0/0 = NaN.
//
// Arguments:
// - other: The box to compare against.
//
// Returns:
// - A value between 0.0 and 1.0 for boxes with positive area.
//
// @example
// a := Box{X: 0, Y: 0, W: 10, H: 10}
// b := Box{X: 5, Y: 5, W: 10, H: 10}
// iou := a.IoU(b) // 25 / 175 ≈ 0.142857
func (b Box) IoU(other Box) float32 {
	i := b.Intersection(other)
	return i / (b.Area() + other.Area() - i)
}

func (b Box) String() string {
	return fmt.Sprintf("Box (%f, %f) %fx%f", b.X, b.Y, b.W, b.H)
}

// BoxAt reads the i-th box from a flat row-major slice of boxes.
func BoxAt(data []float64, i int) Box {
	return Box{
		X: float32(data[4*i]),
		Y: float32(data[4*i+1]),
		W: float32(data[4*i+2]),
		H: float32(data[4*i+3]),
	}
}

package bbox

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when box tensors cannot be paired or lack a trailing axis of 4.
var ErrShapeMismatch = errors.New("box shape mismatch")

// InvalidBoxError reports a box with a negative width or height reaching geometry code.
// It signals an upstream invariant violation (typically an unclamped network output),
// so callers should propagate it rather than recover.
type InvalidBoxError struct {
	// Index is the flat index of the first offending box.
	Index int
	// W and H are the offending box's width and height.
	W, H float64
}

func (e *InvalidBoxError) Error() string {
	return fmt.Sprintf("invalid box %d: negative size (w=%g, h=%g)", e.Index, e.W, e.H)
}

// IsInvalidBox reports whether err wraps an *InvalidBoxError.
func IsInvalidBox(err error) bool {
	var target *InvalidBoxError
	return errors.As(err, &target)
}

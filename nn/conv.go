// Package nn - Shape arithmetic for convolutional layers.
package nn

import "github.com/pkg/errors"

// ConvOutputSize returns the spatial output size of a convolution, per axis:
//
//	(input + 2*padding - kernel) / stride + 1
//
// with floor division. All slices must have the same length.
//
// @example
// out, _ := nn.ConvOutputSize([]int{224, 224}, []int{7, 7}, []int{3, 3}, []int{2, 2}) // [112 112]
func ConvOutputSize(input, kernel, padding, stride []int) ([]int, error) {
	n := len(input)
	if len(kernel) != n || len(padding) != n || len(stride) != n {
		return nil, errors.Errorf("axis count mismatch: input %d, kernel %d, padding %d, stride %d",
			n, len(kernel), len(padding), len(stride))
	}

	out := make([]int, n)
	for i := range input {
		if stride[i] <= 0 {
			return nil, errors.Errorf("axis %d: stride must be positive, got %d", i, stride[i])
		}
		span := input[i] + 2*padding[i] - kernel[i]
		out[i] = floorDiv(span, stride[i]) + 1
	}
	return out, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

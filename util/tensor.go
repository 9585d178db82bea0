package util

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrUnsupportedDtype is returned when a tensor's element type cannot be used numerically.
var ErrUnsupportedDtype = errors.New("unsupported dtype")

// DataHolder is anything exposing its elements through Data(), which covers
// tensor.Tensor as well as gorgonia scalar values.
type DataHolder interface {
	Data() interface{}
}

// Float64s copies the elements of v into a new []float64.
//
// Arguments:
// - v: A tensor or scalar value. Views must be materialized first.
//
// Returns:
// - []float64: The elements in row-major order.
// - error: ErrUnsupportedDtype if the element type is not numeric or bool.
//
// @example
// t := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))
// data, _ := Float64s(t) // []float64{1, 2}
func Float64s(v DataHolder) ([]float64, error) {
	if v == nil {
		return nil, errors.New("nil value")
	}

	switch data := v.Data().(type) {
	case []float64:
		out := make([]float64, len(data))
		copy(out, data)
		return out, nil
	case []float32:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out, nil
	case []bool:
		out := make([]float64, len(data))
		for i, x := range data {
			if x {
				out[i] = 1
			}
		}
		return out, nil
	case float64:
		return []float64{data}, nil
	case float32:
		return []float64{float64(data)}, nil
	case int:
		return []float64{float64(data)}, nil
	case bool:
		if data {
			return []float64{1}, nil
		}
		return []float64{0}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedDtype, "element type %T", data)
	}
}

// Scalar returns the single element held by v.
func Scalar(v DataHolder) (float64, error) {
	data, err := Float64s(v)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, errors.Errorf("expected a single element, got %d", len(data))
	}
	return data[0], nil
}

// ToTensor builds a dense tensor of the given dtype from float64 data.
//
// Arguments:
// - dt: tensor.Float32 or tensor.Float64.
// - shape: The tensor shape. Its volume must equal len(data).
// - data: Row-major elements.
//
// Returns:
// - *tensor.Dense: A tensor owning a fresh backing slice.
// - error: If the dtype is unsupported or the shape does not match.
func ToTensor(dt tensor.Dtype, shape tensor.Shape, data []float64) (*tensor.Dense, error) {
	if shape.TotalSize() != len(data) {
		return nil, errors.Errorf("shape %v holds %d elements, got %d", shape, shape.TotalSize(), len(data))
	}

	switch dt {
	case tensor.Float64:
		backing := make([]float64, len(data))
		copy(backing, data)
		return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(backing)), nil
	case tensor.Float32:
		backing := make([]float32, len(data))
		for i, x := range data {
			backing[i] = float32(x)
		}
		return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(backing)), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedDtype, "dtype %v", dt)
	}
}

// Package images - Image tensors and their normalization for training pipelines.
package images

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/bbox"
	"github.com/nvr-ai/go-boxtrain/util"
)

// ImageNet channel statistics in RGB order.
var (
	Mean = [3]float64{0.485, 0.456, 0.406}
	Std  = [3]float64{0.229, 0.224, 0.225}
)

// ContrastEpsilon keeps NormalizeContrast finite on constant images.
const ContrastEpsilon = 1e-5

// Normalize standardizes a channel-last image tensor with the ImageNet statistics.
//
// Arguments:
// - x: Tensor of shape (..., 3) with values in [0, 1].
//
// Returns:
// - *tensor.Dense: (x - Mean) / Std per channel, in the dtype of x (float64 for integer input).
// - error: If the trailing axis is not 3.
//
// @example
// hwc, _ := images.FromImage(img, images.HWC)
// x, err := images.Normalize(hwc)
func Normalize(x tensor.Tensor) (*tensor.Dense, error) {
	return perChannel(x, func(c int, v float64) float64 {
		return (v - Mean[c]) / Std[c]
	})
}

// Unnormalize reverses Normalize and clips the result to [0, 1].
func Unnormalize(x tensor.Tensor) (*tensor.Dense, error) {
	return perChannel(x, func(c int, v float64) float64 {
		v = v*Std[c] + Mean[c]
		switch {
		case v < 0:
			return 0
		case v > 1:
			return 1
		}
		return v
	})
}

func perChannel(x tensor.Tensor, fn func(c int, v float64) float64) (*tensor.Dense, error) {
	s := x.Shape()
	if len(s) == 0 || s[len(s)-1] != 3 {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "expected a trailing channel axis of 3, got %v", s)
	}
	data, err := util.Float64s(x)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = fn(i%3, v)
	}
	return util.ToTensor(floatDtype(x.Dtype()), s.Clone(), out)
}

// NormalizeContrast rescales every sample to [0, 1) using its own extremes.
//
// The extremes are taken jointly over the last three axes (channels, rows, cols), so a
// tensor of shape (N, C, H, W) is rescaled per sample and a (C, H, W) tensor as a whole.
//
//	out = (x - min) / (max - min + ContrastEpsilon)
func NormalizeContrast(x tensor.Tensor) (*tensor.Dense, error) {
	s := x.Shape()
	if len(s) < 3 {
		return nil, errors.Wrapf(bbox.ErrShapeMismatch, "expected at least 3 axes, got %v", s)
	}
	data, err := util.Float64s(x)
	if err != nil {
		return nil, err
	}

	sample := s[len(s)-1] * s[len(s)-2] * s[len(s)-3]
	out := make([]float64, len(data))
	for start := 0; start+sample <= len(data) && sample > 0; start += sample {
		part := data[start : start+sample]
		lo, hi := floats.Min(part), floats.Max(part)
		scale := hi - lo + ContrastEpsilon
		for i, v := range part {
			out[start+i] = (v - lo) / scale
		}
	}
	return util.ToTensor(floatDtype(x.Dtype()), s.Clone(), out)
}

func floatDtype(dt tensor.Dtype) tensor.Dtype {
	if dt == tensor.Float32 {
		return tensor.Float32
	}
	return tensor.Float64
}

package main

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// imageSize is the frame the boxes of a batch are expressed in.
type imageSize struct {
	Rows float64 `yaml:"rows"`
	Cols float64 `yaml:"cols"`
}

// batch is a padded set of predicted and target boxes read from YAML.
//
//	image: {rows: 480, cols: 640}
//	pred:     [[[10, 10, 50, 80], [0, 0, 0, 0]]]
//	target:   [[[12, 8, 48, 90], [0, 0, 0, 0]]]
//	presence: [[1, 0]]
type batch struct {
	Image    imageSize     `yaml:"image"`
	Pred     [][][]float64 `yaml:"pred"`
	Target   [][][]float64 `yaml:"target"`
	Presence [][]float64   `yaml:"presence"`
}

func parseBatch(data []byte) (*batch, error) {
	b := &batch{}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(err, "decoding batch")
	}
	if b.Image.Rows <= 0 || b.Image.Cols <= 0 {
		return nil, errors.Errorf("image size must be positive, got %vx%v", b.Image.Rows, b.Image.Cols)
	}
	if len(b.Pred) == 0 {
		return nil, errors.New("batch has no rows")
	}
	if len(b.Target) != len(b.Pred) || len(b.Presence) != len(b.Pred) {
		return nil, errors.Errorf("row count mismatch: pred %d, target %d, presence %d",
			len(b.Pred), len(b.Target), len(b.Presence))
	}
	return b, nil
}

// shape returns (batch, nobjs), the widest row setting nobjs.
func (b *batch) shape() (int, int) {
	nobjs := 0
	for _, row := range b.Pred {
		nobjs = max(nobjs, len(row))
	}
	return len(b.Pred), nobjs
}

// padBox fills padded slots. A unit box keeps the IoU of two padded slots finite.
var padBox = []float64{0, 0, 1, 1}

// tensors pads every row to the widest one. Padded slots are absent.
func (b *batch) tensors() (pred, target, presence *tensor.Dense, err error) {
	n, nobjs := b.shape()
	if nobjs == 0 {
		return nil, nil, nil, errors.New("batch has no boxes")
	}

	p := make([]float64, n*nobjs*4)
	t := make([]float64, n*nobjs*4)
	m := make([]float64, n*nobjs)
	for slot := 0; slot < n*nobjs; slot++ {
		copy(p[slot*4:], padBox)
		copy(t[slot*4:], padBox)
	}
	for i := 0; i < n; i++ {
		if len(b.Target[i]) != len(b.Pred[i]) || len(b.Presence[i]) != len(b.Pred[i]) {
			return nil, nil, nil, errors.Errorf("row %d: pred %d, target %d, presence %d",
				i, len(b.Pred[i]), len(b.Target[i]), len(b.Presence[i]))
		}
		for j := range b.Pred[i] {
			if len(b.Pred[i][j]) != 4 || len(b.Target[i][j]) != 4 {
				return nil, nil, nil, errors.Errorf("row %d box %d: boxes need 4 values", i, j)
			}
			slot := i*nobjs + j
			copy(p[slot*4:], b.Pred[i][j])
			copy(t[slot*4:], b.Target[i][j])
			m[slot] = b.Presence[i][j]
		}
	}

	pred = tensor.New(tensor.WithShape(n, nobjs, 4), tensor.WithBacking(p))
	target = tensor.New(tensor.WithShape(n, nobjs, 4), tensor.WithBacking(t))
	presence = tensor.New(tensor.WithShape(n, nobjs), tensor.WithBacking(m))
	return pred, target, presence, nil
}

// Package config - Training configuration loaded from YAML.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-boxtrain/loss"
	"github.com/nvr-ai/go-boxtrain/machine"
	"github.com/nvr-ai/go-boxtrain/masks"
)

// Training holds the knobs of the localization losses and the training step.
type Training struct {
	// The global L2 norm gradients are clipped to. Zero disables clipping.
	MaxGradNorm float64 `json:"maxGradNorm" yaml:"maxGradNorm"`
	// The weights of the combined loss terms.
	Weights loss.Weights `json:"weights" yaml:"weights"`
	// The raster size of attention masks.
	Mask masks.Size `json:"mask" yaml:"mask"`
	// The device the graph runs on.
	Machine machine.Config `json:"machine" yaml:"machine"`
}

// Default returns the configuration used when a file leaves a field out.
func Default() Training {
	return Training{
		MaxGradNorm: 1,
		Weights:     loss.DefaultWeights(),
		Mask:        masks.Size{Rows: 32, Cols: 32},
		Machine:     machine.DefaultConfig(),
	}
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Training, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Training{}, errors.Wrap(err, "decoding training config")
	}
	if err := cfg.Validate(); err != nil {
		return Training{}, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
//
// @example
// cfg, err := config.Load("train.yaml")
func Load(path string) (Training, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Training{}, errors.Wrapf(err, "reading %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Training{}, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Validate reports the first field that is out of range.
func (t Training) Validate() error {
	switch {
	case t.MaxGradNorm < 0:
		return errors.Errorf("maxGradNorm must not be negative, got %v", t.MaxGradNorm)
	case t.Weights.IoU < 0 || t.Weights.Intersection < 0 || t.Weights.Area < 0:
		return errors.Errorf("loss weights must not be negative, got %+v", t.Weights)
	case t.Mask.Rows <= 0 || t.Mask.Cols <= 0:
		return errors.Errorf("mask size must be positive, got %dx%d", t.Mask.Rows, t.Mask.Cols)
	}
	return nil
}

// Package machine - Builds gorgonia machines for the configured device.
package machine

import (
	"log"
	"os"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Device names a compute device.
type Device string

const (
	// CPU runs graphs with the pure Go engine.
	CPU Device = "cpu"
	// CUDA requests an NVIDIA GPU.
	CUDA Device = "cuda"
)

// ErrDeviceUnavailable is returned when the requested device is not compiled in.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Config selects the device and debugging aids of a machine.
type Config struct {
	// The device to run on.
	Device Device `json:"device" yaml:"device"`
	// Log each instruction as it runs.
	Debug bool `json:"debug" yaml:"debug"`
	// Fail the run as soon as a NaN or Inf value is produced.
	WatchNaN bool `json:"watchNaN" yaml:"watchNaN"`
}

// DefaultConfig runs on the CPU without debugging aids.
func DefaultConfig() Config {
	return Config{Device: CPU}
}

// ConfigFromEnv reads the configuration from the environment through lookup,
// typically os.LookupEnv. A non-empty USE_CUDA selects CUDA and a non-empty
// BOXTRAIN_DEBUG turns on Debug and WatchNaN.
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	cfg := DefaultConfig()
	if lookup == nil {
		return cfg
	}
	if v, ok := lookup("USE_CUDA"); ok && v != "" {
		cfg.Device = CUDA
	}
	if v, ok := lookup("BOXTRAIN_DEBUG"); ok && v != "" {
		cfg.Debug = true
		cfg.WatchNaN = true
	}
	return cfg
}

// New builds a tape machine for g.
//
// Arguments:
// - g: The expression graph, with gradients already added if learnables are given.
// - cfg: The device and debugging configuration.
// - learnables: Nodes whose gradients are kept after a run (node.Grad()).
//
// Returns:
// - G.VM: The machine. The caller closes it.
// - error: ErrDeviceUnavailable for CUDA, or an error for unknown devices.
//
// @example
// vm, err := machine.New(g, machine.DefaultConfig(), pred)
// defer vm.Close()
// err = vm.RunAll()
func New(g *G.ExprGraph, cfg Config, learnables ...*G.Node) (G.VM, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}

	switch cfg.Device {
	case CPU, "":
	case CUDA:
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s: this build has no CUDA engine", cfg.Device)
	default:
		return nil, errors.Errorf("unknown device %q", cfg.Device)
	}

	var opts []G.VMOpt
	if len(learnables) > 0 {
		opts = append(opts, G.BindDualValues(learnables...))
	}
	if cfg.Debug {
		opts = append(opts, G.WithLogger(log.New(os.Stderr, "[machine] ", log.LstdFlags)))
	}
	if cfg.WatchNaN {
		opts = append(opts, G.WithNaNWatch(), G.WithInfWatch())
	}
	return G.NewTapeMachine(g, opts...), nil
}

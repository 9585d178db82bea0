// Command boxloss evaluates the localization losses on a batch of boxes and reports
// the gradient of the predictions.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-boxtrain/config"
	"github.com/nvr-ai/go-boxtrain/grads"
	"github.com/nvr-ai/go-boxtrain/loss"
	"github.com/nvr-ai/go-boxtrain/machine"
	"github.com/nvr-ai/go-boxtrain/masks"
	"github.com/nvr-ai/go-boxtrain/util"
)

// options are the command line switches of a run.
type options struct {
	clip  bool
	masks bool
}

func main() {
	var (
		configPath string
		batchPath  string
		opts       options
	)
	flag.StringVar(&configPath, "config", "", "Path to a training config YAML file (defaults if empty)")
	flag.StringVar(&batchPath, "batch", "", "Path to the batch YAML file")
	flag.BoolVar(&opts.clip, "clip", false, "Clip the prediction gradient to the configured max norm")
	flag.BoolVar(&opts.masks, "masks", false, "Print the coverage of each predicted box mask")
	flag.Parse()

	if batchPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatalf("[boxloss] %v", err)
		}
	}
	if env := machine.ConfigFromEnv(os.LookupEnv); env.Device != machine.CPU || env.Debug {
		cfg.Machine = env
	}

	data, err := os.ReadFile(batchPath)
	if err != nil {
		log.Fatalf("[boxloss] %v", err)
	}
	b, err := parseBatch(data)
	if err != nil {
		log.Fatalf("[boxloss] %s: %v", batchPath, err)
	}

	if err := run(os.Stdout, cfg, b, opts); err != nil {
		log.Fatalf("[boxloss] %v", err)
	}
}

// run builds the loss graph for b, runs it once and prints every term.
func run(w io.Writer, cfg config.Training, b *batch, opts options) error {
	predT, targetT, presence, err := b.tensors()
	if err != nil {
		return err
	}

	g := G.NewGraph()
	pred := G.NewTensor(g, tensor.Float64, 3, G.WithShape(predT.Shape()...), G.WithName("pred"), G.WithValue(predT))
	target := G.NewTensor(g, tensor.Float64, 3, G.WithShape(targetT.Shape()...), G.WithName("target"), G.WithValue(targetT))

	terms, err := loss.Combined(pred, target, presence, b.Image.Rows, b.Image.Cols, cfg.Weights)
	if err != nil {
		return errors.Wrap(err, "building loss")
	}
	if _, err := G.Grad(terms.Total, pred); err != nil {
		return errors.Wrap(err, "building gradient")
	}

	vm, err := machine.New(g, cfg.Machine, pred)
	if err != nil {
		return err
	}
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return errors.Wrap(err, "running loss")
	}

	for _, term := range []struct {
		name string
		node *G.Node
	}{
		{"iou", terms.IoU},
		{"intersection", terms.Intersection},
		{"area", terms.Area},
		{"total", terms.Total},
	} {
		v, err := util.Scalar(term.node.Value())
		if err != nil {
			return errors.Wrap(err, term.name)
		}
		fmt.Fprintf(w, "%-13s %.6f\n", term.name, v)
	}

	params := grads.NodesToNamed(pred)
	if grads.Check(params) {
		fmt.Fprintln(w, "gradient     NaN or exploding")
	}
	maxNorm := math.Inf(1)
	if opts.clip && cfg.MaxGradNorm > 0 {
		maxNorm = cfg.MaxGradNorm
	}
	norm, clipped, err := grads.Clip(params, maxNorm)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-13s %.6f", "grad norm", norm)
	if clipped {
		fmt.Fprintf(w, " (clipped to %g)", maxNorm)
	}
	fmt.Fprintln(w)

	if opts.masks {
		return printCoverage(w, cfg.Mask, predT, b.Image)
	}
	return nil
}

// printCoverage prints the lit fraction of each predicted box mask.
func printCoverage(w io.Writer, size masks.Size, pred *tensor.Dense, img imageSize) error {
	rows := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{img.Rows}))
	cols := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{img.Cols}))
	out, err := masks.BoxToMask(pred, rows, cols, size)
	if err != nil {
		return errors.Wrap(err, "rasterizing masks")
	}

	data := out.Data().([]float32)
	plane := size.Rows * size.Cols
	s := pred.Shape()
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			k := i*s[1] + j
			sum := float32(0)
			for _, v := range data[k*plane : (k+1)*plane] {
				sum += v
			}
			fmt.Fprintf(w, "mask[%d][%d]    %.4f\n", i, j, sum/float32(plane))
		}
	}
	return nil
}

// Package train runs the offline training loop and writes the parameter
// artifact consumed by the server.
package train

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/digit-api/internal/mnist"
	"github.com/Brownie44l1/digit-api/internal/nn"
)

// ErrDiverged is returned when a batch loss goes non-finite. The artifact
// is never written in that case.
var ErrDiverged = errors.New("training diverged: non-finite loss")

// Config holds the training hyperparameters.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         uint64
	ValFraction  float64
	DataDir      string
	OutPath      string
}

// validate rejects hyperparameters that cannot produce a run. Every field
// is reachable from CLI flags, so bad values must fail up front rather
// than panic mid-epoch.
func (cfg Config) validate() error {
	if cfg.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.ValFraction < 0 || cfg.ValFraction >= 1 {
		return fmt.Errorf("validation fraction must be in [0, 1), got %g", cfg.ValFraction)
	}
	return nil
}

// DefaultConfig mirrors the original training script: Adam at 1e-3,
// batches of 64, five epochs.
func DefaultConfig() Config {
	return Config{
		Epochs:       5,
		BatchSize:    64,
		LearningRate: 0.001,
		Seed:         1,
		ValFraction:  0.1,
		DataDir:      "data",
		OutPath:      "model/mnist_cnn.ckpt",
	}
}

// Run trains a fresh network on the MNIST training set and persists the
// result. It returns the trained network so callers can evaluate it.
func Run(cfg Config, logger *slog.Logger) (*nn.Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	full, err := mnist.Load(cfg.DataDir, true)
	if err != nil {
		return nil, err
	}
	trainSet, valSet := full.Split(cfg.ValFraction)
	logger.Info("dataset loaded", "train", trainSet.Len(), "validation", valSet.Len())

	net := nn.NewNetwork(cfg.Seed)
	opt := nn.NewAdam(net.Parameters(), cfg.LearningRate)
	rng := rand.New(rand.NewSource(cfg.Seed))

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		trainSet.Shuffle(rng)

		var losses []float64
		correct, seen := 0, 0

		for start := 0; start < trainSet.Len(); start += cfg.BatchSize {
			inputs, labels, err := trainSet.Batch(start, cfg.BatchSize)
			if err != nil {
				return nil, err
			}

			logits, err := net.Forward(inputs, true)
			if err != nil {
				return nil, err
			}
			loss, dLogits := nn.CrossEntropy(logits, labels)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, fmt.Errorf("%w (epoch %d, batch %d)", ErrDiverged, epoch, start/cfg.BatchSize)
			}

			net.ZeroGrad()
			net.Backward(dLogits)
			opt.Step(net.Parameters())

			losses = append(losses, loss)
			for i, row := range logits {
				if nn.Argmax(row) == labels[i] {
					correct++
				}
			}
			seen += len(labels)

			if batch := start / cfg.BatchSize; batch%100 == 0 {
				logger.Info("training",
					"epoch", epoch,
					"batch", batch,
					"loss", fmt.Sprintf("%.4f", loss),
					"accuracy", fmt.Sprintf("%.2f%%", 100*float64(correct)/float64(seen)),
				)
			}
		}

		attrs := []any{
			"epoch", epoch,
			"mean_loss", fmt.Sprintf("%.4f", floats.Sum(losses)/float64(len(losses))),
			"train_accuracy", fmt.Sprintf("%.2f%%", 100*float64(correct)/float64(seen)),
		}
		// ValFraction 0 means no held-out subset; skip validation then.
		if valSet.Len() > 0 {
			valAcc, err := Evaluate(net, valSet, cfg.BatchSize)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, "val_accuracy", fmt.Sprintf("%.2f%%", 100*valAcc))
		}
		logger.Info("epoch complete", attrs...)
	}

	if err := nn.Save(net, cfg.OutPath); err != nil {
		return nil, err
	}
	logger.Info("artifact saved", "path", cfg.OutPath, "parameters", net.ParameterCount())
	return net, nil
}

// Evaluate runs the network in eval mode over a dataset and returns the
// fraction of correct predictions.
func Evaluate(net *nn.Network, ds *mnist.Dataset, batchSize int) (float64, error) {
	if ds.Len() == 0 {
		return 0, errors.New("evaluate: empty dataset")
	}
	correct := 0
	for start := 0; start < ds.Len(); start += batchSize {
		inputs, labels, err := ds.Batch(start, batchSize)
		if err != nil {
			return 0, err
		}
		logits, err := net.Forward(inputs, false)
		if err != nil {
			return 0, err
		}
		for i, row := range logits {
			if nn.Argmax(row) == labels[i] {
				correct++
			}
		}
	}
	return float64(correct) / float64(ds.Len()), nil
}

// Package model holds the classifier core: inference engines and the
// request-facing Classifier that turns image bytes into digit predictions.
package model

import (
	"github.com/Brownie44l1/digit-api/internal/nn"
)

// Engine runs a forward pass over preprocessed inputs. Implementations
// must be safe for concurrent Infer calls; the classifier shares one
// engine across all requests.
type Engine interface {
	// Infer returns one logit row per input, same order as submitted.
	Infer(batch [][]float32) ([][]float32, error)

	// Classes is the width of each logit row.
	Classes() int

	// Describe reports engine identity for model-info.
	Describe() Info

	// Close releases engine resources.
	Close()
}

// nativeEngine serves a checkpoint with the in-process network. Eval-mode
// forward passes touch no shared state, so no locking is needed.
type nativeEngine struct {
	net *nn.Network
}

// NewNativeEngine wraps a trained network as an inference engine.
func NewNativeEngine(net *nn.Network) Engine {
	return &nativeEngine{net: net}
}

func (e *nativeEngine) Infer(batch [][]float32) ([][]float32, error) {
	return e.net.Forward(batch, false)
}

func (e *nativeEngine) Classes() int { return nn.NumClasses }

func (e *nativeEngine) Describe() Info {
	return Info{
		Engine:         "native",
		Architecture:   e.net.Summary(),
		ParameterCount: e.net.ParameterCount(),
		Classes:        nn.NumClasses,
		InputSize:      nn.InputSize,
	}
}

func (e *nativeEngine) Close() {}

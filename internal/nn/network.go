// Package nn implements the digit classifier network: a small CNN with two
// convolutional stages and two fully connected layers, trained with Adam on
// a cross-entropy loss. The graph is fixed; a loaded checkpoint must match
// it tensor for tensor.
package nn

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Network dimensions.
const (
	InputSize  = 28 // spatial edge of the input image
	NumClasses = 10

	conv1Out    = 32
	conv2Out    = 64
	flatSize    = conv2Out * 7 * 7
	hiddenSize  = 128
	dropoutRate = 0.25
)

// Network is the fixed digit-recognition graph:
//
//	conv(1→32, 3x3, pad 1) → relu → maxpool 2x2
//	conv(32→64, 3x3, pad 1) → relu → maxpool 2x2
//	flatten → dense(3136→128) → relu → dropout(0.25) → dense(128→10)
//
// Forward in eval mode writes no internal state and is safe for concurrent
// use; training mode caches activations for Backward and is not.
type Network struct {
	conv1 *conv2D
	relu1 *relu
	pool1 *maxPool2
	conv2 *conv2D
	relu2 *relu
	pool2 *maxPool2
	fc1   *dense
	relu3 *relu
	drop  *dropout
	fc2   *dense
}

// NewNetwork builds a freshly initialized network. The seed makes weight
// init and dropout reproducible.
func NewNetwork(seed uint64) *Network {
	src := rand.NewSource(seed)
	return &Network{
		conv1: newConv2D("conv1", 1, conv1Out, InputSize, src),
		relu1: &relu{},
		pool1: newMaxPool2(conv1Out, InputSize),
		conv2: newConv2D("conv2", conv1Out, conv2Out, InputSize/2, src),
		relu2: &relu{},
		pool2: newMaxPool2(conv2Out, InputSize/2),
		fc1:   newDense("fc1", flatSize, hiddenSize, src),
		relu3: &relu{},
		drop:  newDropout(dropoutRate, src),
		fc2:   newDense("fc2", hiddenSize, NumClasses, src),
	}
}

// Forward runs the batch through the graph and returns one logit row per
// input. Each input must hold InputSize*InputSize values. When train is
// true, activations are cached for a following Backward call.
func (n *Network) Forward(batch [][]float32, train bool) ([][]float32, error) {
	if train {
		n.resetCaches()
	}
	logits := make([][]float32, len(batch))
	for i, in := range batch {
		if len(in) != InputSize*InputSize {
			return nil, fmt.Errorf("input %d: expected %d values, got %d", i, InputSize*InputSize, len(in))
		}
		x := n.conv1.forward(in, train)
		x = n.relu1.forward(x, train)
		x = n.pool1.forward(x, train)
		x = n.conv2.forward(x, train)
		x = n.relu2.forward(x, train)
		x = n.pool2.forward(x, train)
		x = n.fc1.forward(x, train)
		x = n.relu3.forward(x, train)
		x = n.drop.forward(x, train)
		logits[i] = n.fc2.forward(x, train)
	}
	return logits, nil
}

// Backward propagates per-sample logit gradients from the last training
// Forward, accumulating parameter gradients.
func (n *Network) Backward(dLogits [][]float32) {
	for i, g := range dLogits {
		x := n.fc2.backward(i, g)
		x = n.drop.backward(i, x)
		x = n.relu3.backward(i, x)
		x = n.fc1.backward(i, x)
		x = n.pool2.backward(i, x)
		x = n.relu2.backward(i, x)
		x = n.conv2.backward(i, x)
		x = n.pool1.backward(i, x)
		x = n.relu1.backward(i, x)
		n.conv1.backward(i, x)
	}
}

// Parameters returns the learnable tensors in a stable order.
func (n *Network) Parameters() []*Param {
	return []*Param{
		n.conv1.weight, n.conv1.bias,
		n.conv2.weight, n.conv2.bias,
		n.fc1.weight, n.fc1.bias,
		n.fc2.weight, n.fc2.bias,
	}
}

// ParameterCount returns the total number of learnable values.
func (n *Network) ParameterCount() int {
	total := 0
	for _, p := range n.Parameters() {
		total += len(p.Data)
	}
	return total
}

// ZeroGrad clears accumulated gradients before a new batch.
func (n *Network) ZeroGrad() {
	for _, p := range n.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Summary describes the architecture for model-info reporting.
func (n *Network) Summary() string {
	return fmt.Sprintf(
		"conv(1-%d,3x3) relu maxpool2 / conv(%d-%d,3x3) relu maxpool2 / dense(%d-%d) relu dropout(%.2f) / dense(%d-%d)",
		conv1Out, conv1Out, conv2Out, flatSize, hiddenSize, dropoutRate, hiddenSize, NumClasses,
	)
}

func (n *Network) resetCaches() {
	n.conv1.reset()
	n.relu1.reset()
	n.pool1.reset()
	n.conv2.reset()
	n.relu2.reset()
	n.pool2.reset()
	n.fc1.reset()
	n.relu3.reset()
	n.drop.reset()
	n.fc2.reset()
}

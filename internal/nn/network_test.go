package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/exp/rand"
)

func testInput(seed uint64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	in := make([]float32, InputSize*InputSize)
	for i := range in {
		in[i] = float32(rng.Float64()*2 - 1)
	}
	return in
}

func TestForwardShape(t *testing.T) {
	net := NewNetwork(1)
	logits, err := net.Forward([][]float32{testInput(1), testInput(2)}, false)
	require.NoError(t, err)
	require.Len(t, logits, 2)
	for _, row := range logits {
		require.Len(t, row, NumClasses)
		for _, v := range row {
			assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "logit must be finite")
		}
	}
}

func TestForwardRejectsWrongInputSize(t *testing.T) {
	net := NewNetwork(1)
	_, err := net.Forward([][]float32{make([]float32, 100)}, false)
	require.Error(t, err)
}

func TestEvalModeIsDeterministic(t *testing.T) {
	// Dropout must be disabled outside training: two eval passes over the
	// same input agree exactly.
	net := NewNetwork(3)
	in := testInput(9)

	a, err := net.Forward([][]float32{in}, false)
	require.NoError(t, err)
	b, err := net.Forward([][]float32{in}, false)
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])
}

func TestSoftmaxSimplex(t *testing.T) {
	probs := Softmax([]float32{3.2, -1.5, 0.0, 8.9, -7.3, 2.2, 1.1, 0.5, -0.5, 4.0})
	var sum float64
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestSoftmaxLargeLogits(t *testing.T) {
	probs := Softmax([]float32{1000, 1001, 999})
	var sum float64
	for _, p := range probs {
		require.False(t, math.IsNaN(float64(p)))
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, 1, Argmax(probs))
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := [][]float32{{1, 2, 3}}
	loss, dLogits := CrossEntropy(logits, []int{2})

	probs := Softmax(logits[0])
	assert.InDelta(t, -math.Log(float64(probs[2])), loss, 1e-5)
	assert.InDelta(t, float64(probs[0]), float64(dLogits[0][0]), 1e-5)
	assert.InDelta(t, float64(probs[2]-1), float64(dLogits[0][2]), 1e-5)
}

// TestDenseGradientCheck compares analytic gradients against central
// differences for a small fully connected layer.
func TestDenseGradientCheck(t *testing.T) {
	src := rand.NewSource(5)
	d := newDense("fc", 6, 4, src)
	in := []float32{0.3, -0.2, 0.8, -0.5, 0.1, 0.9}
	label := 2

	lossOf := func() float64 {
		out := d.forward(in, false)
		loss, _ := CrossEntropy([][]float32{out}, []int{label})
		return loss
	}

	d.reset()
	out := d.forward(in, true)
	_, dLogits := CrossEntropy([][]float32{out}, []int{label})
	d.backward(0, dLogits[0])

	const eps = 1e-3
	for _, idx := range []int{0, 5, 11, 17, 23} {
		orig := d.weight.Data[idx]
		d.weight.Data[idx] = orig + eps
		plus := lossOf()
		d.weight.Data[idx] = orig - eps
		minus := lossOf()
		d.weight.Data[idx] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(d.weight.Grad[idx]), 1e-2,
			"weight %d gradient mismatch", idx)
	}
}

// TestConvGradientCheck does the same for a single-channel convolution.
func TestConvGradientCheck(t *testing.T) {
	src := rand.NewSource(7)
	c := newConv2D("conv", 1, 2, 4, src)
	rng := rand.New(rand.NewSource(11))
	in := make([]float32, 16)
	for i := range in {
		in[i] = float32(rng.Float64()*2 - 1)
	}

	// Scalar loss: sum of all outputs.
	lossOf := func() float64 {
		out := c.forward(in, false)
		var sum float64
		for _, v := range out {
			sum += float64(v)
		}
		return sum
	}

	c.reset()
	out := c.forward(in, true)
	ones := make([]float32, len(out))
	for i := range ones {
		ones[i] = 1
	}
	c.backward(0, ones)

	const eps = 1e-2
	for _, idx := range []int{0, 4, 8, 13, 17} {
		orig := c.weight.Data[idx]
		c.weight.Data[idx] = orig + eps
		plus := lossOf()
		c.weight.Data[idx] = orig - eps
		minus := lossOf()
		c.weight.Data[idx] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(c.weight.Grad[idx]), 1e-1,
			"weight %d gradient mismatch", idx)
	}
}

func TestMaxPoolForwardBackward(t *testing.T) {
	p := newMaxPool2(1, 4)
	in := []float32{
		1, 2, 0, 0,
		3, 4, 0, 5,
		0, 0, 7, 0,
		6, 0, 0, 0,
	}
	out := p.forward(in, true)
	assert.Equal(t, []float32{4, 5, 6, 7}, out)

	dIn := p.backward(0, []float32{1, 1, 1, 1})
	assert.Equal(t, float32(1), dIn[5])  // value 4
	assert.Equal(t, float32(1), dIn[7])  // value 5
	assert.Equal(t, float32(1), dIn[12]) // value 6
	assert.Equal(t, float32(1), dIn[10]) // value 7
	assert.Equal(t, float32(0), dIn[0])
}

func TestParameterCount(t *testing.T) {
	// conv1 320 + conv2 18496 + fc1 401536 + fc2 1290
	assert.Equal(t, 421642, NewNetwork(1).ParameterCount())
}

func TestTrainingStepReducesLossOnTinyBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping optimization test in short mode")
	}

	net := NewNetwork(2)
	opt := NewAdam(net.Parameters(), 0.01)
	batch := [][]float32{testInput(21), testInput(22), testInput(23), testInput(24)}
	labels := []int{0, 1, 2, 3}

	logits, err := net.Forward(batch, true)
	require.NoError(t, err)
	first, dLogits := CrossEntropy(logits, labels)
	net.ZeroGrad()
	net.Backward(dLogits)
	opt.Step(net.Parameters())

	for i := 0; i < 30; i++ {
		logits, err = net.Forward(batch, true)
		require.NoError(t, err)
		_, dLogits = CrossEntropy(logits, labels)
		net.ZeroGrad()
		net.Backward(dLogits)
		opt.Step(net.Parameters())
	}

	logits, err = net.Forward(batch, false)
	require.NoError(t, err)
	last, _ := CrossEntropy(logits, labels)
	assert.Less(t, last, first, "loss should drop when overfitting four samples")
}

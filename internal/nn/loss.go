package nn

import "math"

// Softmax maps logits to a probability distribution. Shift by the max
// logit keeps the exponentials finite.
func Softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// Argmax returns the index of the largest value.
func Argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// CrossEntropy computes the mean negative log likelihood of the labels
// under softmax(logits) and the gradient with respect to the logits
// (already averaged over the batch).
func CrossEntropy(logits [][]float32, labels []int) (float64, [][]float32) {
	n := len(logits)
	dLogits := make([][]float32, n)
	var loss float64
	for i, row := range logits {
		probs := Softmax(row)
		p := float64(probs[labels[i]])
		if p < 1e-12 {
			p = 1e-12
		}
		loss += -math.Log(p)

		grad := make([]float32, len(row))
		copy(grad, probs)
		grad[labels[i]] -= 1
		for j := range grad {
			grad[j] /= float32(n)
		}
		dLogits[i] = grad
	}
	return loss / float64(n), dLogits
}

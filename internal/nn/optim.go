package nn

import "math"

// Adam implements the Adam optimizer with the usual defaults
// (beta1 0.9, beta2 0.999, eps 1e-8).
type Adam struct {
	LR float64

	beta1, beta2, eps float64
	step              int
	m, v              [][]float64
}

// NewAdam builds an optimizer for the given parameter set.
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{
		LR:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([][]float64, len(params)),
		v:     make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Step applies one update from the accumulated gradients. The parameter
// slice must be the one the optimizer was built with.
func (a *Adam) Step(params []*Param) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			p.Data[j] -= float32(a.LR * mHat / (math.Sqrt(vHat) + a.eps))
		}
	}
}

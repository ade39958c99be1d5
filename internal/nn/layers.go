package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Param is one learnable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// heInit fills data from N(0, sqrt(2/fanIn)), the standard init for
// relu-activated layers.
func heInit(data []float32, fanIn int, src rand.Source) {
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2.0 / float64(fanIn)), Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// conv2D is a 3x3 convolution with padding 1 (spatial size preserved).
type conv2D struct {
	inC, outC, size int // size is the square spatial edge

	weight *Param // [outC, inC, 3, 3]
	bias   *Param // [outC]

	inputs [][]float32 // training cache, one entry per sample
}

func newConv2D(name string, inC, outC, size int, src rand.Source) *conv2D {
	c := &conv2D{
		inC:    inC,
		outC:   outC,
		size:   size,
		weight: newParam(name+".weight", outC, inC, 3, 3),
		bias:   newParam(name+".bias", outC),
	}
	heInit(c.weight.Data, inC*9, src)
	return c
}

func (c *conv2D) forward(in []float32, train bool) []float32 {
	if train {
		c.inputs = append(c.inputs, in)
	}
	s := c.size
	plane := s * s
	out := make([]float32, c.outC*plane)
	for k := 0; k < c.outC; k++ {
		kw := c.weight.Data[k*c.inC*9 : (k+1)*c.inC*9]
		kb := c.bias.Data[k]
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				acc := kb
				for ch := 0; ch < c.inC; ch++ {
					cw := kw[ch*9 : ch*9+9]
					cin := in[ch*plane : (ch+1)*plane]
					for dy := -1; dy <= 1; dy++ {
						yy := y + dy
						if yy < 0 || yy >= s {
							continue
						}
						for dx := -1; dx <= 1; dx++ {
							xx := x + dx
							if xx < 0 || xx >= s {
								continue
							}
							acc += cw[(dy+1)*3+(dx+1)] * cin[yy*s+xx]
						}
					}
				}
				out[k*plane+y*s+x] = acc
			}
		}
	}
	return out
}

// backward consumes the cached input for sample i and returns the gradient
// with respect to that input, accumulating weight and bias gradients.
func (c *conv2D) backward(i int, dOut []float32) []float32 {
	in := c.inputs[i]
	s := c.size
	plane := s * s
	dIn := make([]float32, c.inC*plane)
	for k := 0; k < c.outC; k++ {
		kw := c.weight.Data[k*c.inC*9 : (k+1)*c.inC*9]
		kg := c.weight.Grad[k*c.inC*9 : (k+1)*c.inC*9]
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				g := dOut[k*plane+y*s+x]
				if g == 0 {
					continue
				}
				c.bias.Grad[k] += g
				for ch := 0; ch < c.inC; ch++ {
					cw := kw[ch*9 : ch*9+9]
					cg := kg[ch*9 : ch*9+9]
					cin := in[ch*plane : (ch+1)*plane]
					cdi := dIn[ch*plane : (ch+1)*plane]
					for dy := -1; dy <= 1; dy++ {
						yy := y + dy
						if yy < 0 || yy >= s {
							continue
						}
						for dx := -1; dx <= 1; dx++ {
							xx := x + dx
							if xx < 0 || xx >= s {
								continue
							}
							cg[(dy+1)*3+(dx+1)] += g * cin[yy*s+xx]
							cdi[yy*s+xx] += g * cw[(dy+1)*3+(dx+1)]
						}
					}
				}
			}
		}
	}
	return dIn
}

func (c *conv2D) reset() { c.inputs = c.inputs[:0] }

// maxPool2 halves the spatial size with 2x2 windows, stride 2.
type maxPool2 struct {
	channels, inSize int

	argmax [][]int // training cache: winning input index per output cell
}

func newMaxPool2(channels, inSize int) *maxPool2 {
	return &maxPool2{channels: channels, inSize: inSize}
}

func (p *maxPool2) forward(in []float32, train bool) []float32 {
	s := p.inSize
	half := s / 2
	out := make([]float32, p.channels*half*half)
	var arg []int
	if train {
		arg = make([]int, len(out))
	}
	for ch := 0; ch < p.channels; ch++ {
		cin := in[ch*s*s : (ch+1)*s*s]
		for y := 0; y < half; y++ {
			for x := 0; x < half; x++ {
				base := 2*y*s + 2*x
				best := base
				for _, idx := range [3]int{base + 1, base + s, base + s + 1} {
					if cin[idx] > cin[best] {
						best = idx
					}
				}
				out[ch*half*half+y*half+x] = cin[best]
				if train {
					arg[ch*half*half+y*half+x] = ch*s*s + best
				}
			}
		}
	}
	if train {
		p.argmax = append(p.argmax, arg)
	}
	return out
}

func (p *maxPool2) backward(i int, dOut []float32) []float32 {
	dIn := make([]float32, p.channels*p.inSize*p.inSize)
	for j, src := range p.argmax[i] {
		dIn[src] += dOut[j]
	}
	return dIn
}

func (p *maxPool2) reset() { p.argmax = p.argmax[:0] }

// dense is a fully connected layer.
type dense struct {
	in, out int

	weight *Param // [out, in]
	bias   *Param // [out]

	inputs [][]float32
}

func newDense(name string, in, out int, src rand.Source) *dense {
	d := &dense{
		in:     in,
		out:    out,
		weight: newParam(name+".weight", out, in),
		bias:   newParam(name+".bias", out),
	}
	heInit(d.weight.Data, in, src)
	return d
}

func (d *dense) forward(in []float32, train bool) []float32 {
	if train {
		d.inputs = append(d.inputs, in)
	}
	out := make([]float32, d.out)
	for o := 0; o < d.out; o++ {
		row := d.weight.Data[o*d.in : (o+1)*d.in]
		acc := d.bias.Data[o]
		for i, v := range in {
			acc += row[i] * v
		}
		out[o] = acc
	}
	return out
}

func (d *dense) backward(i int, dOut []float32) []float32 {
	in := d.inputs[i]
	dIn := make([]float32, d.in)
	for o, g := range dOut {
		if g == 0 {
			continue
		}
		d.bias.Grad[o] += g
		row := d.weight.Data[o*d.in : (o+1)*d.in]
		grow := d.weight.Grad[o*d.in : (o+1)*d.in]
		for j, v := range in {
			grow[j] += g * v
			dIn[j] += g * row[j]
		}
	}
	return dIn
}

func (d *dense) reset() { d.inputs = d.inputs[:0] }

// relu caches the activation mask for backward.
type relu struct {
	masks [][]bool
}

func (r *relu) forward(in []float32, train bool) []float32 {
	out := make([]float32, len(in))
	var mask []bool
	if train {
		mask = make([]bool, len(in))
	}
	for i, v := range in {
		if v > 0 {
			out[i] = v
			if train {
				mask[i] = true
			}
		}
	}
	if train {
		r.masks = append(r.masks, mask)
	}
	return out
}

func (r *relu) backward(i int, dOut []float32) []float32 {
	dIn := make([]float32, len(dOut))
	for j, keep := range r.masks[i] {
		if keep {
			dIn[j] = dOut[j]
		}
	}
	return dIn
}

func (r *relu) reset() { r.masks = r.masks[:0] }

// dropout zeroes activations with probability rate during training and is
// a no-op in eval mode. Uses inverted scaling so eval needs no rescale.
type dropout struct {
	rate float64
	rng  *rand.Rand

	masks [][]bool
}

func newDropout(rate float64, src rand.Source) *dropout {
	return &dropout{rate: rate, rng: rand.New(src)}
}

func (d *dropout) forward(in []float32, train bool) []float32 {
	if !train || d.rate == 0 {
		return in
	}
	scale := float32(1 / (1 - d.rate))
	out := make([]float32, len(in))
	mask := make([]bool, len(in))
	for i, v := range in {
		if d.rng.Float64() >= d.rate {
			out[i] = v * scale
			mask[i] = true
		}
	}
	d.masks = append(d.masks, mask)
	return out
}

func (d *dropout) backward(i int, dOut []float32) []float32 {
	scale := float32(1 / (1 - d.rate))
	dIn := make([]float32, len(dOut))
	for j, keep := range d.masks[i] {
		if keep {
			dIn[j] = dOut[j] * scale
		}
	}
	return dIn
}

func (d *dropout) reset() { d.masks = d.masks[:0] }

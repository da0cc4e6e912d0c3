package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/neoxlm/neoxlm/ml"
)

// AdamW implements Adam with decoupled weight decay. Weight decay applies
// only to matrix-shaped parameters; vectors (biases, norm gains) are
// exempt.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*ml.Tensor
	m      [][]float32
	v      [][]float32
	step   int
}

func NewAdamW(params []*ml.Tensor, beta1, beta2, weightDecay float64) *AdamW {
	opt := &AdamW{
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float32, p.Size())
		opt.v[i] = make([]float32, p.Size())
	}
	return opt
}

// Step applies one update at the given learning rate and advances the
// bias-correction counter.
func (o *AdamW) Step(lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for i, p := range o.params {
		decay := o.WeightDecay
		if p.Dims() < 2 {
			decay = 0
		}
		m, v := o.m[i], o.v[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			mj := o.Beta1*float64(m[j]) + (1-o.Beta1)*g
			vj := o.Beta2*float64(v[j]) + (1-o.Beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			update := (mj / c1) / (math.Sqrt(vj/c2) + o.Eps)
			w := float64(p.Data[j])
			p.Data[j] = float32(w - lr*(update+decay*w))
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm, and returns the pre-clip norm. A non-positive maxNorm disables
// clipping; the norm is still computed and returned.
func ClipGradNorm(params []*ml.Tensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(toFloat64(p.Grad), 2)
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

// State exposes the optimizer moments for checkpointing.
func (o *AdamW) State() (m, v [][]float32, step int) {
	return o.m, o.v, o.step
}

// LoadState restores checkpointed moments. Shapes must match the params the
// optimizer was built with.
func (o *AdamW) LoadState(m, v [][]float32, step int) error {
	if len(m) != len(o.m) || len(v) != len(o.v) {
		return fmt.Errorf("train: checkpoint has %d/%d moment tensors, optimizer has %d", len(m), len(v), len(o.m))
	}
	for i := range m {
		if len(m[i]) != len(o.m[i]) || len(v[i]) != len(o.v[i]) {
			return fmt.Errorf("train: moment tensor %d has %d elements, optimizer expects %d", i, len(m[i]), len(o.m[i]))
		}
		copy(o.m[i], m[i])
		copy(o.v[i], v[i])
	}
	o.step = step
	return nil
}

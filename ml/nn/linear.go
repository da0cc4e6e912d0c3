// Package nn provides the parameterized layers the model is assembled from.
// Each layer exposes Forward and a matching Backward that accumulates
// parameter gradients and returns the gradient with respect to its input.
package nn

import (
	"fmt"

	"github.com/neoxlm/neoxlm/ml"
)

// Linear is a dense affine layer. Weight is stored [in, out] so the forward
// pass is a plain row-major matmul over [N, in] inputs.
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor // nil when the layer has no bias
}

// NewLinear creates a zero-initialized linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: ml.New(in, out).RequireGrad()}
	if bias {
		l.Bias = ml.New(out).RequireGrad()
	}
	return l
}

// Forward computes x @ W (+ bias). x must be [N, in].
func (l *Linear) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Dims() != 2 || x.Shape[1] != l.Weight.Shape[0] {
		panic(fmt.Sprintf("nn: linear expects [N, %d] input, got %v", l.Weight.Shape[0], x.Shape))
	}
	y := ml.MatMul(x, l.Weight)
	if l.Bias != nil {
		out := y.Shape[1]
		for i := range y.Data {
			y.Data[i] += l.Bias.Data[i%out]
		}
	}
	return y
}

// Backward accumulates dW and db from dy and returns dx. x must be the
// forward input.
func (l *Linear) Backward(x, dy *ml.Tensor) *ml.Tensor {
	dw := ml.MatMulTransA(x, dy)
	for i, v := range dw.Data {
		l.Weight.Grad[i] += v
	}
	if l.Bias != nil {
		out := dy.Shape[1]
		for i, v := range dy.Data {
			l.Bias.Grad[i%out] += v
		}
	}
	return ml.MatMulTransB(dy, l.Weight)
}

// Params returns the layer's trainable tensors.
func (l *Linear) Params() []*ml.Tensor {
	if l.Bias != nil {
		return []*ml.Tensor{l.Weight, l.Bias}
	}
	return []*ml.Tensor{l.Weight}
}

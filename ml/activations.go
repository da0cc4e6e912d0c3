package ml

import "math"

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// GELU applies the tanh-approximated Gaussian Error Linear Unit
// elementwise.
func GELU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = Gelu(v)
	}
	return out
}

// Gelu evaluates the activation for a single element.
func Gelu(v float32) float32 {
	f := float64(v)
	return float32(0.5 * f * (1 + math.Tanh(sqrt2OverPi*(f+geluCoeff*f*f*f))))
}

// GELUGrad returns d/dx gelu(x) for a single element.
func GELUGrad(v float32) float32 {
	f := float64(v)
	inner := sqrt2OverPi * (f + geluCoeff*f*f*f)
	tanh := math.Tanh(inner)
	sech2 := 1 - tanh*tanh
	return float32(0.5*(1+tanh) + 0.5*f*sech2*sqrt2OverPi*(1+3*geluCoeff*f*f))
}

// SiLU applies x * sigmoid(x) elementwise.
func SiLU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = Silu(v)
	}
	return out
}

// Silu evaluates the activation for a single element.
func Silu(v float32) float32 {
	return v * sigmoid(v)
}

// SiLUGrad returns d/dx silu(x) for a single element.
func SiLUGrad(v float32) float32 {
	s := sigmoid(v)
	return s + v*s*(1-s)
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

package nn

import (
	"math"

	"github.com/neoxlm/neoxlm/ml"
)

// LayerNorm normalizes each row to zero mean and unit variance before the
// affine transform.
type LayerNorm struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
	Eps    float32
}

// NewLayerNorm creates a LayerNorm with unit weight and zero bias.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	ln := &LayerNorm{
		Weight: ml.New(dim).RequireGrad(),
		Bias:   ml.New(dim).RequireGrad(),
		Eps:    eps,
	}
	for i := range ln.Weight.Data {
		ln.Weight.Data[i] = 1
	}
	return ln
}

// Forward normalizes x row-wise. x must be [N, dim].
func (ln *LayerNorm) Forward(x *ml.Tensor) *ml.Tensor {
	n, dim := x.Shape[0], x.Shape[1]
	out := ml.New(n, dim)
	for r := 0; r < n; r++ {
		row := x.Data[r*dim : (r+1)*dim]
		mean, invStd := rowStats(row, ln.Eps)
		dst := out.Data[r*dim : (r+1)*dim]
		for i, v := range row {
			dst[i] = (v-mean)*invStd*ln.Weight.Data[i] + ln.Bias.Data[i]
		}
	}
	return out
}

// Backward accumulates weight and bias gradients and returns dx. Row
// statistics are recomputed from x rather than cached.
func (ln *LayerNorm) Backward(x, dy *ml.Tensor) *ml.Tensor {
	n, dim := x.Shape[0], x.Shape[1]
	dx := ml.New(n, dim)
	for r := 0; r < n; r++ {
		row := x.Data[r*dim : (r+1)*dim]
		dyRow := dy.Data[r*dim : (r+1)*dim]
		mean, invStd := rowStats(row, ln.Eps)

		var sumDxh, sumDxhXh float32
		xhat := make([]float32, dim)
		dxhat := make([]float32, dim)
		for i, v := range row {
			xhat[i] = (v - mean) * invStd
			dxhat[i] = dyRow[i] * ln.Weight.Data[i]
			sumDxh += dxhat[i]
			sumDxhXh += dxhat[i] * xhat[i]
			ln.Weight.Grad[i] += dyRow[i] * xhat[i]
			ln.Bias.Grad[i] += dyRow[i]
		}
		dst := dx.Data[r*dim : (r+1)*dim]
		inv := invStd / float32(dim)
		for i := range row {
			dst[i] = inv * (float32(dim)*dxhat[i] - sumDxh - xhat[i]*sumDxhXh)
		}
	}
	return dx
}

// Params returns weight and bias.
func (ln *LayerNorm) Params() []*ml.Tensor {
	return []*ml.Tensor{ln.Weight, ln.Bias}
}

func rowStats(row []float32, eps float32) (mean, invStd float32) {
	var sum float32
	for _, v := range row {
		sum += v
	}
	mean = sum / float32(len(row))
	var variance float32
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float32(len(row))
	invStd = float32(1 / math.Sqrt(float64(variance+eps)))
	return mean, invStd
}

// RMSNorm normalizes each row by its root mean square, the LLaMA-family
// replacement for LayerNorm.
type RMSNorm struct {
	Weight *ml.Tensor
	Eps    float32
}

// NewRMSNorm creates an RMSNorm with unit weight.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	rn := &RMSNorm{Weight: ml.New(dim).RequireGrad(), Eps: eps}
	for i := range rn.Weight.Data {
		rn.Weight.Data[i] = 1
	}
	return rn
}

// Forward normalizes x row-wise. x must be [N, dim].
func (rn *RMSNorm) Forward(x *ml.Tensor) *ml.Tensor {
	n, dim := x.Shape[0], x.Shape[1]
	out := ml.New(n, dim)
	for r := 0; r < n; r++ {
		row := x.Data[r*dim : (r+1)*dim]
		inv := rmsInv(row, rn.Eps)
		dst := out.Data[r*dim : (r+1)*dim]
		for i, v := range row {
			dst[i] = v * inv * rn.Weight.Data[i]
		}
	}
	return out
}

// Backward accumulates the weight gradient and returns dx.
func (rn *RMSNorm) Backward(x, dy *ml.Tensor) *ml.Tensor {
	n, dim := x.Shape[0], x.Shape[1]
	dx := ml.New(n, dim)
	for r := 0; r < n; r++ {
		row := x.Data[r*dim : (r+1)*dim]
		dyRow := dy.Data[r*dim : (r+1)*dim]
		inv := rmsInv(row, rn.Eps)

		var dot float32
		for i, v := range row {
			dxhat := dyRow[i] * rn.Weight.Data[i]
			dot += dxhat * v
			rn.Weight.Grad[i] += dyRow[i] * v * inv
		}
		dst := dx.Data[r*dim : (r+1)*dim]
		k := dot * inv * inv * inv / float32(dim)
		for i, v := range row {
			dst[i] = dyRow[i]*rn.Weight.Data[i]*inv - v*k
		}
	}
	return dx
}

// Params returns the weight.
func (rn *RMSNorm) Params() []*ml.Tensor {
	return []*ml.Tensor{rn.Weight}
}

func rmsInv(row []float32, eps float32) float32 {
	var sum float32
	for _, v := range row {
		sum += v * v
	}
	mean := sum / float32(len(row))
	return float32(1 / math.Sqrt(float64(mean)+float64(eps)))
}

package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neoxlm/neoxlm/ml"
)

func TestAdamWFirstStep(t *testing.T) {
	p := ml.FromSlice([]float32{1}, 1, 1).RequireGrad()
	p.Grad[0] = 0.5
	opt := NewAdamW([]*ml.Tensor{p}, 0.9, 0.95, 0)

	opt.Step(0.1)

	// with bias correction the first update direction is sign(g) at
	// magnitude lr for any gradient scale
	want := 1 - 0.1*(0.5/(math.Sqrt(0.25)+1e-8))
	require.InDelta(t, want, p.Data[0], 1e-6)
}

func TestAdamWWeightDecayOnlyOnMatrices(t *testing.T) {
	matrix := ml.FromSlice([]float32{1}, 1, 1).RequireGrad()
	vector := ml.FromSlice([]float32{1}, 1).RequireGrad()
	opt := NewAdamW([]*ml.Tensor{matrix, vector}, 0.9, 0.95, 0.1)

	// zero gradient isolates the decay term
	opt.Step(0.1)
	require.InDelta(t, 1-0.1*0.1*1, matrix.Data[0], 1e-6)
	require.Equal(t, float32(1), vector.Data[0])
}

func TestAdamWStateRoundTrip(t *testing.T) {
	p := ml.FromSlice([]float32{1, 2}, 2, 1).RequireGrad()
	p.Grad[0], p.Grad[1] = 0.1, -0.2
	opt := NewAdamW([]*ml.Tensor{p}, 0.9, 0.95, 0)
	opt.Step(0.01)

	m, v, step := opt.State()
	restored := NewAdamW([]*ml.Tensor{p}, 0.9, 0.95, 0)
	require.NoError(t, restored.LoadState(m, v, step))
	rm, rv, rstep := restored.State()
	require.Equal(t, m, rm)
	require.Equal(t, v, rv)
	require.Equal(t, step, rstep)

	require.Error(t, restored.LoadState(m[:0], v[:0], step))
}

func TestClipGradNorm(t *testing.T) {
	p := ml.FromSlice([]float32{0, 0}, 2).RequireGrad()
	p.Grad[0], p.Grad[1] = 3, 4

	norm := ClipGradNorm([]*ml.Tensor{p}, 1.0)
	require.InDelta(t, 5.0, norm, 1e-6)
	var clipped float64
	for _, g := range p.Grad {
		clipped += float64(g) * float64(g)
	}
	require.InDelta(t, 1.0, math.Sqrt(clipped), 1e-4)

	// norms under the limit are untouched
	p.Grad[0], p.Grad[1] = 0.3, 0.4
	norm = ClipGradNorm([]*ml.Tensor{p}, 1.0)
	require.InDelta(t, 0.5, norm, 1e-6)
	require.InDelta(t, 0.3, p.Grad[0], 1e-7)
}

func TestClipGradNormDisabled(t *testing.T) {
	p := ml.FromSlice([]float32{0, 0}, 2).RequireGrad()

	for _, maxNorm := range []float64{0, -1} {
		p.Grad[0], p.Grad[1] = 3, 4
		norm := ClipGradNorm([]*ml.Tensor{p}, maxNorm)
		require.InDelta(t, 5.0, norm, 1e-6)
		require.InDelta(t, 3.0, p.Grad[0], 1e-7)
		require.InDelta(t, 4.0, p.Grad[1], 1e-7)
	}
}

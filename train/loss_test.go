package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neoxlm/neoxlm/ml"
)

func TestCrossEntropyUniform(t *testing.T) {
	// uniform logits: loss is ln(V) regardless of targets
	logits := ml.New(1, 2, 4)
	loss, _ := CrossEntropy(logits, [][]int32{{0, 3}}, 1)
	require.InDelta(t, math.Log(4), loss, 1e-6)
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := ml.FromSlice([]float32{2, 1, 0.5, -1}, 1, 1, 4)
	_, dLogits := CrossEntropy(logits, [][]int32{{1}}, 1)

	// each row's gradient sums to zero: softmax mass minus the one-hot
	var sum float32
	for _, g := range dLogits.Data {
		sum += g
	}
	require.InDelta(t, 0, sum, 1e-6)

	// target entry is negative, all others positive
	require.Negative(t, dLogits.At(0, 0, 1))
	for _, i := range []int{0, 2, 3} {
		require.Positive(t, dLogits.At(0, 0, i))
	}
}

func TestCrossEntropyGradcheck(t *testing.T) {
	data := []float32{0.3, -0.7, 1.2, 0.1, -0.5, 0.9}
	logits := ml.FromSlice(append([]float32(nil), data...), 1, 2, 3)
	targets := [][]int32{{2, 0}}
	_, dLogits := CrossEntropy(logits, targets, 1)

	const h = 1e-3
	for i := range data {
		up := append([]float32(nil), data...)
		up[i] += h
		lossUp, _ := CrossEntropy(ml.FromSlice(up, 1, 2, 3), targets, 1)

		down := append([]float32(nil), data...)
		down[i] -= h
		lossDown, _ := CrossEntropy(ml.FromSlice(down, 1, 2, 3), targets, 1)

		want := (lossUp - lossDown) / (2 * h)
		require.InDelta(t, want, dLogits.Data[i], 1e-3, "dlogits[%d]", i)
	}
}

func TestCrossEntropyGradScale(t *testing.T) {
	logits := ml.FromSlice([]float32{1, 2, 3}, 1, 1, 3)
	lossFull, dFull := CrossEntropy(logits, [][]int32{{0}}, 1)
	lossHalf, dHalf := CrossEntropy(logits, [][]int32{{0}}, 0.5)

	// scale affects the gradient only
	require.Equal(t, lossFull, lossHalf)
	for i := range dFull.Data {
		require.InDelta(t, dFull.Data[i]*0.5, dHalf.Data[i], 1e-7)
	}
}

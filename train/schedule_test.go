package train

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSchedule(t *testing.T) {
	s := CosineSchedule{LR: 4e-4, MinLR: 4e-5, WarmupIters: 100, DecayIters: 1000}

	// linear warmup from zero
	require.Zero(t, s.At(0))
	require.InDelta(t, 2e-4, s.At(50), 1e-9)
	require.InDelta(t, 4e-4, s.At(100), 1e-9)

	// cosine midpoint is the mean of peak and floor
	require.InDelta(t, (4e-4+4e-5)/2, s.At(550), 1e-9)

	// monotone decay
	prev := s.At(100)
	for iter := 150; iter <= 1000; iter += 50 {
		cur := s.At(iter)
		require.Less(t, cur, prev, "iter %d", iter)
		prev = cur
	}

	// floor beyond decay
	require.InDelta(t, 4e-5, s.At(1000), 1e-9)
	require.Equal(t, 4e-5, s.At(5000))
}

package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/neoxlm/neoxlm/ml"
)

// kv builds a [1, T, 1, 1] tensor from scalar per-position values, the
// smallest shape the cache accepts.
func kv(values ...float32) *ml.Tensor {
	return ml.FromSlice(values, 1, len(values), 1, 1)
}

func slots(e *Entry) []float32 {
	return append([]float32(nil), e.Keys.Data...)
}

func TestWriteWithinBounds(t *testing.T) {
	c := NewCausal(1, 1, 4, 1, 1, 1)
	e := c.Layers[0]

	got := e.Write([]int32{0, 1, 2, 3}, kv(10, 20, 30, 40), kv(10, 20, 30, 40))
	require.Equal(t, []int32{0, 1, 2, 3}, got)
	if diff := cmp.Diff([]float32{10, 20, 30, 40}, slots(e)); diff != "" {
		t.Errorf("unexpected cache contents (-want +got):\n%s", diff)
	}

	// in-bounds overwrite must not shift
	got = e.Write([]int32{1}, kv(99), kv(99))
	require.Equal(t, []int32{1}, got)
	if diff := cmp.Diff([]float32{10, 99, 30, 40}, slots(e)); diff != "" {
		t.Errorf("unexpected cache contents (-want +got):\n%s", diff)
	}
}

func TestWriteEvicts(t *testing.T) {
	c := NewCausal(1, 1, 4, 1, 1, 1)
	e := c.Layers[0]
	e.Write([]int32{0, 1, 2, 3}, kv(10, 20, 30, 40), kv(10, 20, 30, 40))

	// position 4 is one past the last slot: everything shifts left and the
	// new data lands on the last slot
	got := e.Write([]int32{4}, kv(50), kv(50))
	require.Equal(t, []int32{3}, got)
	if diff := cmp.Diff([]float32{20, 30, 40, 50}, slots(e)); diff != "" {
		t.Errorf("unexpected cache contents (-want +got):\n%s", diff)
	}

	// values shift in lockstep with keys
	if diff := cmp.Diff([]float32{20, 30, 40, 50}, append([]float32(nil), e.Values.Data...)); diff != "" {
		t.Errorf("unexpected value contents (-want +got):\n%s", diff)
	}
}

func TestWriteCountMismatchPanics(t *testing.T) {
	c := NewCausal(1, 1, 4, 1, 1, 1)
	require.Panics(t, func() {
		c.Layers[0].Write([]int32{0, 1}, kv(1), kv(1))
	})
}

func TestMultiTokenOverflowPanics(t *testing.T) {
	c := NewCausal(1, 1, 4, 1, 1, 1)
	require.Panics(t, func() {
		c.Layers[0].Write([]int32{3, 4}, kv(1, 2), kv(1, 2))
	})
}

func TestBatchedEviction(t *testing.T) {
	c := NewCausal(1, 2, 2, 1, 1, 1)
	e := c.Layers[0]
	e.Write([]int32{0, 1}, ml.FromSlice([]float32{1, 2, 5, 6}, 2, 2, 1, 1), ml.FromSlice([]float32{1, 2, 5, 6}, 2, 2, 1, 1))

	e.Write([]int32{2}, ml.FromSlice([]float32{3, 7}, 2, 1, 1, 1), ml.FromSlice([]float32{3, 7}, 2, 1, 1, 1))
	if diff := cmp.Diff([]float32{2, 3, 6, 7}, slots(e)); diff != "" {
		t.Errorf("unexpected cache contents (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	c := NewCausal(2, 1, 2, 1, 1, 1)
	c.Layers[0].Write([]int32{0}, kv(1), kv(1))
	c.Reset()
	for _, e := range c.Layers {
		for _, x := range e.Keys.Data {
			require.Zero(t, x)
		}
	}
	require.Equal(t, 2, c.MaxSeqLength())
}

package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/neoxlm/neoxlm/kvcache"
	"github.com/neoxlm/neoxlm/ml"
)

func testConfig() Config {
	return Config{
		BlockSize:           16,
		VocabSize:           32,
		NLayer:              2,
		NHead:               4,
		NEmbd:               32,
		NQueryGroups:        2,
		HeadSize:            8,
		RotaryPercentage:    1.0,
		RopeBase:            10000,
		CondenseRatio:       1,
		NormEps:             1e-5,
		NormKind:            NormRMSNorm,
		MLPKind:             MLPLLaMA,
		IntermediateSize:    64,
		WindowSize:          -1,
		PositionalEmbedding: PositionalRotary,
		RopeDType:           ml.DTypeF32,
	}
}

func randomTensor(rng *rand.Rand, shape ...int) *ml.Tensor {
	t := ml.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func randomAttention(t *testing.T, c *Config, seed uint64) *CausalSelfAttention {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	attn := newCausalSelfAttention(c)
	for _, p := range attn.Params() {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64()) * 0.1
		}
	}
	return attn
}

func TestAttentionPathProbe(t *testing.T) {
	require.Equal(t, pathFused, attentionPath(false, false))
	require.Equal(t, pathReference, attentionPath(true, false))
	require.Equal(t, pathReference, attentionPath(false, true))
}

func TestFusedMatchesReference(t *testing.T) {
	c := testConfig()
	attn := randomAttention(t, &c, 11)
	table := buildRopeCache(&c)
	rng := rand.New(rand.NewSource(42))
	x := randomTensor(rng, 2, 6, c.NEmbd)

	opts := attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}
	fused := attn.Forward(x, opts, nil)

	opts.forceReference = true
	reference := attn.Forward(x, opts, nil)

	if diff := cmp.Diff(reference.Data, fused.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("kernels disagree (-reference +fused):\n%s", diff)
	}
}

func TestGroupedQueryExpansion(t *testing.T) {
	// 8 query heads over 2 kv groups: each kv head serves 4 query heads
	cache := kvcache.NewCausal(1, 1, 4, 2, 2, 2)
	e := cache.Layers[0]
	k := ml.New(1, 1, 2, 2)
	copy(k.Data, []float32{1, 2, 9, 8}) // group 0 then group 1
	e.Write([]int32{0}, k, k.Clone())

	keys, values := expandKVHeads(e, 4)
	require.Len(t, keys, 8)
	require.Len(t, values, 8)
	for h := 0; h < 4; h++ {
		require.Equal(t, []float32{1, 2}, keys[h].Data[:2], "head %d reads group 0", h)
	}
	for h := 4; h < 8; h++ {
		require.Equal(t, []float32{9, 8}, keys[h].Data[:2], "head %d reads group 1", h)
	}
	// replication aliases, it does not copy per head
	require.Same(t, keys[0], keys[3])
	require.Same(t, keys[4], keys[7])
}

func TestAttnSpan(t *testing.T) {
	t.Run("causal", func(t *testing.T) {
		span := newAttnSpan(2, 4, &attnOptions{windowSize: -1})
		require.Equal(t, 0, span.Lo(3))
		// example boundary: flattened index 4 starts the second example
		require.Equal(t, 4, span.Lo(4))
		require.Equal(t, 4, span.Lo(6))
	})

	t.Run("window", func(t *testing.T) {
		span := newAttnSpan(1, 8, &attnOptions{windowSize: 3})
		require.Equal(t, 0, span.Lo(1))
		require.Equal(t, 3, span.Lo(5))
	})

	t.Run("segments", func(t *testing.T) {
		span := newAttnSpan(1, 6, &attnOptions{windowSize: -1, cuSeqLens: []int32{0, 2, 6}})
		require.Equal(t, 0, span.Lo(1))
		require.Equal(t, 2, span.Lo(2))
		require.Equal(t, 2, span.Lo(5))
	})

	t.Run("window inside segment", func(t *testing.T) {
		span := newAttnSpan(1, 6, &attnOptions{windowSize: 2, cuSeqLens: []int32{0, 2, 6}})
		require.Equal(t, 2, span.Lo(2))
		require.Equal(t, 4, span.Lo(5))
	})
}

func TestWindowedEqualsCausalWhenWide(t *testing.T) {
	c := testConfig()
	attn := randomAttention(t, &c, 5)
	table := buildRopeCache(&c)
	rng := rand.New(rand.NewSource(6))
	x := randomTensor(rng, 1, 8, c.NEmbd)

	unrestricted := attn.Forward(x, attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}, nil)
	wide := attn.Forward(x, attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: 8}, nil)
	narrow := attn.Forward(x, attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: 2}, nil)

	if diff := cmp.Diff(unrestricted.Data, wide.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("full-width window should not change attention (-want +got):\n%s", diff)
	}
	require.NotEqual(t, unrestricted.Data, narrow.Data)
}

func TestIncrementalMatchesBatch(t *testing.T) {
	c := testConfig()
	attn := randomAttention(t, &c, 21)
	table := buildRopeCache(&c)
	mask := BuildCausalMask(c.BlockSize)
	rng := rand.New(rand.NewSource(22))

	const seq = 5
	x := randomTensor(rng, 1, seq, c.NEmbd)
	batchOut := attn.Forward(x, attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}, nil)

	cache := kvcache.NewCausal(1, 1, c.BlockSize, c.NQueryGroups, c.HeadSize, c.HeadSize)
	for i := 0; i < seq; i++ {
		step := ml.FromSlice(x.Data[i*c.NEmbd:(i+1)*c.NEmbd], 1, 1, c.NEmbd)
		positions := []int32{int32(i)}
		got := attn.Forward(step, attnOptions{
			rope:         table,
			maxSeqLength: c.BlockSize,
			positions:    positions,
			maskRows:     mask.Rows(positions, c.BlockSize),
			cache:        cache.Layers[0],
			windowSize:   -1,
		}, nil)

		want := batchOut.Data[i*c.NEmbd : (i+1)*c.NEmbd]
		if diff := cmp.Diff(want, got.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
			t.Errorf("step %d disagrees with batch attention (-want +got):\n%s", i, diff)
		}
	}
}

func TestAttentionBackwardGradcheck(t *testing.T) {
	c := testConfig()
	attn := randomAttention(t, &c, 33)
	table := buildRopeCache(&c)
	rng := rand.New(rand.NewSource(34))
	x := randomTensor(rng, 1, 3, c.NEmbd)

	opts := attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}
	var tape attnTape
	out := attn.Forward(x, opts, &tape)

	dy := ml.New(out.Shape...)
	for i := range dy.Data {
		dy.Data[i] = 1
	}
	dx := attn.Backward(&tape, dy)

	loss := func() float32 {
		var s float32
		for _, v := range attn.Forward(x, opts, nil).Data {
			s += v
		}
		return s
	}
	const h = 1e-2
	for _, i := range []int{0, 7, 31, 50, 95} {
		orig := x.Data[i]
		x.Data[i] = orig + h
		up := loss()
		x.Data[i] = orig - h
		down := loss()
		x.Data[i] = orig
		require.InDelta(t, (up-down)/(2*h), dx.Data[i], 5e-2, "dx[%d]", i)
	}
}

func TestBackwardIncrementalPanics(t *testing.T) {
	c := testConfig()
	attn := randomAttention(t, &c, 1)
	tape := attnTape{opts: attnOptions{positions: []int32{0}}}
	require.Panics(t, func() { attn.Backward(&tape, ml.New(1, 1, c.NEmbd)) })
}

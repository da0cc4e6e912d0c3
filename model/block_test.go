package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/neoxlm/neoxlm/ml"
)

func randomizeBlock(blk *Block, seed uint64) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range blk.Params() {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64()) * 0.1
		}
	}
}

func TestBlockShapes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sequential llama", func(c *Config) {}},
		{"parallel neox", func(c *Config) {
			c.ParallelResidual = true
			c.NormKind = NormLayerNorm
			c.MLPKind = MLPGptNeox
			c.Bias = true
		}},
		{"parallel shared norm", func(c *Config) {
			c.ParallelResidual = true
			c.SharedAttentionNorm = true
		}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mutate(&c)
			require.NoError(t, c.Validate())

			blk := newBlock(&c)
			randomizeBlock(blk, 3)
			table := buildRopeCache(&c)

			rng := rand.New(rand.NewSource(4))
			x := randomTensor(rng, 2, 4, c.NEmbd)
			out := blk.Forward(x, attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}, nil)
			require.Equal(t, []int{2, 4, c.NEmbd}, out.Shape)
		})
	}
}

func TestSharedNormOmitsSecondNorm(t *testing.T) {
	c := testConfig()
	c.ParallelResidual = true
	c.SharedAttentionNorm = true
	blk := newBlock(&c)
	require.Nil(t, blk.Norm2)

	c.SharedAttentionNorm = false
	blk = newBlock(&c)
	require.NotNil(t, blk.Norm2)
}

func TestSequentialSharedNormRejected(t *testing.T) {
	c := testConfig()
	c.ParallelResidual = false
	c.SharedAttentionNorm = true
	_, err := New(c)
	require.ErrorContains(t, err, "shared attention norm")
}

func TestBlockBackwardGradcheck(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			c := testConfig()
			c.ParallelResidual = parallel
			blk := newBlock(&c)
			randomizeBlock(blk, 9)
			table := buildRopeCache(&c)
			opts := attnOptions{rope: table, maxSeqLength: c.BlockSize, windowSize: -1}

			rng := rand.New(rand.NewSource(10))
			x := randomTensor(rng, 1, 2, c.NEmbd)

			var tape blockTape
			out := blk.Forward(x, opts, &tape)
			dy := ml.New(out.Shape...)
			for i := range dy.Data {
				dy.Data[i] = 1
			}
			dx := blk.Backward(&tape, dy)

			loss := func() float32 {
				var s float32
				for _, v := range blk.Forward(x, opts, nil).Data {
					s += v
				}
				return s
			}
			const h = 1e-2
			for _, i := range []int{0, 17, 40, 63} {
				orig := x.Data[i]
				x.Data[i] = orig + h
				up := loss()
				x.Data[i] = orig - h
				down := loss()
				x.Data[i] = orig
				require.InDelta(t, (up-down)/(2*h), dx.Data[i], 5e-2, "dx[%d]", i)
			}
		})
	}
}

func TestMLPVariants(t *testing.T) {
	c := testConfig()

	neox := c
	neox.MLPKind = MLPGptNeox
	require.IsType(t, &GptNeoxMLP{}, newFeedForward(&neox))

	llama := c
	llama.MLPKind = MLPLLaMA
	require.IsType(t, &LLaMAMLP{}, newFeedForward(&llama))

	// swiglu with unit weights on a zero input is zero
	mlp := newFeedForward(&llama)
	out := mlp.Forward(ml.New(2, c.NEmbd), nil)
	if diff := cmp.Diff(make([]float32, 2*c.NEmbd), out.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("zero input (-want +got):\n%s", diff)
	}
}

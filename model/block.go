package model

import (
	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/ml/nn"
)

// norm is the closed set of normalization variants a block can be
// configured with.
type norm interface {
	Forward(x *ml.Tensor) *ml.Tensor
	Backward(x, dy *ml.Tensor) *ml.Tensor
	Params() []*ml.Tensor
}

func newNorm(c *Config) norm {
	if c.NormKind == NormRMSNorm {
		return nn.NewRMSNorm(c.NEmbd, c.NormEps)
	}
	return nn.NewLayerNorm(c.NEmbd, c.NormEps)
}

// feedForward is the closed set of MLP variants.
type feedForward interface {
	Forward(x *ml.Tensor, tape *mlpTape) *ml.Tensor
	Backward(tape *mlpTape, dy *ml.Tensor) *ml.Tensor
	Params() []*ml.Tensor
}

// mlpTape retains MLP activations for backward.
type mlpTape struct {
	in     *ml.Tensor
	hidden *ml.Tensor // pre-activation fc output (GptNeox) or w1 output (LLaMA)
	gate   *ml.Tensor // w2 output (LLaMA only)
	mixed  *ml.Tensor // projection input
}

// GptNeoxMLP is the gated-GELU feed-forward: proj(gelu(fc(x))).
type GptNeoxMLP struct {
	Fc   *nn.Linear
	Proj *nn.Linear
}

func newGptNeoxMLP(c *Config) *GptNeoxMLP {
	return &GptNeoxMLP{
		Fc:   nn.NewLinear(c.NEmbd, c.IntermediateSize, c.Bias),
		Proj: nn.NewLinear(c.IntermediateSize, c.NEmbd, c.Bias),
	}
}

func (m *GptNeoxMLP) Forward(x *ml.Tensor, tape *mlpTape) *ml.Tensor {
	hidden := m.Fc.Forward(x)
	act := ml.GELU(hidden)
	if tape != nil {
		tape.in, tape.hidden, tape.mixed = x, hidden, act
	}
	return m.Proj.Forward(act)
}

func (m *GptNeoxMLP) Backward(tape *mlpTape, dy *ml.Tensor) *ml.Tensor {
	dAct := m.Proj.Backward(tape.mixed, dy)
	for i, v := range dAct.Data {
		dAct.Data[i] = v * ml.GELUGrad(tape.hidden.Data[i])
	}
	return m.Fc.Backward(tape.in, dAct)
}

func (m *GptNeoxMLP) Params() []*ml.Tensor {
	return append(m.Fc.Params(), m.Proj.Params()...)
}

// LLaMAMLP is the SwiGLU feed-forward: proj(silu(w1·x) ⊙ w2·x).
type LLaMAMLP struct {
	W1   *nn.Linear
	W2   *nn.Linear
	Proj *nn.Linear
}

func newLLaMAMLP(c *Config) *LLaMAMLP {
	return &LLaMAMLP{
		W1:   nn.NewLinear(c.NEmbd, c.IntermediateSize, false),
		W2:   nn.NewLinear(c.NEmbd, c.IntermediateSize, false),
		Proj: nn.NewLinear(c.IntermediateSize, c.NEmbd, false),
	}
}

func (m *LLaMAMLP) Forward(x *ml.Tensor, tape *mlpTape) *ml.Tensor {
	hidden := m.W1.Forward(x)
	gate := m.W2.Forward(x)
	mixed := ml.Mul(ml.SiLU(hidden), gate)
	if tape != nil {
		tape.in, tape.hidden, tape.gate, tape.mixed = x, hidden, gate, mixed
	}
	return m.Proj.Forward(mixed)
}

func (m *LLaMAMLP) Backward(tape *mlpTape, dy *ml.Tensor) *ml.Tensor {
	dMixed := m.Proj.Backward(tape.mixed, dy)

	dHidden := ml.New(dMixed.Shape...)
	dGate := ml.New(dMixed.Shape...)
	for i, v := range dMixed.Data {
		h := tape.hidden.Data[i]
		dHidden.Data[i] = v * tape.gate.Data[i] * ml.SiLUGrad(h)
		dGate.Data[i] = v * ml.Silu(h)
	}

	dx := m.W1.Backward(tape.in, dHidden)
	dx2 := m.W2.Backward(tape.in, dGate)
	for i, v := range dx2.Data {
		dx.Data[i] += v
	}
	return dx
}

func (m *LLaMAMLP) Params() []*ml.Tensor {
	p := append(m.W1.Params(), m.W2.Params()...)
	return append(p, m.Proj.Params()...)
}

func newFeedForward(c *Config) feedForward {
	if c.MLPKind == MLPLLaMA {
		return newLLaMAMLP(c)
	}
	return newGptNeoxMLP(c)
}

// Block is one pre-norm residual transformer layer. With parallel residual
// topology attention and feed-forward both read normalized snapshots of the
// same residual stream; sequentially they stack the standard two-stage way.
// Sharing the attention norm with the feed-forward is only defined for the
// parallel topology and is rejected at construction.
type Block struct {
	Norm1 norm
	Attn  *CausalSelfAttention
	Norm2 norm // nil when the attention norm is shared
	MLP   feedForward

	cfg *Config
}

// blockTape retains one layer's activations.
type blockTape struct {
	x    *ml.Tensor // [B, T, C] block input
	n1   *ml.Tensor // [B*T, C]
	n2   *ml.Tensor // [B*T, C], nil when shared
	h    *ml.Tensor // sequential only: x + attn output, [B, T, C]
	attn attnTape
	mlp  mlpTape
}

func newBlock(c *Config) *Block {
	b := &Block{
		Norm1: newNorm(c),
		Attn:  newCausalSelfAttention(c),
		MLP:   newFeedForward(c),
		cfg:   c,
	}
	if !c.SharedAttentionNorm {
		b.Norm2 = newNorm(c)
	}
	return b
}

// Forward runs the block over x ([B, T, C]).
func (blk *Block) Forward(x *ml.Tensor, opts attnOptions, tape *blockTape) *ml.Tensor {
	b, t, c := x.Dim(0), x.Dim(1), x.Dim(2)
	flat := x.Reshape(b*t, c)

	n1 := blk.Norm1.Forward(flat)
	var attnTapePtr *attnTape
	var mlpTapePtr *mlpTape
	if tape != nil {
		tape.x, tape.n1 = x, n1
		attnTapePtr, mlpTapePtr = &tape.attn, &tape.mlp
	}
	h := blk.Attn.Forward(n1.Reshape(b, t, c), opts, attnTapePtr)

	if blk.cfg.ParallelResidual {
		n2 := n1
		if blk.Norm2 != nil {
			n2 = blk.Norm2.Forward(flat)
		}
		if tape != nil && blk.Norm2 != nil {
			tape.n2 = n2
		}
		ff := blk.MLP.Forward(n2, mlpTapePtr)
		out := ml.New(b, t, c)
		for i := range out.Data {
			out.Data[i] = flat.Data[i] + h.Data[i] + ff.Data[i]
		}
		return out
	}

	mid := ml.Add(x, h)
	if tape != nil {
		tape.h = mid
	}
	midFlat := mid.Reshape(b*t, c)
	n2 := blk.Norm2.Forward(midFlat)
	if tape != nil {
		tape.n2 = n2
	}
	ff := blk.MLP.Forward(n2, mlpTapePtr)
	out := ml.Add(mid, ff.Reshape(b, t, c))
	return out
}

// Backward propagates dy ([B, T, C]) through the block.
func (blk *Block) Backward(tape *blockTape, dy *ml.Tensor) *ml.Tensor {
	b, t, c := tape.x.Dim(0), tape.x.Dim(1), tape.x.Dim(2)
	flat := tape.x.Reshape(b*t, c)
	dyFlat := dy.Reshape(b*t, c)

	if blk.cfg.ParallelResidual {
		dAttnIn := blk.Attn.Backward(&tape.attn, dy)
		dMlpIn := blk.MLP.Backward(&tape.mlp, dyFlat)

		dx := ml.New(b*t, c)
		copy(dx.Data, dyFlat.Data)
		if blk.Norm2 == nil {
			// shared norm: one normalized tensor fed both sublayers
			sum := ml.Add(dAttnIn, dMlpIn)
			dn := blk.Norm1.Backward(flat, sum)
			for i, v := range dn.Data {
				dx.Data[i] += v
			}
		} else {
			dn1 := blk.Norm1.Backward(flat, dAttnIn)
			dn2 := blk.Norm2.Backward(flat, dMlpIn)
			for i := range dx.Data {
				dx.Data[i] += dn1.Data[i] + dn2.Data[i]
			}
		}
		return dx.Reshape(b, t, c)
	}

	midFlat := tape.h.Reshape(b*t, c)
	dMlpIn := blk.MLP.Backward(&tape.mlp, dyFlat)
	dMid := blk.Norm2.Backward(midFlat, dMlpIn)
	for i, v := range dyFlat.Data {
		dMid.Data[i] += v
	}

	dAttnIn := blk.Attn.Backward(&tape.attn, dMid.Reshape(b, t, c))
	dx := blk.Norm1.Backward(flat, dAttnIn)
	for i, v := range dMid.Data {
		dx.Data[i] += v
	}
	return dx.Reshape(b, t, c)
}

// Params returns every trainable tensor in the block.
func (blk *Block) Params() []*ml.Tensor {
	params := blk.Norm1.Params()
	params = append(params, blk.Attn.Params()...)
	if blk.Norm2 != nil {
		params = append(params, blk.Norm2.Params()...)
	}
	return append(params, blk.MLP.Params()...)
}

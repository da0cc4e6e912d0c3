// Package model implements a decoder-only GPT-NeoX/LLaMA-style transformer:
// token embedding, a stack of pre-norm residual blocks with rotary-embedded
// grouped-query attention, final norm and output projection. The same
// forward entry point serves full-sequence training and incremental decoding
// against a per-layer key/value cache.
package model

import (
	"fmt"
	"slices"

	"github.com/neoxlm/neoxlm/ml"
)

// NormKind selects the normalization layer used throughout the model.
type NormKind int

const (
	NormLayerNorm NormKind = iota
	NormRMSNorm
)

func (k NormKind) String() string {
	if k == NormRMSNorm {
		return "rmsnorm"
	}
	return "layernorm"
}

// MLPKind selects the feed-forward sublayer variant.
type MLPKind int

const (
	// MLPGptNeox is the gated-GELU MLP: proj(gelu(fc(x))).
	MLPGptNeox MLPKind = iota
	// MLPLLaMA is the SwiGLU MLP: proj(silu(w1·x) ⊙ w2·x).
	MLPLLaMA
)

func (k MLPKind) String() string {
	if k == MLPLLaMA {
		return "llama"
	}
	return "gptneox"
}

// MaskMode controls intra-document attention masking during training.
type MaskMode string

const (
	MaskOff MaskMode = ""
	MaskOn  MaskMode = "intradoc"
	// MaskFix1ReRope and MaskFix2ReRope enable intra-document masking and
	// additionally build the rotary table at a short canonical length (1024
	// or 2048) tiled by repetition out to the block size.
	MaskFix1ReRope MaskMode = "fix1rerope"
	MaskFix2ReRope MaskMode = "fix2rerope"
)

// reRopeLength returns the canonical table length for re-rope modes, or 0.
func (m MaskMode) reRopeLength() int {
	switch m {
	case MaskFix1ReRope:
		return 1024
	case MaskFix2ReRope:
		return 2048
	}
	return 0
}

// Enabled reports whether intra-document masking is active.
func (m MaskMode) Enabled() bool { return m != MaskOff }

// PositionalKind selects the positional-encoding scheme.
type PositionalKind int

const (
	PositionalRotary PositionalKind = iota
	PositionalNone
)

// Config describes a model. It is immutable after construction with one
// exception: the rotary base, which changes only through
// GPT.ResetRopeCache.
type Config struct {
	Name string

	BlockSize int
	VocabSize int

	NLayer int
	NHead  int
	NEmbd  int

	// NQueryGroups is the number of key/value groups. NHead means multi-head
	// attention, 1 means multi-query; anything between is grouped-query.
	NQueryGroups int
	HeadSize     int

	// RotaryPercentage is the fraction of the head dimension that is
	// rotated; the remainder passes through unrotated.
	RotaryPercentage float64
	RopeBase         int
	CondenseRatio    int

	Bias    bool
	NormEps float32

	NormKind NormKind
	MLPKind  MLPKind

	IntermediateSize int

	ParallelResidual    bool
	SharedAttentionNorm bool

	// WindowSize restricts attention to a trailing window of that many
	// positions. -1 disables the restriction.
	WindowSize int

	IntradocMask        MaskMode
	PositionalEmbedding PositionalKind

	// RopeDType is the storage precision of the rotary tables. It must
	// track the precision of downstream query/key tensors.
	RopeDType ml.DType
}

// RotaryDims returns the number of rotated dimensions per head.
func (c *Config) RotaryDims() int {
	return int(c.RotaryPercentage * float64(c.HeadSize))
}

// QKVSize returns the fused attention projection width:
// (NHead + 2*NQueryGroups) * HeadSize.
func (c *Config) QKVSize() int {
	return (c.NHead + 2*c.NQueryGroups) * c.HeadSize
}

// Validate rejects configurations the model cannot run. These are fatal
// construction-time errors, never retried.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.VocabSize <= 0 || c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 {
		return fmt.Errorf("model: block size, vocab size, layers, heads and width must be positive")
	}
	if c.NQueryGroups <= 0 || c.NHead%c.NQueryGroups != 0 {
		return fmt.Errorf("model: n_head (%d) must be divisible by n_query_groups (%d)", c.NHead, c.NQueryGroups)
	}
	if c.HeadSize <= 0 {
		return fmt.Errorf("model: head size must be positive, got %d", c.HeadSize)
	}
	if c.RotaryPercentage < 0 || c.RotaryPercentage > 1 {
		return fmt.Errorf("model: rotary percentage must be in [0,1], got %v", c.RotaryPercentage)
	}
	if c.RotaryDims()%2 != 0 {
		return fmt.Errorf("model: rotated dimensions must be even, got %d", c.RotaryDims())
	}
	if !c.ParallelResidual && c.SharedAttentionNorm {
		return fmt.Errorf("model: shared attention norm with sequential residual is not supported")
	}
	if c.WindowSize == 0 || c.WindowSize < -1 {
		return fmt.Errorf("model: window size must be positive or -1 to disable, got %d", c.WindowSize)
	}
	switch c.IntradocMask {
	case MaskOff, MaskOn, MaskFix1ReRope, MaskFix2ReRope:
	default:
		return fmt.Errorf("model: unsupported intradoc mask mode %q", c.IntradocMask)
	}
	if n := c.IntradocMask.reRopeLength(); n != 0 && c.BlockSize%n != 0 {
		return fmt.Errorf("model: block size %d is not a multiple of the %d re-rope table length", c.BlockSize, n)
	}
	if c.CondenseRatio <= 0 {
		return fmt.Errorf("model: condense ratio must be positive, got %d", c.CondenseRatio)
	}
	if c.RopeBase <= 0 {
		return fmt.Errorf("model: rope base must be positive, got %d", c.RopeBase)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("model: intermediate size must be positive, got %d", c.IntermediateSize)
	}
	return nil
}

// presets are the named configurations the CLI trains from.
var presets = map[string]Config{
	"tiny-120m": {
		Name:                "tiny-120m",
		BlockSize:           2048,
		VocabSize:           32000,
		NLayer:              12,
		NHead:               12,
		NEmbd:               768,
		NQueryGroups:        12,
		HeadSize:            64,
		RotaryPercentage:    1.0,
		RopeBase:            10000,
		CondenseRatio:       1,
		NormEps:             1e-5,
		NormKind:            NormRMSNorm,
		MLPKind:             MLPLLaMA,
		IntermediateSize:    2048,
		ParallelResidual:    false,
		WindowSize:          -1,
		PositionalEmbedding: PositionalRotary,
		RopeDType:           ml.DTypeBF16,
	},
	"tiny-1b": {
		Name:                "tiny-1b",
		BlockSize:           2048,
		VocabSize:           32000,
		NLayer:              22,
		NHead:               32,
		NEmbd:               2048,
		NQueryGroups:        4,
		HeadSize:            64,
		RotaryPercentage:    1.0,
		RopeBase:            10000,
		CondenseRatio:       1,
		NormEps:             1e-5,
		NormKind:            NormRMSNorm,
		MLPKind:             MLPLLaMA,
		IntermediateSize:    5632,
		ParallelResidual:    false,
		WindowSize:          -1,
		PositionalEmbedding: PositionalRotary,
		RopeDType:           ml.DTypeBF16,
	},
	"neox-160m": {
		Name:                "neox-160m",
		BlockSize:           2048,
		VocabSize:           50304,
		NLayer:              12,
		NHead:               12,
		NEmbd:               768,
		NQueryGroups:        12,
		HeadSize:            64,
		RotaryPercentage:    0.25,
		RopeBase:            10000,
		CondenseRatio:       1,
		Bias:                true,
		NormEps:             1e-5,
		NormKind:            NormLayerNorm,
		MLPKind:             MLPGptNeox,
		IntermediateSize:    3072,
		ParallelResidual:    true,
		WindowSize:          -1,
		PositionalEmbedding: PositionalRotary,
		RopeDType:           ml.DTypeBF16,
	},
}

// FromName returns a copy of a named preset configuration.
func FromName(name string) (Config, error) {
	c, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("model: unknown config %q", name)
	}
	return c, nil
}

// PresetNames lists the named configurations, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

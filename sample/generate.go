package sample

import (
	"context"
	"fmt"

	"github.com/neoxlm/neoxlm/logutil"
	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/model"
)

// Generator runs incremental decoding against a model's kv cache. It owns
// the cache lifecycle for the session; one Generator per model instance at
// a time.
type Generator struct {
	Model      *model.GPT
	Sampler    Sampler
	Transforms []Transform

	// MaxSeqLength bounds attendable history. Zero means the model's block
	// size. Smaller values slide via cache eviction.
	MaxSeqLength int
}

// Generate extends prompt by up to maxNewTokens ids. Generation stops early
// if stopToken (when >= 0) is drawn, or when the context fills without an
// eviction window to slide.
func (g *Generator) Generate(ctx context.Context, prompt []int32, maxNewTokens int, stopToken int32) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("sample: empty prompt")
	}
	blockSize := g.Model.Config.BlockSize
	maxSeq := g.MaxSeqLength
	if maxSeq == 0 {
		maxSeq = blockSize
	}

	g.Model.ResetCache()
	defer g.Model.ResetCache()

	positions := make([]int32, len(prompt))
	for i := range positions {
		positions[i] = int32(i)
	}
	logits, err := g.Model.Forward([][]int32{prompt}, model.ForwardOptions{
		Positions:    positions,
		MaxSeqLength: maxSeq,
	})
	if err != nil {
		return nil, err
	}

	out := append([]int32(nil), prompt...)
	pos := len(prompt)
	for n := 0; n < maxNewTokens; n++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		next, err := g.sampleLast(logits)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		logutil.Trace("sampled token", "pos", pos, "token", next)
		if stopToken >= 0 && next == stopToken {
			break
		}
		if pos >= blockSize && maxSeq == blockSize {
			// full-context session with no sliding window left
			break
		}
		// the rotary table tops out at blockSize positions; the cache
		// still evicts once the clamped position reaches maxSeq
		writePos := int32(min(pos, blockSize-1))
		logits, err = g.Model.Forward([][]int32{{next}}, model.ForwardOptions{
			Positions:    []int32{writePos},
			MaxSeqLength: maxSeq,
		})
		if err != nil {
			return out, err
		}
		pos++
	}
	return out, nil
}

// sampleLast draws from the final position's logits row.
func (g *Generator) sampleLast(logits *ml.Tensor) (int32, error) {
	t, v := logits.Dim(1), logits.Dim(2)
	row := logits.Data[(t-1)*v : t*v]
	return g.Sampler.Sample(row, g.Transforms...)
}

// Package kvcache stores key and value tensors for incremental decoding.
//
// Each layer owns a fixed-capacity pair of buffers indexed by absolute
// position. When a write would land past the last slot the buffer is shifted
// left by one step, evicting the oldest position: a sliding window over
// absolute positions realized by an explicit data move, not modulo
// arithmetic.
package kvcache

import (
	"fmt"

	"github.com/neoxlm/neoxlm/ml"
)

// Entry is the per-layer key/value buffer pair. Keys and Values are shaped
// [batch, maxSeqLength, kvHeads, dim] with possibly different key and value
// dims. An Entry is exclusively owned by the forward call mutating it;
// concurrent writes must be serialized by the caller.
type Entry struct {
	Keys   *ml.Tensor
	Values *ml.Tensor

	maxSeqLength int
}

// Cache holds one Entry per transformer layer.
type Cache struct {
	Layers []*Entry
}

// NewCausal allocates zeroed cache buffers for every layer.
func NewCausal(nLayer, batch, maxSeqLength, kvHeads, keyDim, valueDim int) *Cache {
	c := &Cache{Layers: make([]*Entry, nLayer)}
	for i := range c.Layers {
		c.Layers[i] = &Entry{
			Keys:         ml.New(batch, maxSeqLength, kvHeads, keyDim),
			Values:       ml.New(batch, maxSeqLength, kvHeads, valueDim),
			maxSeqLength: maxSeqLength,
		}
	}
	return c
}

// MaxSeqLength returns the per-layer capacity in positions.
func (c *Cache) MaxSeqLength() int {
	if len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[0].maxSeqLength
}

// Write stores k and v at the given absolute positions and returns the
// positions actually written, which differ from the request only when the
// eviction shift fired. k and v are [batch, T, kvHeads, dim] with
// T == len(positions); any mismatch is a programmer error and panics.
//
// If the highest requested position reaches capacity, the whole buffer is
// shifted left one step and the write lands on the last slot. The shift
// handles single-token decode steps only: a multi-token write past capacity
// has no defined slot assignment and panics.
func (e *Entry) Write(positions []int32, k, v *ml.Tensor) []int32 {
	if len(positions) != k.Dim(1) || len(positions) != v.Dim(1) {
		panic(fmt.Sprintf("kvcache: %d positions for %d keys and %d values", len(positions), k.Dim(1), v.Dim(1)))
	}
	if len(positions) == 0 {
		return positions
	}

	if int(positions[len(positions)-1]) >= e.maxSeqLength {
		if len(positions) != 1 {
			panic(fmt.Sprintf("kvcache: eviction shift supports single-position writes, got %d positions ending at %d with capacity %d",
				len(positions), positions[len(positions)-1], e.maxSeqLength))
		}
		e.shiftLeft()
		positions = []int32{int32(e.maxSeqLength - 1)}
	}

	e.copyAt(e.Keys, positions, k)
	e.copyAt(e.Values, positions, v)
	return positions
}

func (e *Entry) copyAt(dst *ml.Tensor, positions []int32, src *ml.Tensor) {
	batch := dst.Dim(0)
	rowSize := dst.Dim(2) * dst.Dim(3)
	seqStride := e.maxSeqLength * rowSize
	srcSeq := src.Dim(1)
	for b := 0; b < batch; b++ {
		for t, pos := range positions {
			if pos < 0 || int(pos) >= e.maxSeqLength {
				panic(fmt.Sprintf("kvcache: position %d out of range [0,%d)", pos, e.maxSeqLength))
			}
			from := src.Data[(b*srcSeq+t)*rowSize : (b*srcSeq+t+1)*rowSize]
			to := dst.Data[b*seqStride+int(pos)*rowSize : b*seqStride+(int(pos)+1)*rowSize]
			copy(to, from)
		}
	}
}

// shiftLeft moves every position down by one, dropping position 0.
func (e *Entry) shiftLeft() {
	for _, t := range []*ml.Tensor{e.Keys, e.Values} {
		batch := t.Dim(0)
		rowSize := t.Dim(2) * t.Dim(3)
		seqStride := e.maxSeqLength * rowSize
		for b := 0; b < batch; b++ {
			buf := t.Data[b*seqStride : (b+1)*seqStride]
			copy(buf[:seqStride-rowSize], buf[rowSize:])
			// last slot is about to be overwritten by the pending write
		}
	}
}

// Reset zeroes all layer buffers.
func (c *Cache) Reset() {
	for _, e := range c.Layers {
		for i := range e.Keys.Data {
			e.Keys.Data[i] = 0
		}
		for i := range e.Values.Data {
			e.Values.Data[i] = 0
		}
	}
}

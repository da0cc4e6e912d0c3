package model

import (
	"fmt"
	"math"

	"github.com/neoxlm/neoxlm/ml"
)

// RopeTable holds the precomputed rotary embedding tables. Cos and Sin are
// [maxPositions, rotatedDims/2]. The table is read-only once built and is
// shared by every layer of a forward pass.
type RopeTable struct {
	Cos *ml.Tensor
	Sin *ml.Tensor
}

// BuildRopeTable precomputes cos/sin tables for rotary embedding.
//
// theta_i = base^(-2i/nElem) for i in [0, nElem/2); position p contributes
// angle (p/condenseRatio)*theta_i. Angles are computed in float64 and the
// narrowed to dtype afterwards, so the tables match the precision of the
// query/key tensors they rotate.
func BuildRopeTable(seqLen, nElem int, dtype ml.DType, base, condenseRatio int) RopeTable {
	if nElem%2 != 0 {
		panic(fmt.Sprintf("model: rotated dims must be even, got %d", nElem))
	}
	half := nElem / 2
	cos := ml.New(seqLen, half)
	sin := ml.New(seqLen, half)

	theta := make([]float64, half)
	for i := 0; i < half; i++ {
		theta[i] = 1 / math.Pow(float64(base), float64(2*i)/float64(nElem))
	}
	for p := 0; p < seqLen; p++ {
		pos := float64(p) / float64(condenseRatio)
		for i := 0; i < half; i++ {
			angle := pos * theta[i]
			cos.Data[p*half+i] = dtype.Narrow(float32(math.Cos(angle)))
			sin.Data[p*half+i] = dtype.Narrow(float32(math.Sin(angle)))
		}
	}
	return RopeTable{Cos: cos, Sin: sin}
}

// tile repeats the table factor times along the sequence axis. Used by the
// re-rope modes, which trade positional fidelity past the canonical length
// for a short table: position i reads row i mod canonicalLen.
func (t RopeTable) tile(factor int) RopeTable {
	if factor <= 1 {
		return t
	}
	rows, cols := t.Cos.Shape[0], t.Cos.Shape[1]
	cos := ml.New(rows*factor, cols)
	sin := ml.New(rows*factor, cols)
	for f := 0; f < factor; f++ {
		copy(cos.Data[f*rows*cols:], t.Cos.Data)
		copy(sin.Data[f*rows*cols:], t.Sin.Data)
	}
	return RopeTable{Cos: cos, Sin: sin}
}

// buildRopeCache builds the table for a config, applying the re-rope tiling
// when configured.
func buildRopeCache(c *Config) RopeTable {
	nElem := c.RotaryDims()
	if n := c.IntradocMask.reRopeLength(); n != 0 {
		table := BuildRopeTable(n, nElem, c.RopeDType, c.RopeBase, c.CondenseRatio)
		return table.tile(c.BlockSize / n)
	}
	return BuildRopeTable(c.BlockSize, nElem, c.RopeDType, c.RopeBase, c.CondenseRatio)
}

// applyRope rotates the first nElem dims of every row of x, reading table
// rows through positions. x is [T, headSize]; positions has length T and
// holds the absolute position of each row. The rotation is split-halves:
// pair (i, i+nElem/2) rotates by the angle of frequency column i.
func applyRope(x *ml.Tensor, table RopeTable, positions []int32) *ml.Tensor {
	rows, width := x.Shape[0], x.Shape[1]
	half := table.Cos.Shape[1]
	nElem := half * 2
	if nElem > width {
		panic(fmt.Sprintf("model: cannot rotate %d dims of a %d-wide head", nElem, width))
	}
	out := x.Clone()
	for r := 0; r < rows; r++ {
		pos := int(positions[r])
		cosRow := table.Cos.Data[pos*half : (pos+1)*half]
		sinRow := table.Sin.Data[pos*half : (pos+1)*half]
		row := x.Data[r*width : (r+1)*width]
		dst := out.Data[r*width : (r+1)*width]
		for i := 0; i < half; i++ {
			x1, x2 := row[i], row[i+half]
			dst[i] = x1*cosRow[i] - x2*sinRow[i]
			dst[i+half] = x2*cosRow[i] + x1*sinRow[i]
		}
	}
	return out
}

// applyRopeGrad propagates a gradient through applyRope: the inverse
// rotation, i.e. the same rotation with the angle negated.
func applyRopeGrad(dy *ml.Tensor, table RopeTable, positions []int32) *ml.Tensor {
	rows, width := dy.Shape[0], dy.Shape[1]
	half := table.Cos.Shape[1]
	out := dy.Clone()
	for r := 0; r < rows; r++ {
		pos := int(positions[r])
		cosRow := table.Cos.Data[pos*half : (pos+1)*half]
		sinRow := table.Sin.Data[pos*half : (pos+1)*half]
		row := dy.Data[r*width : (r+1)*width]
		dst := out.Data[r*width : (r+1)*width]
		for i := 0; i < half; i++ {
			d1, d2 := row[i], row[i+half]
			dst[i] = d1*cosRow[i] + d2*sinRow[i]
			dst[i+half] = d2*cosRow[i] - d1*sinRow[i]
		}
	}
	return out
}

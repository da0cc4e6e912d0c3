package ml

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the storage precision of narrowed values. Compute always
// happens in float32; narrowing matters where tables must match the dtype of
// downstream tensors (rotary embedding caches in particular), since a
// mismatch silently changes attention curvature.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	}
	return "unknown"
}

// Narrow rounds v to the target precision and widens it back to float32.
// F16 rounds to nearest even; BF16 truncates the mantissa. Both are
// deterministic across platforms.
func (d DType) Narrow(v float32) float32 {
	switch d {
	case DTypeF16:
		return float16.Fromfloat32(v).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	default:
		return v
	}
}

// NarrowSlice narrows every element of s in place and returns it.
func (d DType) NarrowSlice(s []float32) []float32 {
	if d == DTypeF32 {
		return s
	}
	for i, v := range s {
		s[i] = d.Narrow(v)
	}
	return s
}

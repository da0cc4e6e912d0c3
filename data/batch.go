// Package data supplies token batches to the training loop. Examples carry
// sequence+1 tokens so inputs and shifted targets come from one window, and
// optionally per-example document fragment lengths for segmented attention
// masking.
package data

import "fmt"

// FragmentPad is the sentinel padding fragment-length arrays to a fixed
// width. Entries past the valid count hold this value.
const FragmentPad = -1

// Batch is one training batch. IDs is [batch, sequence+1]; a model input is
// IDs[i][:T] and its target IDs[i][1:T+1]. FragmentLens/FragmentNums are nil
// unless the source tracks document boundaries.
type Batch struct {
	IDs          [][]int32
	FragmentLens [][]int32
	FragmentNums []int32
}

// Inputs returns the [batch, sequence] model inputs.
func (b *Batch) Inputs() [][]int32 {
	out := make([][]int32, len(b.IDs))
	for i, row := range b.IDs {
		out[i] = row[:len(row)-1]
	}
	return out
}

// Targets returns the shifted [batch, sequence] prediction targets.
func (b *Batch) Targets() [][]int32 {
	out := make([][]int32, len(b.IDs))
	for i, row := range b.IDs {
		out[i] = row[1:]
	}
	return out
}

// CuSeqLens flattens the batch's valid fragment lengths into prefix sums
// over the concatenated token stream, starting at 0. It validates what the
// attention contract assumes: positive lengths, counts within bounds, and
// each example's fragments summing to at most blockSize.
func CuSeqLens(b *Batch, blockSize int) ([]int32, error) {
	if b.FragmentLens == nil || b.FragmentNums == nil {
		return nil, fmt.Errorf("data: batch has no fragment data")
	}
	if len(b.FragmentLens) != len(b.IDs) || len(b.FragmentNums) != len(b.IDs) {
		return nil, fmt.Errorf("data: fragment data for %d/%d examples, batch is %d", len(b.FragmentLens), len(b.FragmentNums), len(b.IDs))
	}
	cu := make([]int32, 1, len(b.IDs)*8)
	for i := range b.FragmentLens {
		n := int(b.FragmentNums[i])
		if n <= 0 || n > len(b.FragmentLens[i]) {
			return nil, fmt.Errorf("data: example %d claims %d fragments, %d provided", i, n, len(b.FragmentLens[i]))
		}
		var sum int
		for _, l := range b.FragmentLens[i][:n] {
			if l <= 0 {
				return nil, fmt.Errorf("data: example %d has non-positive fragment length %d", i, l)
			}
			sum += int(l)
			cu = append(cu, cu[len(cu)-1]+l)
		}
		if sum > blockSize {
			return nil, fmt.Errorf("data: example %d fragments cover %d tokens, block size is %d", i, sum, blockSize)
		}
	}
	return cu, nil
}

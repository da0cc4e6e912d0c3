package model

// CausalMask is a lower-triangular boolean matrix: Allowed(i, j) is true iff
// j <= i. It is built once per model at block size and used only on the
// incremental-decoding path, where its rows are selected by the absolute
// positions of the current tokens and its columns trimmed to the active
// max sequence length.
type CausalMask struct {
	size int
	bits []bool
}

// BuildCausalMask builds the lower-triangular mask for blockSize positions.
func BuildCausalMask(blockSize int) *CausalMask {
	m := &CausalMask{size: blockSize, bits: make([]bool, blockSize*blockSize)}
	for i := 0; i < blockSize; i++ {
		for j := 0; j <= i; j++ {
			m.bits[i*blockSize+j] = true
		}
	}
	return m
}

// Allowed reports whether query position i may attend to key position j.
func (m *CausalMask) Allowed(i, j int) bool {
	return m.bits[i*m.size+j]
}

// Rows returns the mask rows for the given absolute positions, each trimmed
// to maxSeqLength columns. Row t of the result governs which cache slots the
// t-th current token may attend to.
func (m *CausalMask) Rows(positions []int32, maxSeqLength int) [][]bool {
	rows := make([][]bool, len(positions))
	for t, pos := range positions {
		rows[t] = m.bits[int(pos)*m.size : int(pos)*m.size+maxSeqLength]
	}
	return rows
}

package model

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/neoxlm/neoxlm/kvcache"
	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/ml/nn"
)

// GPT is the full decoder-only model: token embedding, the block stack,
// final norm and the vocabulary projection. It owns the lazily built rotary
// table, causal mask and per-layer kv cache. A single GPT instance must not
// run concurrent forward calls, and reset operations must not overlap a
// forward call in flight.
type GPT struct {
	Config Config

	WTE    *nn.Embedding
	Blocks []*Block
	LnF    norm
	LMHead *nn.Linear

	rope      *RopeTable
	maskCache *CausalMask
	kvCache   *kvcache.Cache
	kvMaxSeq  int
}

// New constructs a model with zeroed weights. Call InitWeights before
// training from scratch.
func New(c Config) (*GPT, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m := &GPT{
		Config: c,
		WTE:    nn.NewEmbedding(c.VocabSize, c.NEmbd),
		Blocks: make([]*Block, c.NLayer),
		LnF:    newNorm(&c),
		LMHead: nn.NewLinear(c.NEmbd, c.VocabSize, false),
	}
	// blocks read the config through the model instance so a rope rebase
	// is visible everywhere
	for i := range m.Blocks {
		m.Blocks[i] = newBlock(&m.Config)
	}
	return m, nil
}

// InitWeights draws all weights from a zero-mean normal with std
// sqrt(2/(5*nEmbd)), then narrows the output projections of attention and
// feed-forward by depth to std 1/(sqrt(nEmbd)*nLayer). This is the GPT-NeoX
// small-init scheme.
func (m *GPT) InitWeights(src rand.Source, nLayer int) {
	base := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2.0 / 5.0 / float64(m.Config.NEmbd)), Src: src}
	proj := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(m.Config.NEmbd)) / float64(nLayer), Src: src}

	fill := func(t *ml.Tensor, d distuv.Normal) {
		for i := range t.Data {
			t.Data[i] = float32(d.Rand())
		}
	}
	fill(m.WTE.Weight, base)
	fill(m.LMHead.Weight, base)
	for _, blk := range m.Blocks {
		fill(blk.Attn.Attn.Weight, base)
		fill(blk.Attn.Proj.Weight, proj)
		switch mlp := blk.MLP.(type) {
		case *GptNeoxMLP:
			fill(mlp.Fc.Weight, base)
			fill(mlp.Proj.Weight, proj)
		case *LLaMAMLP:
			fill(mlp.W1.Weight, base)
			fill(mlp.W2.Weight, base)
			fill(mlp.Proj.Weight, proj)
		}
	}
}

// Params returns every trainable tensor with gradient buffers allocated.
func (m *GPT) Params() []*ml.Tensor {
	params := m.WTE.Params()
	for _, blk := range m.Blocks {
		params = append(params, blk.Params()...)
	}
	params = append(params, m.LnF.Params()...)
	params = append(params, m.LMHead.Params()...)
	for _, p := range params {
		p.RequireGrad()
	}
	return params
}

// NumParameters returns the total trainable parameter count.
func (m *GPT) NumParameters() uint64 {
	var n uint64
	for _, p := range m.Params() {
		n += uint64(p.Size())
	}
	return n
}

// ForwardOptions are the optional inputs of a forward call.
type ForwardOptions struct {
	// MaxSeqLength bounds the attendable history in incremental mode.
	// Zero means the configured block size.
	MaxSeqLength int

	// Positions holds the absolute position of every input token. Setting
	// it selects incremental-decoding mode.
	Positions []int32

	// FragmentLens and FragmentNums describe document boundaries inside
	// each packed example: per-example fragment lengths padded with -1,
	// and the count of valid entries. Required when document-segmented
	// masking runs.
	FragmentLens [][]int32
	FragmentNums []int32

	// ForceMasking runs the document-segmented path even outside training.
	ForceMasking bool

	// WindowSize, when positive, overrides the configured sliding window
	// for this call. The explicit argument always wins over config.
	WindowSize int

	// ForceReference forces the reference attention kernel regardless of
	// the capability probe.
	ForceReference bool
}

// Forward computes logits [B, T, vocab] for ids [B, T]. Incremental mode is
// selected by opts.Positions and reuses the per-layer kv cache.
func (m *GPT) Forward(ids [][]int32, opts ForwardOptions) (*ml.Tensor, error) {
	return m.forward(ids, opts, nil, false)
}

// Tape holds one training forward pass's activations for Backward.
type Tape struct {
	ids    []int32
	emb    *ml.Tensor
	blocks []blockTape
	stack  *ml.Tensor // block stack output [B, T, C]
	normed *ml.Tensor // final norm output [B*T, C]
}

// ForwardTrain runs a training-mode forward pass, retaining activations for
// Backward. Document-segmented masking, when configured, is active and
// requires fragment data in opts.
func (m *GPT) ForwardTrain(ids [][]int32, opts ForwardOptions) (*Tape, *ml.Tensor, error) {
	tape := &Tape{blocks: make([]blockTape, m.Config.NLayer)}
	logits, err := m.forward(ids, opts, tape, true)
	if err != nil {
		return nil, nil, err
	}
	return tape, logits, nil
}

func (m *GPT) forward(ids [][]int32, opts ForwardOptions, tape *Tape, training bool) (*ml.Tensor, error) {
	b := len(ids)
	if b == 0 {
		return nil, fmt.Errorf("model: empty batch")
	}
	t := len(ids[0])
	for i := range ids {
		if len(ids[i]) != t {
			return nil, fmt.Errorf("model: ragged batch: example 0 has %d tokens, example %d has %d", t, i, len(ids[i]))
		}
	}

	blockSize := m.Config.BlockSize
	if t > blockSize {
		return nil, fmt.Errorf("model: cannot forward sequence of length %d, block size is only %d", t, blockSize)
	}

	useKV := opts.Positions != nil
	maxSeqLength := opts.MaxSeqLength
	if maxSeqLength == 0 {
		maxSeqLength = blockSize
	}
	if maxSeqLength > blockSize {
		return nil, fmt.Errorf("model: cannot attend to %d positions, block size is only %d", maxSeqLength, blockSize)
	}
	if useKV {
		if training {
			return nil, fmt.Errorf("model: incremental decoding is not a training mode")
		}
		if len(opts.Positions) != t {
			return nil, fmt.Errorf("model: %d positions for %d tokens", len(opts.Positions), t)
		}
		if maxSeqLength < t {
			return nil, fmt.Errorf("model: cannot forward sequence of length %d, max seq length is only %d", t, maxSeqLength)
		}
	}

	var cuSeqLens []int32
	if opts.ForceMasking || (m.Config.IntradocMask.Enabled() && training) {
		var err error
		cuSeqLens, err = buildCuSeqLens(opts.FragmentLens, opts.FragmentNums, b, t, blockSize)
		if err != nil {
			return nil, err
		}
	}

	if m.rope == nil {
		slog.Info("building rope cache", "base", m.Config.RopeBase, "mode", string(m.Config.IntradocMask))
		table := buildRopeCache(&m.Config)
		m.rope = &table
	}
	if useKV {
		if m.maskCache == nil {
			m.maskCache = BuildCausalMask(blockSize)
		}
		if m.kvCache == nil {
			m.kvCache = kvcache.NewCausal(m.Config.NLayer, b, maxSeqLength, m.Config.NQueryGroups, m.Config.HeadSize, m.Config.HeadSize)
			m.kvMaxSeq = maxSeqLength
		} else if maxSeqLength != m.kvMaxSeq {
			return nil, fmt.Errorf("model: kv cache was allocated for max seq length %d, got %d; call ResetCache to resize", m.kvMaxSeq, maxSeqLength)
		}
		if got := m.kvCache.Layers[0].Keys.Dim(0); got != b {
			return nil, fmt.Errorf("model: kv cache was allocated for batch %d, got %d; call ResetCache to resize", got, b)
		}
	}

	windowSize := m.Config.WindowSize
	if opts.WindowSize > 0 {
		windowSize = opts.WindowSize
	}

	flatIDs := make([]int32, 0, b*t)
	for _, row := range ids {
		flatIDs = append(flatIDs, row...)
	}
	x := m.WTE.Forward(flatIDs).Reshape(b, t, m.Config.NEmbd)

	if tape != nil {
		tape.ids = flatIDs
		tape.emb = x
	}

	for i, blk := range m.Blocks {
		layerOpts := attnOptions{
			rope:           *m.rope,
			maxSeqLength:   maxSeqLength,
			cuSeqLens:      cuSeqLens,
			windowSize:     windowSize,
			forceReference: opts.ForceReference,
		}
		if useKV {
			layerOpts.positions = opts.Positions
			layerOpts.maskRows = m.maskCache.Rows(opts.Positions, maxSeqLength)
			layerOpts.cache = m.kvCache.Layers[i]
		}
		var bt *blockTape
		if tape != nil {
			bt = &tape.blocks[i]
		}
		x = blk.Forward(x, layerOpts, bt)
	}

	flat := x.Reshape(b*t, m.Config.NEmbd)
	normed := m.LnF.Forward(flat)
	if tape != nil {
		tape.stack = x
		tape.normed = normed
	}
	logits := m.LMHead.Forward(normed)
	return logits.Reshape(b, t, m.Config.VocabSize), nil
}

// Backward propagates dLogits [B, T, vocab] through the taped forward pass,
// accumulating into all parameter gradients.
func (m *GPT) Backward(tape *Tape, dLogits *ml.Tensor) {
	b, t := tape.stack.Dim(0), tape.stack.Dim(1)
	c := m.Config.NEmbd

	dNormed := m.LMHead.Backward(tape.normed, dLogits.Reshape(b*t, m.Config.VocabSize))
	dx := m.LnF.Backward(tape.stack.Reshape(b*t, c), dNormed).Reshape(b, t, c)

	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx = m.Blocks[i].Backward(&tape.blocks[i], dx)
	}
	m.WTE.Backward(tape.ids, dx.Reshape(b*t, c))
}

// ResetCache clears incremental-decoding state between generation sessions.
// The rotary table and causal mask survive, they are position-indexed and
// independent of cache contents.
func (m *GPT) ResetCache() {
	m.kvCache = nil
	m.kvMaxSeq = 0
}

// ResetRopeCache replaces the rotary frequency base and invalidates the
// rotary table, forcing a rebuild on next use. Callers are responsible for
// applying the same rebase on every replica.
func (m *GPT) ResetRopeCache(newBase int) {
	slog.Info("resetting rope cache", "base", newBase)
	m.Config.RopeBase = newBase
	m.rope = nil
}

// buildCuSeqLens flattens the valid fragment lengths of each example into
// prefix sums over the concatenated [B*T] token stream. The result starts
// at 0, is monotone increasing, and must partition the stream exactly;
// attention segments never cross the boundaries it defines.
func buildCuSeqLens(fragmentLens [][]int32, fragmentNums []int32, b, t, blockSize int) ([]int32, error) {
	if fragmentLens == nil || fragmentNums == nil {
		return nil, fmt.Errorf("model: document-segmented masking requires fragment lengths and counts")
	}
	if len(fragmentLens) != b || len(fragmentNums) != b {
		return nil, fmt.Errorf("model: fragment data for %d/%d examples, batch is %d", len(fragmentLens), len(fragmentNums), b)
	}
	cu := make([]int32, 1, b*8)
	for i := range fragmentLens {
		n := int(fragmentNums[i])
		if n <= 0 || n > len(fragmentLens[i]) {
			return nil, fmt.Errorf("model: example %d claims %d fragments, %d provided", i, n, len(fragmentLens[i]))
		}
		var sum int
		for _, l := range fragmentLens[i][:n] {
			if l <= 0 {
				return nil, fmt.Errorf("model: example %d has non-positive fragment length %d", i, l)
			}
			sum += int(l)
			cu = append(cu, cu[len(cu)-1]+l)
		}
		if sum > blockSize {
			return nil, fmt.Errorf("model: example %d fragments cover %d tokens, block size is %d", i, sum, blockSize)
		}
		if sum != t {
			return nil, fmt.Errorf("model: example %d fragments cover %d of %d tokens", i, sum, t)
		}
	}
	return cu, nil
}

package model

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/neoxlm/neoxlm/envconfig"
	"github.com/neoxlm/neoxlm/kvcache"
	"github.com/neoxlm/neoxlm/ml"
	"github.com/neoxlm/neoxlm/ml/nn"
)

// attnPath identifies which kernel computes a forward call. The choice is
// made once per call: the fused streaming kernel runs whenever no explicit
// mask tensor is involved and nothing forces the reference path; the
// reference kernel materializes score matrices and accepts arbitrary
// boolean masks.
type attnPath int

const (
	pathFused attnPath = iota
	pathReference
)

// attentionPath is the capability probe for kernel dispatch.
func attentionPath(maskProvided, forceReference bool) attnPath {
	if maskProvided || forceReference {
		return pathReference
	}
	return pathFused
}

// attnOptions carries the per-call inputs of an attention forward pass,
// resolved by the model before the layer stack runs.
type attnOptions struct {
	rope         RopeTable
	maxSeqLength int

	// incremental decoding
	maskRows  [][]bool
	positions []int32
	cache     *kvcache.Entry

	// training document segmentation: prefix sums over the flattened valid
	// fragment lengths, cuSeqLens[0] == 0, last element == B*T
	cuSeqLens []int32

	// trailing window of attendable positions; <= 0 means unrestricted.
	// An explicit per-call window always wins over the config value.
	windowSize int

	// test hook forcing the reference kernel
	forceReference bool
}

func (o *attnOptions) incremental() bool { return o.positions != nil }

// CausalSelfAttention projects the input to all query, key and value heads
// in one fused matmul, applies rotary embedding, and computes causal scaled
// dot-product attention. Multi-head, multi-query and grouped-query layouts
// are all expressed through the number of query groups.
type CausalSelfAttention struct {
	Attn *nn.Linear // fused qkv projection, width (nHead + 2*nQueryGroups)*headSize
	Proj *nn.Linear

	cfg    *Config
	usePos bool
}

func newCausalSelfAttention(c *Config) *CausalSelfAttention {
	return &CausalSelfAttention{
		Attn:   nn.NewLinear(c.NEmbd, c.QKVSize(), c.Bias),
		Proj:   nn.NewLinear(c.NHead*c.HeadSize, c.NEmbd, c.Bias),
		cfg:    c,
		usePos: c.PositionalEmbedding != PositionalNone,
	}
}

// attnTape captures the activations the backward pass needs. Probabilities
// are not stored; backward recomputes each softmax row from the saved
// rotated heads.
type attnTape struct {
	in     *ml.Tensor   // forward input [B*T, C]
	q      []*ml.Tensor // per query head, [B*T, hs], post-rope
	k, v   []*ml.Tensor // per kv group, [B*T, hs], k post-rope
	merged *ml.Tensor   // [B*T, nHead*hs], pre-projection
	opts   attnOptions
	b, t   int
}

// Forward runs attention over x ([B, T, C]) and returns [B, T, C]. When
// opts.cache is set the call is an incremental-decoding step: new keys and
// values are written into the cache (evicting the oldest position if
// capacity is reached) and attention runs against the full resident cache.
// When tape is non-nil the activations needed for Backward are retained.
func (a *CausalSelfAttention) Forward(x *ml.Tensor, opts attnOptions, tape *attnTape) *ml.Tensor {
	b, t, c := x.Dim(0), x.Dim(1), x.Dim(2)
	hs := a.cfg.HeadSize
	nHead := a.cfg.NHead
	groups := a.cfg.NQueryGroups
	qPerKv := nHead / groups

	flat := x.Reshape(b*t, c)
	qkv := a.Attn.Forward(flat)

	// split the fused projection into per-head matrices; layout within each
	// token row is group-major: qPerKv query heads, one key, one value
	q := make([]*ml.Tensor, nHead)
	k := make([]*ml.Tensor, groups)
	v := make([]*ml.Tensor, groups)
	width := a.cfg.QKVSize()
	perGroup := (qPerKv + 2) * hs
	extract := func(offset int) *ml.Tensor {
		h := ml.New(b*t, hs)
		for row := 0; row < b*t; row++ {
			copy(h.Data[row*hs:(row+1)*hs], qkv.Data[row*width+offset:row*width+offset+hs])
		}
		return h
	}
	for h := 0; h < nHead; h++ {
		q[h] = extract((h/qPerKv)*perGroup + (h%qPerKv)*hs)
	}
	for g := 0; g < groups; g++ {
		k[g] = extract(g*perGroup + qPerKv*hs)
		v[g] = extract(g*perGroup + (qPerKv+1)*hs)
	}

	if a.usePos {
		positions := ropePositions(b, t, opts.positions)
		for h := range q {
			q[h] = applyRope(q[h], opts.rope, positions)
		}
		for g := range k {
			k[g] = applyRope(k[g], opts.rope, positions)
		}
	}

	var merged *ml.Tensor
	if opts.incremental() {
		merged = a.cachedAttention(b, t, q, k, v, &opts)
	} else {
		merged = a.batchAttention(b, t, q, k, v, &opts)
	}

	if tape != nil {
		tape.in = flat
		tape.q, tape.k, tape.v = q, k, v
		tape.merged = merged
		tape.opts = opts
		tape.b, tape.t = b, t
	}

	out := a.Proj.Forward(merged)
	return out.Reshape(b, t, a.cfg.NEmbd)
}

// ropePositions returns the absolute position of every flattened token row.
func ropePositions(b, t int, explicit []int32) []int32 {
	positions := make([]int32, b*t)
	for i := range positions {
		if explicit != nil {
			positions[i] = explicit[i%t]
		} else {
			positions[i] = int32(i % t)
		}
	}
	return positions
}

// cachedAttention is the incremental-decoding path: write-through to the
// kv cache, then mask-based reference attention over the resident buffers.
func (a *CausalSelfAttention) cachedAttention(b, t int, q, k, v []*ml.Tensor, opts *attnOptions) *ml.Tensor {
	hs := a.cfg.HeadSize
	nHead := a.cfg.NHead
	qPerKv := nHead / a.cfg.NQueryGroups
	scale := float32(1 / math.Sqrt(float64(hs)))
	maxSeq := opts.maxSeqLength

	// regroup the flattened [B*T, hs] heads into cache layout [B, T, G, hs]
	groups := a.cfg.NQueryGroups
	kw := ml.New(b, t, groups, hs)
	vw := ml.New(b, t, groups, hs)
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			for g := 0; g < groups; g++ {
				row := bi*t + ti
				dst := (bi*t+ti)*groups*hs + g*hs
				copy(kw.Data[dst:dst+hs], k[g].Data[row*hs:(row+1)*hs])
				copy(vw.Data[dst:dst+hs], v[g].Data[row*hs:(row+1)*hs])
			}
		}
	}
	written := opts.cache.Write(opts.positions, kw, vw)
	if len(written) != len(opts.positions) || written[0] != opts.positions[0] {
		// eviction fired: every resident position slid down one slot and the
		// mask rows must follow the clamped write position
		opts.positions = written
		opts.maskRows = nil
	}

	expandedK, expandedV := expandKVHeads(opts.cache, qPerKv)

	out := ml.New(b*t, nHead*hs)
	run := parallel()
	for bi := 0; bi < b; bi++ {
		for h := 0; h < nHead; h++ {
			bi, h := bi, h
			run.Go(func() error {
				kh, vh := expandedK[h], expandedV[h]
				scores := make([]float32, maxSeq)
				for ti := 0; ti < t; ti++ {
					qRow := q[h].Data[(bi*t+ti)*hs : (bi*t+ti+1)*hs]
					var maskRow []bool
					if opts.maskRows != nil {
						maskRow = opts.maskRows[ti]
					}
					for j := 0; j < maxSeq; j++ {
						if maskRow != nil && !maskRow[j] {
							scores[j] = float32(math.Inf(-1))
							continue
						}
						scores[j] = dot(qRow, cacheRow(kh, bi, j, hs)) * scale
					}
					softmaxInto(scores)
					dst := out.Data[(bi*t+ti)*nHead*hs+h*hs : (bi*t+ti)*nHead*hs+(h+1)*hs]
					for j := 0; j < maxSeq; j++ {
						p := scores[j]
						if p == 0 {
							continue
						}
						axpy(p, cacheRow(vh, bi, j, hs), dst)
					}
				}
				return nil
			})
		}
	}
	if err := run.Wait(); err != nil {
		panic(err)
	}
	return out
}

// expandKVHeads replicates each cached key/value head qPerKv times so the
// reference kernel sees one kv head per query head. Replication is by
// reference: expanded[h] aliases the group buffer of h/qPerKv.
func expandKVHeads(cache *kvcache.Entry, qPerKv int) (keys, values []*ml.Tensor) {
	groups := cache.Keys.Dim(2)
	gk := make([]*ml.Tensor, groups)
	gv := make([]*ml.Tensor, groups)
	for g := 0; g < groups; g++ {
		gk[g] = groupView(cache.Keys, g)
		gv[g] = groupView(cache.Values, g)
	}
	keys = make([]*ml.Tensor, groups*qPerKv)
	values = make([]*ml.Tensor, groups*qPerKv)
	for h := range keys {
		keys[h] = gk[h/qPerKv]
		values[h] = gv[h/qPerKv]
	}
	return keys, values
}

// groupView extracts kv group g from a cache buffer [B, S, G, hs] as a
// contiguous [B, S, hs] tensor.
func groupView(t *ml.Tensor, g int) *ml.Tensor {
	b, s, groups, hs := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	out := ml.New(b, s, hs)
	for bi := 0; bi < b; bi++ {
		for j := 0; j < s; j++ {
			src := ((bi*s+j)*groups + g) * hs
			copy(out.Data[(bi*s+j)*hs:(bi*s+j+1)*hs], t.Data[src:src+hs])
		}
	}
	return out
}

func cacheRow(t *ml.Tensor, b, j, hs int) []float32 {
	s := t.Dim(1)
	off := (b*s + j) * hs
	return t.Data[off : off+hs]
}

// batchAttention is the training/full-sequence path. Queries, keys and
// values are flattened across batch and sequence; the attendable key range
// of every query is a contiguous span determined by causality, the optional
// document segmentation and the optional sliding window, so both kernels
// walk [lo, u] spans that never cross an example or document boundary.
func (a *CausalSelfAttention) batchAttention(b, t int, q, k, v []*ml.Tensor, opts *attnOptions) *ml.Tensor {
	hs := a.cfg.HeadSize
	nHead := a.cfg.NHead
	qPerKv := nHead / a.cfg.NQueryGroups
	scale := float32(1 / math.Sqrt(float64(hs)))
	span := newAttnSpan(b, t, opts)
	path := attentionPath(false, opts.forceReference)

	out := ml.New(b*t, nHead*hs)
	run := parallel()
	for h := 0; h < nHead; h++ {
		h := h
		run.Go(func() error {
			g := h / qPerKv
			switch path {
			case pathFused:
				fusedHead(q[h], k[g], v[g], out, h, nHead, hs, scale, span)
			default:
				referenceHead(q[h], k[g], v[g], out, h, nHead, hs, scale, span)
			}
			return nil
		})
	}
	if err := run.Wait(); err != nil {
		panic(err)
	}
	return out
}

// attnSpan computes, for each flattened query index u, the contiguous range
// of attendable key indices [Lo(u), u].
type attnSpan struct {
	t      int
	window int
	cu     []int32
	// segOf[u] is the flattened start index of u's segment; nil without
	// document segmentation
	segOf []int32
}

func newAttnSpan(b, t int, opts *attnOptions) *attnSpan {
	s := &attnSpan{t: t, window: opts.windowSize}
	if opts.cuSeqLens != nil {
		s.cu = opts.cuSeqLens
		s.segOf = make([]int32, b*t)
		for i := 0; i+1 < len(s.cu); i++ {
			for u := s.cu[i]; u < s.cu[i+1]; u++ {
				s.segOf[u] = s.cu[i]
			}
		}
	}
	return s
}

// Lo returns the lowest key index query u may attend to.
func (s *attnSpan) Lo(u int) int {
	lo := u - u%s.t // example start
	if s.segOf != nil {
		lo = int(s.segOf[u])
	}
	if s.window > 0 {
		if w := u - (s.window - 1); w > lo {
			lo = w
		}
	}
	return lo
}

// fusedHead is the high-throughput kernel: a streaming online-softmax walk
// over the attendable span, never materializing the score matrix.
func fusedHead(q, k, v, out *ml.Tensor, h, nHead, hs int, scale float32, span *attnSpan) {
	n := q.Dim(0)
	acc := make([]float32, hs)
	for u := 0; u < n; u++ {
		qRow := q.Data[u*hs : (u+1)*hs]
		lo := span.Lo(u)

		var runMax float32 = float32(math.Inf(-1))
		var runSum float32
		for i := range acc {
			acc[i] = 0
		}
		for j := lo; j <= u; j++ {
			s := dot(qRow, k.Data[j*hs:(j+1)*hs]) * scale
			if s > runMax {
				correction := float32(math.Exp(float64(runMax - s)))
				for i := range acc {
					acc[i] *= correction
				}
				runSum *= correction
				runMax = s
			}
			p := float32(math.Exp(float64(s - runMax)))
			runSum += p
			axpy(p, v.Data[j*hs:(j+1)*hs], acc)
		}
		dst := out.Data[u*nHead*hs+h*hs : u*nHead*hs+(h+1)*hs]
		inv := 1 / runSum
		for i := range acc {
			dst[i] = acc[i] * inv
		}
	}
}

// referenceHead materializes each softmax row explicitly. Slower, used when
// dispatch selects the reference path; results must agree with fusedHead.
func referenceHead(q, k, v, out *ml.Tensor, h, nHead, hs int, scale float32, span *attnSpan) {
	n := q.Dim(0)
	for u := 0; u < n; u++ {
		qRow := q.Data[u*hs : (u+1)*hs]
		lo := span.Lo(u)
		scores := make([]float32, u-lo+1)
		for j := lo; j <= u; j++ {
			scores[j-lo] = dot(qRow, k.Data[j*hs:(j+1)*hs]) * scale
		}
		softmaxInto(scores)
		dst := out.Data[u*nHead*hs+h*hs : u*nHead*hs+(h+1)*hs]
		for i := range dst {
			dst[i] = 0
		}
		for j := lo; j <= u; j++ {
			axpy(scores[j-lo], v.Data[j*hs:(j+1)*hs], dst)
		}
	}
}

// Backward recomputes softmax rows from the taped heads and accumulates
// gradients into both linear projections, returning d(input) as [B*T, C].
// Only the training (non-cached) paths support backward.
func (a *CausalSelfAttention) Backward(tape *attnTape, dy *ml.Tensor) *ml.Tensor {
	if tape.opts.incremental() {
		panic("model: attention backward is not defined for incremental decoding")
	}
	b, t := tape.b, tape.t
	hs := a.cfg.HeadSize
	nHead := a.cfg.NHead
	groups := a.cfg.NQueryGroups
	qPerKv := nHead / groups
	scale := float32(1 / math.Sqrt(float64(hs)))
	span := newAttnSpan(b, t, &tape.opts)

	dyFlat := dy.Reshape(b*t, a.cfg.NEmbd)
	dMerged := a.Proj.Backward(tape.merged, dyFlat)

	dq := make([]*ml.Tensor, nHead)
	dk := make([]*ml.Tensor, groups)
	dv := make([]*ml.Tensor, groups)
	for h := range dq {
		dq[h] = ml.New(b*t, hs)
	}
	for g := range dk {
		dk[g] = ml.New(b*t, hs)
		dv[g] = ml.New(b*t, hs)
	}

	// kv groups accumulate across their query heads, so parallelism is per
	// group rather than per head
	run := parallel()
	for g := 0; g < groups; g++ {
		g := g
		run.Go(func() error {
			for h := g * qPerKv; h < (g+1)*qPerKv; h++ {
				attentionHeadBackward(tape.q[h], tape.k[g], tape.v[g], dMerged, dq[h], dk[g], dv[g], h, nHead, hs, scale, span)
			}
			return nil
		})
	}
	if err := run.Wait(); err != nil {
		panic(err)
	}

	if a.usePos {
		positions := ropePositions(b, t, nil)
		for h := range dq {
			dq[h] = applyRopeGrad(dq[h], tape.opts.rope, positions)
		}
		for g := range dk {
			dk[g] = applyRopeGrad(dk[g], tape.opts.rope, positions)
		}
	}

	// reassemble the fused qkv gradient in projection layout
	width := a.cfg.QKVSize()
	perGroup := (qPerKv + 2) * hs
	dqkv := ml.New(b*t, width)
	inject := func(src *ml.Tensor, offset int) {
		for row := 0; row < b*t; row++ {
			copy(dqkv.Data[row*width+offset:row*width+offset+hs], src.Data[row*hs:(row+1)*hs])
		}
	}
	for h := 0; h < nHead; h++ {
		inject(dq[h], (h/qPerKv)*perGroup+(h%qPerKv)*hs)
	}
	for g := 0; g < groups; g++ {
		inject(dk[g], g*perGroup+qPerKv*hs)
		inject(dv[g], g*perGroup+(qPerKv+1)*hs)
	}

	return a.Attn.Backward(tape.in, dqkv)
}

// attentionHeadBackward recomputes the probabilities of one head and
// accumulates dq, dk, dv.
func attentionHeadBackward(q, k, v, dMerged, dq, dk, dv *ml.Tensor, h, nHead, hs int, scale float32, span *attnSpan) {
	n := q.Dim(0)
	for u := 0; u < n; u++ {
		qRow := q.Data[u*hs : (u+1)*hs]
		lo := span.Lo(u)
		probs := make([]float32, u-lo+1)
		for j := lo; j <= u; j++ {
			probs[j-lo] = dot(qRow, k.Data[j*hs:(j+1)*hs]) * scale
		}
		softmaxInto(probs)

		do := dMerged.Data[u*nHead*hs+h*hs : u*nHead*hs+(h+1)*hs]
		dp := make([]float32, len(probs))
		var dpDotP float32
		for j := lo; j <= u; j++ {
			dp[j-lo] = dot(do, v.Data[j*hs:(j+1)*hs])
			dpDotP += dp[j-lo] * probs[j-lo]
		}
		dqRow := dq.Data[u*hs : (u+1)*hs]
		for j := lo; j <= u; j++ {
			p := probs[j-lo]
			axpy(p, do, dv.Data[j*hs:(j+1)*hs])
			ds := p * (dp[j-lo] - dpDotP) * scale
			axpy(ds, k.Data[j*hs:(j+1)*hs], dqRow)
			axpy(ds, qRow, dk.Data[j*hs:(j+1)*hs])
		}
	}
}

// Params returns both projections' trainable tensors.
func (a *CausalSelfAttention) Params() []*ml.Tensor {
	return append(a.Attn.Params(), a.Proj.Params()...)
}

func parallel() *errgroup.Group {
	var g errgroup.Group
	g.SetLimit(envconfig.Threads())
	return &g
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// axpy computes dst += alpha * x.
func axpy(alpha float32, x, dst []float32) {
	for i := range dst {
		dst[i] += alpha * x[i]
	}
}

func softmaxInto(row []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		panic(fmt.Sprintf("model: softmax over fully masked row of %d scores", len(row)))
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

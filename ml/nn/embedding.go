package nn

import (
	"fmt"

	"github.com/neoxlm/neoxlm/ml"
)

// Embedding maps token ids to dense vectors. Weight is [vocab, dim].
type Embedding struct {
	Weight *ml.Tensor
}

// NewEmbedding creates a zero-initialized embedding table.
func NewEmbedding(vocab, dim int) *Embedding {
	return &Embedding{Weight: ml.New(vocab, dim).RequireGrad()}
}

// Forward gathers rows for ids, producing [len(ids), dim].
func (e *Embedding) Forward(ids []int32) *ml.Tensor {
	vocab, dim := e.Weight.Shape[0], e.Weight.Shape[1]
	out := ml.New(len(ids), dim)
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			panic(fmt.Sprintf("nn: token id %d out of vocabulary range [0,%d)", id, vocab))
		}
		copy(out.Data[i*dim:(i+1)*dim], e.Weight.Data[int(id)*dim:(int(id)+1)*dim])
	}
	return out
}

// Backward scatter-adds dy rows into the table gradient.
func (e *Embedding) Backward(ids []int32, dy *ml.Tensor) {
	dim := e.Weight.Shape[1]
	for i, id := range ids {
		row := e.Weight.Grad[int(id)*dim : (int(id)+1)*dim]
		src := dy.Data[i*dim : (i+1)*dim]
		for j, v := range src {
			row[j] += v
		}
	}
}

// Params returns the embedding table.
func (e *Embedding) Params() []*ml.Tensor {
	return []*ml.Tensor{e.Weight}
}

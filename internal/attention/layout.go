// Package attention implements grouped-query causal self-attention over
// rotary-encoded queries and keys.
package attention

import (
	"math"

	"github.com/23skdu/longbow-rotary/internal/rope"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// Layout holds the head constants derived once per model.
type Layout struct {
	NumHeads          int
	NumKeyValueHeads  int
	HeadDim           int
	NumKeyValueGroups int
	Scaling           float64
}

func NewLayout(dims rope.Dimensions) (Layout, error) {
	if err := dims.Validate(); err != nil {
		return Layout{}, err
	}
	headDim := dims.HeadDimension()
	kv := dims.KeyValueHeads()
	return Layout{
		NumHeads:          dims.NumAttentionHeads,
		NumKeyValueHeads:  kv,
		HeadDim:           headDim,
		NumKeyValueGroups: dims.NumAttentionHeads / kv,
		Scaling:           1 / math.Sqrt(float64(headDim)),
	}, nil
}

// splitHeads turns [batch, seq, heads*headDim] into [batch, heads, seq, headDim].
func splitHeads(x *tensor.Tensor, heads, headDim int) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("splitHeads", x, 3); err != nil {
		return nil, err
	}
	batch, seq := x.Dim(0), x.Dim(1)
	if x.Dim(2) != heads*headDim {
		return nil, tensor.ShapeErrorf("splitHeads", "width %d != %d heads x %d", x.Dim(2), heads, headDim)
	}
	out := tensor.New(batch, heads, seq, headDim)
	in, od := x.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			for h := 0; h < heads; h++ {
				src := ((b*seq+s)*heads + h) * headDim
				dst := ((b*heads+h)*seq + s) * headDim
				copy(od[dst:dst+headDim], in[src:src+headDim])
			}
		}
	}
	return out, nil
}

// mergeHeads is the inverse of splitHeads.
func mergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("mergeHeads", x, 4); err != nil {
		return nil, err
	}
	batch, heads, seq, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.New(batch, seq, heads*headDim)
	in, od := x.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				src := ((b*heads+h)*seq + s) * headDim
				dst := ((b*seq+s)*heads + h) * headDim
				copy(od[dst:dst+headDim], in[src:src+headDim])
			}
		}
	}
	return out, nil
}

package attention

import (
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// RepeatKV expands kv [batch, kvHeads, seq, headDim] to
// [batch, kvHeads*repetitions, seq, headDim]. Output head h*repetitions+j is
// a copy of input head h, so query head q reads kv head q/repetitions.
// With repetitions == 1 the input itself is returned.
func RepeatKV(kv *tensor.Tensor, repetitions int) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("RepeatKV", kv, 4); err != nil {
		return nil, err
	}
	if repetitions < 1 {
		return nil, tensor.ShapeErrorf("RepeatKV", "repetitions must be >= 1, got %d", repetitions)
	}
	if repetitions == 1 {
		return kv, nil
	}

	batch, kvHeads, seq, headDim := kv.Dim(0), kv.Dim(1), kv.Dim(2), kv.Dim(3)
	out := tensor.New(batch, kvHeads*repetitions, seq, headDim)
	block := seq * headDim
	in, od := kv.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < kvHeads; h++ {
			src := in[(b*kvHeads+h)*block : (b*kvHeads+h+1)*block]
			for r := 0; r < repetitions; r++ {
				dst := (b*kvHeads*repetitions + h*repetitions + r) * block
				copy(od[dst:dst+block], src)
			}
		}
	}
	return out, nil
}

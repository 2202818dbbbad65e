package attention

import (
	"math"

	"github.com/23skdu/longbow-rotary/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// CausalMask returns an additive mask [batch, 1, qLen, kLen] where query i
// may attend key j iff j <= offset+i. offset is the number of keys that
// precede the first query, normally kLen-qLen.
func CausalMask(batch, qLen, kLen, offset int) *tensor.Tensor {
	m := tensor.New(batch, 1, qLen, kLen)
	d := m.Data()
	for b := 0; b < batch; b++ {
		for i := 0; i < qLen; i++ {
			row := d[(b*qLen+i)*kLen : (b*qLen+i+1)*kLen]
			for j := offset + i + 1; j < kLen; j++ {
				if j >= 0 {
					row[j] = negInf
				}
			}
		}
	}
	return m
}

// WithPadding masks keys whose attention flag is 0. attn is [batch][kLen]
// with 1 for real tokens, as produced by tokenizers. mask is modified in
// place and returned.
func WithPadding(mask *tensor.Tensor, attn [][]int) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("WithPadding", mask, 4); err != nil {
		return nil, err
	}
	batch, heads, qLen, kLen := mask.Dim(0), mask.Dim(1), mask.Dim(2), mask.Dim(3)
	if len(attn) != batch {
		return nil, tensor.ShapeErrorf("WithPadding", "attention mask batch %d != %d", len(attn), batch)
	}
	d := mask.Data()
	for b, flags := range attn {
		if len(flags) != kLen {
			return nil, tensor.ShapeErrorf("WithPadding", "attention mask row %d has %d keys, want %d", b, len(flags), kLen)
		}
		for h := 0; h < heads; h++ {
			for i := 0; i < qLen; i++ {
				off := ((b*heads+h)*qLen + i) * kLen
				for j, f := range flags {
					if f == 0 {
						d[off+j] = negInf
					}
				}
			}
		}
	}
	return mask, nil
}

// addMask adds mask to scores [batch, heads, qLen, kLen] in place. mask
// broadcasts over batch and heads when those axes are 1, over queries when
// its query axis is 1, and its key axis is sliced to kLen.
func addMask(scores, mask *tensor.Tensor) error {
	if err := tensor.ExpectRank("addMask", mask, 4); err != nil {
		return err
	}
	batch, heads, qLen, kLen := scores.Dim(0), scores.Dim(1), scores.Dim(2), scores.Dim(3)
	mb, mh, mq, mk := mask.Dim(0), mask.Dim(1), mask.Dim(2), mask.Dim(3)
	if (mb != 1 && mb != batch) || (mh != 1 && mh != heads) || (mq != 1 && mq != qLen) || mk < kLen {
		return tensor.ShapeErrorf("addMask", "mask %v does not broadcast to scores %v", mask.Shape(), scores.Shape())
	}

	sd, md := scores.Data(), mask.Data()
	pick := func(i, n int) int {
		if n == 1 {
			return 0
		}
		return i
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < qLen; i++ {
				so := ((b*heads+h)*qLen + i) * kLen
				mo := ((pick(b, mb)*mh+pick(h, mh))*mq + pick(i, mq)) * mk
				for j := 0; j < kLen; j++ {
					sd[so+j] += md[mo+j]
				}
			}
		}
	}
	return nil
}

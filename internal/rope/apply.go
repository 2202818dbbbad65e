package rope

import (
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// RotateHalf splits the last axis into halves (x1, x2) and returns
// concat(-x2, x1).
func RotateHalf(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 {
		return nil, tensor.ShapeErrorf("RotateHalf", "scalar input")
	}
	d := x.Dim(-1)
	if d%2 != 0 {
		return nil, tensor.ShapeErrorf("RotateHalf", "last axis %d is odd", d)
	}
	half := d / 2
	out := tensor.New(x.Shape()...)
	in, od := x.Data(), out.Data()
	for off := 0; off < len(in); off += d {
		for i := 0; i < half; i++ {
			od[off+i] = -in[off+half+i]
			od[off+half+i] = in[off+i]
		}
	}
	return out, nil
}

// Apply rotates q and k ([batch, heads, seq, headDim]) by enc. Only the
// leading enc.RotaryDim channels of each head rotate; the rest are copied
// through. Results are rounded to enc.Precision.
func Apply(q, k *tensor.Tensor, enc *Encoding) (*tensor.Tensor, *tensor.Tensor, error) {
	qr, err := applyRotary("Apply(q)", q, enc)
	if err != nil {
		return nil, nil, err
	}
	kr, err := applyRotary("Apply(k)", k, enc)
	if err != nil {
		return nil, nil, err
	}
	return qr, kr, nil
}

func applyRotary(op string, x *tensor.Tensor, enc *Encoding) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank(op, x, 4); err != nil {
		return nil, err
	}
	if enc == nil || enc.Cos == nil || enc.Sin == nil {
		return nil, tensor.ShapeErrorf(op, "nil encoding")
	}
	if err := tensor.ExpectRank(op, enc.Cos, 3); err != nil {
		return nil, err
	}
	if !tensor.SameShape(enc.Cos, enc.Sin) {
		return nil, tensor.ShapeErrorf(op, "cos %v and sin %v differ", enc.Cos.Shape(), enc.Sin.Shape())
	}
	batch, heads, seq, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	encBatch, encSeq, rd := enc.Cos.Dim(0), enc.Cos.Dim(1), enc.Cos.Dim(2)
	if encBatch != batch && encBatch != 1 {
		return nil, tensor.ShapeErrorf(op, "encoding batch %d does not broadcast to %d", encBatch, batch)
	}
	if encSeq != seq {
		return nil, tensor.ShapeErrorf(op, "encoding seq %d != input seq %d", encSeq, seq)
	}
	if rd > headDim || rd%2 != 0 {
		return nil, tensor.ShapeErrorf(op, "rotary dim %d incompatible with head dim %d", rd, headDim)
	}

	out := x.Clone()
	in, od := x.Data(), out.Data()
	cd, sd := enc.Cos.Data(), enc.Sin.Data()
	half := rd / 2

	for b := 0; b < batch; b++ {
		eb := b
		if encBatch == 1 {
			eb = 0
		}
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				xo := ((b*heads+h)*seq + s) * headDim
				eo := (eb*seq + s) * rd
				for c := 0; c < rd; c++ {
					var rot float32
					if c < half {
						rot = -in[xo+c+half]
					} else {
						rot = in[xo+c-half]
					}
					od[xo+c] = in[xo+c]*cd[eo+c] + rot*sd[eo+c]
				}
			}
		}
	}
	enc.Precision.RoundInPlace(od)
	return out, nil
}

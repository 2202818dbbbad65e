package rope

import (
	"math"
	"time"

	"github.com/23skdu/longbow-rotary/internal/metrics"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// Encoding holds cos and sin tables shaped [batch, seq, rotaryDim]. It
// belongs to a single forward call.
type Encoding struct {
	Cos       *tensor.Tensor
	Sin       *tensor.Tensor
	RotaryDim int
	Precision tensor.Precision
}

// Positions builds [batch][seq] position ids start, start+1, ...
func Positions(batch, seq, start int) [][]int {
	ids := make([][]int, batch)
	for b := range ids {
		row := make([]int, seq)
		for s := range row {
			row[s] = start + s
		}
		ids[b] = row
	}
	return ids
}

// Encode evaluates the basis at every position. Angles and their cos/sin
// are computed in float64 and rounded to precision only at the end.
func Encode(b *Basis, positionIDs [][]int, precision tensor.Precision) (*Encoding, error) {
	start := time.Now()
	defer func() { metrics.RecordEncode(time.Since(start)) }()

	if b == nil {
		return nil, invalidParameterf("nil basis")
	}
	batch := len(positionIDs)
	if batch == 0 {
		return nil, tensor.ShapeErrorf("Encode", "empty position ids")
	}
	seq := len(positionIDs[0])
	for i, row := range positionIDs {
		if len(row) != seq {
			return nil, tensor.ShapeErrorf("Encode", "position row %d has length %d, want %d", i, len(row), seq)
		}
	}

	rd := b.RotaryDim
	half := rd / 2
	cos := tensor.New(batch, seq, rd)
	sin := tensor.New(batch, seq, rd)
	cd, sd := cos.Data(), sin.Data()
	scaling := float64(b.AttentionScaling)

	for bi, row := range positionIDs {
		for s, pos := range row {
			off := (bi*seq + s) * rd
			for j := 0; j < half; j++ {
				angle := float64(b.InvFreq[j]) * float64(pos)
				c := float32(math.Cos(angle) * scaling)
				sn := float32(math.Sin(angle) * scaling)
				cd[off+j], cd[off+half+j] = c, c
				sd[off+j], sd[off+half+j] = sn, sn
			}
		}
	}
	precision.RoundInPlace(cd)
	precision.RoundInPlace(sd)

	return &Encoding{Cos: cos, Sin: sin, RotaryDim: rd, Precision: precision}, nil
}

package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Precision is the working precision values are rounded to after a kernel
// has computed them in float32 or wider.
type Precision int

const (
	Float32 Precision = iota
	Float16
	BFloat16
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown precision %q", s)
	}
}

// Round returns v as it would be stored at precision p.
func (p Precision) Round(v float32) float32 {
	switch p {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return roundBF16(v)
	default:
		return v
	}
}

// RoundInPlace rounds every element of x to p.
func (p Precision) RoundInPlace(x []float32) {
	if p == Float32 {
		return
	}
	for i, v := range x {
		x[i] = p.Round(v)
	}
}

// round-to-nearest-even on the upper 16 bits
func roundBF16(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v
	}
	bits := math.Float32bits(v)
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	bits = (bits + rounding) &^ 0xFFFF
	return math.Float32frombits(bits)
}

// MaxAbsDiff is the largest |a[i]-b[i]|. Lengths must match.
func MaxAbsDiff[T constraints.Float](a, b []T) T {
	if len(a) != len(b) {
		panic(fmt.Sprintf("tensor: MaxAbsDiff length mismatch %d != %d", len(a), len(b)))
	}
	var max T
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}

// AllClose reports whether every pair is within tol.
func AllClose[T constraints.Float](a, b []T, tol T) bool {
	if len(a) != len(b) {
		return false
	}
	return MaxAbsDiff(a, b) <= tol
}

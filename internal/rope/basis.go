package rope

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/metrics"
)

// Basis is the inverse-frequency vector and cos/sin scaling for one model.
// It is never mutated after ComputeBasis returns it.
type Basis struct {
	Variant          Variant
	InvFreq          []float32
	AttentionScaling float32
	RotaryDim        int
	// SeqLen is the sequence length the basis was computed for. Only the
	// dynamic variant depends on it.
	SeqLen int
	// Theta is the effective base; dynamic NTK enlarges it.
	Theta float64
}

// Fingerprint identifies the numeric content of the basis.
func (b *Basis) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(b.Variant))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(b.RotaryDim))
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(b.AttentionScaling))
	h.Write(buf[:4])
	for _, f := range b.InvFreq {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

func (b *Basis) String() string {
	return fmt.Sprintf("Basis{%s rotary_dim=%d seq_len=%d theta=%g scaling=%g}",
		b.Variant, b.RotaryDim, b.SeqLen, b.Theta, b.AttentionScaling)
}

// ComputeBasis validates dims and p and derives the frequency basis.
// seqLen <= 0 means no sequence length was supplied; only the dynamic
// variant reads it.
func ComputeBasis(dims Dimensions, p *Parameters, seqLen int) (*Basis, error) {
	if err := dims.Validate(); err != nil {
		metrics.RecordValidationError("rope_basis", ErrorType(err))
		return nil, err
	}
	if err := p.Validate(); err != nil {
		metrics.RecordValidationError("rope_basis", ErrorType(err))
		return nil, err
	}

	var (
		b   *Basis
		err error
	)
	switch p.Type {
	case Default:
		b = defaultBasis(dims, p.Theta)
	case Linear:
		b = linearBasis(dims, p)
	case Dynamic:
		b, err = dynamicBasis(dims, p, seqLen)
	case Yarn:
		b = yarnBasis(dims, p)
	default:
		err = &UnsupportedVariantError{Variant: p.Type}
	}
	if err != nil {
		metrics.RecordValidationError("rope_basis", ErrorType(err))
		return nil, err
	}

	metrics.RecordBasis(b.Variant.String(), b.AttentionScaling)
	logger.Log.Debug("rope basis computed",
		"variant", b.Variant.String(),
		"rotary_dim", b.RotaryDim,
		"seq_len", b.SeqLen,
		"theta", b.Theta,
		"attention_scaling", b.AttentionScaling,
		"fingerprint", fmt.Sprintf("%016x", b.Fingerprint()),
	)
	return b, nil
}

// invFreq64 returns theta^(-i/rotaryDim) for i = 0, 2, ..., rotaryDim-2.
func invFreq64(theta float64, rotaryDim int) []float64 {
	half := rotaryDim / 2
	out := make([]float64, half)
	for j := 0; j < half; j++ {
		out[j] = math.Pow(theta, -float64(2*j)/float64(rotaryDim))
	}
	return out
}

func toFloat32(x []float64) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(v)
	}
	return out
}

func defaultBasis(dims Dimensions, theta float64) *Basis {
	rd := dims.RotaryDim()
	return &Basis{
		Variant:          Default,
		InvFreq:          toFloat32(invFreq64(theta, rd)),
		AttentionScaling: 1.0,
		RotaryDim:        rd,
		SeqLen:           dims.MaxPositionEmbeddings,
		Theta:            theta,
	}
}

// linearBasis divides the frequencies instead of the positions.
func linearBasis(dims Dimensions, p *Parameters) *Basis {
	rd := dims.RotaryDim()
	inv := invFreq64(p.Theta, rd)
	for i := range inv {
		inv[i] /= *p.Factor
	}
	return &Basis{
		Variant:          Linear,
		InvFreq:          toFloat32(inv),
		AttentionScaling: 1.0,
		RotaryDim:        rd,
		SeqLen:           dims.MaxPositionEmbeddings,
		Theta:            p.Theta,
	}
}

func dynamicBasis(dims Dimensions, p *Parameters, seqLen int) (*Basis, error) {
	rd := dims.RotaryDim()
	if rd <= 2 {
		return nil, invalidParameterf("dynamic rope needs rotary dim > 2, got %d", rd)
	}
	maxPos := dims.MaxPositionEmbeddings
	effective := maxPos
	if seqLen > maxPos {
		effective = seqLen
	}
	factor := *p.Factor
	ratio := factor*float64(effective)/float64(maxPos) - (factor - 1)
	theta := p.Theta * math.Pow(ratio, float64(rd)/float64(rd-2))

	return &Basis{
		Variant:          Dynamic,
		InvFreq:          toFloat32(invFreq64(theta, rd)),
		AttentionScaling: 1.0,
		RotaryDim:        rd,
		SeqLen:           effective,
		Theta:            theta,
	}, nil
}

// yarnMScale is 0.1*m*ln(scale)+1 for scale > 1.
func yarnMScale(scale, m float64) float64 {
	if scale <= 1 {
		return 1.0
	}
	return 0.1*m*math.Log(scale) + 1.0
}

func yarnAttentionFactor(p *Parameters, factor float64) float64 {
	if p.AttentionFactor != nil {
		return *p.AttentionFactor
	}
	switch {
	case p.MScale != nil && p.MScaleAllDim != nil:
		return yarnMScale(factor, *p.MScale) / yarnMScale(factor, *p.MScaleAllDim)
	case p.MScale != nil:
		return yarnMScale(factor, *p.MScale)
	default:
		return yarnMScale(factor, 1.0)
	}
}

// yarnCorrectionRange returns the [low, high] channel-pair band over which
// YaRN blends interpolated and extrapolated frequencies.
func yarnCorrectionRange(rotaryDim int, theta float64, origMaxPos int, betaFast, betaSlow float64, truncate bool) (float64, float64) {
	correctionDim := func(numRotations float64) float64 {
		return float64(rotaryDim) * math.Log(float64(origMaxPos)/(numRotations*2*math.Pi)) / (2 * math.Log(theta))
	}
	low := correctionDim(betaFast)
	high := correctionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	maxDim := float64(rotaryDim/2 - 1)
	low = math.Min(math.Max(low, 0), maxDim)
	high = math.Min(math.Max(high, 0), maxDim)
	return low, high
}

func yarnRamp(low, high float64, i int) float64 {
	if low == high {
		high += 0.001
	}
	v := (float64(i) - low) / (high - low)
	return math.Min(math.Max(v, 0), 1)
}

func yarnBasis(dims Dimensions, p *Parameters) *Basis {
	rd := dims.RotaryDim()
	maxPos := dims.MaxPositionEmbeddings

	factor := *p.Factor
	origMaxPos := maxPos
	if p.OriginalMaxPositionEmbeddings != nil {
		origMaxPos = *p.OriginalMaxPositionEmbeddings
		factor = float64(maxPos) / float64(origMaxPos)
	}

	extrapolation := invFreq64(p.Theta, rd)
	low, high := yarnCorrectionRange(rd, p.Theta, origMaxPos, p.betaFast(), p.betaSlow(), p.truncate())

	inv := make([]float64, len(extrapolation))
	for i, extra := range extrapolation {
		interp := extra / factor
		extrapolationFactor := 1 - yarnRamp(low, high, i)
		inv[i] = interp*(1-extrapolationFactor) + extra*extrapolationFactor
	}

	return &Basis{
		Variant:          Yarn,
		InvFreq:          toFloat32(inv),
		AttentionScaling: float32(yarnAttentionFactor(p, factor)),
		RotaryDim:        rd,
		SeqLen:           maxPos,
		Theta:            p.Theta,
	}
}

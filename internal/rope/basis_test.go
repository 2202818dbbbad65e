package rope

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func llamaDims() Dimensions {
	return Dimensions{
		HiddenSize:            2048,
		NumAttentionHeads:     16,
		NumKeyValueHeads:      4,
		MaxPositionEmbeddings: 4096,
	}
}

func TestDefaultBasisEndpoints(t *testing.T) {
	for _, theta := range []float64{10000, 500000, 1e6} {
		for _, headDim := range []int{32, 64, 128} {
			dims := Dimensions{HiddenSize: headDim * 4, NumAttentionHeads: 4, MaxPositionEmbeddings: 2048}
			b, err := ComputeBasis(dims, &Parameters{Theta: theta}, 0)
			require.NoError(t, err)

			rd := dims.RotaryDim()
			require.Len(t, b.InvFreq, rd/2)
			assert.Equal(t, float32(1.0), b.InvFreq[0])
			want := float32(math.Pow(theta, -float64(rd-2)/float64(rd)))
			assert.InDelta(t, want, b.InvFreq[rd/2-1], float64(want)*1e-6)
			assert.Equal(t, float32(1.0), b.AttentionScaling)
		}
	}
}

func TestLinearIsDefaultOverFactor(t *testing.T) {
	dims := llamaDims()
	def, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)

	for _, factor := range []float64{1, 2, 4.5, 16} {
		lin, err := ComputeBasis(dims, &Parameters{Theta: 10000, Type: Linear, Factor: Float(factor)}, 0)
		require.NoError(t, err)
		for i := range def.InvFreq {
			want := float64(def.InvFreq[i]) / factor
			assert.InDelta(t, want, lin.InvFreq[i], want*1e-6+1e-12, "channel %d factor %v", i, factor)
		}
		assert.Equal(t, float32(1.0), lin.AttentionScaling)
	}
}

func TestDynamicBasis(t *testing.T) {
	dims := llamaDims()
	p := &Parameters{Theta: 10000, Type: Dynamic, Factor: Float(2)}
	def, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)

	short, err := ComputeBasis(dims, p, 1024)
	require.NoError(t, err)
	assert.Equal(t, dims.MaxPositionEmbeddings, short.SeqLen)
	assert.Equal(t, def.InvFreq, short.InvFreq, "within the trained window dynamic equals default")

	long, err := ComputeBasis(dims, p, 8192)
	require.NoError(t, err)
	rd := float64(dims.RotaryDim())
	wantTheta := 10000 * math.Pow(2*8192.0/4096-1, rd/(rd-2))
	assert.InDelta(t, wantTheta, long.Theta, 1e-6*wantTheta)
	assert.Equal(t, 8192, long.SeqLen)
	assert.Less(t, long.InvFreq[len(long.InvFreq)-1], def.InvFreq[len(def.InvFreq)-1])
	assert.Equal(t, float32(1.0), long.InvFreq[0])
}

func TestRecomputeIfNeeded(t *testing.T) {
	dims := llamaDims()
	p := &Parameters{Theta: 10000, Type: Dynamic, Factor: Float(4)}
	base, err := ComputeBasis(dims, p, 0)
	require.NoError(t, err)

	same, changed, err := RecomputeIfNeeded(dims, p, base, 4096)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, base, same)

	grown, changed, err := RecomputeIfNeeded(dims, p, base, 6000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 6000, grown.SeqLen)
	assert.Equal(t, 4096, base.SeqLen, "old basis must be untouched")

	back, changed, err := RecomputeIfNeeded(dims, p, grown, 5000)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, grown, back)

	static := &Parameters{Theta: 10000, Type: Linear, Factor: Float(2)}
	lin, err := ComputeBasis(dims, static, 0)
	require.NoError(t, err)
	got, changed, err := RecomputeIfNeeded(dims, static, lin, 1 << 20)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, lin, got)
}

func TestDynamicBasisEnsureConcurrent(t *testing.T) {
	dims := llamaDims()
	d, err := NewDynamicBasis(dims, &Parameters{Theta: 10000, Type: Dynamic, Factor: Float(2)})
	require.NoError(t, err)
	initial := d.Current()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b, err := d.Ensure(4096 + n*100)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, b.SeqLen, 4096+n*100)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4096+15*100, d.Current().SeqLen)
	assert.Equal(t, 4096, initial.SeqLen)

	b, err := d.Ensure(10)
	require.NoError(t, err)
	assert.Same(t, d.Current(), b)
}

func TestYarnBasis(t *testing.T) {
	dims := Dimensions{HiddenSize: 4096, NumAttentionHeads: 32, MaxPositionEmbeddings: 4096}
	def, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)

	b, err := ComputeBasis(dims, &Parameters{Theta: 10000, Type: Yarn, Factor: Float(4)}, 0)
	require.NoError(t, err)

	last := len(def.InvFreq) - 1
	assert.Equal(t, def.InvFreq[0], b.InvFreq[0], "high frequencies extrapolate")
	assert.InDelta(t, def.InvFreq[last]/4, b.InvFreq[last], 1e-12, "low frequencies interpolate")
	for i := range b.InvFreq {
		lo := def.InvFreq[i] / 4
		assert.GreaterOrEqual(t, b.InvFreq[i], lo*(1-1e-6))
		assert.LessOrEqual(t, b.InvFreq[i], def.InvFreq[i]*(1+1e-6))
	}
	assert.InDelta(t, 0.1*math.Log(4)+1, b.AttentionScaling, 1e-6)
}

func TestYarnRampInterior(t *testing.T) {
	// rotaryDim 128, theta 1e4, 4096 positions: correction band is [20, 46].
	dims := Dimensions{HiddenSize: 4096, NumAttentionHeads: 32, MaxPositionEmbeddings: 4096}
	b, err := ComputeBasis(dims, &Parameters{Theta: 10000, Type: Yarn, Factor: Float(4)}, 0)
	require.NoError(t, err)

	const i = 30
	extra := math.Pow(10000, -float64(2*i)/128)
	interp := extra / 4
	ef := 1 - (30.0-20.0)/(46.0-20.0)
	want := interp*(1-ef) + extra*ef
	assert.InDelta(t, want, float64(b.InvFreq[i]), 1e-6*want)

	for j := 21; j < 46; j++ {
		e := math.Pow(10000, -float64(2*j)/128)
		assert.Less(t, float64(b.InvFreq[j]), e, "channel %d blends toward interpolation", j)
		assert.Greater(t, float64(b.InvFreq[j]), e/4, "channel %d keeps some extrapolation", j)
	}
}

func TestYarnFactorOne(t *testing.T) {
	dims := llamaDims()
	def, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)
	b, err := ComputeBasis(dims, &Parameters{Theta: 10000, Type: Yarn, Factor: Float(1)}, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, def.InvFreq, b.InvFreq, 1e-7)
	assert.Equal(t, float32(1.0), b.AttentionScaling)
}

func TestYarnOriginalMaxOverridesFactor(t *testing.T) {
	dims := llamaDims()
	dims.MaxPositionEmbeddings = 16384
	p := &Parameters{Theta: 10000, Type: Yarn, Factor: Float(2), OriginalMaxPositionEmbeddings: Int(4096)}
	b, err := ComputeBasis(dims, p, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.1*math.Log(4)+1, b.AttentionScaling, 1e-6)

	def, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)
	last := len(def.InvFreq) - 1
	assert.InDelta(t, def.InvFreq[last]/4, b.InvFreq[last], 1e-12)
}

func TestYarnAttentionFactor(t *testing.T) {
	dims := llamaDims()
	tests := []struct {
		name   string
		params Parameters
		want   float64
	}{
		{"explicit", Parameters{Theta: 10000, Type: Yarn, Factor: Float(8), AttentionFactor: Float(0.7)}, 0.7},
		{"mscale only", Parameters{Theta: 10000, Type: Yarn, Factor: Float(8), MScale: Float(0.707)}, 0.1*0.707*math.Log(8) + 1},
		{"mscale ratio", Parameters{Theta: 10000, Type: Yarn, Factor: Float(8), MScale: Float(1), MScaleAllDim: Float(1)}, 1},
		{"unparameterized", Parameters{Theta: 10000, Type: Yarn, Factor: Float(8)}, 0.1*math.Log(8) + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := ComputeBasis(dims, &tt.params, 0)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, b.AttentionScaling, 1e-6)
		})
	}
}

func TestYarnCorrectionRange(t *testing.T) {
	low, high := yarnCorrectionRange(128, 10000, 4096, 32, 1, true)
	assert.Equal(t, 20.0, low)
	assert.Equal(t, 46.0, high)

	lowF, highF := yarnCorrectionRange(128, 10000, 4096, 32, 1, false)
	assert.Greater(t, lowF, 20.0)
	assert.Less(t, highF, 46.0)

	_, clamped := yarnCorrectionRange(16, 10000, 1<<30, 32, 1, true)
	assert.Equal(t, 7.0, clamped)
}

func TestUnsupportedVariants(t *testing.T) {
	dims := llamaDims()
	tests := []*Parameters{
		{Theta: 10000, Type: LongRope, ShortFactor: []float64{1}, LongFactor: []float64{1}},
		{Theta: 500000, Type: Llama3, Factor: Float(8), OriginalMaxPositionEmbeddings: Int(8192),
			LowFreqFactor: Float(1), HighFreqFactor: Float(4)},
	}
	for _, p := range tests {
		_, err := ComputeBasis(dims, p, 0)
		assert.ErrorIs(t, err, ErrUnsupportedVariant, p.Type.String())
	}
}

func TestComputeBasisRejectsBadDims(t *testing.T) {
	dims := llamaDims()
	dims.NumKeyValueHeads = 3
	_, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPartialRotaryDim(t *testing.T) {
	dims := Dimensions{HiddenSize: 2048, NumAttentionHeads: 16, PartialRotaryFactor: 0.25, MaxPositionEmbeddings: 2048}
	assert.Equal(t, 128, dims.HeadDimension())
	assert.Equal(t, 32, dims.RotaryDim())
	b, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)
	assert.Len(t, b.InvFreq, 16)
	assert.InDelta(t, math.Pow(10000, -2.0/32), b.InvFreq[1], 1e-7)
}

func TestFingerprint(t *testing.T) {
	dims := llamaDims()
	a, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)
	b, err := ComputeBasis(dims, &Parameters{Theta: 10000}, 0)
	require.NoError(t, err)
	c, err := ComputeBasis(dims, &Parameters{Theta: 10000, Type: Linear, Factor: Float(2)}, 0)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-rotary/internal/attention"
	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/monitoring"
	"github.com/23skdu/longbow-rotary/internal/rope"
)

func TestDemoConfigRuns(t *testing.T) {
	cfg := demoConfig()
	require.NoError(t, cfg.Validate())

	rng := rand.New(rand.NewSource(1))
	w := syntheticWeights(rng, cfg.Dimensions)
	layer, err := attention.NewLayer(cfg.Dimensions, &cfg.Rope, w, cfg.Precision)
	require.NoError(t, err)

	hidden := randomTensor(rng, 1, 2, 8, cfg.Dimensions.HiddenSize)
	out, err := layer.Forward(hidden, rope.Positions(2, 8, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 256}, out.Hidden.Shape())

	r := rms(out.Hidden.Data())
	assert.Greater(t, r, 0.0)
	assert.Less(t, r, 10.0)
}

func TestTensorBytes(t *testing.T) {
	w := syntheticWeights(rand.New(rand.NewSource(1)), demoConfig().Dimensions)
	// q and o are 256x256, k and v are 64x256
	assert.Equal(t, uint64((2*256*256+2*64*256)*4), tensorBytes(w.Q, w.K, w.V, w.O))
	assert.Equal(t, 0.0, rms(nil))
}

func TestRunSweepGrowsDynamicBasis(t *testing.T) {
	cfg := demoConfig()
	cfg.Dimensions.MaxPositionEmbeddings = 16
	cfg.Rope = rope.Parameters{Theta: rope.DefaultTheta, Type: rope.Dynamic, Factor: rope.Float(2)}

	rng := rand.New(rand.NewSource(3))
	layer, err := attention.NewLayer(cfg.Dimensions, &cfg.Rope, syntheticWeights(rng, cfg.Dimensions), cfg.Precision)
	require.NoError(t, err)
	initial := layer.Basis()

	health := monitoring.NewHealthMonitor()
	require.NoError(t, runSweep(logger.Log, health, layer, rng, cfg.Dimensions.HiddenSize, 8, 2))

	assert.Equal(t, 32, layer.Basis().SeqLen)
	assert.Greater(t, layer.Basis().Theta, initial.Theta)

	st := health.Status()
	assert.Equal(t, 2, st.Performance.Forwards)
	require.NotNil(t, st.Basis)
	assert.Equal(t, 32, st.Basis.SeqLen)
	assert.Equal(t, "healthy", st.Status)
}

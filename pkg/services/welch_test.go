package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelchCompare_ClearlySeparatedSamples(t *testing.T) {
	slow := []float64{480, 500, 510, 495, 505, 490, 515, 500}
	fast := []float64{95, 105, 100, 98, 102, 101, 99, 104}

	w, ok := welchCompare(slow, fast, 0.05)
	require.True(t, ok)

	assert.True(t, w.Significant)
	assert.Greater(t, w.Diff, 0.0)
	assert.Greater(t, w.DiffCILow, 0.0, "CI must exclude zero")
	assert.InDelta(t, 499.375, w.MeanA, 0.001)
	assert.InDelta(t, 100.5, w.MeanB, 0.001)
}

func TestWelchCompare_OverlappingSamplesNotSignificant(t *testing.T) {
	a := []float64{100, 140, 90, 130, 110, 125}
	b := []float64{105, 135, 95, 120, 115, 128}

	w, ok := welchCompare(a, b, 0.05)
	require.True(t, ok)
	assert.False(t, w.Significant)
	assert.LessOrEqual(t, w.DiffCILow, 0.0)
	assert.GreaterOrEqual(t, w.DiffCIHigh, 0.0)
}

func TestWelchCompare_TooFewObservations(t *testing.T) {
	_, ok := welchCompare([]float64{100}, []float64{200, 210}, 0.05)
	assert.False(t, ok)

	_, ok = welchCompare([]float64{100, 110}, []float64{200}, 0.05)
	assert.False(t, ok)
}

func TestWelchCompare_DegenerateConstantSamples(t *testing.T) {
	w, ok := welchCompare([]float64{300, 300, 300}, []float64{100, 100, 100}, 0.05)
	require.True(t, ok)
	assert.True(t, w.Significant)
	assert.InDelta(t, 200.0, w.Diff, 1e-9)

	w, ok = welchCompare([]float64{100, 100}, []float64{100, 100}, 0.05)
	require.True(t, ok)
	assert.False(t, w.Significant)
}

func TestOneSampleCI(t *testing.T) {
	low, high, ok := oneSampleCI([]float64{95, 105, 100, 98, 102}, 0.05)
	require.True(t, ok)
	assert.Less(t, low, 100.0)
	assert.Greater(t, high, 100.0)

	_, _, ok = oneSampleCI([]float64{100}, 0.05)
	assert.False(t, ok)

	low, high, ok = oneSampleCI([]float64{100, 100, 100}, 0.05)
	require.True(t, ok)
	assert.Equal(t, low, high)
}

package transforms

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanStdNormalizesPerColumn(t *testing.T) {
	data := tensors.FromValue([][]float32{
		{0, 10},
		{2, 10},
		{4, 10},
	})
	stats := FitMeanStd(data)
	assert.InDeltaSlice(t, []float32{2, 10}, stats.Mean, 1e-6)
	// Second column is constant, its std is forced to 1.
	assert.InDeltaSlice(t, []float32{1.632993, 1}, stats.Std, 1e-5)

	normalized := tensors.CopyFlatData[float32](stats.Apply(data))
	assert.InDelta(t, 0, normalized[1], 1e-6) // constant column maps to 0
	assert.InDelta(t, 0, normalized[2]+normalized[0]+normalized[4], 1e-5)

	roundTrip := tensors.CopyFlatData[float32](stats.Invert(stats.Apply(data)))
	assert.InDeltaSlice(t, []float32{0, 10, 2, 10, 4, 10}, roundTrip, 1e-5)
}

func TestMinMaxMapsToUnitRange(t *testing.T) {
	data := tensors.FromValue([][]float32{
		{-1, 5},
		{3, 5},
	})
	stats := FitMinMax(data)
	assert.Equal(t, []float32{-1, 5}, stats.Min)
	assert.Equal(t, []float32{3, 5}, stats.Max)

	normalized := tensors.CopyFlatData[float32](stats.Apply(data))
	assert.InDeltaSlice(t, []float32{0, 0, 1, 0}, normalized, 1e-6)

	roundTrip := tensors.CopyFlatData[float32](stats.Invert(stats.Apply(data)))
	assert.InDeltaSlice(t, []float32{-1, 5, 3, 5}, roundTrip, 1e-6)
}

func TestFitAcrossMultipleTensors(t *testing.T) {
	a := tensors.FromValue([][]float32{{1, 0}})
	b := tensors.FromValue([][]float32{{3, 0}, {5, 0}})
	stats := FitMinMax(a, b)
	assert.Equal(t, []float32{1, 0}, stats.Min)
	assert.Equal(t, []float32{5, 0}, stats.Max)

	mismatched := tensors.FromValue([][]float32{{1, 2, 3}})
	assert.Panics(t, func() { FitMinMax(a, mismatched) })
	assert.Panics(t, func() { stats.Apply(mismatched) })
}

func TestClamp(t *testing.T) {
	data := tensors.FromValue([]float32{-5, 0.5, 7})
	clamped := tensors.CopyFlatData[float32](Clamp(data, 0, 1))
	assert.Equal(t, []float32{0, 0.5, 1}, clamped)
	assert.Panics(t, func() { Clamp(data, 2, 1) })
}

func TestNormalizerOnHigherRank(t *testing.T) {
	// Labels batched as [batch, roots, labelDim] normalize by the last axis.
	data := tensors.FromValue([][][]float32{{{2, 4}, {4, 8}}})
	stats := FitMeanStd(data)
	require.Equal(t, 2, stats.NumColumns())
	normalized := stats.Apply(data)
	assert.Equal(t, data.Shape().Dimensions, normalized.Shape().Dimensions)
}

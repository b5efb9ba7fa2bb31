// Package transforms provides feature normalization for emulator datasets.
//
// Statistics are fitted host-side, per feature column, over one or more
// tensors (typically the node features, theta and labels of the training
// meshes). The fitted normalizer is then applied to every example before
// sampling, and inverted on the model predictions to recover physical
// units.
package transforms

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	. "github.com/gomlx/exceptions"
)

// Normalizer maps feature tensors to a normalized range and back. The last
// axis is the feature axis, all leading axes are treated as rows.
type Normalizer interface {
	// Apply returns a normalized copy of t.
	Apply(t *tensors.Tensor) *tensors.Tensor

	// Invert undoes Apply, recovering the original units.
	Invert(t *tensors.Tensor) *tensors.Tensor

	// NumColumns is the feature width the normalizer was fitted on.
	NumColumns() int
}

// MeanStd is a z-score Normalizer: (x - mean) / std, per feature column.
// Columns with zero variance are shifted to zero but not scaled.
type MeanStd struct {
	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`
}

// MinMax is a range Normalizer: (x - min) / (max - min), mapping the fitted
// data to [0, 1] per feature column. Constant columns are shifted to zero
// but not scaled.
type MinMax struct {
	Min []float32 `yaml:"min"`
	Max []float32 `yaml:"max"`
}

// columnsOf returns the feature width (last axis) of t, panicking on
// scalars and non-float32 tensors.
func columnsOf(t *tensors.Tensor) int {
	shape := t.Shape()
	if shape.Rank() == 0 {
		Panicf("transforms: cannot normalize a scalar tensor")
	}
	if shape.DType != dtypes.Float32 {
		Panicf("transforms: only float32 tensors are supported, got %s", shape)
	}
	return shape.Dimensions[shape.Rank()-1]
}

// FitMeanStd computes per-column mean and standard deviation over all rows
// of the given tensors. All tensors must share the same feature width.
func FitMeanStd(data ...*tensors.Tensor) *MeanStd {
	numColumns, rows := checkFit(data)
	mean := make([]float64, numColumns)
	for _, t := range data {
		tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				mean[i%numColumns] += float64(v)
			}
		})
	}
	for i := range mean {
		mean[i] /= float64(rows)
	}

	variance := make([]float64, numColumns)
	for _, t := range data {
		tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				d := float64(v) - mean[i%numColumns]
				variance[i%numColumns] += d * d
			}
		})
	}

	stats := &MeanStd{Mean: make([]float32, numColumns), Std: make([]float32, numColumns)}
	for i := range mean {
		stats.Mean[i] = float32(mean[i])
		stats.Std[i] = float32(math.Sqrt(variance[i] / float64(rows)))
		if stats.Std[i] == 0 {
			stats.Std[i] = 1
		}
	}
	return stats
}

// FitMinMax computes per-column minima and maxima over all rows of the
// given tensors. All tensors must share the same feature width.
func FitMinMax(data ...*tensors.Tensor) *MinMax {
	numColumns, _ := checkFit(data)
	stats := &MinMax{Min: make([]float32, numColumns), Max: make([]float32, numColumns)}
	// The first tensor's first row initializes the range. Tensors are never
	// empty, shapes.Make rejects axes with dimension <= 0.
	first := true
	for _, t := range data {
		tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				col := i % numColumns
				if first && i < numColumns {
					stats.Min[col], stats.Max[col] = v, v
					continue
				}
				stats.Min[col] = min(stats.Min[col], v)
				stats.Max[col] = max(stats.Max[col], v)
			}
		})
		first = false
	}
	return stats
}

// checkFit validates the tensors share a feature width and returns it along
// with the total number of rows.
func checkFit(data []*tensors.Tensor) (numColumns, rows int) {
	if len(data) == 0 {
		Panicf("transforms: at least one tensor is required to fit statistics")
	}
	numColumns = columnsOf(data[0])
	for _, t := range data {
		if columnsOf(t) != numColumns {
			Panicf("transforms: tensors have mixed feature widths, %d vs %d", columnsOf(t), numColumns)
		}
		rows += t.Shape().Size() / numColumns
	}
	if rows == 0 {
		Panicf("transforms: no rows to fit statistics on")
	}
	return
}

func (s *MeanStd) NumColumns() int { return len(s.Mean) }

func (s *MeanStd) Apply(t *tensors.Tensor) *tensors.Tensor {
	return mapColumns(t, s.NumColumns(), func(col int, v float32) float32 {
		return (v - s.Mean[col]) / s.Std[col]
	})
}

func (s *MeanStd) Invert(t *tensors.Tensor) *tensors.Tensor {
	return mapColumns(t, s.NumColumns(), func(col int, v float32) float32 {
		return v*s.Std[col] + s.Mean[col]
	})
}

func (s *MinMax) NumColumns() int { return len(s.Min) }

func (s *MinMax) rangeOf(col int) float32 {
	r := s.Max[col] - s.Min[col]
	if r == 0 {
		return 1
	}
	return r
}

func (s *MinMax) Apply(t *tensors.Tensor) *tensors.Tensor {
	return mapColumns(t, s.NumColumns(), func(col int, v float32) float32 {
		return (v - s.Min[col]) / s.rangeOf(col)
	})
}

func (s *MinMax) Invert(t *tensors.Tensor) *tensors.Tensor {
	return mapColumns(t, s.NumColumns(), func(col int, v float32) float32 {
		return v*s.rangeOf(col) + s.Min[col]
	})
}

// Clamp returns a copy of t with every value limited to [low, high].
func Clamp(t *tensors.Tensor, low, high float32) *tensors.Tensor {
	if low > high {
		Panicf("transforms.Clamp: low %g > high %g", low, high)
	}
	cols := columnsOf(t)
	return mapColumns(t, cols, func(_ int, v float32) float32 {
		return min(max(v, low), high)
	})
}

// mapColumns applies fn to every value of t, passing the column index, and
// returns the result as a new tensor with the same shape.
func mapColumns(t *tensors.Tensor, numColumns int, fn func(col int, v float32) float32) *tensors.Tensor {
	if columnsOf(t) != numColumns {
		Panicf("transforms: normalizer fitted on %d columns applied to tensor shaped %s", numColumns, t.Shape())
	}
	out := make([]float32, t.Shape().Size())
	tensors.ConstFlatData(t, func(flat []float32) {
		for i, v := range flat {
			out[i] = fn(i%numColumns, v)
		}
	})
	return tensors.FromFlatDataAndDimensions(out, t.Shape().Dimensions...)
}

package emulator

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// applyMLP applies the MLP described by spec to the last axis of x, creating
// its variables under ctx. Activation and optional layer normalization are
// applied between dense layers, but the last layer's output is left raw.
//
// It panics with a ShapeMismatchError if x's last axis doesn't match the
// declared input width: feature widths come from the mesh at hand and can
// only be checked when data flows through.
func applyMLP(ctx *context.Context, spec MLPSpec, name string, x *Node) *Node {
	lastDim := x.Shape().Dimensions[x.Rank()-1]
	if lastDim != spec.InputDim() {
		shapeMismatchf("%s expects inputs of width %d, got shape %s", name, spec.InputDim(), x.Shape())
	}
	activation := activations.FromName(spec.Activation)
	numLayers := len(spec.UnitSizes) - 1
	for ii := 0; ii < numLayers; ii++ {
		layerCtx := ctx.In(fmt.Sprintf("%s_%d", name, ii))
		x = layers.DenseWithBias(layerCtx, x, spec.UnitSizes[ii+1])
		if ii == numLayers-1 {
			break
		}
		x = activations.Apply(activation, x)
		if spec.LayerNorm {
			x = layers.LayerNormalization(layerCtx, x, -1).Done()
		}
	}
	return x
}

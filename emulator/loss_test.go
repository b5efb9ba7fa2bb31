package emulator

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Two sampled graphs in one batch, one with 3 valid roots and one with 7.
// Every root of the first graph is off by 2 and the second graph is
// predicted exactly. Per-graph averaging makes the loss (4+0)/2 = 2; an
// aggregation pooling all roots together would give 4*3/10 = 1.2 instead,
// overweighting the larger graph.
func TestLossWeighsGraphsEqually(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	const numRoots = 7
	predicted := make([][][]float32, 2)
	targets := make([][][]float32, 2)
	rootMask := make([][]bool, 2)
	for b := range predicted {
		predicted[b] = make([][]float32, numRoots)
		targets[b] = make([][]float32, numRoots)
		rootMask[b] = make([]bool, numRoots)
		for r := 0; r < numRoots; r++ {
			predicted[b][r] = []float32{0}
			targets[b][r] = []float32{0}
		}
	}
	for r := 0; r < 3; r++ {
		predicted[0][r][0] = 2
		rootMask[0][r] = true
	}
	for r := 0; r < numRoots; r++ {
		predicted[1][r][0] = 9
		targets[1][r][0] = 9
		rootMask[1][r] = true
	}

	exec := graph.NewExec(backend, func(g *graph.Graph) *graph.Node {
		labels := []*graph.Node{graph.Const(g, targets), graph.Const(g, rootMask)}
		predictions := []*graph.Node{graph.Const(g, predicted)}
		return Loss(labels, predictions)
	})
	loss := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 2.0, loss, 1e-5)
}

func TestLossIgnoresMaskedRoots(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Garbage on the padded root slots must not leak into the loss.
	predicted := [][][]float32{{{1, 1}, {2, 2}, {1e6, -1e6}}}
	targets := [][][]float32{{{1, 1}, {2, 2}, {0, 0}}}
	rootMask := [][]bool{{true, true, false}}

	exec := graph.NewExec(backend, func(g *graph.Graph) *graph.Node {
		labels := []*graph.Node{graph.Const(g, targets), graph.Const(g, rootMask)}
		predictions := []*graph.Node{graph.Const(g, predicted)}
		return Loss(labels, predictions)
	})
	loss := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 0.0, loss, 1e-6)
}

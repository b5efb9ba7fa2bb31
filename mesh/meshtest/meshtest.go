// Package meshtest builds small synthetic mesh topologies with deterministic
// features, for tests and demos of the emulator. The generated values are not
// physical, they are only arranged so that every node, edge and theta entry is
// distinguishable.
package meshtest

import (
	"math"

	"github.com/gomlx/femsage/mesh"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
)

// Line builds a bidirectional line mesh (node i connected to i+1 and back)
// with the given feature widths.
func Line(numNodes, nodeDim, edgeDim, thetaDim int) *mesh.Topology {
	pairs := make([][2]int32, 0, 2*(numNodes-1))
	for ii := 0; ii < numNodes-1; ii++ {
		pairs = append(pairs, [2]int32{int32(ii), int32(ii + 1)})
		pairs = append(pairs, [2]int32{int32(ii + 1), int32(ii)})
	}
	return fromPairs(numNodes, pairs, nodeDim, edgeDim, thetaDim)
}

// Ring builds a bidirectional ring mesh over numNodes nodes.
func Ring(numNodes, nodeDim, edgeDim, thetaDim int) *mesh.Topology {
	pairs := make([][2]int32, 0, 2*numNodes)
	for ii := 0; ii < numNodes; ii++ {
		next := int32((ii + 1) % numNodes)
		pairs = append(pairs, [2]int32{int32(ii), next})
		pairs = append(pairs, [2]int32{next, int32(ii)})
	}
	return fromPairs(numNodes, pairs, nodeDim, edgeDim, thetaDim)
}

// Grid builds a bidirectional rows x cols grid mesh with 4-connectivity.
func Grid(rows, cols, nodeDim, edgeDim, thetaDim int) *mesh.Topology {
	var pairs [][2]int32
	node := func(r, c int) int32 { return int32(r*cols + c) }
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if c+1 < cols {
				pairs = append(pairs, [2]int32{node(r, c), node(r, c+1)}, [2]int32{node(r, c+1), node(r, c)})
			}
			if r+1 < rows {
				pairs = append(pairs, [2]int32{node(r, c), node(r+1, c)}, [2]int32{node(r+1, c), node(r, c)})
			}
		}
	}
	return fromPairs(rows*cols, pairs, nodeDim, edgeDim, thetaDim)
}

// Isolated builds a mesh with numNodes nodes and a single self-contained pair
// of edges between nodes 0 and 1 -- every other node has no neighbors.
// Useful to exercise the empty neighbor set policy.
func Isolated(numNodes, nodeDim, edgeDim, thetaDim int) *mesh.Topology {
	pairs := [][2]int32{{0, 1}, {1, 0}}
	return fromPairs(numNodes, pairs, nodeDim, edgeDim, thetaDim)
}

// Labels builds a deterministic (Float32)[numNodes, labelDim] label tensor for
// a mesh built by this package.
func Labels(numNodes, labelDim int) *tensors.Tensor {
	data := make([]float32, numNodes*labelDim)
	for ii := range data {
		data[ii] = featureValue(1000+ii/labelDim, ii%labelDim)
	}
	return tensors.FromFlatDataAndDimensions(data, numNodes, labelDim)
}

func fromPairs(numNodes int, pairs [][2]int32, nodeDim, edgeDim, thetaDim int) *mesh.Topology {
	numEdges := len(pairs)
	edgeData := make([]int32, 0, 2*numEdges)
	for _, p := range pairs {
		edgeData = append(edgeData, p[0], p[1])
	}
	edges := tensors.FromFlatDataAndDimensions(edgeData, numEdges, 2)

	nodeFeatures := make([]float32, numNodes*nodeDim)
	for ii := range nodeFeatures {
		nodeFeatures[ii] = featureValue(ii/nodeDim, ii%nodeDim)
	}
	edgeFeatures := make([]float32, numEdges*edgeDim)
	for ii := range edgeFeatures {
		edgeFeatures[ii] = featureValue(100+ii/edgeDim, ii%edgeDim)
	}
	theta := make([]float32, thetaDim)
	for ii := range theta {
		theta[ii] = featureValue(7, ii)
	}
	return must.M1(mesh.Build(
		edges,
		tensors.FromFlatDataAndDimensions(nodeFeatures, numNodes, nodeDim),
		tensors.FromFlatDataAndDimensions(edgeFeatures, numEdges, edgeDim),
		tensors.FromFlatDataAndDimensions(theta, thetaDim)))
}

// featureValue is an arbitrary but deterministic function of its arguments,
// bounded to (-1, 1).
func featureValue(row, col int) float32 {
	return float32(math.Sin(float64(row)*1.7 + float64(col)*0.31))
}

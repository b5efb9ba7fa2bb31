package mesh

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeros(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
}

func edgesTensor(pairs [][2]int32) *tensors.Tensor {
	flat := make([]int32, 0, 2*len(pairs))
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	return tensors.FromFlatDataAndDimensions(flat, len(pairs), 2)
}

func TestBuildIndexesCSR(t *testing.T) {
	// 10 nodes, edges concentrated on a few targets, some nodes isolated.
	edges := edgesTensor([][2]int32{
		{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4},
	})
	topo, err := Build(edges, zeros(10, 4), zeros(7, 3), zeros(2))
	require.NoError(t, err)

	assert.EqualValues(t, []int32{3, 3, 3, 4, 6, 6, 6, 7, 7, 7}, topo.Starts)
	assert.EqualValues(t, []int32{2, 3, 4, 2, 2, 4, 4}, topo.Targets)
	assert.EqualValues(t, []int32{2, 4}, topo.Neighbors(4))
	assert.Empty(t, topo.Neighbors(9))

	// Sorting is stable: node 0's edges keep their original order, and the
	// edge-feature rows follow them.
	targets, rows := topo.OutEdges(0)
	assert.EqualValues(t, []int32{2, 3, 4}, targets)
	assert.EqualValues(t, []int32{0, 3, 4}, rows)
	assert.Equal(t, 7, topo.NumEdges())
}

func TestBuildRejectsDanglingEdge(t *testing.T) {
	// An edge referencing node 99 on a 10-node mesh must fail before any
	// model evaluation can happen.
	edges := edgesTensor([][2]int32{{0, 1}, {1, 99}})
	_, err := Build(edges, zeros(10, 4), zeros(2, 3), zeros(2))
	require.Error(t, err)
	assert.True(t, IsMalformedGraph(err))
	assert.Contains(t, err.Error(), "99")

	edges = edgesTensor([][2]int32{{-1, 1}})
	_, err = Build(edges, zeros(10, 4), zeros(1, 3), zeros(2))
	require.True(t, IsMalformedGraph(err))
}

func TestBuildRejectsFeatureRowMismatch(t *testing.T) {
	edges := edgesTensor([][2]int32{{0, 1}, {1, 0}})
	// 3 edge-feature rows for 2 edges.
	_, err := Build(edges, zeros(2, 4), zeros(3, 3), zeros(2))
	require.True(t, IsMalformedGraph(err))

	// Wrong theta rank.
	_, err = Build(edges, zeros(2, 4), zeros(2, 3), zeros(2, 1))
	require.True(t, IsMalformedGraph(err))
}

func TestNeighborsPanicsOnInvalidNode(t *testing.T) {
	edges := edgesTensor([][2]int32{{0, 1}})
	topo, err := Build(edges, zeros(2, 4), zeros(1, 3), zeros(2))
	require.NoError(t, err)
	assert.Panics(t, func() { topo.Neighbors(2) })
	assert.Panics(t, func() { topo.Neighbors(-1) })
}

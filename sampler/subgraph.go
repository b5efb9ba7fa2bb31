package sampler

import (
	"fmt"
	"slices"
	"strings"
)

// Subgraph is the bounded, layered projection of a topology produced by one
// Sampler.Sample call. All per-node structures are fixed-shape for a given
// Plan, padded and masked, so batches of subgraphs stack into constant-shape
// tensors.
//
// Node slots are local indices: roots first (0..NumRoots-1), then every other
// node in the order it was first visited. Neighbor references use local
// indices, so the model can gather node states directly, without touching
// global mesh indices.
type Subgraph struct {
	// NumRoots actually sampled (<= Plan.NumRoots).
	NumRoots int

	// NumNodes visited in total, including roots (<= Plan.NodeCapacity()).
	NumNodes int

	// NodeIDs maps local slot -> global mesh node index; length
	// Plan.NodeCapacity(), padded with PaddingIndex.
	NodeIDs []int32

	// NodeMask flags which slots of NodeIDs are real.
	NodeMask []bool

	// Neighbors is the flattened [NodeCapacity, MaxNeighbors] table of local
	// indices of each node's selected neighbors.
	Neighbors []int32

	// NeighborMask flags which neighbor lanes are real.
	NeighborMask []bool

	// EdgeRows is, aligned with Neighbors, the row into the topology's
	// EdgeFeatures of the edge connecting the node to that neighbor.
	EdgeRows []int32

	// LayerNodeCounts holds, per layer, the cumulative count of distinct
	// non-root nodes accumulated by the end of that layer. Each entry is
	// <= the corresponding LayerSpec.Threshold.
	LayerNodeCounts []int
}

func newSubgraph(plan *Plan) *Subgraph {
	cap, maxK := plan.NodeCapacity(), plan.MaxNeighbors()
	return &Subgraph{
		NodeIDs:         make([]int32, cap),
		NodeMask:        make([]bool, cap),
		Neighbors:       make([]int32, cap*maxK),
		NeighborMask:    make([]bool, cap*maxK),
		EdgeRows:        make([]int32, cap*maxK),
		LayerNodeCounts: make([]int, 0, plan.NumLayers()),
	}
}

// NeighborsOf returns the local indices of the selected neighbors of the node
// at the given local slot, and the matching edge-feature rows.
// Don't modify the returned slices.
func (sub *Subgraph) NeighborsOf(local int32) (neighbors, edgeRows []int32) {
	maxK := len(sub.Neighbors) / len(sub.NodeIDs)
	base := int(local) * maxK
	count := 0
	for count < maxK && sub.NeighborMask[base+count] {
		count++
	}
	return sub.Neighbors[base : base+count], sub.EdgeRows[base : base+count]
}

// Equal reports whether two subgraphs have identical node and edge index
// sets, including their order. Useful to verify deterministic re-sampling.
func (sub *Subgraph) Equal(other *Subgraph) bool {
	return sub.NumRoots == other.NumRoots &&
		sub.NumNodes == other.NumNodes &&
		slices.Equal(sub.NodeIDs, other.NodeIDs) &&
		slices.Equal(sub.NodeMask, other.NodeMask) &&
		slices.Equal(sub.Neighbors, other.Neighbors) &&
		slices.Equal(sub.NeighborMask, other.NeighborMask) &&
		slices.Equal(sub.EdgeRows, other.EdgeRows)
}

// String returns a short description of the Subgraph.
func (sub *Subgraph) String() string {
	var counts []string
	for _, c := range sub.LayerNodeCounts {
		counts = append(counts, fmt.Sprintf("%d", c))
	}
	return fmt.Sprintf("sampler.Subgraph: %d roots, %d nodes, cumulative per layer [%s]",
		sub.NumRoots, sub.NumNodes, strings.Join(counts, ", "))
}

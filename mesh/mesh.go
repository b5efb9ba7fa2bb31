// Package mesh holds the immutable snapshot of one finite-element mesh
// instance: its directed edges (in CSR form, sorted by source node), the raw
// per-node and per-edge feature tensors, and the per-instance global "theta"
// parameters (pressure, material scalars, shape coefficients).
//
// A Topology is built once per simulation record by the data pipeline and is
// read-only afterwards; re-topologizing requires building a new instance.
package mesh

import (
	"fmt"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Topology is an immutable graph snapshot of one mesh instance.
//
// Edges are stored in CSR form: for source node `i`, its out-edges occupy the
// range `Starts[i-1]:Starts[i]` (0 for `i == 0`) of Targets and EdgeRows.
// All the fields are exported for reading; don't modify them after Build.
type Topology struct {
	NumNodes int

	// NodeFeatures is shaped (Float32)[NumNodes, NodeFeatureDim].
	NodeFeatures *tensors.Tensor

	// EdgeFeatures is shaped (Float32)[NumEdges, EdgeFeatureDim].
	// Row `EdgeRows[p]` holds the features of the edge at CSR position `p`.
	EdgeFeatures *tensors.Tensor

	// Theta is shaped (Float32)[ThetaDim]. It is shared identically by every
	// node and edge update of this instance and never written by the model.
	Theta *tensors.Tensor

	// Starts has one entry per source node (shifted by 1): it points to the
	// end of the source node's out-edge range. See Topology doc.
	Starts []int32

	// Targets lists target node indices, ordered by source node.
	Targets []int32

	// EdgeRows maps each CSR position back to the row of EdgeFeatures (the
	// original order the edges were given in).
	EdgeRows []int32
}

// Build validates and indexes one mesh instance.
//
// `edges` must be shaped (Int32)[numEdges, 2] with (source, target) pairs;
// `nodeFeatures` (Float32)[numNodes, nodeDim]; `edgeFeatures`
// (Float32)[numEdges, edgeDim]; `theta` (Float32)[thetaDim].
//
// It returns a MalformedGraphError if an edge references a non-existent node
// or if the feature tensors disagree with the edge list on their row counts.
// The inputs are not modified and must not be mutated afterwards.
func Build(edges, nodeFeatures, edgeFeatures, theta *tensors.Tensor) (*Topology, error) {
	if nodeFeatures == nil || nodeFeatures.Rank() != 2 || nodeFeatures.DType() != dtypes.Float32 {
		return nil, malformedf("nodeFeatures must be shaped (Float32)[numNodes, nodeDim], got %s", shapeOf(nodeFeatures))
	}
	numNodes := nodeFeatures.Shape().Dimensions[0]
	if numNodes == 0 {
		return nil, malformedf("mesh must have at least one node")
	}
	if edges == nil || edges.Rank() != 2 || edges.DType() != dtypes.Int32 || edges.Shape().Dimensions[1] != 2 {
		return nil, malformedf("edges must be shaped (Int32)[numEdges, 2], got %s", shapeOf(edges))
	}
	numEdges := edges.Shape().Dimensions[0]
	if edgeFeatures == nil || edgeFeatures.Rank() != 2 || edgeFeatures.DType() != dtypes.Float32 {
		return nil, malformedf("edgeFeatures must be shaped (Float32)[numEdges, edgeDim], got %s", shapeOf(edgeFeatures))
	}
	if edgeFeatures.Shape().Dimensions[0] != numEdges {
		return nil, malformedf("edgeFeatures has %d rows, but the edge list has %d edges",
			edgeFeatures.Shape().Dimensions[0], numEdges)
	}
	if theta == nil || theta.Rank() != 1 || theta.DType() != dtypes.Float32 {
		return nil, malformedf("theta must be shaped (Float32)[thetaDim], got %s", shapeOf(theta))
	}

	topo := &Topology{
		NumNodes:     numNodes,
		NodeFeatures: nodeFeatures,
		EdgeFeatures: edgeFeatures,
		Theta:        theta,
		Starts:       make([]int32, numNodes),
		Targets:      make([]int32, numEdges),
		EdgeRows:     make([]int32, numEdges),
	}

	var err error
	tensors.ConstFlatData[int32](edges, func(pairs []int32) {
		// Sort edge positions by source node, keeping the original order within
		// a source node so sampling is reproducible.
		perm := make([]int32, numEdges)
		for ii := range perm {
			perm[ii] = int32(ii)
		}
		sort.SliceStable(perm, func(a, b int) bool {
			return pairs[2*perm[a]] < pairs[2*perm[b]]
		})

		currentSource := int32(0)
		for pos, row := range perm {
			source, target := pairs[2*row], pairs[2*row+1]
			if source < 0 || int(source) >= numNodes {
				err = malformedf("edge %d references source node %d, but the mesh only has %d nodes",
					row, source, numNodes)
				return
			}
			if target < 0 || int(target) >= numNodes {
				err = malformedf("edge %d references target node %d, but the mesh only has %d nodes",
					row, target, numNodes)
				return
			}
			topo.Targets[pos] = target
			topo.EdgeRows[pos] = row
			for currentSource < source {
				topo.Starts[currentSource] = int32(pos)
				currentSource++
			}
		}
		for ; int(currentSource) < numNodes; currentSource++ {
			topo.Starts[currentSource] = int32(numEdges)
		}
	})
	if err != nil {
		return nil, err
	}
	return topo, nil
}

// NumEdges of this mesh.
func (t *Topology) NumEdges() int { return len(t.Targets) }

// NodeFeatureDim is the width of the raw per-node feature vectors.
func (t *Topology) NodeFeatureDim() int { return t.NodeFeatures.Shape().Dimensions[1] }

// EdgeFeatureDim is the width of the raw per-edge feature vectors.
func (t *Topology) EdgeFeatureDim() int { return t.EdgeFeatures.Shape().Dimensions[1] }

// ThetaDim is the width of the global theta vector.
func (t *Topology) ThetaDim() int { return t.Theta.Shape().Dimensions[0] }

// Neighbors returns the ordered target nodes of the given source node.
// Don't modify the returned slice, it is in use by the Topology.
func (t *Topology) Neighbors(node int32) []int32 {
	start, end := t.edgeRange(node)
	return t.Targets[start:end]
}

// OutEdges returns the ordered target nodes of `node` and, aligned with them,
// the rows into EdgeFeatures of the connecting edges.
// Don't modify the returned slices.
func (t *Topology) OutEdges(node int32) (targets, edgeRows []int32) {
	start, end := t.edgeRange(node)
	return t.Targets[start:end], t.EdgeRows[start:end]
}

func (t *Topology) edgeRange(node int32) (start, end int32) {
	if node < 0 || int(node) >= t.NumNodes {
		Panicf("invalid node index %d for mesh with %d nodes", node, t.NumNodes)
	}
	if node > 0 {
		start = t.Starts[node-1]
	}
	end = t.Starts[node]
	return
}

// String returns a multi-line description of the Topology.
func (t *Topology) String() string {
	parts := []string{
		fmt.Sprintf("mesh.Topology: %s nodes, %s edges",
			humanize.Comma(int64(t.NumNodes)), humanize.Comma(int64(t.NumEdges()))),
		fmt.Sprintf("\tnode features: %s", t.NodeFeatures.Shape()),
		fmt.Sprintf("\tedge features: %s", t.EdgeFeatures.Shape()),
		fmt.Sprintf("\ttheta: %s", t.Theta.Shape()),
	}
	return strings.Join(parts, "\n")
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "nil"
	}
	return t.Shape().String()
}

// Package sampler turns a large mesh graph into a bounded, layered
// computational subgraph per training step.
//
// Sampling always produces tensors of the same shape for a given Plan,
// padding whatever was not fulfilled -- required so the accelerator compiles
// one computation graph per plan. One should always use the masks returned
// alongside the indices to check whether a value is padding.
//
// There are three phases:
//
// (1) Describe the sampling with a Plan: how many root nodes per graph and,
// for each hop outward, the per-node neighbor cap and the running
// distinct-node threshold:
//
//	plan := sampler.NewPlan(numRoots, []sampler.LayerSpec{
//		{Threshold: 500, SelectedNodeNum: 8},
//		{Threshold: 1500, SelectedNodeNum: 8},
//	})
//
// (2) Sample subgraphs from a mesh.Topology, deterministically per seed:
//
//	s := sampler.New(topo, plan)
//	sub := s.Sample(roots, seed)
//
// (3) Or create a Dataset over many (topology, labels) examples and let it
// yield ready-to-feed tensor batches (see Dataset).
package sampler

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
)

// LayerSpec bounds one hop of neighbor sampling.
type LayerSpec struct {
	// Threshold caps the total number of distinct nodes accumulated across
	// the run (excluding the roots) by the end of this layer. Once reached,
	// later selections for the layer are dropped -- first selected wins.
	Threshold int

	// SelectedNodeNum caps how many neighbors are selected per frontier node.
	SelectedNodeNum int
}

// Plan is the ordered list of layer bounds plus the root count. It fully
// determines the shapes of every sampled Subgraph, so it doubles as the
// dataset `spec` handed to the model graph function.
type Plan struct {
	// NumRoots per sampled subgraph. Roots occupy the local node slots
	// 0..NumRoots-1 of the subgraph node table.
	NumRoots int

	// Layers, outermost hop last.
	Layers []LayerSpec
}

// NewPlan validates the layer bounds. Thresholds are cumulative and must be
// non-decreasing.
func NewPlan(numRoots int, layers []LayerSpec) *Plan {
	if numRoots <= 0 {
		Panicf("sampler.NewPlan: numRoots must be > 0, got %d", numRoots)
	}
	if len(layers) == 0 {
		Panicf("sampler.NewPlan: at least one layer is required")
	}
	prevThreshold := 0
	for ii, layer := range layers {
		if layer.SelectedNodeNum <= 0 {
			Panicf("sampler.NewPlan: layer %d has SelectedNodeNum=%d, must be > 0", ii, layer.SelectedNodeNum)
		}
		if layer.Threshold < prevThreshold {
			Panicf("sampler.NewPlan: layer %d threshold %d is below layer %d's %d -- thresholds count "+
				"distinct nodes accumulated across the run and must be non-decreasing",
				ii, layer.Threshold, ii-1, prevThreshold)
		}
		prevThreshold = layer.Threshold
	}
	return &Plan{NumRoots: numRoots, Layers: layers}
}

// NumLayers of sampling hops.
func (p *Plan) NumLayers() int { return len(p.Layers) }

// NodeCapacity is the fixed size of the subgraph node table: the roots plus
// the last layer's distinct-node threshold.
func (p *Plan) NodeCapacity() int {
	return p.NumRoots + p.Layers[len(p.Layers)-1].Threshold
}

// MaxNeighbors is the fixed neighbor axis of the subgraph tensors: the
// largest per-node selection cap over all layers.
func (p *Plan) MaxNeighbors() int {
	maxK := 0
	for _, layer := range p.Layers {
		maxK = max(maxK, layer.SelectedNodeNum)
	}
	return maxK
}

// String returns a multi-line description of the Plan.
func (p *Plan) String() string {
	parts := make([]string, 0, 1+len(p.Layers))
	parts = append(parts, fmt.Sprintf("sampler.Plan: %d roots, %d layers, node capacity %d",
		p.NumRoots, len(p.Layers), p.NodeCapacity()))
	for ii, layer := range p.Layers {
		parts = append(parts, fmt.Sprintf("\tlayer %d: up to %d neighbors/node, distinct nodes <= %d",
			ii, layer.SelectedNodeNum, layer.Threshold))
	}
	return strings.Join(parts, "\n")
}

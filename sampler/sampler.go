package sampler

import (
	"math/rand/v2"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/femsage/mesh"
)

// PaddingIndex is used for all sampling not fulfilled.
// Notice 0 is also a valid node index; always consult the masks.
const PaddingIndex = 0

// Sampler samples bounded layered subgraphs from one mesh.Topology according
// to a Plan. It is stateless and safe for concurrent use; all randomness is
// derived from the per-call seed, so the same (roots, seed) pair always
// yields the identical Subgraph.
type Sampler struct {
	Topology *mesh.Topology
	Plan     *Plan
}

// New creates a Sampler over the given topology and plan.
func New(topo *mesh.Topology, plan *Plan) *Sampler {
	if topo == nil || plan == nil {
		Panicf("sampler.New: topology and plan must both be non-nil")
	}
	return &Sampler{Topology: topo, Plan: plan}
}

// Sample expands the layered subgraph outward from `roots`.
//
// Per layer l, each frontier node selects up to Plan.Layers[l].SelectedNodeNum
// neighbors: all of them, in adjacency order, when it has fewer; a uniform
// random subset without replacement otherwise. Nodes seen for the first time
// count against the layer's running distinct-node threshold; once it is
// reached, later first-time selections of that layer are dropped (their mask
// stays false). Already-visited nodes can always be referenced again at no
// threshold cost. A node with no neighbors simply keeps an empty selection --
// its own state still propagates through the node update.
//
// Up to Plan.NumRoots roots are accepted; fewer roots leave the remaining
// root slots masked out. Root indices must be valid and distinct.
func (s *Sampler) Sample(roots []int32, seed uint64) *Subgraph {
	plan := s.Plan
	if len(roots) == 0 || len(roots) > plan.NumRoots {
		Panicf("Sampler.Sample: got %d roots, want between 1 and %d", len(roots), plan.NumRoots)
	}
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	sub := newSubgraph(plan)

	// visited maps global node index to its local slot in the node table.
	visited := make(map[int32]int32, plan.NodeCapacity())
	frontier := make([]int32, 0, len(roots)) // local slots to expand.
	for ii, root := range roots {
		if root < 0 || int(root) >= s.Topology.NumNodes {
			Panicf("Sampler.Sample: root %d out of range for mesh with %d nodes", root, s.Topology.NumNodes)
		}
		if _, dup := visited[root]; dup {
			Panicf("Sampler.Sample: root %d given more than once", root)
		}
		local := int32(ii)
		visited[root] = local
		sub.NodeIDs[local] = root
		sub.NodeMask[local] = true
		frontier = append(frontier, local)
	}
	sub.NumRoots = len(roots)
	nextLocal := int32(plan.NumRoots) // roots own slots 0..NumRoots-1, even unused ones.
	accumulated := 0                  // distinct non-root nodes across the whole run.

	maxK := plan.MaxNeighbors()
	selection := make([]int32, 0, maxK) // reused per frontier node.
	for _, layer := range plan.Layers {
		nextFrontier := make([]int32, 0, layer.Threshold-accumulated)
		for _, local := range frontier {
			targets, edgeRows := s.Topology.OutEdges(sub.NodeIDs[local])
			if len(targets) == 0 {
				continue
			}
			selection = selection[:0]
			if len(targets) <= layer.SelectedNodeNum {
				// Take all, in adjacency order, for reproducibility.
				for ii := range targets {
					selection = append(selection, int32(ii))
				}
			} else {
				selection = selection[:layer.SelectedNodeNum]
				randKOfN(rng, selection, len(targets))
			}

			base := int(local) * maxK
			slot := 0
			for _, pick := range selection {
				target := targets[pick]
				targetLocal, seen := visited[target]
				if !seen {
					if accumulated >= layer.Threshold {
						continue // Layer exhausted: later selections are dropped.
					}
					targetLocal = nextLocal
					nextLocal++
					accumulated++
					visited[target] = targetLocal
					sub.NodeIDs[targetLocal] = target
					sub.NodeMask[targetLocal] = true
					nextFrontier = append(nextFrontier, targetLocal)
				}
				sub.Neighbors[base+slot] = targetLocal
				sub.NeighborMask[base+slot] = true
				sub.EdgeRows[base+slot] = edgeRows[pick]
				slot++
			}
		}
		sub.LayerNodeCounts = append(sub.LayerNodeCounts, accumulated)
		frontier = nextFrontier
	}
	sub.NumNodes = int(nextLocal)
	return sub
}

// randKOfN writes len(values) random values without replacement out of
// `0..n-1` into values. It requires n > len(values).
func randKOfN(rng *rand.Rand, values []int32, n int) {
	k := len(values)
	if k*k < n {
		randKOfNLinear(rng, values, n)
	} else {
		randKOfNReservoir(rng, values, n)
	}
}

// randKOfNLinear re-draws on collision, O(k^2) but fast for the small k used
// per node.
func randKOfNLinear(rng *rand.Rand, values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(rng.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(rng *rand.Rand, values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rng.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/femsage/mesh"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

var _ train.Dataset = &Dataset{}

// Positions of the tensors yielded as `inputs` by a Dataset, in order.
// The model graph function parses its inputs slice with these.
const (
	InputNodeFeatures = iota // (Float32)[batch, nodeCap, nodeDim]
	InputNodeMask            // (Bool)[batch, nodeCap]
	InputNeighbors           // (Int32)[batch, nodeCap, maxNeighbors], local indices
	InputNeighborMask        // (Bool)[batch, nodeCap, maxNeighbors]
	InputEdgeFeatures        // (Float32)[batch, nodeCap, maxNeighbors, edgeDim]
	InputTheta               // (Float32)[batch, thetaDim]
	NumInputs
)

// Positions of the tensors yielded as `labels` by a Dataset.
const (
	LabelTargets  = iota // (Float32)[batch, numRoots, labelDim]
	LabelRootMask        // (Bool)[batch, numRoots]
	NumLabels
)

// Example is one training record: a mesh instance plus its per-node target
// fields, shaped (Float32)[topology.NumNodes, labelDim].
type Example struct {
	Topology *mesh.Topology
	Labels   *tensors.Tensor
}

// Dataset yields fixed-shape tensor batches of sampled subgraphs, one mesh
// instance per batch element. It implements the GoMLX train.Dataset
// interface, so it can be handed to train.Loop directly or wrapped with
// data.Parallel to sample with concurrent workers.
//
// Before the first Yield it can be configured with Shuffle, Epochs, Infinite,
// StaticGraph and WithSeed. The subgraph shapes are fully determined by the
// Plan and batch size, so the accelerator compiles a single computation.
type Dataset struct {
	name      string
	plan      *Plan
	examples  []Example
	batchSize int

	numEpochs   int
	shuffle     bool
	staticGraph bool
	baseSeed    uint64

	nodeDim, edgeDim, thetaDim, labelDim int

	muSample     sync.Mutex
	frozen       bool
	exhausted    bool
	currentEpoch int
	position     int
	order        []int
	rng          *rand.Rand
	drawCount    uint64
	cached       []*Subgraph // per example, when staticGraph.
}

// NewDataset creates a Dataset over the given examples. All examples must
// agree on their node/edge/theta/label feature widths, and every topology
// must have at least one node.
func NewDataset(name string, plan *Plan, batchSize int, examples []Example) *Dataset {
	if batchSize <= 0 {
		Panicf("sampler.NewDataset: batchSize must be > 0, got %d", batchSize)
	}
	if len(examples) < batchSize {
		Panicf("sampler.NewDataset: %d examples cannot fill batches of %d", len(examples), batchSize)
	}
	first := examples[0]
	ds := &Dataset{
		name:      name,
		plan:      plan,
		examples:  examples,
		batchSize: batchSize,
		numEpochs: 1,
		baseSeed:  1,
		nodeDim:   first.Topology.NodeFeatureDim(),
		edgeDim:   first.Topology.EdgeFeatureDim(),
		thetaDim:  first.Topology.ThetaDim(),
		cached:    make([]*Subgraph, len(examples)),
	}
	for ii, example := range examples {
		topo := example.Topology
		if topo.NodeFeatureDim() != ds.nodeDim || topo.EdgeFeatureDim() != ds.edgeDim || topo.ThetaDim() != ds.thetaDim {
			Panicf("sampler.NewDataset: example %d feature widths (node=%d, edge=%d, theta=%d) disagree with "+
				"example 0 (node=%d, edge=%d, theta=%d)",
				ii, topo.NodeFeatureDim(), topo.EdgeFeatureDim(), topo.ThetaDim(),
				ds.nodeDim, ds.edgeDim, ds.thetaDim)
		}
		if example.Labels.Rank() != 2 || example.Labels.Shape().Dimensions[0] != topo.NumNodes {
			Panicf("sampler.NewDataset: example %d labels must be shaped [numNodes=%d, labelDim], got %s",
				ii, topo.NumNodes, example.Labels.Shape())
		}
		labelDim := example.Labels.Shape().Dimensions[1]
		if ii == 0 {
			ds.labelDim = labelDim
		} else if labelDim != ds.labelDim {
			Panicf("sampler.NewDataset: example %d has labelDim=%d, example 0 has %d", ii, labelDim, ds.labelDim)
		}
	}
	ds.resetLocked()
	return ds
}

// Plan backing this Dataset.
func (ds *Dataset) Plan() *Plan { return ds.plan }

// LabelDim of the target field vectors.
func (ds *Dataset) LabelDim() int { return ds.labelDim }

// Epochs configures the dataset to yield those many epochs. Default is 1.
// It returns itself to allow cascading configuration calls.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.checkNotFrozen()
	if n <= 0 {
		Panicf("Dataset.Epochs(n): n must be > 0, got %d", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.checkNotFrozen()
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the example order (reshuffled at
// every epoch) and to sample roots randomly on meshes larger than the plan's
// root count.
func (ds *Dataset) Shuffle() *Dataset {
	ds.checkNotFrozen()
	ds.shuffle = true
	return ds
}

// StaticGraph samples each example's subgraph once and reuses it on every
// epoch, instead of re-sampling per step. A deliberate trade-off: cheaper and
// fully reproducible, at the cost of the model only ever seeing one sampled
// projection of each mesh.
func (ds *Dataset) StaticGraph() *Dataset {
	ds.checkNotFrozen()
	ds.staticGraph = true
	return ds
}

// WithSeed fixes the base of all sampling randomness. Datasets with the same
// seed and configuration yield bit-identical subgraph sequences.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	ds.checkNotFrozen()
	ds.baseSeed = seed
	ds.resetLocked()
	return ds
}

func (ds *Dataset) checkNotFrozen() {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the Dataset after exhaustion.
// Statically sampled subgraphs are kept.
func (ds *Dataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.exhausted = false
	ds.currentEpoch = 0
	ds.position = 0
	ds.rng = rand.New(rand.NewPCG(ds.baseSeed, 0xda7a))
	ds.drawCount = 0
	ds.order = make([]int, len(ds.examples))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.maybeShuffleOrder()
}

func (ds *Dataset) maybeShuffleOrder() {
	if !ds.shuffle {
		return
	}
	for ii := range ds.order {
		jj := ds.rng.IntN(len(ds.order))
		ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
	}
}

// Yield implements train.Dataset. The returned spec is the *Plan.
// Incomplete trailing batches of an epoch are dropped, so shapes stay fixed.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	spec = ds.plan
	ds.frozen = true
	if ds.exhausted {
		return spec, nil, nil, io.EOF
	}

	batch := make([]int, 0, ds.batchSize)
	subgraphs := make([]*Subgraph, 0, ds.batchSize)
	rootSets := make([][]int32, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		if ds.position+ds.batchSize-len(batch) > len(ds.order) {
			// Not enough examples left in this epoch.
			ds.position = 0
			ds.currentEpoch++
			if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
				ds.exhausted = true
				return spec, nil, nil, io.EOF
			}
			ds.maybeShuffleOrder()
			continue
		}
		exampleIdx := ds.order[ds.position]
		ds.position++
		sub, roots := ds.sampleExample(exampleIdx)
		batch = append(batch, exampleIdx)
		subgraphs = append(subgraphs, sub)
		rootSets = append(rootSets, roots)
	}
	inputs, labels = ds.assemble(batch, subgraphs, rootSets)
	return spec, inputs, labels, nil
}

// sampleExample returns the subgraph for the example, freshly sampled or from
// the static cache.
func (ds *Dataset) sampleExample(exampleIdx int) (*Subgraph, []int32) {
	if ds.staticGraph && ds.cached[exampleIdx] != nil {
		sub := ds.cached[exampleIdx]
		return sub, sub.NodeIDs[:sub.NumRoots]
	}
	topo := ds.examples[exampleIdx].Topology
	roots := ds.pickRoots(topo, exampleIdx)
	var seed uint64
	if ds.staticGraph {
		// One fixed seed per example, so every epoch reuses the same subgraph.
		seed = ds.baseSeed + uint64(exampleIdx)
	} else {
		ds.drawCount++
		seed = ds.baseSeed + uint64(len(ds.examples))*ds.drawCount + uint64(exampleIdx)
	}
	sub := New(topo, ds.plan).Sample(roots, seed)
	if ds.staticGraph {
		ds.cached[exampleIdx] = sub
	}
	return sub, roots
}

// pickRoots selects the prediction roots for one mesh: every node when the
// mesh fits the plan's root count, otherwise a subset (random when shuffling,
// the first NumRoots nodes otherwise).
func (ds *Dataset) pickRoots(topo *mesh.Topology, exampleIdx int) []int32 {
	numRoots := min(topo.NumNodes, ds.plan.NumRoots)
	roots := make([]int32, numRoots)
	if topo.NumNodes <= ds.plan.NumRoots || !ds.shuffle {
		for ii := range roots {
			roots[ii] = int32(ii)
		}
		return roots
	}
	rootRng := ds.rng
	if ds.staticGraph {
		rootRng = rand.New(rand.NewPCG(ds.baseSeed+uint64(exampleIdx), 0x2007))
	}
	randKOfN(rootRng, roots, topo.NumNodes)
	return roots
}

// assemble gathers features for the sampled local node tables and stacks the
// batch into the fixed-shape input and label tensors.
func (ds *Dataset) assemble(batch []int, subgraphs []*Subgraph, rootSets [][]int32) (inputs, labels []*tensors.Tensor) {
	b := len(batch)
	nodeCap, maxK := ds.plan.NodeCapacity(), ds.plan.MaxNeighbors()
	numRoots := ds.plan.NumRoots

	nodeFeats := make([]float32, b*nodeCap*ds.nodeDim)
	nodeMask := make([]bool, b*nodeCap)
	neighbors := make([]int32, b*nodeCap*maxK)
	neighborMask := make([]bool, b*nodeCap*maxK)
	edgeFeats := make([]float32, b*nodeCap*maxK*ds.edgeDim)
	theta := make([]float32, b*ds.thetaDim)
	targets := make([]float32, b*numRoots*ds.labelDim)
	rootMask := make([]bool, b*numRoots)

	for bi, exampleIdx := range batch {
		example := ds.examples[exampleIdx]
		sub := subgraphs[bi]

		copy(nodeMask[bi*nodeCap:], sub.NodeMask)
		copy(neighbors[bi*nodeCap*maxK:], sub.Neighbors)
		copy(neighborMask[bi*nodeCap*maxK:], sub.NeighborMask)

		tensors.ConstFlatData[float32](example.Topology.NodeFeatures, func(flat []float32) {
			for local, nodeID := range sub.NodeIDs {
				if !sub.NodeMask[local] {
					continue
				}
				dst := (bi*nodeCap + local) * ds.nodeDim
				src := int(nodeID) * ds.nodeDim
				copy(nodeFeats[dst:dst+ds.nodeDim], flat[src:src+ds.nodeDim])
			}
		})
		tensors.ConstFlatData[float32](example.Topology.EdgeFeatures, func(flat []float32) {
			for lane, edgeRow := range sub.EdgeRows {
				if !sub.NeighborMask[lane] {
					continue
				}
				dst := (bi*nodeCap*maxK + lane) * ds.edgeDim
				src := int(edgeRow) * ds.edgeDim
				copy(edgeFeats[dst:dst+ds.edgeDim], flat[src:src+ds.edgeDim])
			}
		})
		tensors.ConstFlatData[float32](example.Topology.Theta, func(flat []float32) {
			copy(theta[bi*ds.thetaDim:], flat)
		})
		tensors.ConstFlatData[float32](example.Labels, func(flat []float32) {
			for ri, root := range rootSets[bi] {
				dst := (bi*numRoots + ri) * ds.labelDim
				src := int(root) * ds.labelDim
				copy(targets[dst:dst+ds.labelDim], flat[src:src+ds.labelDim])
				rootMask[bi*numRoots+ri] = true
			}
		})
	}

	inputs = make([]*tensors.Tensor, NumInputs)
	inputs[InputNodeFeatures] = tensors.FromFlatDataAndDimensions(nodeFeats, b, nodeCap, ds.nodeDim)
	inputs[InputNodeMask] = tensors.FromFlatDataAndDimensions(nodeMask, b, nodeCap)
	inputs[InputNeighbors] = tensors.FromFlatDataAndDimensions(neighbors, b, nodeCap, maxK)
	inputs[InputNeighborMask] = tensors.FromFlatDataAndDimensions(neighborMask, b, nodeCap, maxK)
	inputs[InputEdgeFeatures] = tensors.FromFlatDataAndDimensions(edgeFeats, b, nodeCap, maxK, ds.edgeDim)
	inputs[InputTheta] = tensors.FromFlatDataAndDimensions(theta, b, ds.thetaDim)

	labels = make([]*tensors.Tensor, NumLabels)
	labels[LabelTargets] = tensors.FromFlatDataAndDimensions(targets, b, numRoots, ds.labelDim)
	labels[LabelRootMask] = tensors.FromFlatDataAndDimensions(rootMask, b, numRoots)
	return
}

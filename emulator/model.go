// Package emulator implements a graph neural network surrogate for
// finite-element simulations. It predicts per-node physical quantities
// (e.g. displacement and stress) on a mesh, conditioned on global
// simulation parameters ("theta"), from subgraphs produced by the sampler
// package.
//
// The model encodes raw node, edge and theta features into a latent space,
// runs a stack of message passing layers over the sampled neighborhoods and
// decodes the root node states, concatenated with the theta latent, into
// the configured label widths.
package emulator

import (
	"fmt"

	"github.com/gomlx/femsage/sampler"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Model is an emulator with a validated configuration. It is cheap to
// create, variables are only allocated in the context when the forward
// graph is built.
type Model struct {
	cfg  Config
	plan *sampler.Plan

	// One aggregator per message passing layer, resolved at construction.
	aggregators []aggregator
}

// NewModel validates cfg against plan and returns the model. All widths
// that can be derived without seeing data are checked here and a
// ConfigIncompatibleError is returned when they don't chain. Input feature
// widths depend on the mesh and are checked at graph building time instead.
func NewModel(cfg Config, plan *sampler.Plan) (*Model, error) {
	if plan == nil {
		return nil, configIncompatiblef("a sampling plan is required")
	}
	if len(cfg.Labels) == 0 {
		return nil, configIncompatiblef("at least one label must be configured")
	}
	seen := make(map[string]bool, len(cfg.Labels))
	for _, label := range cfg.Labels {
		if label.Name == "" || label.Dim <= 0 {
			return nil, configIncompatiblef("label %+v must have a name and a positive width", label)
		}
		if seen[label.Name] {
			return nil, configIncompatiblef("label %q configured twice", label.Name)
		}
		seen[label.Name] = true
	}

	for _, check := range []struct {
		name string
		spec MLPSpec
	}{
		{"node input MLP", cfg.NodeInputMLP},
		{"edge input MLP", cfg.EdgeInputMLP},
		{"theta input MLP", cfg.ThetaInputMLP},
		{"decoder MLP", cfg.DecoderMLP},
	} {
		if err := check.spec.validate(check.name); err != nil {
			return nil, err
		}
	}
	if len(cfg.Layers) == 0 {
		return nil, configIncompatiblef("at least one message passing layer must be configured")
	}

	// Chain the widths through the message passing stack.
	nodeWidth := cfg.NodeInputMLP.OutputDim()
	edgeWidth := cfg.EdgeInputMLP.OutputDim()
	for ii, layer := range cfg.Layers {
		if err := layer.EdgeMLP.validate(fmt.Sprintf("layer %d edge MLP", ii)); err != nil {
			return nil, err
		}
		if err := layer.NodeMLP.validate(fmt.Sprintf("layer %d node MLP", ii)); err != nil {
			return nil, err
		}
		if wantIn := 2*nodeWidth + edgeWidth; layer.EdgeMLP.InputDim() != wantIn {
			return nil, configIncompatiblef(
				"layer %d edge MLP expects input width %d, but source(%d)+target(%d)+edge(%d) states are %d wide",
				ii, layer.EdgeMLP.InputDim(), nodeWidth, nodeWidth, edgeWidth, wantIn)
		}
		edgeWidth = layer.EdgeMLP.OutputDim()
		if wantIn := nodeWidth + edgeWidth; layer.NodeMLP.InputDim() != wantIn {
			return nil, configIncompatiblef(
				"layer %d node MLP expects input width %d, but state(%d)+pooled(%d) is %d wide",
				ii, layer.NodeMLP.InputDim(), nodeWidth, edgeWidth, wantIn)
		}
		nodeWidth = layer.NodeMLP.OutputDim()
		if layer.Agg == AggAttention {
			if layer.Attention.NumHeads <= 0 {
				return nil, configIncompatiblef("layer %d uses attention pooling but has %d heads", ii, layer.Attention.NumHeads)
			}
			if layer.Attention.KeyQueryDim < 0 {
				return nil, configIncompatiblef("layer %d has negative attention key/query dim", ii)
			}
			if layer.Attention.Dropout < 0 || layer.Attention.Dropout >= 1 {
				return nil, configIncompatiblef("layer %d attention dropout %g outside [0, 1)", ii, layer.Attention.Dropout)
			}
		} else if layer.Agg != AggSum && layer.Agg != AggMean {
			return nil, configIncompatiblef("layer %d has unknown aggregation method %d", ii, int(layer.Agg))
		}
	}

	if wantIn := nodeWidth + cfg.ThetaInputMLP.OutputDim(); cfg.DecoderMLP.InputDim() != wantIn {
		return nil, configIncompatiblef(
			"decoder MLP expects input width %d, but node state(%d)+theta latent(%d) is %d wide",
			cfg.DecoderMLP.InputDim(), nodeWidth, cfg.ThetaInputMLP.OutputDim(), wantIn)
	}
	if cfg.DecoderMLP.OutputDim() != cfg.OutputDim() {
		return nil, configIncompatiblef(
			"decoder MLP produces width %d but the labels %v require %d",
			cfg.DecoderMLP.OutputDim(), cfg.Labels, cfg.OutputDim())
	}

	m := &Model{cfg: cfg, plan: plan}
	for _, layer := range cfg.Layers {
		m.aggregators = append(m.aggregators, newAggregator(layer))
	}
	return m, nil
}

// Config returns the (validated) configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Plan returns the sampling plan the model expects its inputs to follow.
func (m *Model) Plan() *sampler.Plan { return m.plan }

// ForwardGraph builds the forward computation. It has the signature
// expected by train.NewTrainer: inputs is ordered per the sampler.Input*
// constants and the result is a single [batchSize, numRoots, outputDim]
// prediction node.
//
// It panics with a ShapeMismatchError if the inputs don't match the plan
// or the configured feature widths, the Executor and the trainer translate
// that back into an error.
func (m *Model) ForwardGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	if len(inputs) != sampler.NumInputs {
		shapeMismatchf("forward expects %d input tensors, got %d", sampler.NumInputs, len(inputs))
	}
	nodeFeatures := inputs[sampler.InputNodeFeatures]
	nodeMask := inputs[sampler.InputNodeMask]
	neighbors := inputs[sampler.InputNeighbors]
	neighborMask := inputs[sampler.InputNeighborMask]
	edgeFeatures := inputs[sampler.InputEdgeFeatures]
	theta := inputs[sampler.InputTheta]

	batchSize := nodeFeatures.Shape().Dimensions[0]
	numNodes := m.plan.NodeCapacity()
	maxNeighbors := m.plan.MaxNeighbors()
	if nodeFeatures.Shape().Dimensions[1] != numNodes {
		shapeMismatchf("node features shaped %s, but the plan has capacity for %d nodes", nodeFeatures.Shape(), numNodes)
	}
	if neighbors.Shape().Dimensions[2] != maxNeighbors {
		shapeMismatchf("neighbor indices shaped %s, but the plan samples up to %d neighbors", neighbors.Shape(), maxNeighbors)
	}

	ctx = ctx.In("emulator")
	states := applyMLP(ctx.In("node_encoder"), m.cfg.NodeInputMLP, "node_encoder", nodeFeatures)
	edgeStates := applyMLP(ctx.In("edge_encoder"), m.cfg.EdgeInputMLP, "edge_encoder", edgeFeatures)
	thetaLatent := applyMLP(ctx.In("theta_encoder"), m.cfg.ThetaInputMLP, "theta_encoder", theta)

	// Padded node slots carry zero features but the encoder bias makes them
	// non-zero, keep them zeroed so they never leak through masked lanes.
	maskStates := func(x *Node) *Node {
		mask := BroadcastToDims(InsertAxes(nodeMask, -1), x.Shape().Dimensions...)
		return Where(mask, x, ZerosLike(x))
	}
	states = maskStates(states)

	for ii := range m.cfg.Layers {
		layerCtx := ctx.In(fmt.Sprintf("message_passing_%d", ii))
		layer := m.cfg.Layers[ii]

		// Neighbor (source) states, gathered by subgraph-local index.
		sources := GatherWithBatchDims(states, InsertAxes(neighbors, -1), 1)
		targets := BroadcastToDims(InsertAxes(states, 2), batchSize, numNodes, maxNeighbors, states.Shape().Dimensions[2])
		messageInputs := Concatenate([]*Node{sources, targets, edgeStates}, -1)
		messages := applyMLP(layerCtx.In("edge"), layer.EdgeMLP, "edge_mlp", messageInputs)

		pooled := m.aggregators[ii].Aggregate(layerCtx.In("pooling"), states, messages, neighborMask)
		updateInputs := Concatenate([]*Node{states, pooled}, -1)
		states = applyMLP(layerCtx.In("node"), layer.NodeMLP, "node_mlp", updateInputs)
		states = maskStates(states)
		edgeStates = messages
	}

	// Decode only the root slots, conditioned on the theta latent.
	numRoots := m.plan.NumRoots
	rootStates := Slice(states, AxisRange(), AxisRange(0, numRoots), AxisRange())
	thetaPerRoot := BroadcastToDims(InsertAxes(thetaLatent, 1),
		batchSize, numRoots, thetaLatent.Shape().Dimensions[1])
	decoded := applyMLP(ctx.In("decoder"), m.cfg.DecoderMLP, "decoder",
		Concatenate([]*Node{rootStates, thetaPerRoot}, -1))
	return []*Node{decoded}
}

// SplitOutputs slices a [..., outputDim] prediction into the per-label
// nodes, keyed by label name and in the configured order.
func (m *Model) SplitOutputs(predictions *Node) map[string]*Node {
	outputs := make(map[string]*Node, len(m.cfg.Labels))
	offset := 0
	for _, label := range m.cfg.Labels {
		ranges := make([]SliceAxisSpec, predictions.Rank())
		for axis := range ranges {
			ranges[axis] = AxisRange()
		}
		ranges[predictions.Rank()-1] = AxisRange(offset, offset+label.Dim)
		outputs[label.Name] = Slice(predictions, ranges...)
		offset += label.Dim
	}
	return outputs
}

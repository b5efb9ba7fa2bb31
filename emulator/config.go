package emulator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/femsage/sampler"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"

	. "github.com/gomlx/exceptions"
)

// Hyperparameters used by ConfigFromContext and PlanFromContext. They are
// set in a context.Context with ctx.SetParam (or loaded from a YAML config
// file, see the trainer package) and scoped overrides work as usual.
const (
	// ParamNumRoots is the number of root (seed) nodes per sampled subgraph.
	ParamNumRoots = "sampler_num_roots"

	// ParamLayerThresholds is a comma-separated list with the cumulative
	// cap of newly discovered nodes after each sampling layer.
	ParamLayerThresholds = "sampler_layer_thresholds"

	// ParamLayerNeighbors is a comma-separated list with the max number of
	// neighbors sampled per node at each layer. Must have the same length
	// as ParamLayerThresholds.
	ParamLayerNeighbors = "sampler_layer_neighbors"

	// ParamAggMethod selects how edge messages are pooled into their target
	// node: "sum", "mean" or "attention".
	ParamAggMethod = "gnn_agg_method"

	// ParamEncoderUnits is a comma-separated list with the hidden layer
	// sizes of the node, edge and theta input encoders. The last entry is
	// the latent width used by message passing.
	ParamEncoderUnits = "gnn_encoder_units"

	// ParamMessageUnits is a comma-separated list with the hidden layer
	// sizes of the per-edge message MLP in each message passing layer.
	ParamMessageUnits = "gnn_message_units"

	// ParamUpdateUnits is a comma-separated list with the hidden layer
	// sizes of the node update MLP in each message passing layer.
	ParamUpdateUnits = "gnn_update_units"

	// ParamDecoderUnits is a comma-separated list with the hidden layer
	// sizes of the decoder MLP. The final projection to the label widths
	// is appended automatically.
	ParamDecoderUnits = "gnn_decoder_units"

	// ParamNumMessageLayers is how many message passing layers to stack.
	ParamNumMessageLayers = "gnn_num_layers"

	// ParamActivation is the activation for all MLPs, see activations.FromName.
	ParamActivation = "activation"

	// ParamLayerNorm enables layer normalization after each MLP.
	ParamLayerNorm = "gnn_layer_norm"

	// ParamAttentionHeads is the number of attention heads, used when
	// ParamAggMethod is "attention".
	ParamAttentionHeads = "gnn_attention_heads"

	// ParamAttentionKeyQueryDim is the per-head projection size for the
	// attention pooling. 0 means the latent width divided by the number of
	// heads.
	ParamAttentionKeyQueryDim = "gnn_attention_key_query_dim"

	// ParamAttentionDropout is the dropout rate applied to attention
	// coefficients during training.
	ParamAttentionDropout = "gnn_attention_dropout"

	// ParamLabels is a comma-separated list of "name:dim" pairs declaring
	// the predicted quantities, e.g. "displacement:3,stress:1". The model
	// output concatenates them in order.
	ParamLabels = "labels"
)

// AggMethod is the pooling applied to the messages arriving at a node.
type AggMethod int

const (
	AggSum AggMethod = iota
	AggMean
	AggAttention
)

var aggMethodNames = [...]string{"sum", "mean", "attention"}

func (m AggMethod) String() string {
	if m < 0 || int(m) >= len(aggMethodNames) {
		return fmt.Sprintf("AggMethod(%d)", int(m))
	}
	return aggMethodNames[m]
}

// AggMethodFromName converts "sum", "mean" or "attention" to its AggMethod.
func AggMethodFromName(name string) (AggMethod, error) {
	for i, n := range aggMethodNames {
		if n == name {
			return AggMethod(i), nil
		}
	}
	return 0, configIncompatiblef("unknown aggregation method %q, options are %v", name, aggMethodNames)
}

// MLPSpec describes one multi-layer perceptron. UnitSizes[0] is the expected
// input width and each following entry is the output width of one dense
// layer. Activation (and optionally layer normalization) is applied between
// layers but not after the last one.
type MLPSpec struct {
	UnitSizes  []int
	Activation string
	LayerNorm  bool
}

// InputDim is the width this MLP expects from its input.
func (s MLPSpec) InputDim() int { return s.UnitSizes[0] }

// OutputDim is the width this MLP produces.
func (s MLPSpec) OutputDim() int { return s.UnitSizes[len(s.UnitSizes)-1] }

func (s MLPSpec) validate(name string) error {
	if len(s.UnitSizes) < 2 {
		return configIncompatiblef("%s must have at least an input and an output width, got unit sizes %v", name, s.UnitSizes)
	}
	for _, size := range s.UnitSizes {
		if size <= 0 {
			return configIncompatiblef("%s has non-positive unit size in %v", name, s.UnitSizes)
		}
	}
	if _, err := activations.TypeString(s.Activation); s.Activation != "" && err != nil {
		return configIncompatiblef("%s has invalid activation %q, options are %v", name, s.Activation, activations.TypeValues())
	}
	return nil
}

// AttentionSpec configures attention pooling, used by layers whose Agg is
// AggAttention.
type AttentionSpec struct {
	NumHeads    int
	KeyQueryDim int
	Dropout     float64
}

// LayerConfig is one message passing layer: an MLP building per-edge
// messages from (source state, target state, edge state), a pooling of the
// messages at each target node, and an MLP updating the node state.
type LayerConfig struct {
	Agg       AggMethod
	EdgeMLP   MLPSpec
	NodeMLP   MLPSpec
	Attention AttentionSpec
}

// LabelSpec declares one predicted quantity and its per-node width.
type LabelSpec struct {
	Name string
	Dim  int
}

// Config fully describes an emulator model. Most users build one with
// ConfigFromContext; constructing it by hand is supported and NewModel
// validates that all the widths chain correctly.
type Config struct {
	NodeInputMLP  MLPSpec
	EdgeInputMLP  MLPSpec
	ThetaInputMLP MLPSpec
	Layers        []LayerConfig
	DecoderMLP    MLPSpec
	Labels        []LabelSpec
}

// OutputDim is the total per-node output width, the sum of the label dims.
func (c *Config) OutputDim() int {
	total := 0
	for _, label := range c.Labels {
		total += label.Dim
	}
	return total
}

// LabelOffset returns the start column of the named label in the model
// output, and its width. It panics if the label is not configured.
func (c *Config) LabelOffset(name string) (offset, dim int) {
	for _, label := range c.Labels {
		if label.Name == name {
			return offset, label.Dim
		}
		offset += label.Dim
	}
	Panicf("emulator: label %q not configured, have %v", name, c.Labels)
	return 0, 0
}

// PlanFromContext builds the sampling plan from the sampler_* hyperparameters.
func PlanFromContext(ctx *context.Context) *sampler.Plan {
	numRoots := context.GetParamOr(ctx, ParamNumRoots, 16)
	thresholds := parseIntList(ctx, ParamLayerThresholds, "128,256")
	neighbors := parseIntList(ctx, ParamLayerNeighbors, "8,8")
	if len(thresholds) != len(neighbors) {
		Panicf("%q and %q must have the same number of entries, got %v and %v",
			ParamLayerThresholds, ParamLayerNeighbors, thresholds, neighbors)
	}
	layers := make([]sampler.LayerSpec, len(thresholds))
	for i := range thresholds {
		layers[i] = sampler.LayerSpec{Threshold: thresholds[i], SelectedNodeNum: neighbors[i]}
	}
	return sampler.NewPlan(numRoots, layers)
}

// ConfigFromContext builds a Config from the gnn_* hyperparameters for a
// mesh with the given raw feature widths. The resulting config always
// chains, so NewModel accepts it.
func ConfigFromContext(ctx *context.Context, nodeFeatureDim, edgeFeatureDim, thetaDim int) Config {
	activation := context.GetParamOr(ctx, ParamActivation, "leaky_relu")
	layerNorm := context.GetParamOr(ctx, ParamLayerNorm, true)
	encoderUnits := parseIntList(ctx, ParamEncoderUnits, "128,40")
	messageUnits := parseIntList(ctx, ParamMessageUnits, "40")
	updateUnits := parseIntList(ctx, ParamUpdateUnits, "40")
	decoderUnits := parseIntList(ctx, ParamDecoderUnits, "128")
	numLayers := context.GetParamOr(ctx, ParamNumMessageLayers, 2)
	if numLayers <= 0 {
		Panicf("%q must be positive, got %d", ParamNumMessageLayers, numLayers)
	}

	aggName := context.GetParamOr(ctx, ParamAggMethod, "sum")
	agg, err := AggMethodFromName(aggName)
	if err != nil {
		panic(err)
	}
	attention := AttentionSpec{
		NumHeads:    context.GetParamOr(ctx, ParamAttentionHeads, 4),
		KeyQueryDim: context.GetParamOr(ctx, ParamAttentionKeyQueryDim, 0),
		Dropout:     context.GetParamOr(ctx, ParamAttentionDropout, 0.0),
	}

	labels := parseLabels(context.GetParamOr(ctx, ParamLabels, "displacement:3,stress:1"))

	mlp := func(inputDim int, hidden []int) MLPSpec {
		return MLPSpec{
			UnitSizes:  append([]int{inputDim}, hidden...),
			Activation: activation,
			LayerNorm:  layerNorm,
		}
	}

	latent := encoderUnits[len(encoderUnits)-1]
	cfg := Config{
		NodeInputMLP:  mlp(nodeFeatureDim, encoderUnits),
		EdgeInputMLP:  mlp(edgeFeatureDim, encoderUnits),
		ThetaInputMLP: mlp(thetaDim, encoderUnits),
		Labels:        labels,
	}

	nodeWidth, edgeWidth := latent, latent
	for ii := 0; ii < numLayers; ii++ {
		layer := LayerConfig{
			Agg:       agg,
			EdgeMLP:   mlp(2*nodeWidth+edgeWidth, messageUnits),
			Attention: attention,
		}
		edgeWidth = layer.EdgeMLP.OutputDim()
		layer.NodeMLP = mlp(nodeWidth+edgeWidth, updateUnits)
		nodeWidth = layer.NodeMLP.OutputDim()
		cfg.Layers = append(cfg.Layers, layer)
	}

	decoderSizes := append([]int{nodeWidth + latent}, decoderUnits...)
	decoderSizes = append(decoderSizes, cfg.OutputDim())
	cfg.DecoderMLP = MLPSpec{UnitSizes: decoderSizes, Activation: activation, LayerNorm: false}
	return cfg
}

func parseIntList(ctx *context.Context, param, defaultValue string) []int {
	text := context.GetParamOr(ctx, param, defaultValue)
	parts := strings.Split(text, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			Panicf("%q must be a comma-separated list of integers, got %q", param, text)
		}
		values = append(values, v)
	}
	return values
}

func parseLabels(text string) []LabelSpec {
	var labels []LabelSpec
	for _, part := range strings.Split(text, ",") {
		name, dimText, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			Panicf("%q entries must be name:dim pairs, got %q", ParamLabels, part)
		}
		dim, err := strconv.Atoi(dimText)
		if err != nil || dim <= 0 {
			Panicf("%q entry %q has invalid width", ParamLabels, part)
		}
		labels = append(labels, LabelSpec{Name: name, Dim: dim})
	}
	return labels
}

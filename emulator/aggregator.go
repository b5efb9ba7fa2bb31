package emulator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"

	. "github.com/gomlx/exceptions"
)

// aggregator pools the messages arriving at each node into a single vector.
//
// Shapes: states is [batchSize, numNodes, stateDim], messages is
// [batchSize, numNodes, maxNeighbors, messageDim] and neighborMask is a
// boolean [batchSize, numNodes, maxNeighbors] flagging which message lanes
// are real. The result is [batchSize, numNodes, messageDim], with zeros for
// nodes that have no valid neighbor.
type aggregator interface {
	Aggregate(ctx *context.Context, states, messages *Node, neighborMask *Node) *Node
}

// newAggregator resolves the aggregator for a layer once, at model
// construction. Unknown methods are a config error caught by NewModel
// before this is reached.
func newAggregator(layer LayerConfig) aggregator {
	switch layer.Agg {
	case AggSum:
		return sumAggregator{}
	case AggMean:
		return meanAggregator{}
	case AggAttention:
		return &attentionAggregator{spec: layer.Attention}
	}
	Panicf("emulator: no aggregator for method %s", layer.Agg)
	return nil
}

type sumAggregator struct{}

func (sumAggregator) Aggregate(_ *context.Context, _ /*states*/, messages *Node, neighborMask *Node) *Node {
	mask := BroadcastToDims(InsertAxes(neighborMask, -1), messages.Shape().Dimensions...)
	return MaskedReduceSum(messages, mask, -2)
}

type meanAggregator struct{}

func (meanAggregator) Aggregate(_ *context.Context, _ /*states*/, messages *Node, neighborMask *Node) *Node {
	// MaskedReduceMean guards against fully masked lanes, so nodes without
	// any valid neighbor aggregate to zero instead of NaN.
	mask := BroadcastToDims(InsertAxes(neighborMask, -1), messages.Shape().Dimensions...)
	return MaskedReduceMean(messages, mask, -2)
}

// attentionAggregator pools messages with multi-head attention, querying
// with the target node state. Each node attends only over its own neighbor
// lanes, so the batch and node axes are folded together before the attention
// and split back after.
type attentionAggregator struct {
	spec AttentionSpec
}

func (a *attentionAggregator) Aggregate(ctx *context.Context, states, messages *Node, neighborMask *Node) *Node {
	dims := messages.Shape().Dimensions
	batchSize, numNodes, maxNeighbors, messageDim := dims[0], dims[1], dims[2], dims[3]
	stateDim := states.Shape().Dimensions[2]

	query := Reshape(states, batchSize*numNodes, 1, stateDim)
	keys := Reshape(messages, batchSize*numNodes, maxNeighbors, messageDim)
	keyMask := Reshape(neighborMask, batchSize*numNodes, maxNeighbors)

	keyQueryDim := a.spec.KeyQueryDim
	if keyQueryDim == 0 {
		keyQueryDim = max(messageDim/a.spec.NumHeads, 1)
	}
	attended := layers.MultiHeadAttention(ctx, query, keys, keys, a.spec.NumHeads, keyQueryDim).
		SetKeyMask(keyMask).
		SetOutputDim(messageDim).
		Dropout(a.spec.Dropout).
		Done()
	attended = Reshape(attended, batchSize, numNodes, messageDim)

	// Nodes whose lanes are all masked get an arbitrary softmax output,
	// zero them explicitly.
	anyNeighbor := ReduceMax(ConvertDType(neighborMask, attended.DType()), -1)
	anyNeighbor = BroadcastToDims(InsertAxes(anyNeighbor, -1), attended.Shape().Dimensions...)
	return Mul(attended, anyNeighbor)
}

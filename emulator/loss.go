package emulator

import (
	"github.com/gomlx/femsage/sampler"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
)

// Loss is a losses.LossFn for the emulator: mean squared error over the
// root node predictions. The error is first averaged within each subgraph,
// over its valid roots and output columns, and then across the batch, so
// every sampled graph contributes equally to the loss regardless of how
// many roots it filled.
func Loss(labels, predictions []*Node) *Node {
	targets := labels[sampler.LabelTargets]
	rootMask := labels[sampler.LabelRootMask]
	predicted := predictions[0]
	if !targets.Shape().Equal(predicted.Shape()) {
		shapeMismatchf("labels shaped %s but predictions shaped %s", targets.Shape(), predicted.Shape())
	}

	squared := Square(Sub(predicted, targets))
	mask := BroadcastToDims(InsertAxes(rootMask, -1), squared.Shape().Dimensions...)
	perGraph := MaskedReduceMean(squared, mask, 1, 2)
	return ReduceAllMean(perGraph)
}

// MeanAbsErrorMetric is a mean absolute error over valid roots, reported
// during training and evaluation alongside the loss.
func MeanAbsErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric(
		"Mean Absolute Error", "MAE", "mae",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			_ = ctx
			targets := labels[sampler.LabelTargets]
			rootMask := labels[sampler.LabelRootMask]
			absErr := Abs(Sub(predictions[0], targets))
			mask := BroadcastToDims(InsertAxes(rootMask, -1), absErr.Shape().Dimensions...)
			return MaskedReduceAllMean(absErr, mask)
		}, nil)
}

package emulator

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/femsage/sampler"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// Executor compiles a model's forward graph once and runs it on batches of
// sampled subgraphs, for inference outside a training loop. The compiled
// graph is cached per input shape, so feeding batches from a single
// sampling plan recompiles nothing after the first call.
type Executor struct {
	model *Model
	exec  *context.Exec
}

// NewExecutor creates an Executor running model on the given backend. The
// context carries the model variables: pass the context used for training,
// or one restored from a checkpoint.
func NewExecutor(backend backends.Backend, ctx *context.Context, model *Model) *Executor {
	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, nodeFeatures, nodeMask, neighbors, neighborMask, edgeFeatures, theta *Node) *Node {
			inputs := make([]*Node, sampler.NumInputs)
			inputs[sampler.InputNodeFeatures] = nodeFeatures
			inputs[sampler.InputNodeMask] = nodeMask
			inputs[sampler.InputNeighbors] = neighbors
			inputs[sampler.InputNeighborMask] = neighborMask
			inputs[sampler.InputEdgeFeatures] = edgeFeatures
			inputs[sampler.InputTheta] = theta
			return model.ForwardGraph(ctx, nil, inputs)[0]
		})
	return &Executor{model: model, exec: exec}
}

// NewExecutor is a convenience form of the package-level NewExecutor.
func (m *Model) NewExecutor(backend backends.Backend, ctx *context.Context) *Executor {
	return NewExecutor(backend, ctx, m)
}

// Forward runs the model on one batch of inputs, as produced by
// sampler.Dataset.Yield, and returns the [batchSize, numRoots, outputDim]
// predictions. Graph building panics, including ShapeMismatchError, are
// returned as errors.
func (e *Executor) Forward(inputs []*tensors.Tensor) (predictions *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		if len(inputs) != sampler.NumInputs {
			shapeMismatchf("forward expects %d input tensors, got %d", sampler.NumInputs, len(inputs))
		}
		results := e.exec.Call(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5])
		predictions = results[0]
	})
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

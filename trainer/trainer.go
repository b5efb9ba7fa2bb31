// Package trainer runs the training and evaluation loops of the emulator.
//
// Hyperparameters live in a context.Context, optionally loaded from a YAML
// file (see LoadHyperparameters); checkpoints save both the model variables
// and the hyperparameters, so a run can be resumed or evaluated with just
// the checkpoint directory.
package trainer

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/gomlx/femsage/emulator"
	"github.com/gomlx/femsage/sampler"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamCheckpointPath is the directory to save checkpoints to. Empty
	// disables checkpointing.
	ParamCheckpointPath = "checkpoint"

	// ParamNumCheckpoints is how many past checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamTrainSteps is the total number of training steps: resumed runs
	// continue counting from the restored global step.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the number of sampled subgraphs per training batch.
	ParamBatchSize = "batch_size"

	// ParamModelFingerprint records the model configuration inside the
	// checkpoint, so resuming with an incompatible configuration fails
	// early instead of crashing on mismatched variable shapes.
	ParamModelFingerprint = "model_fingerprint"
)

// NewDatasets builds the training and evaluation datasets for the given
// examples: an infinite shuffling dataset to train on and single-epoch
// datasets with frozen subgraphs for comparable evaluations. All are
// wrapped to sample batches in parallel.
func NewDatasets(ctx *context.Context, plan *sampler.Plan, trainExamples, validExamples []sampler.Example) (trainDS, trainEvalDS, validEvalDS train.Dataset) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 8)
	trainDS = mldata.Parallel(
		sampler.NewDataset("train", plan, batchSize, trainExamples).Infinite().Shuffle())
	trainEvalDS = mldata.Parallel(
		sampler.NewDataset("train-eval", plan, batchSize, trainExamples).Epochs(1).StaticGraph())
	validEvalDS = mldata.Parallel(
		sampler.NewDataset("valid-eval", plan, batchSize, validExamples).Epochs(1).StaticGraph())
	return
}

// Train runs the training loop over trainDS for the configured number of
// steps, saving checkpoints periodically, and finishes with an evaluation
// report over the given eval datasets.
func Train(backend backends.Backend, ctx *context.Context, model *emulator.Model, trainDS train.Dataset, evalDS ...train.Dataset) error {
	// Values read before the checkpoint loads must not be overwritten by it.
	trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 1000)

	checkpoint, err := buildCheckpoint(ctx, model)
	if err != nil {
		return err
	}

	trainer := newTrainer(backend, ctx, model)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Resuming training from global step %d", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < trainSteps {
		if _, err := loop.RunSteps(trainDS, trainSteps-globalStep); err != nil {
			return errors.WithMessage(err, "while running training steps")
		}
		klog.V(1).Infof("Median train step duration: %s", loop.MedianTrainStepDuration())
		if checkpoint != nil {
			if err := checkpoint.Save(); err != nil {
				return errors.WithMessage(err, "while saving final checkpoint")
			}
		}
	}

	if len(evalDS) > 0 {
		if err := commandline.ReportEval(trainer, evalDS...); err != nil {
			return errors.WithMessage(err, "while reporting evaluation")
		}
	}
	return nil
}

// Eval restores the checkpoint configured in ctx and reports the eval
// metrics of model over the given datasets.
func Eval(backend backends.Backend, ctx *context.Context, model *emulator.Model, datasets ...train.Dataset) error {
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	if checkpointPath == "" {
		return errors.Errorf("no checkpoint configured in parameter %q", ParamCheckpointPath)
	}
	if _, err := buildCheckpoint(ctx, model); err != nil {
		return err
	}
	trainer := newTrainer(backend, ctx, model)
	return errors.WithMessage(commandline.ReportEval(trainer, datasets...), "while reporting evaluation")
}

func newTrainer(backend backends.Backend, ctx *context.Context, model *emulator.Model) *train.Trainer {
	return train.NewTrainer(backend, ctx, model.ForwardGraph,
		emulator.Loss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{emulator.MeanAbsErrorMetric()}, // trainMetrics
		[]metrics.Interface{emulator.MeanAbsErrorMetric()}) // evalMetrics
}

// buildCheckpoint sets up checkpointing per the context parameters,
// loading any previous checkpoint into ctx. Returns nil if no checkpoint
// path is configured.
func buildCheckpoint(ctx *context.Context, model *emulator.Model) (*checkpoints.Handler, error) {
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	if checkpointPath == "" {
		return nil, nil
	}
	checkpointPath = mldata.ReplaceTildeInDir(checkpointPath)
	numToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)

	fingerprint := configFingerprint(model.Config())
	ctx.SetParam(ParamModelFingerprint, fingerprint)

	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointPath).Keep(numToKeep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while setting up checkpoint in %q", checkpointPath)
	}

	// If a checkpoint was loaded it overwrote the fingerprint parameter
	// with the one it was trained with.
	if loaded := context.GetParamOr(ctx, ParamModelFingerprint, fingerprint); loaded != fingerprint {
		return nil, errors.Errorf(
			"checkpoint in %q was trained with a different model configuration (fingerprint %s, current model is %s)",
			checkpointPath, loaded, fingerprint)
	}
	return checkpoint, nil
}

// configFingerprint is a stable hash of the model configuration, stored in
// checkpoints to detect incompatible resumes.
func configFingerprint(cfg emulator.Config) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%+v", cfg)
	return fmt.Sprintf("%016x", h.Sum64())
}

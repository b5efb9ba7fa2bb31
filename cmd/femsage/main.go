// femsage trains and evaluates a GNN surrogate for finite-element
// simulations on synthetic grid meshes. It is meant as a runnable example
// of the full pipeline: plug in real meshes by building sampler.Examples
// from your own data.
//
// Hyperparameters can come from a YAML file (-config) and be overridden on
// the command line, e.g.:
//
//	femsage -config train.yaml -set "gnn_agg_method=attention;train_steps=10000"
package main

import (
	"flag"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/femsage/emulator"
	"github.com/gomlx/femsage/mesh"
	"github.com/gomlx/femsage/sampler"
	"github.com/gomlx/femsage/trainer"
	"github.com/gomlx/femsage/transforms"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig     = flag.String("config", "", "YAML file with hyperparameters, see trainer.LoadHyperparameters.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. Empty disables checkpointing.")
	flagEvalOnly   = flag.Bool("eval_only", false, "Skip training and only evaluate the checkpointed model.")
	flagNumMeshes  = flag.Int("num_meshes", 8, "Number of synthetic meshes to generate for training.")
)

// Feature widths of the synthetic meshes.
const (
	nodeFeatureDim = 6
	edgeFeatureDim = 3
	thetaDim       = 4
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig != "" {
		must.M(trainer.LoadHyperparameters(ctx, *flagConfig))
	}
	must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagCheckpoint != "" {
		ctx.SetParam(trainer.ParamCheckpointPath, *flagCheckpoint)
	}

	backend := backends.New()
	err := exceptions.TryCatch[error](func() {
		must.M(run(backend, ctx))
	})
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(backend backends.Backend, ctx *context.Context) error {
	plan := emulator.PlanFromContext(ctx)
	cfg := emulator.ConfigFromContext(ctx, nodeFeatureDim, edgeFeatureDim, thetaDim)
	model, err := emulator.NewModel(cfg, plan)
	if err != nil {
		return err
	}
	klog.Infof("Sampling plan: %s", plan)

	trainExamples, validExamples := syntheticExamples(*flagNumMeshes, cfg.OutputDim())
	normalizeLabels(trainExamples, validExamples)
	trainDS, trainEvalDS, validEvalDS := trainer.NewDatasets(ctx, plan, trainExamples, validExamples)

	if *flagEvalOnly {
		return trainer.Eval(backend, ctx, model, trainEvalDS, validEvalDS)
	}
	return trainer.Train(backend, ctx, model, trainDS, trainEvalDS, validEvalDS)
}

// syntheticExamples generates grid meshes of varying sizes with smooth
// synthetic fields as labels, split into train and validation sets.
func syntheticExamples(numMeshes, labelDim int) (trainExamples, validExamples []sampler.Example) {
	rng := rand.New(rand.NewPCG(42, 0))
	for ii := 0; ii < numMeshes; ii++ {
		rows := 8 + rng.IntN(8)
		cols := 8 + rng.IntN(8)
		example := gridExample(rng, rows, cols, labelDim)
		if ii%4 == 3 {
			validExamples = append(validExamples, example)
		} else {
			trainExamples = append(trainExamples, example)
		}
	}
	return
}

// gridExample builds a rows x cols grid mesh with 4-connected edges. Node
// features embed the grid coordinates, edge features the offset between
// endpoints, and the labels are smooth functions of position and theta.
func gridExample(rng *rand.Rand, rows, cols, labelDim int) sampler.Example {
	numNodes := rows * cols
	theta := make([]float32, thetaDim)
	for d := range theta {
		theta[d] = rng.Float32()
	}

	nodeFeatures := make([]float32, 0, numNodes*nodeFeatureDim)
	labels := make([]float32, 0, numNodes*labelDim)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x := float64(r) / float64(rows)
			y := float64(c) / float64(cols)
			nodeFeatures = append(nodeFeatures,
				float32(x), float32(y), float32(x*y),
				float32(math.Sin(2*math.Pi*x)), float32(math.Cos(2*math.Pi*y)),
				float32(math.Sin(math.Pi*(x+y))))
			for d := 0; d < labelDim; d++ {
				labels = append(labels,
					float32(float64(theta[d%thetaDim])*math.Sin(math.Pi*x)*math.Cos(math.Pi*y)))
			}
		}
	}

	var edges []int32
	var edgeFeatures []float32
	addEdge := func(a, b int32, dr, dc float32) {
		edges = append(edges, a, b, b, a)
		length := float32(math.Hypot(float64(dr), float64(dc)))
		edgeFeatures = append(edgeFeatures, dr, dc, length, -dr, -dc, length)
	}
	nodeAt := func(r, c int) int32 { return int32(r*cols + c) }
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if c+1 < cols {
				addEdge(nodeAt(r, c), nodeAt(r, c+1), 0, 1)
			}
			if r+1 < rows {
				addEdge(nodeAt(r, c), nodeAt(r+1, c), 1, 0)
			}
		}
	}

	numEdges := len(edges) / 2
	topo := must.M1(mesh.Build(
		tensors.FromFlatDataAndDimensions(edges, numEdges, 2),
		tensors.FromFlatDataAndDimensions(nodeFeatures, numNodes, nodeFeatureDim),
		tensors.FromFlatDataAndDimensions(edgeFeatures, numEdges, edgeFeatureDim),
		tensors.FromFlatDataAndDimensions(theta, thetaDim)))
	return sampler.Example{
		Topology: topo,
		Labels:   tensors.FromFlatDataAndDimensions(labels, numNodes, labelDim),
	}
}

// normalizeLabels fits z-score statistics on the training labels and
// applies them to all examples, the usual setup for regression targets.
func normalizeLabels(trainExamples, validExamples []sampler.Example) {
	labelTensors := make([]*tensors.Tensor, 0, len(trainExamples))
	for _, example := range trainExamples {
		labelTensors = append(labelTensors, example.Labels)
	}
	stats := transforms.FitMeanStd(labelTensors...)
	for _, examples := range [][]sampler.Example{trainExamples, validExamples} {
		for ii := range examples {
			examples[ii].Labels = stats.Apply(examples[ii].Labels)
		}
	}
}

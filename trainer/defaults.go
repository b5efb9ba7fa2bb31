package trainer

import (
	"github.com/gomlx/femsage/emulator"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// CreateDefaultContext returns a context with the default hyperparameters
// for training an emulator. Callers typically override some of them from a
// YAML file (LoadHyperparameters) or command line settings before use.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:           2000,
		ParamBatchSize:            8,
		ParamCheckpointPath:       "",
		ParamNumCheckpoints:       3,
		optimizers.ParamOptimizer: "adamw",
		"learning_rate":           1e-3,

		emulator.ParamNumRoots:        16,
		emulator.ParamLayerThresholds: "128,256",
		emulator.ParamLayerNeighbors:  "8,8",

		emulator.ParamNumMessageLayers: 2,
		emulator.ParamAggMethod:        "sum",
		emulator.ParamEncoderUnits:     "128,40",
		emulator.ParamMessageUnits:     "40",
		emulator.ParamUpdateUnits:      "40",
		emulator.ParamDecoderUnits:     "128",
		emulator.ParamActivation:       "leaky_relu",
		emulator.ParamLayerNorm:        true,
		emulator.ParamLabels:           "displacement:3,stress:1",
	})
	return ctx
}

package trainer

import (
	"os"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadHyperparameters reads a YAML file of hyperparameters and sets them on
// ctx. The file is a flat mapping of parameter name to scalar value, e.g.:
//
//	gnn_num_layers: 2
//	gnn_agg_method: attention
//	train_steps: 20000
func LoadHyperparameters(ctx *context.Context, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrapf(err, "reading hyperparameters from %q", configPath)
	}
	return errors.WithMessagef(SetHyperparameters(ctx, data), "in %q", configPath)
}

// SetHyperparameters parses YAML hyperparameters and sets them on ctx.
// Only scalar values are accepted: parameter types must match what the
// consuming code reads with context.GetParamOr.
func SetHyperparameters(ctx *context.Context, data []byte) error {
	var params map[string]any
	if err := yaml.Unmarshal(data, &params); err != nil {
		return errors.Wrap(err, "parsing hyperparameters YAML")
	}
	for name, value := range params {
		switch v := value.(type) {
		case int, int64, float64, bool, string:
			ctx.SetParam(name, v)
		default:
			return errors.Errorf("hyperparameter %q has unsupported type %T, only scalars are allowed", name, value)
		}
	}
	return nil
}

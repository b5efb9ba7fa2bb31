package trainer

import (
	"testing"

	"github.com/gomlx/femsage/emulator"
	"github.com/gomlx/femsage/mesh/meshtest"
	"github.com/gomlx/femsage/sampler"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestSetHyperparameters(t *testing.T) {
	ctx := context.New()
	err := SetHyperparameters(ctx, []byte(`
train_steps: 200
gnn_agg_method: attention
gnn_attention_dropout: 0.1
gnn_layer_norm: false
`))
	require.NoError(t, err)
	assert.Equal(t, 200, context.GetParamOr(ctx, ParamTrainSteps, 0))
	assert.Equal(t, "attention", context.GetParamOr(ctx, emulator.ParamAggMethod, ""))
	assert.Equal(t, 0.1, context.GetParamOr(ctx, emulator.ParamAttentionDropout, 0.0))
	assert.Equal(t, false, context.GetParamOr(ctx, emulator.ParamLayerNorm, true))

	err = SetHyperparameters(ctx, []byte("gnn_encoder_units: [128, 40]"))
	require.Error(t, err)
}

func TestConfigFingerprint(t *testing.T) {
	ctx := context.New()
	a := emulator.ConfigFromContext(ctx, 6, 3, 4)
	b := emulator.ConfigFromContext(ctx, 6, 3, 4)
	assert.Equal(t, configFingerprint(a), configFingerprint(b))

	ctx.SetParam(emulator.ParamNumMessageLayers, 3)
	c := emulator.ConfigFromContext(ctx, 6, 3, 4)
	assert.NotEqual(t, configFingerprint(a), configFingerprint(c))
}

func testTrainingSetup(t *testing.T) (*context.Context, *sampler.Plan, []sampler.Example) {
	t.Helper()
	ctx := context.New()
	ctx.SetParam(emulator.ParamNumRoots, 4)
	ctx.SetParam(emulator.ParamLayerThresholds, "4")
	ctx.SetParam(emulator.ParamLayerNeighbors, "2")
	ctx.SetParam(emulator.ParamNumMessageLayers, 1)
	ctx.SetParam(emulator.ParamEncoderUnits, "8,4")
	ctx.SetParam(emulator.ParamMessageUnits, "4")
	ctx.SetParam(emulator.ParamUpdateUnits, "4")
	ctx.SetParam(emulator.ParamDecoderUnits, "8")
	ctx.SetParam(ParamBatchSize, 2)

	plan := emulator.PlanFromContext(ctx)
	examples := []sampler.Example{
		{Topology: meshtest.Ring(8, 6, 3, 4), Labels: meshtest.Labels(8, 4)},
		{Topology: meshtest.Line(6, 6, 3, 4), Labels: meshtest.Labels(6, 4)},
	}
	return ctx, plan, examples
}

func TestNewDatasetsYieldBatches(t *testing.T) {
	ctx, plan, examples := testTrainingSetup(t)
	_, trainEvalDS, validEvalDS := NewDatasets(ctx, plan, examples, examples)

	_, inputs, labels, err := trainEvalDS.Yield()
	require.NoError(t, err)
	assert.Len(t, inputs, sampler.NumInputs)
	assert.Len(t, labels, sampler.NumLabels)
	assert.Equal(t, []int{2, plan.NodeCapacity(), 6}, inputs[sampler.InputNodeFeatures].Shape().Dimensions)

	_, _, labels, err = validEvalDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, plan.NumRoots, 4}, labels[sampler.LabelTargets].Shape().Dimensions)
}

func TestTrainRunsAndEvaluates(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, plan, examples := testTrainingSetup(t)
	ctx.SetParam(ParamTrainSteps, 2)

	model, err := emulator.NewModel(emulator.ConfigFromContext(ctx, 6, 3, 4), plan)
	require.NoError(t, err)

	trainDS, trainEvalDS, _ := NewDatasets(ctx, plan, examples, examples)
	require.NoError(t, Train(backend, ctx, model, trainDS, trainEvalDS))
}

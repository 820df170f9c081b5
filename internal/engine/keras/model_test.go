package keras

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

const sequentialConfig = `{
  "class_name": "Sequential",
  "config": {
    "name": "seq",
    "layers": [
      {"class_name": "Dense", "config": {"name": "dense_1", "units": 2, "activation": "relu", "batch_input_shape": [null, 3]}},
      {"class_name": "Dropout", "config": {"name": "dropout_1", "rate": 0.5}},
      {"class_name": "Dense", "config": {"name": "dense_2", "units": 1, "activation": "linear"}}
    ]
  }
}`

const functionalConfig = `{
  "name": "two_inputs",
  "layers": [
    {"name": "input_a", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 2], "name": "input_a"}, "inbound_nodes": []},
    {"name": "input_b", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 1], "name": "input_b"}, "inbound_nodes": []},
    {"name": "merged", "class_name": "Concatenate", "config": {"name": "merged", "axis": -1},
     "inbound_nodes": [[["input_a", 0, 0, {}], ["input_b", 0, 0, {}]]]},
    {"name": "score", "class_name": "Dense", "config": {"name": "score", "units": 1, "activation": "linear"},
     "inbound_nodes": [[["merged", 0, 0, {}]]]}
  ],
  "input_layers": [["input_a", 0, 0], ["input_b", 0, 0]],
  "output_layers": [["score", 0, 0]]
}`

const historyConfig = `{
  "class_name": "Functional",
  "config": {
    "name": "functional",
    "layers": [
      {"module": "keras.layers", "class_name": "InputLayer", "name": "input_layer",
       "config": {"batch_shape": [null, 2], "dtype": "float32", "sparse": false, "name": "input_layer"}, "inbound_nodes": []},
      {"module": "keras.layers", "class_name": "Dense", "name": "dense",
       "config": {"name": "dense", "units": 1, "activation": "sigmoid", "use_bias": false},
       "inbound_nodes": [{"args": [{"class_name": "__keras_tensor__",
         "config": {"shape": [null, 2], "dtype": "float32", "keras_history": ["input_layer", 0, 0]}}], "kwargs": {}}]}
    ],
    "input_layers": ["input_layer", 0, 0],
    "output_layers": ["dense", 0, 0]
  }
}`

func mustTensor(t *testing.T, raw string) tensor.Tensor {
	t.Helper()
	v, err := tensor.FromJSON(json.RawMessage(raw))
	require.NoError(t, err)
	return v
}

func loadModel(t *testing.T, cfg string, weights ...string) engine.Model {
	t.Helper()
	m, err := New().Build(context.Background(), json.RawMessage(cfg))
	require.NoError(t, err)
	ws := make([]tensor.Tensor, len(weights))
	for i, w := range weights {
		ws[i] = mustTensor(t, w)
	}
	require.NoError(t, m.AssignWeights(ws))
	require.NoError(t, m.Finalize(engine.DefaultCompileOptions))
	return m
}

func TestSequentialForward(t *testing.T) {
	m := loadModel(t, sequentialConfig,
		`[[1, 0], [0, 1], [1, 1]]`, `[0.5, -10]`,
		`[[2], [3]]`, `[1]`,
	)

	slots := m.Inputs()
	require.Len(t, slots, 1)
	assert.Equal(t, "dense_1_input", slots[0].Name)
	assert.Equal(t, []int{3}, slots[0].Shape)

	x := mustTensor(t, `[1, 2, 3]`).Batch()
	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{"dense_1_input": x})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []int{1, 1}, outs[0].Shape)
	assert.InDelta(t, 10.0, outs[0].Data[0], 1e-9)

	again, err := m.Forward(context.Background(), map[string]tensor.Tensor{"dense_1_input": x})
	require.NoError(t, err)
	assert.Equal(t, outs[0].Data, again[0].Data)
}

func TestFunctionalConcatenate(t *testing.T) {
	m := loadModel(t, functionalConfig, `[[1], [2], [3]]`, `[0]`)

	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"input_a": mustTensor(t, `[1, 1]`).Batch(),
		"input_b": mustTensor(t, `[2]`).Batch(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 9.0, outs[0].Data[0], 1e-9)
}

func TestKerasHistoryInboundNodes(t *testing.T) {
	m := loadModel(t, historyConfig, `[[0], [0]]`)

	assert.Equal(t, []engine.ParamSpec{{Name: "dense/kernel", Shape: []int{2, 1}}}, m.Parameters())
	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"input_layer": mustTensor(t, `[4, 5]`).Batch(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, outs[0].Data[0], 1e-9)
}

func TestParametersFollowLayerOrder(t *testing.T) {
	m, err := New().Build(context.Background(), json.RawMessage(sequentialConfig))
	require.NoError(t, err)

	assert.Equal(t, []engine.ParamSpec{
		{Name: "dense_1/kernel", Shape: []int{3, 2}},
		{Name: "dense_1/bias", Shape: []int{2}},
		{Name: "dense_2/kernel", Shape: []int{2, 1}},
		{Name: "dense_2/bias", Shape: []int{1}},
	}, m.Parameters())
}

func TestAssignWeightsValidation(t *testing.T) {
	m, err := New().Build(context.Background(), json.RawMessage(sequentialConfig))
	require.NoError(t, err)

	err = m.AssignWeights([]tensor.Tensor{mustTensor(t, `[[1, 0], [0, 1], [1, 1]]`)})
	assert.ErrorIs(t, err, engine.ErrWeightCount)

	err = m.AssignWeights([]tensor.Tensor{
		mustTensor(t, `[[1, 0], [0, 1]]`), mustTensor(t, `[0, 0]`),
		mustTensor(t, `[[2], [3]]`), mustTensor(t, `[1]`),
	})
	assert.ErrorIs(t, err, engine.ErrWeightShape)

	assert.ErrorIs(t, m.Finalize(engine.DefaultCompileOptions), engine.ErrNotFinalized)
}

func TestForwardRequiresFinalize(t *testing.T) {
	m, err := New().Build(context.Background(), json.RawMessage(historyConfig))
	require.NoError(t, err)
	require.NoError(t, m.AssignWeights([]tensor.Tensor{mustTensor(t, `[[1], [1]]`)}))

	_, err = m.Forward(context.Background(), map[string]tensor.Tensor{
		"input_layer": mustTensor(t, `[1, 1]`).Batch(),
	})
	assert.ErrorIs(t, err, engine.ErrNotFinalized)
}

func TestFinalizeRejectsUnknownCompileOptions(t *testing.T) {
	m, err := New().Build(context.Background(), json.RawMessage(historyConfig))
	require.NoError(t, err)
	require.NoError(t, m.AssignWeights([]tensor.Tensor{mustTensor(t, `[[1], [1]]`)}))

	err = m.Finalize(engine.CompileOptions{Loss: "binary_crossentropy", Optimizer: "lbfgs"})
	assert.ErrorIs(t, err, engine.ErrCompileOptions)
}

func TestForwardInputErrors(t *testing.T) {
	m := loadModel(t, historyConfig, `[[1], [1]]`)

	_, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"other": mustTensor(t, `[1, 1]`).Batch(),
	})
	assert.ErrorIs(t, err, engine.ErrMissingInput)

	_, err = m.Forward(context.Background(), map[string]tensor.Tensor{
		"input_layer": mustTensor(t, `[1, 2, 3]`).Batch(),
	})
	assert.ErrorIs(t, err, engine.ErrInputShape)
}

func TestForwardHonoursCancellation(t *testing.T) {
	m := loadModel(t, historyConfig, `[[1], [1]]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, map[string]tensor.Tensor{
		"input_layer": mustTensor(t, `[1, 1]`).Batch(),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

const danglingConfig = `{"layers": [
  {"name": "in", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 2]}, "inbound_nodes": []},
  {"name": "d", "class_name": "Dense", "config": {"units": 1}, "inbound_nodes": [[["ghost", 0, 0, {}]]]}
], "input_layers": [["in", 0, 0]], "output_layers": [["d", 0, 0]]}`

func TestBuildRejectsInvalidStructures(t *testing.T) {
	tests := map[string]string{
		"empty":               `null`,
		"not an object":       `"model"`,
		"no layers":           `{"name": "x", "layers": []}`,
		"unknown layer":       `[{"class_name": "Conv7D", "config": {"name": "c", "batch_input_shape": [null, 2]}}]`,
		"no input shape":      `[{"class_name": "Dense", "config": {"name": "d", "units": 1}}]`,
		"bad activation":      `[{"class_name": "Dense", "config": {"name": "d", "units": 1, "activation": "wiggle", "input_dim": 2}}]`,
		"dangling inbound":    danglingConfig,
		"unknown model class": `{"class_name": "Subclassed", "config": {"layers": []}}`,
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New().Build(context.Background(), json.RawMessage(cfg))
			assert.ErrorIs(t, err, engine.ErrInvalidConfig)
		})
	}
}

func TestBatchNormalization(t *testing.T) {
	cfg := `[
		{"class_name": "BatchNormalization", "config": {"name": "bn", "axis": -1, "epsilon": 0, "batch_input_shape": [null, 2]}}
	]`
	m := loadModel(t, cfg, `[2, 1]`, `[1, 0]`, `[1, 1]`, `[4, 1]`)

	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"bn_input": mustTensor(t, `[5, 3]`).Batch(),
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2*(5-1)/2.0 + 1, 1 * (3 - 1)}, outs[0].Data, 1e-9)
}

func TestDenseOverLeadingAxes(t *testing.T) {
	cfg := `[
		{"class_name": "Dense", "config": {"name": "d", "units": 2, "activation": "linear", "batch_input_shape": [null, 2, 3]}}
	]`
	m := loadModel(t, cfg, `[[1, 0], [0, 1], [1, 1]]`, `[1, -1]`)

	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"d_input": mustTensor(t, `[[1, 2, 3], [4, 5, 6]]`).Batch(),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, outs[0].Shape)
	assert.InDeltaSlice(t, []float64{5, 4, 11, 10}, outs[0].Data, 1e-9)
}

func TestBatchNormalizationPerRow(t *testing.T) {
	cfg := `[
		{"class_name": "BatchNormalization", "config": {"name": "bn", "epsilon": 0, "batch_input_shape": [null, 2, 2]}}
	]`
	m := loadModel(t, cfg, `[2, 1]`, `[1, 0]`, `[1, 1]`, `[4, 1]`)

	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"bn_input": mustTensor(t, `[[5, 3], [1, 1]]`).Batch(),
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5, 2, 1, 0}, outs[0].Data, 1e-9)
}

func TestPairwiseMerges(t *testing.T) {
	for class, want := range map[string][]float64{
		"Subtract": {-2, 5},
		"Multiply": {3, -4},
		"Maximum":  {3, 4},
		"Minimum":  {1, -1},
	} {
		t.Run(class, func(t *testing.T) {
			cfg := `{"layers": [
				{"name": "a", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 2]}, "inbound_nodes": []},
				{"name": "b", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 2]}, "inbound_nodes": []},
				{"name": "m", "class_name": "` + class + `", "config": {}, "inbound_nodes": [[["a", 0, 0, {}], ["b", 0, 0, {}]]]}
			], "input_layers": [["a", 0, 0], ["b", 0, 0]], "output_layers": [["m", 0, 0]]}`
			m := loadModel(t, cfg)

			outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
				"a": mustTensor(t, `[1, 4]`).Batch(),
				"b": mustTensor(t, `[3, -1]`).Batch(),
			})
			require.NoError(t, err)
			assert.InDeltaSlice(t, want, outs[0].Data, 1e-9)
		})
	}
}

func TestFlattenReshapeAndMerges(t *testing.T) {
	cfg := `{"layers": [
		{"name": "in", "class_name": "InputLayer", "config": {"batch_input_shape": [null, 2, 2]}, "inbound_nodes": []},
		{"name": "flat", "class_name": "Flatten", "config": {}, "inbound_nodes": [[["in", 0, 0, {}]]]},
		{"name": "back", "class_name": "Reshape", "config": {"target_shape": [-1]}, "inbound_nodes": [[["in", 0, 0, {}]]]},
		{"name": "sum", "class_name": "Add", "config": {}, "inbound_nodes": [[["flat", 0, 0, {}], ["back", 0, 0, {}]]]},
		{"name": "avg", "class_name": "Average", "config": {}, "inbound_nodes": [[["sum", 0, 0, {}], ["flat", 0, 0, {}]]]}
	], "input_layers": [["in", 0, 0]], "output_layers": [["avg", 0, 0], ["sum", 0, 0]]}`
	m := loadModel(t, cfg)

	outs, err := m.Forward(context.Background(), map[string]tensor.Tensor{
		"in": mustTensor(t, `[[1, 2], [3, 4]]`).Batch(),
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, []int{1, 4}, outs[0].Shape)
	assert.InDeltaSlice(t, []float64{1.5, 3, 4.5, 6}, outs[0].Data, 1e-9)
	assert.InDeltaSlice(t, []float64{2, 4, 6, 8}, outs[1].Data, 1e-9)
}

func TestActivations(t *testing.T) {
	probs := softmax(tensor.Tensor{Shape: []int{1, 3}, Data: []float64{1, 2, 3}})
	var sum float64
	for _, p := range probs.Data {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Greater(t, probs.Data[2], probs.Data[0])

	assert.InDelta(t, 0.5, sigmoid(0), 1e-12)
	assert.InDelta(t, 1.0, sigmoid(800), 1e-12)
	assert.InDelta(t, 0.0, sigmoid(-800), 1e-12)
	assert.InDelta(t, math.Log(2), softplus(0), 1e-12)
	assert.Equal(t, 0.0, relu(-3))
	assert.Equal(t, 1.0, hardSigmoid(10))

	act, err := lookupActivation("")
	require.NoError(t, err)
	v := act(tensor.Tensor{Shape: []int{1}, Data: []float64{-2}})
	assert.Equal(t, -2.0, v.Data[0])
}

package tensor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSONShapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		shape []int
		data  []float64
	}{
		{name: "scalar", raw: `2.5`, shape: nil, data: []float64{2.5}},
		{name: "vector", raw: `[1, 2, 3]`, shape: []int{3}, data: []float64{1, 2, 3}},
		{name: "matrix", raw: `[[1, 2], [3, 4], [5, 6]]`, shape: []int{3, 2}, data: []float64{1, 2, 3, 4, 5, 6}},
		{name: "bools", raw: `[true, false]`, shape: []int{2}, data: []float64{1, 0}},
		{name: "empty", raw: `[]`, shape: []int{0}, data: []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromJSON(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.shape, got.Shape)
			assert.Equal(t, tt.data, got.Data)
		})
	}
}

func TestFromJSONRejectsMalformedArrays(t *testing.T) {
	_, err := FromJSON(json.RawMessage(`[[1, 2], [3]]`))
	assert.ErrorIs(t, err, ErrRagged)

	_, err = FromJSON(json.RawMessage(`[[1, 2], 3]`))
	assert.ErrorIs(t, err, ErrRagged)

	_, err = FromJSON(json.RawMessage(`[1, [2]]`))
	assert.ErrorIs(t, err, ErrRagged)

	_, err = FromJSON(json.RawMessage(`["a", "b"]`))
	assert.ErrorIs(t, err, ErrNotNumber)

	_, err = FromJSON(json.RawMessage(`[1, null]`))
	assert.ErrorIs(t, err, ErrNotNumber)

	_, err = FromJSON(json.RawMessage(`[1, 2`))
	assert.Error(t, err)
}

func TestBatchAddsLeadingAxis(t *testing.T) {
	v, err := New([]int{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)

	b := v.Batch()
	assert.Equal(t, []int{1, 2, 2}, b.Shape)
	assert.Equal(t, v.Data, b.Data)

	s := Tensor{Data: []float64{7}}.Batch()
	assert.Equal(t, []int{1}, s.Shape)
}

func TestNewRejectsSizeMismatch(t *testing.T) {
	_, err := New([]int{2, 3}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFirst(t *testing.T) {
	_, err := Tensor{Shape: []int{0}}.First()
	assert.ErrorIs(t, err, ErrEmpty)

	v, err := Zeros(2, 2).First()
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible([]int{-1, 3}, []int{1, 3}))
	assert.False(t, Compatible([]int{-1, 3}, []int{1, 4}))
	assert.False(t, Compatible([]int{3}, []int{1, 3}))
	assert.Equal(t, "(None, 3)", FormatShape([]int{-1, 3}))
}

func TestJSONRoundTripKeepsNesting(t *testing.T) {
	var v Tensor
	require.NoError(t, json.Unmarshal([]byte(`[[1.5, 2], [3, 4]]`), &v))

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1.5, 2], [3, 4]]`, string(out))
}

package model

import (
	"encoding/json"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

// Sentinel is the prediction reported whenever no real value is available.
const Sentinel = -1.0

// Definition is a serialized model: an engine specific structure blob and
// the weights to assign to it, in the order the model lists its parameters.
type Definition struct {
	Structure json.RawMessage `json:"model"`
	Weights   []tensor.Tensor `json:"weights"`
}

// PredictionRequest maps model input names to unbatched arrays.
type PredictionRequest map[string]tensor.Tensor

type PredictionResponse struct {
	Prediction float64 `json:"prediction"`
	Error      string  `json:"error,omitempty"`
}

// Package payload turns request bodies from either transport into session
// arguments.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Brownie44l1/modelserver/internal/model"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

var (
	ErrMissingModel = errors.New(`payload has no "model" field`)
	ErrNotObject    = errors.New("payload is not a JSON object")
)

type definitionBody struct {
	Model   json.RawMessage   `json:"model"`
	Weights []json.RawMessage `json:"weights"`
}

// DecodeDefinition reads {"model": <structure>, "weights": [<array>, ...]}.
// The structure is kept verbatim for the engine.
func DecodeDefinition(raw json.RawMessage) (model.Definition, error) {
	if !isObject(raw) {
		return model.Definition{}, ErrNotObject
	}
	var body definitionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return model.Definition{}, fmt.Errorf("failed to decode definition: %w", err)
	}
	if len(body.Model) == 0 || bytes.Equal(bytes.TrimSpace(body.Model), []byte("null")) {
		return model.Definition{}, ErrMissingModel
	}

	def := model.Definition{
		Structure: body.Model,
		Weights:   make([]tensor.Tensor, len(body.Weights)),
	}
	for i, w := range body.Weights {
		t, err := tensor.FromJSON(w)
		if err != nil {
			return model.Definition{}, fmt.Errorf("weight %d: %w", i, err)
		}
		def.Weights[i] = t
	}
	return def, nil
}

// DecodeInputs reads {<slot>: <array>, ...}.
func DecodeInputs(raw json.RawMessage) (model.PredictionRequest, error) {
	if !isObject(raw) {
		return nil, ErrNotObject
	}
	var slots map[string]json.RawMessage
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	req := make(model.PredictionRequest, len(slots))
	for name, v := range slots {
		t, err := tensor.FromJSON(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		req[name] = t
	}
	return req, nil
}

type predictBody struct {
	Inputs json.RawMessage `json:"inputs"`
}

// DecodePredictBody reads the HTTP form {"inputs": {<slot>: <array>, ...}}.
func DecodePredictBody(raw json.RawMessage) (model.PredictionRequest, error) {
	if !isObject(raw) {
		return nil, ErrNotObject
	}
	var body predictBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return DecodeInputs(body.Inputs)
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

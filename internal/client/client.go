// Package client drives a model server from the parent side, either over
// the line protocol of a child process or over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

var (
	ErrInitFailed    = errors.New("server failed to load model")
	ErrPredictFailed = errors.New("server returned no prediction")
	ErrRejected      = errors.New("server could not parse request")
	ErrProtocol      = errors.New("unexpected server reply")
)

type Client interface {
	Init(ctx context.Context, structure json.RawMessage, weights []tensor.Tensor) error
	Predict(ctx context.Context, inputs map[string]tensor.Tensor) (float64, error)
	Close() error
}

type initBody struct {
	Model   json.RawMessage `json:"model"`
	Weights []tensor.Tensor `json:"weights"`
}

func newInitBody(structure json.RawMessage, weights []tensor.Tensor) initBody {
	if weights == nil {
		weights = []tensor.Tensor{}
	}
	return initBody{Model: structure, Weights: weights}
}

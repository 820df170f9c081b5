package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/model"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

const initSuccess = "Success"

type HTTP struct {
	client *resty.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTP{client: c}
}

func (h *HTTP) Init(ctx context.Context, structure json.RawMessage, weights []tensor.Tensor) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(newInitBody(structure, weights)).
		Post("/init")
	if err != nil {
		return fmt.Errorf("init request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrRejected, resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode())
	}
	if body := resp.String(); body != initSuccess {
		return fmt.Errorf("%w: %s", ErrInitFailed, body)
	}
	return nil
}

func (h *HTTP) Predict(ctx context.Context, inputs map[string]tensor.Tensor) (float64, error) {
	var out model.PredictionResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"inputs": inputs}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		return model.Sentinel, fmt.Errorf("predict request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return model.Sentinel, fmt.Errorf("%w: %s", ErrRejected, resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return model.Sentinel, fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode())
	}
	if out.Error != "" {
		return out.Prediction, fmt.Errorf("%w: %s", ErrPredictFailed, out.Error)
	}
	return out.Prediction, nil
}

type Health struct {
	Status string        `json:"status"`
	Engine string        `json:"engine"`
	Loaded bool          `json:"loaded"`
	Inputs []engine.Slot `json:"inputs"`
}

func (h *HTTP) Health(ctx context.Context) (Health, error) {
	var out Health
	resp, err := h.client.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err != nil {
		return Health{}, fmt.Errorf("health request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Health{}, fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode())
	}
	return out, nil
}

func (h *HTTP) Close() error { return nil }

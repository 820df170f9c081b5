package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Brownie44l1/modelserver/internal/engine/keras"
	"github.com/Brownie44l1/modelserver/internal/handlers"
	"github.com/Brownie44l1/modelserver/internal/lineproto"
	"github.com/Brownie44l1/modelserver/internal/model"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

var (
	_ Client = (*Conn)(nil)
	_ Client = (*Process)(nil)
	_ Client = (*HTTP)(nil)
)

const linearModel = `{
  "name": "linear",
  "layers": [
    {"name": "x", "class_name": "InputLayer", "config": {"name": "x", "batch_input_shape": [null, 3]}, "inbound_nodes": []},
    {"name": "out", "class_name": "Dense", "config": {"name": "out", "units": 1, "activation": "linear"},
     "inbound_nodes": [[["x", 0, 0, {}]]]}
  ],
  "input_layers": [["x", 0, 0]],
  "output_layers": [["out", 0, 0]]
}`

func weights(t *testing.T) []tensor.Tensor {
	t.Helper()
	kernel, err := tensor.New([]int{3, 1}, []float64{1, 2, 3})
	require.NoError(t, err)
	bias, err := tensor.New([]int{1}, []float64{0.5})
	require.NoError(t, err)
	return []tensor.Tensor{kernel, bias}
}

func inputs(values ...float64) map[string]tensor.Tensor {
	return map[string]tensor.Tensor{"x": {Shape: []int{len(values)}, Data: values}}
}

// pipeServer runs a line protocol server on in-memory pipes.
func pipeServer(t *testing.T) *Conn {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := lineproto.NewServer(model.NewSession(keras.New()), inR, outW, nil)

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(context.Background())
		outW.Close()
	}()
	t.Cleanup(func() {
		inW.Close()
		assert.NoError(t, <-done)
	})
	return NewConn(inW, outR)
}

func TestConnRoundTrip(t *testing.T) {
	c := pipeServer(t)
	ctx := context.Background()

	_, err := c.Predict(ctx, inputs(1, 2, 3))
	assert.ErrorIs(t, err, ErrPredictFailed)

	require.NoError(t, c.Init(ctx, json.RawMessage(linearModel), weights(t)))

	v, err := c.Predict(ctx, inputs(1, 2, 3))
	require.NoError(t, err)
	assert.InDelta(t, 14.5, v, 1e-9)

	err = c.Init(ctx, json.RawMessage(linearModel), weights(t)[:1])
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Contains(t, err.Error(), "Failed to load model/weights")

	v, err = c.Predict(ctx, inputs(0, 0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-9)
}

func TestConnReplyErrors(t *testing.T) {
	ctx := context.Background()
	for name, tc := range map[string]struct {
		reply string
		want  error
	}{
		"parse failure": {"PREDICT: Failed to parse\n", ErrRejected},
		"wrong command": {"INIT: true\n", ErrProtocol},
		"not a number":  {"PREDICT: maybe\n", ErrProtocol},
		"no reply":      {"", io.EOF},
	} {
		t.Run(name, func(t *testing.T) {
			var sent strings.Builder
			c := NewConn(&sent, strings.NewReader(tc.reply))
			_, err := c.Predict(ctx, inputs(1))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, `predict: {"x":[1]}`+"\n", sent.String())
		})
	}

	for reply, want := range map[string]float64{
		"PREDICT: -1.0\n":  -1,
		"PREDICT: 1e+16\n": 1e16,
	} {
		v, err := NewConn(io.Discard, strings.NewReader(reply)).Predict(ctx, inputs(1))
		require.NoError(t, err, reply)
		assert.Equal(t, want, v)
	}
	_, err := NewConn(io.Discard, strings.NewReader("PREDICT: -1\n")).Predict(ctx, inputs(1))
	assert.ErrorIs(t, err, ErrPredictFailed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewConn(io.Discard, strings.NewReader("")).Predict(cancelled, inputs(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseCommand(t *testing.T) {
	parts, err := ParseCommand("  modelserver stdio --engine keras ")
	require.NoError(t, err)
	assert.Equal(t, []string{"modelserver", "stdio", "--engine", "keras"}, parts)

	_, err = ParseCommand("   ")
	assert.Error(t, err)

	_, err = StartProcess(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestHTTPClient(t *testing.T) {
	session := model.NewSession(keras.New())
	srv := httptest.NewServer(handlers.NewRouter(handlers.NewHandler(session, nil), handlers.RouterConfig{}))
	defer srv.Close()

	c := NewHTTP(srv.URL, 0)
	defer c.Close()
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, health.Loaded)

	v, err := c.Predict(ctx, inputs(1, 2, 3))
	assert.ErrorIs(t, err, ErrPredictFailed)
	assert.Equal(t, model.Sentinel, v)

	assert.ErrorIs(t, c.Init(ctx, json.RawMessage(`{"layers": []}`), nil), ErrInitFailed)
	require.NoError(t, c.Init(ctx, json.RawMessage(linearModel), weights(t)))

	v, err = c.Predict(ctx, inputs(1, 2, 3))
	require.NoError(t, err)
	assert.InDelta(t, 14.5, v, 1e-9)

	health, err = c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Loaded)
	assert.Equal(t, "keras", health.Engine)
}

func TestHTTPClientStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/init" {
			http.Error(w, "Failed to parse", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, 0)
	ctx := context.Background()
	assert.ErrorIs(t, c.Init(ctx, json.RawMessage(`{}`), nil), ErrRejected)
	_, err := c.Predict(ctx, inputs(1))
	assert.ErrorIs(t, err, ErrProtocol)
}

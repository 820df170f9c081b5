// Package onnx serves models exported to ONNX through ONNX Runtime. The
// graph carries its own weights, so models built here have no assignable
// parameters.
package onnx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

const Name = "onnx"

// ErrPathsDisabled rejects a {"path": ...} structure on an engine built
// without WithModelPaths.
var ErrPathsDisabled = errors.New("loading models from file paths is disabled")

type Engine struct {
	libraryPath string
	allowPaths  bool

	once    sync.Once
	initErr error
}

type Option func(*Engine)

// WithModelPaths lets a structure name a model file on the server's disk.
func WithModelPaths(allow bool) Option {
	return func(e *Engine) { e.allowPaths = allow }
}

// New returns an engine that loads the ONNX Runtime shared library from
// libraryPath, or from the platform default when it is empty.
func New(libraryPath string, opts ...Option) *Engine {
	e := &Engine{libraryPath: libraryPath}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

func (e *Engine) ensureEnvironment() error {
	e.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if e.libraryPath != "" {
			ort.SetSharedLibraryPath(e.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			e.initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return e.initErr
}

// Close tears down the ONNX Runtime environment. Models must be closed first.
func (e *Engine) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (e *Engine) Build(ctx context.Context, structure json.RawMessage) (engine.Model, error) {
	data, err := decodeStructure(structure, e.allowPaths)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.ensureEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read ONNX inputs/outputs: %v", engine.ErrInvalidConfig, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: ONNX graph has %d inputs and %d outputs",
			engine.ErrInvalidConfig, len(inputs), len(outputs))
	}

	m := &Model{
		inputs:     make([]engine.Slot, len(inputs)),
		inputTypes: make([]ort.TensorElementDataType, len(inputs)),
	}
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		m.inputs[i] = engine.Slot{Name: info.Name, Shape: slotShape(info.Dimensions)}
		m.inputTypes[i] = info.DataType
	}
	m.outputNames = make([]string, len(outputs))
	for i, info := range outputs {
		m.outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, inputNames, m.outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	m.session = session
	return m, nil
}

// decodeStructure accepts the ONNX bytes as a base64 JSON string, as
// {"data": "<base64>"}, or as {"path": "<file>"} when allowPaths is set.
func decodeStructure(raw json.RawMessage, allowPaths bool) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty ONNX model", engine.ErrInvalidConfig)
	}
	var data []byte
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("%w: ONNX model is not valid base64: %v", engine.ErrInvalidConfig, err)
		}
	case '{':
		var ref struct {
			Data []byte `json:"data"`
			Path string `json:"path"`
		}
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
		}
		data = ref.Data
		if len(data) == 0 && ref.Path != "" {
			if !allowPaths {
				return nil, fmt.Errorf("%w: %w", engine.ErrInvalidConfig, ErrPathsDisabled)
			}
			b, err := os.ReadFile(ref.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read ONNX model: %w", err)
			}
			data = b
		}
	default:
		return nil, fmt.Errorf("%w: ONNX model must be a base64 string or an object", engine.ErrInvalidConfig)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty ONNX model", engine.ErrInvalidConfig)
	}
	return data, nil
}

func slotShape(dims ort.Shape) []int {
	if len(dims) == 0 {
		return nil
	}
	shape := make([]int, len(dims)-1)
	for i, d := range dims[1:] {
		if d < 0 {
			shape[i] = -1
		} else {
			shape[i] = int(d)
		}
	}
	return shape
}

type Model struct {
	session     *ort.DynamicAdvancedSession
	inputs      []engine.Slot
	inputTypes  []ort.TensorElementDataType
	outputNames []string

	finalized atomic.Bool
	closed    atomic.Bool
}

func (m *Model) Parameters() []engine.ParamSpec { return nil }

func (m *Model) AssignWeights(weights []tensor.Tensor) error {
	return engine.CheckWeights(nil, weights)
}

func (m *Model) Finalize(opts engine.CompileOptions) error {
	if m.closed.Load() {
		return engine.ErrClosed
	}
	if opts.Loss == "" || opts.Optimizer == "" {
		return fmt.Errorf("%w: loss and optimizer are required", engine.ErrCompileOptions)
	}
	m.finalized.Store(true)
	return nil
}

func (m *Model) Inputs() []engine.Slot {
	out := make([]engine.Slot, len(m.inputs))
	copy(out, m.inputs)
	return out
}

func (m *Model) Forward(ctx context.Context, inputs map[string]tensor.Tensor) ([]tensor.Tensor, error) {
	if m.closed.Load() {
		return nil, engine.ErrClosed
	}
	if !m.finalized.Load() {
		return nil, engine.ErrNotFinalized
	}

	values := make([]ort.Value, 0, len(m.inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for i, slot := range m.inputs {
		t, ok := inputs[slot.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", engine.ErrMissingInput, slot.Name)
		}
		if len(t.Shape) == 0 || !tensor.Compatible(slot.Shape, t.Shape[1:]) {
			return nil, fmt.Errorf("%w: input %q expects %s, got %s", engine.ErrInputShape, slot.Name,
				tensor.FormatShape(append([]int{-1}, slot.Shape...)), tensor.FormatShape(t.Shape))
		}
		v, err := toValue(t, m.inputTypes[i])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", slot.Name, err)
		}
		values = append(values, v)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs := make([]ort.Value, len(m.outputNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := m.session.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}

	result := make([]tensor.Tensor, len(outputs))
	for i, v := range outputs {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", m.outputNames[i], err)
		}
		result[i] = t
	}
	return result, nil
}

func (m *Model) Close() error {
	if m.closed.Swap(true) || m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

func toValue(t tensor.Tensor, dtype ort.TensorElementDataType) (ort.Value, error) {
	shape := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int64(d)
	}
	switch dtype {
	case ort.TensorElementDataTypeFloat:
		data := make([]float32, len(t.Data))
		for i, v := range t.Data {
			data[i] = float32(v)
		}
		return ort.NewTensor(ort.NewShape(shape...), data)
	case ort.TensorElementDataTypeDouble:
		return ort.NewTensor(ort.NewShape(shape...), append([]float64(nil), t.Data...))
	case ort.TensorElementDataTypeInt64:
		data := make([]int64, len(t.Data))
		for i, v := range t.Data {
			data[i] = int64(v)
		}
		return ort.NewTensor(ort.NewShape(shape...), data)
	case ort.TensorElementDataTypeInt32:
		data := make([]int32, len(t.Data))
		for i, v := range t.Data {
			data[i] = int32(v)
		}
		return ort.NewTensor(ort.NewShape(shape...), data)
	}
	return nil, fmt.Errorf("unsupported ONNX input type %v", dtype)
}

func fromValue(v ort.Value) (tensor.Tensor, error) {
	if v == nil {
		return tensor.Tensor{}, tensor.ErrEmpty
	}
	shape := make([]int, 0, len(v.GetShape()))
	for _, d := range v.GetShape() {
		shape = append(shape, int(d))
	}
	var data []float64
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data = widen(t.GetData())
	case *ort.Tensor[float64]:
		data = append(data, t.GetData()...)
	case *ort.Tensor[int64]:
		data = widen(t.GetData())
	case *ort.Tensor[int32]:
		data = widen(t.GetData())
	default:
		return tensor.Tensor{}, fmt.Errorf("unsupported ONNX output value %T", v)
	}
	return tensor.New(shape, data)
}

func widen[T float32 | int64 | int32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

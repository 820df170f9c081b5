// Package engine defines the contract between the model session and the
// libraries that actually construct models and run forward passes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

var (
	ErrUnknownEngine  = errors.New("unknown inference engine")
	ErrInvalidConfig  = errors.New("invalid model structure")
	ErrWeightCount    = errors.New("weight count mismatch")
	ErrWeightShape    = errors.New("weight shape mismatch")
	ErrNotFinalized   = errors.New("model is not finalized for inference")
	ErrCompileOptions = errors.New("unsupported compile options")
	ErrMissingInput   = errors.New("missing model input")
	ErrInputShape     = errors.New("input shape mismatch")
	ErrClosed         = errors.New("model is closed")
)

// CompileOptions is the loss/optimizer pairing a model is finalized with.
// Forward inference never reads them, but engines validate the names.
type CompileOptions struct {
	Loss      string
	Optimizer string
}

// DefaultCompileOptions is what the session finalizes every model with.
var DefaultCompileOptions = CompileOptions{
	Loss:      "binary_crossentropy",
	Optimizer: "adam",
}

// ParamSpec describes one assignable parameter. Negative dimensions are
// not known until weights arrive.
type ParamSpec struct {
	Name  string
	Shape []int
}

// Slot is a named model input. Shape excludes the batch axis.
type Slot struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type Engine interface {
	Name() string
	Build(ctx context.Context, structure json.RawMessage) (Model, error)
}

// Model is an engine-constructed model instance. Forward must be safe to
// call concurrently once Finalize has returned.
type Model interface {
	Parameters() []ParamSpec
	AssignWeights(weights []tensor.Tensor) error
	Finalize(opts CompileOptions) error
	Inputs() []Slot
	Forward(ctx context.Context, inputs map[string]tensor.Tensor) ([]tensor.Tensor, error)
	Close() error
}

// CheckWeights validates a weight sequence against the parameters a model
// reports, positionally.
func CheckWeights(specs []ParamSpec, weights []tensor.Tensor) error {
	if len(specs) != len(weights) {
		return fmt.Errorf("%w: model expects %d weight arrays, got %d",
			ErrWeightCount, len(specs), len(weights))
	}
	for i, spec := range specs {
		if !tensor.Compatible(spec.Shape, weights[i].Shape) {
			return fmt.Errorf("%w: %s expects %s, got %s", ErrWeightShape,
				spec.Name, tensor.FormatShape(spec.Shape), tensor.FormatShape(weights[i].Shape))
		}
	}
	return nil
}

// Registry maps engine names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownEngine, name, r.namesLocked())
	}
	return e, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

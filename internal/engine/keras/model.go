// Package keras runs forward passes for models described by Keras
// architecture configs (the output of model.get_config()) with weights
// supplied separately, in model.get_weights() order.
package keras

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

const Name = "keras"

var (
	knownLosses = map[string]struct{}{
		"binary_crossentropy":             {},
		"categorical_crossentropy":        {},
		"sparse_categorical_crossentropy": {},
		"mse":                             {},
		"mean_squared_error":              {},
		"mae":                             {},
		"mean_absolute_error":             {},
		"hinge":                           {},
	}
	knownOptimizers = map[string]struct{}{
		"adam":     {},
		"sgd":      {},
		"rmsprop":  {},
		"adagrad":  {},
		"adadelta": {},
		"adamax":   {},
		"nadam":    {},
	}
)

type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return Name }

func (e *Engine) Build(ctx context.Context, structure json.RawMessage) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := parseStructure(structure)
	if err != nil {
		return nil, err
	}
	return newModel(spec)
}

type node struct {
	name    string
	layer   layer
	inbound []string
	shape   []int
	nparams int
}

type Model struct {
	name    string
	nodes   []*node
	inputs  []engine.Slot
	outputs []string

	assigned  bool
	finalized atomic.Bool
	closed    atomic.Bool
}

func newModel(spec graphSpec) (*Model, error) {
	m := &Model{name: spec.name, outputs: spec.outputs}
	shapes := make(map[string][]int, len(spec.nodes))
	for _, ns := range spec.nodes {
		if _, dup := shapes[ns.name]; dup {
			return nil, invalid("duplicate layer name %q", ns.name)
		}
		l, err := newLayer(ns.name, ns.class, ns.config)
		if err != nil {
			return nil, err
		}
		in := make([][]int, 0, len(ns.inbound))
		for _, src := range ns.inbound {
			shape, ok := shapes[src]
			if !ok {
				return nil, invalid("layer %q consumes %q before it is defined", ns.name, src)
			}
			in = append(in, shape)
		}
		if ns.class != "InputLayer" && len(in) == 0 {
			return nil, invalid("layer %q has no inbound layers", ns.name)
		}
		out, err := l.build(in)
		if err != nil {
			return nil, err
		}
		shapes[ns.name] = out
		m.nodes = append(m.nodes, &node{
			name:    ns.name,
			layer:   l,
			inbound: ns.inbound,
			shape:   out,
			nparams: len(l.params()),
		})
	}

	if len(spec.inputs) == 0 {
		return nil, invalid("model has no inputs")
	}
	for _, name := range spec.inputs {
		n := m.node(name)
		if n == nil {
			return nil, invalid("input layer %q is not defined", name)
		}
		if _, ok := n.layer.(*inputLayer); !ok {
			return nil, invalid("model input %q is not an InputLayer", name)
		}
		m.inputs = append(m.inputs, engine.Slot{Name: name, Shape: n.shape})
	}
	for _, name := range spec.outputs {
		if m.node(name) == nil {
			return nil, invalid("output layer %q is not defined", name)
		}
	}
	return m, nil
}

func (m *Model) node(name string) *node {
	for _, n := range m.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

// Parameters lists assignable weights in layer order, matching the order of
// Keras' model.get_weights().
func (m *Model) Parameters() []engine.ParamSpec {
	var specs []engine.ParamSpec
	for _, n := range m.nodes {
		specs = append(specs, n.layer.params()...)
	}
	return specs
}

func (m *Model) AssignWeights(weights []tensor.Tensor) error {
	if m.closed.Load() {
		return engine.ErrClosed
	}
	if err := engine.CheckWeights(m.Parameters(), weights); err != nil {
		return err
	}
	pos := 0
	for _, n := range m.nodes {
		if n.nparams == 0 {
			continue
		}
		if err := n.layer.setWeights(weights[pos : pos+n.nparams]); err != nil {
			return fmt.Errorf("layer %q: %w", n.name, err)
		}
		pos += n.nparams
	}
	m.assigned = true
	return nil
}

func (m *Model) Finalize(opts engine.CompileOptions) error {
	if m.closed.Load() {
		return engine.ErrClosed
	}
	if _, ok := knownLosses[opts.Loss]; !ok {
		return fmt.Errorf("%w: loss %q", engine.ErrCompileOptions, opts.Loss)
	}
	if _, ok := knownOptimizers[opts.Optimizer]; !ok {
		return fmt.Errorf("%w: optimizer %q", engine.ErrCompileOptions, opts.Optimizer)
	}
	if !m.assigned && len(m.Parameters()) > 0 {
		return fmt.Errorf("%w: weights have not been assigned", engine.ErrNotFinalized)
	}
	m.finalized.Store(true)
	return nil
}

func (m *Model) Inputs() []engine.Slot {
	out := make([]engine.Slot, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Forward evaluates the graph in layer order. Inputs carry the batch axis.
func (m *Model) Forward(ctx context.Context, inputs map[string]tensor.Tensor) ([]tensor.Tensor, error) {
	if m.closed.Load() {
		return nil, engine.ErrClosed
	}
	if !m.finalized.Load() {
		return nil, engine.ErrNotFinalized
	}
	values := make(map[string]tensor.Tensor, len(m.nodes))
	for _, slot := range m.inputs {
		t, ok := inputs[slot.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", engine.ErrMissingInput, slot.Name)
		}
		if len(t.Shape) == 0 || !tensor.Compatible(slot.Shape, t.Shape[1:]) {
			return nil, fmt.Errorf("%w: input %q expects %s, got %s", engine.ErrInputShape,
				slot.Name, tensor.FormatShape(append([]int{-1}, slot.Shape...)), tensor.FormatShape(t.Shape))
		}
		values[slot.Name] = t
	}

	for _, n := range m.nodes {
		if _, isInput := n.layer.(*inputLayer); isInput {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := make([]tensor.Tensor, len(n.inbound))
		for i, src := range n.inbound {
			v, ok := values[src]
			if !ok {
				return nil, fmt.Errorf("%w: layer %q has no value for %q", engine.ErrMissingInput, n.name, src)
			}
			in[i] = v
		}
		out, err := n.layer.call(in)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", n.name, err)
		}
		values[n.name] = out
	}

	outs := make([]tensor.Tensor, len(m.outputs))
	for i, name := range m.outputs {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: output %q was not computed", engine.ErrMissingInput, name)
		}
		outs[i] = v
	}
	return outs, nil
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

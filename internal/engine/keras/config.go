package keras

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Brownie44l1/modelserver/internal/engine"
)

type layerConfig struct {
	Name         string          `json:"name"`
	ClassName    string          `json:"class_name"`
	Config       json.RawMessage `json:"config"`
	InboundNodes json.RawMessage `json:"inbound_nodes"`
}

type graphConfig struct {
	Name         string          `json:"name"`
	Layers       []layerConfig   `json:"layers"`
	InputLayers  json.RawMessage `json:"input_layers"`
	OutputLayers json.RawMessage `json:"output_layers"`
}

// nodeSpec is one layer call in the graph: the layer config plus the names
// of the layers whose outputs feed it.
type nodeSpec struct {
	name    string
	class   string
	config  json.RawMessage
	inbound []string
}

type graphSpec struct {
	name    string
	nodes   []nodeSpec
	inputs  []string
	outputs []string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// parseStructure accepts a functional model config, a sequential config, a
// bare list of sequential layers, or any of those wrapped in
// {"class_name": ..., "config": ...}.
func parseStructure(raw json.RawMessage) (graphSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return graphSpec{}, invalid("model structure is empty")
	}
	if raw[0] == '[' {
		var layers []layerConfig
		if err := json.Unmarshal(raw, &layers); err != nil {
			return graphSpec{}, invalid("decode layer list: %v", err)
		}
		return sequential("sequential", layers)
	}

	var wrapper struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return graphSpec{}, invalid("decode model: %v", err)
	}
	if wrapper.ClassName != "" && len(wrapper.Config) > 0 {
		switch wrapper.ClassName {
		case "Sequential", "Model", "Functional":
		default:
			return graphSpec{}, invalid("unsupported model class %q", wrapper.ClassName)
		}
		if wrapper.ClassName == "Sequential" && bytes.HasPrefix(bytes.TrimSpace(wrapper.Config), []byte("[")) {
			return parseStructure(wrapper.Config)
		}
		raw = wrapper.Config
	}

	var cfg graphConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return graphSpec{}, invalid("decode model config: %v", err)
	}
	if len(cfg.Layers) == 0 {
		return graphSpec{}, invalid("model has no layers")
	}
	if len(cfg.InputLayers) == 0 {
		name := cfg.Name
		if name == "" {
			name = "sequential"
		}
		return sequential(name, cfg.Layers)
	}
	return functional(cfg)
}

func functional(cfg graphConfig) (graphSpec, error) {
	g := graphSpec{name: cfg.Name}
	for i, lc := range cfg.Layers {
		name := layerName(lc, i)
		inbound, err := parseInbound(lc.InboundNodes)
		if err != nil {
			return graphSpec{}, invalid("layer %q: %v", name, err)
		}
		g.nodes = append(g.nodes, nodeSpec{
			name:    name,
			class:   lc.ClassName,
			config:  lc.Config,
			inbound: inbound,
		})
	}
	var err error
	if g.inputs, err = parseEndpoints(cfg.InputLayers); err != nil {
		return graphSpec{}, invalid("input_layers: %v", err)
	}
	if g.outputs, err = parseEndpoints(cfg.OutputLayers); err != nil {
		return graphSpec{}, invalid("output_layers: %v", err)
	}
	if len(g.outputs) == 0 {
		return graphSpec{}, invalid("model has no outputs")
	}
	return g, nil
}

func sequential(name string, layers []layerConfig) (graphSpec, error) {
	if len(layers) == 0 {
		return graphSpec{}, invalid("model has no layers")
	}
	g := graphSpec{name: name}
	prev := ""
	for i, lc := range layers {
		lname := layerName(lc, i)
		if i == 0 && lc.ClassName != "InputLayer" {
			shape, ok, err := declaredInputShape(lc.Config)
			if err != nil {
				return graphSpec{}, invalid("layer %q: %v", lname, err)
			}
			if !ok {
				return graphSpec{}, invalid("first layer %q does not declare an input shape", lname)
			}
			input := lname + "_input"
			cfg, _ := json.Marshal(map[string]any{"batch_input_shape": append([]any{nil}, shapeToJSON(shape)...)})
			g.nodes = append(g.nodes, nodeSpec{name: input, class: "InputLayer", config: cfg})
			prev = input
		}
		node := nodeSpec{name: lname, class: lc.ClassName, config: lc.Config}
		if prev != "" {
			node.inbound = []string{prev}
		}
		g.nodes = append(g.nodes, node)
		prev = lname
	}
	g.inputs = []string{g.nodes[0].name}
	g.outputs = []string{prev}
	return g, nil
}

func layerName(lc layerConfig, idx int) string {
	if lc.Name != "" {
		return lc.Name
	}
	var named struct {
		Name string `json:"name"`
	}
	if len(lc.Config) > 0 && json.Unmarshal(lc.Config, &named) == nil && named.Name != "" {
		return named.Name
	}
	return fmt.Sprintf("%s_%d", strings.ToLower(lc.ClassName), idx)
}

// parseEndpoints reads input_layers/output_layers, either a list of
// [name, node, tensor] triples or a single triple.
func parseEndpoints(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	var single string
	if json.Unmarshal(items[0], &single) == nil {
		return []string{single}, nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		var triple []json.RawMessage
		if err := json.Unmarshal(item, &triple); err != nil || len(triple) == 0 {
			return nil, fmt.Errorf("malformed endpoint %s", item)
		}
		var name string
		if err := json.Unmarshal(triple[0], &name); err != nil {
			return nil, fmt.Errorf("malformed endpoint %s", item)
		}
		names = append(names, name)
	}
	return names, nil
}

// parseInbound extracts the producing layer names of a layer's first (and
// only supported) call. It understands both the nested-list form and the
// keras_history form.
func parseInbound(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var nodes []json.RawMessage
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("decode inbound_nodes: %w", err)
	}
	switch len(nodes) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("shared layers are not supported (%d calls)", len(nodes))
	}
	node := bytes.TrimSpace(nodes[0])
	if len(node) > 0 && node[0] == '{' {
		var call struct {
			Args []any `json:"args"`
		}
		if err := json.Unmarshal(node, &call); err != nil {
			return nil, fmt.Errorf("decode inbound call: %w", err)
		}
		var names []string
		collectHistory(call.Args, &names)
		return names, nil
	}

	var entries [][]json.RawMessage
	if err := json.Unmarshal(node, &entries); err != nil {
		return nil, fmt.Errorf("decode inbound node: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if len(entry) == 0 {
			return nil, fmt.Errorf("empty inbound entry")
		}
		var name string
		if err := json.Unmarshal(entry[0], &name); err != nil {
			return nil, fmt.Errorf("inbound layer name: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

func collectHistory(v any, names *[]string) {
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			collectHistory(item, names)
		}
	case map[string]any:
		if hist, ok := x["keras_history"].([]any); ok && len(hist) > 0 {
			if name, ok := hist[0].(string); ok {
				*names = append(*names, name)
			}
			return
		}
		if cfg, ok := x["config"]; ok {
			collectHistory(cfg, names)
		}
	}
}

// declaredInputShape reads the input shape a layer declares, excluding the
// batch axis.
func declaredInputShape(raw json.RawMessage) ([]int, bool, error) {
	var cfg struct {
		BatchInputShape []*int `json:"batch_input_shape"`
		BatchShape      []*int `json:"batch_shape"`
		InputShape      []*int `json:"input_shape"`
		Shape           []*int `json:"shape"`
		InputDim        *int   `json:"input_dim"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, false, err
		}
	}
	switch {
	case cfg.BatchInputShape != nil:
		return dropBatch(cfg.BatchInputShape)
	case cfg.BatchShape != nil:
		return dropBatch(cfg.BatchShape)
	case cfg.InputShape != nil:
		return fromNullable(cfg.InputShape), true, nil
	case cfg.Shape != nil:
		return fromNullable(cfg.Shape), true, nil
	case cfg.InputDim != nil:
		return []int{*cfg.InputDim}, true, nil
	}
	return nil, false, nil
}

func dropBatch(dims []*int) ([]int, bool, error) {
	if len(dims) == 0 {
		return nil, false, fmt.Errorf("batch shape has no batch axis")
	}
	return fromNullable(dims[1:]), true, nil
}

func fromNullable(dims []*int) []int {
	shape := make([]int, len(dims))
	for i, d := range dims {
		if d == nil {
			shape[i] = -1
		} else {
			shape[i] = *d
		}
	}
	return shape
}

func shapeToJSON(shape []int) []any {
	out := make([]any, len(shape))
	for i, d := range shape {
		if d < 0 {
			out[i] = nil
		} else {
			out[i] = d
		}
	}
	return out
}

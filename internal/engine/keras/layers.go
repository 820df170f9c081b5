package keras

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

// layer is one Keras layer. Shapes passed to build exclude the batch axis;
// tensors passed to call include it. call must not modify its inputs.
type layer interface {
	build(in [][]int) ([]int, error)
	params() []engine.ParamSpec
	setWeights(w []tensor.Tensor) error
	call(in []tensor.Tensor) (tensor.Tensor, error)
}

// stateless is embedded by layers without weights.
type stateless struct{}

func (stateless) params() []engine.ParamSpec { return nil }

func (stateless) setWeights(w []tensor.Tensor) error {
	if len(w) != 0 {
		return fmt.Errorf("%w: layer has no weights", engine.ErrWeightCount)
	}
	return nil
}

func newLayer(name, class string, raw json.RawMessage) (layer, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch class {
	case "InputLayer":
		shape, ok, err := declaredInputShape(raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, invalid("input layer %q has no shape", name)
		}
		return &inputLayer{shape: shape}, nil
	case "Dense":
		var cfg struct {
			Units      int    `json:"units"`
			Activation string `json:"activation"`
			UseBias    *bool  `json:"use_bias"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("dense %q: %v", name, err)
		}
		if cfg.Units <= 0 {
			return nil, invalid("dense %q: units must be positive", name)
		}
		act, err := lookupActivation(cfg.Activation)
		if err != nil {
			return nil, err
		}
		return &dense{name: name, units: cfg.Units, useBias: cfg.UseBias == nil || *cfg.UseBias, act: act}, nil
	case "Activation":
		var cfg struct {
			Activation string `json:"activation"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("activation %q: %v", name, err)
		}
		act, err := lookupActivation(cfg.Activation)
		if err != nil {
			return nil, err
		}
		return &activationLayer{act: act}, nil
	case "LeakyReLU":
		var cfg struct {
			Alpha         *float64 `json:"alpha"`
			NegativeSlope *float64 `json:"negative_slope"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("leaky relu %q: %v", name, err)
		}
		alpha := 0.3
		if cfg.Alpha != nil {
			alpha = *cfg.Alpha
		} else if cfg.NegativeSlope != nil {
			alpha = *cfg.NegativeSlope
		}
		return &activationLayer{act: leakyRelu(alpha)}, nil
	case "Dropout", "SpatialDropout1D", "SpatialDropout2D", "GaussianNoise", "GaussianDropout", "AlphaDropout":
		return &activationLayer{act: identity}, nil
	case "Flatten":
		return &flatten{}, nil
	case "Reshape":
		var cfg struct {
			TargetShape []int `json:"target_shape"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("reshape %q: %v", name, err)
		}
		return &reshape{target: cfg.TargetShape}, nil
	case "Concatenate":
		cfg := struct {
			Axis int `json:"axis"`
		}{Axis: -1}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("concatenate %q: %v", name, err)
		}
		return &concatenate{axis: cfg.Axis}, nil
	case "Add", "Subtract", "Multiply", "Average", "Maximum", "Minimum":
		return newMerge(class), nil
	case "BatchNormalization":
		cfg := struct {
			Axis    json.RawMessage `json:"axis"`
			Epsilon float64         `json:"epsilon"`
			Center  *bool           `json:"center"`
			Scale   *bool           `json:"scale"`
		}{Epsilon: 1e-3}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, invalid("batch normalization %q: %v", name, err)
		}
		axis, err := singleAxis(cfg.Axis)
		if err != nil {
			return nil, invalid("batch normalization %q: %v", name, err)
		}
		return &batchNorm{
			name:    name,
			axis:    axis,
			epsilon: cfg.Epsilon,
			center:  cfg.Center == nil || *cfg.Center,
			scale:   cfg.Scale == nil || *cfg.Scale,
		}, nil
	}
	return nil, invalid("unsupported layer class %q (layer %q)", class, name)
}

func singleAxis(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return -1, nil
	}
	var axis int
	if err := json.Unmarshal(raw, &axis); err == nil {
		return axis, nil
	}
	var axes []int
	if err := json.Unmarshal(raw, &axes); err != nil {
		return 0, err
	}
	if len(axes) != 1 {
		return 0, fmt.Errorf("only a single normalization axis is supported, got %v", axes)
	}
	return axes[0], nil
}

type inputLayer struct {
	stateless
	shape []int
}

func (l *inputLayer) build(in [][]int) ([]int, error) {
	if len(in) != 0 {
		return nil, invalid("input layer cannot have inbound layers")
	}
	return l.shape, nil
}

func (l *inputLayer) call(in []tensor.Tensor) (tensor.Tensor, error) {
	return in[0], nil
}

type dense struct {
	name    string
	units   int
	useBias bool
	act     activation

	inDim  int
	kernel *mat.Dense
	bias   []float64
}

func (l *dense) build(in [][]int) ([]int, error) {
	if len(in) != 1 || len(in[0]) == 0 {
		return nil, invalid("dense %q needs one input of rank >= 1", l.name)
	}
	shape := in[0]
	l.inDim = shape[len(shape)-1]
	out := append([]int(nil), shape[:len(shape)-1]...)
	return append(out, l.units), nil
}

func (l *dense) params() []engine.ParamSpec {
	specs := []engine.ParamSpec{{Name: l.name + "/kernel", Shape: []int{l.inDim, l.units}}}
	if l.useBias {
		specs = append(specs, engine.ParamSpec{Name: l.name + "/bias", Shape: []int{l.units}})
	}
	return specs
}

func (l *dense) setWeights(w []tensor.Tensor) error {
	k := w[0]
	if len(k.Shape) != 2 || k.Shape[0] == 0 || k.Shape[1] != l.units {
		return fmt.Errorf("%w: dense %q kernel %v", engine.ErrWeightShape, l.name, k.Shape)
	}
	l.kernel = mat.NewDense(k.Shape[0], k.Shape[1], k.Data)
	if l.useBias {
		l.bias = w[1].Data
	}
	return nil
}

// call multiplies every row along the last axis by the kernel.
func (l *dense) call(in []tensor.Tensor) (tensor.Tensor, error) {
	x := in[0]
	rows, _ := l.kernel.Dims()
	last := x.Shape[len(x.Shape)-1]
	if last != rows {
		return tensor.Tensor{}, fmt.Errorf("%w: dense %q expects last axis %d, got %d",
			engine.ErrInputShape, l.name, rows, last)
	}
	n := len(x.Data) / rows
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), l.units)
	out := tensor.Zeros(shape...)
	if n == 0 {
		return out, nil
	}

	product := mat.NewDense(n, l.units, out.Data)
	product.Mul(mat.NewDense(n, rows, x.Data), l.kernel)
	if l.useBias {
		for r := 0; r < n; r++ {
			floats.Add(product.RawRowView(r), l.bias)
		}
	}
	return l.act(out), nil
}

type activationLayer struct {
	stateless
	act activation
}

func (l *activationLayer) build(in [][]int) ([]int, error) {
	if len(in) != 1 {
		return nil, invalid("activation layers take exactly one input")
	}
	return in[0], nil
}

func (l *activationLayer) call(in []tensor.Tensor) (tensor.Tensor, error) {
	return l.act(in[0].Clone()), nil
}

type flatten struct{ stateless }

func (l *flatten) build(in [][]int) ([]int, error) {
	if len(in) != 1 {
		return nil, invalid("flatten takes exactly one input")
	}
	n := 1
	for _, d := range in[0] {
		if d < 0 {
			return []int{-1}, nil
		}
		n *= d
	}
	return []int{n}, nil
}

func (l *flatten) call(in []tensor.Tensor) (tensor.Tensor, error) {
	x := in[0]
	batch := x.Shape[0]
	if batch == 0 {
		return tensor.Tensor{Shape: []int{0, 0}}, nil
	}
	return tensor.Tensor{Shape: []int{batch, len(x.Data) / batch}, Data: x.Data}, nil
}

type reshape struct {
	stateless
	target []int
}

func (l *reshape) build(in [][]int) ([]int, error) {
	if len(in) != 1 {
		return nil, invalid("reshape takes exactly one input")
	}
	return resolveShape(l.target, in[0])
}

func (l *reshape) call(in []tensor.Tensor) (tensor.Tensor, error) {
	x := in[0]
	shape, err := resolveShape(l.target, x.Shape[1:])
	if err != nil {
		return tensor.Tensor{}, err
	}
	return x.Reshape(append([]int{x.Shape[0]}, shape...)...)
}

// resolveShape fills the single -1 entry of target from the element count
// of in. Unknown input sizes leave it unresolved.
func resolveShape(target, in []int) ([]int, error) {
	total := 1
	for _, d := range in {
		if d < 0 {
			return append([]int(nil), target...), nil
		}
		total *= d
	}
	out := append([]int(nil), target...)
	known, free := 1, -1
	for i, d := range out {
		if d < 0 {
			if free >= 0 {
				return nil, invalid("reshape target %v has more than one unknown axis", target)
			}
			free = i
			continue
		}
		known *= d
	}
	if free >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v into %v", engine.ErrInputShape, in, target)
		}
		out[free] = total / known
	} else if known != total {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", engine.ErrInputShape, in, target)
	}
	return out, nil
}

type concatenate struct {
	stateless
	axis int
}

// axisFor converts the configured axis (counted with the batch axis) into
// an index into a shape of the given full rank.
func (l *concatenate) axisFor(rank int) (int, error) {
	axis := l.axis
	if axis < 0 {
		axis += rank
	}
	if axis <= 0 || axis >= rank {
		return 0, invalid("concatenate axis %d out of range for rank %d", l.axis, rank)
	}
	return axis, nil
}

func (l *concatenate) build(in [][]int) ([]int, error) {
	if len(in) < 2 {
		return nil, invalid("concatenate needs at least two inputs")
	}
	axis, err := l.axisFor(len(in[0]) + 1)
	if err != nil {
		return nil, err
	}
	axis--
	out := append([]int(nil), in[0]...)
	for _, shape := range in[1:] {
		if len(shape) != len(out) {
			return nil, invalid("concatenate inputs have different ranks")
		}
		if out[axis] >= 0 && shape[axis] >= 0 {
			out[axis] += shape[axis]
		} else {
			out[axis] = -1
		}
	}
	return out, nil
}

func (l *concatenate) call(in []tensor.Tensor) (tensor.Tensor, error) {
	rank := len(in[0].Shape)
	axis, err := l.axisFor(rank)
	if err != nil {
		return tensor.Tensor{}, err
	}
	outer := tensor.Size(in[0].Shape[:axis])
	shape := append([]int(nil), in[0].Shape...)
	shape[axis] = 0
	chunks := make([]int, len(in))
	for i, t := range in {
		if len(t.Shape) != rank {
			return tensor.Tensor{}, fmt.Errorf("%w: concatenate inputs have different ranks", engine.ErrInputShape)
		}
		for j := range t.Shape {
			if j != axis && t.Shape[j] != in[0].Shape[j] {
				return tensor.Tensor{}, fmt.Errorf("%w: concatenate inputs %v and %v",
					engine.ErrInputShape, in[0].Shape, t.Shape)
			}
		}
		shape[axis] += t.Shape[axis]
		chunks[i] = tensor.Size(t.Shape[axis:])
	}
	data := make([]float64, 0, tensor.Size(shape))
	for o := 0; o < outer; o++ {
		for i, t := range in {
			data = append(data, t.Data[o*chunks[i]:(o+1)*chunks[i]]...)
		}
	}
	return tensor.Tensor{Shape: shape, Data: data}, nil
}

type merge struct {
	stateless
	class string
	// op folds src into dst element by element.
	op func(dst, src []float64)
}

func newMerge(class string) *merge {
	m := &merge{class: class}
	switch class {
	case "Add", "Average":
		m.op = floats.Add
	case "Subtract":
		m.op = floats.Sub
	case "Multiply":
		m.op = floats.Mul
	case "Maximum":
		m.op = elementwiseOp(math.Max)
	case "Minimum":
		m.op = elementwiseOp(math.Min)
	}
	return m
}

func elementwiseOp(f func(a, b float64) float64) func(dst, src []float64) {
	return func(dst, src []float64) {
		for i, v := range src {
			dst[i] = f(dst[i], v)
		}
	}
}

func (l *merge) build(in [][]int) ([]int, error) {
	if len(in) < 2 {
		return nil, invalid("%s needs at least two inputs", l.class)
	}
	if l.class == "Subtract" && len(in) != 2 {
		return nil, invalid("Subtract needs exactly two inputs")
	}
	for _, shape := range in[1:] {
		if len(shape) != len(in[0]) {
			return nil, invalid("%s inputs have different ranks", l.class)
		}
	}
	return in[0], nil
}

func (l *merge) call(in []tensor.Tensor) (tensor.Tensor, error) {
	out := in[0].Clone()
	for _, t := range in[1:] {
		if len(t.Data) != len(out.Data) || !tensor.Compatible(out.Shape, t.Shape) {
			return tensor.Tensor{}, fmt.Errorf("%w: %s inputs %v and %v",
				engine.ErrInputShape, l.class, out.Shape, t.Shape)
		}
		l.op(out.Data, t.Data)
	}
	if l.class == "Average" {
		floats.Scale(1/float64(len(in)), out.Data)
	}
	return out, nil
}

type batchNorm struct {
	name    string
	axis    int
	epsilon float64
	center  bool
	scale   bool

	channels int
	// Inference folds the four weight vectors into y = x*factor + shift.
	factor []float64
	shift  []float64
}

func (l *batchNorm) build(in [][]int) ([]int, error) {
	if len(in) != 1 || len(in[0]) == 0 {
		return nil, invalid("batch normalization %q needs one input of rank >= 1", l.name)
	}
	shape := in[0]
	if l.axis != -1 && l.axis != len(shape) {
		return nil, invalid("batch normalization %q: only the last axis is supported", l.name)
	}
	l.channels = shape[len(shape)-1]
	return shape, nil
}

func (l *batchNorm) params() []engine.ParamSpec {
	c := []int{l.channels}
	var specs []engine.ParamSpec
	if l.scale {
		specs = append(specs, engine.ParamSpec{Name: l.name + "/gamma", Shape: c})
	}
	if l.center {
		specs = append(specs, engine.ParamSpec{Name: l.name + "/beta", Shape: c})
	}
	return append(specs,
		engine.ParamSpec{Name: l.name + "/moving_mean", Shape: c},
		engine.ParamSpec{Name: l.name + "/moving_variance", Shape: c},
	)
}

func (l *batchNorm) setWeights(w []tensor.Tensor) error {
	n := len(w[len(w)-1].Data)
	for _, t := range w {
		if len(t.Data) != n {
			return fmt.Errorf("%w: batch normalization %q weights differ in length", engine.ErrWeightShape, l.name)
		}
	}
	gamma := make([]float64, n)
	for i := range gamma {
		gamma[i] = 1
	}
	beta := make([]float64, n)
	i := 0
	if l.scale {
		copy(gamma, w[i].Data)
		i++
	}
	if l.center {
		copy(beta, w[i].Data)
		i++
	}
	mean, variance := w[i].Data, w[i+1].Data

	// factor = gamma / sqrt(variance + epsilon), shift = beta - mean*factor
	l.factor = make([]float64, n)
	for c, v := range variance {
		l.factor[c] = 1 / math.Sqrt(v+l.epsilon)
	}
	floats.Mul(l.factor, gamma)
	l.shift = make([]float64, n)
	floats.MulTo(l.shift, mean, l.factor)
	floats.SubTo(l.shift, beta, l.shift)
	return nil
}

func (l *batchNorm) call(in []tensor.Tensor) (tensor.Tensor, error) {
	x := in[0]
	c := len(l.factor)
	if x.Shape[len(x.Shape)-1] != c {
		return tensor.Tensor{}, fmt.Errorf("%w: batch normalization %q expects %d channels, got %d",
			engine.ErrInputShape, l.name, c, x.Shape[len(x.Shape)-1])
	}
	out := x.Clone()
	if c == 0 {
		return out, nil
	}
	for start := 0; start < len(out.Data); start += c {
		row := out.Data[start : start+c]
		floats.Mul(row, l.factor)
		floats.Add(row, l.shift)
	}
	return out, nil
}

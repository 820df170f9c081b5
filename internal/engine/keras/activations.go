package keras

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

type activation func(t tensor.Tensor) tensor.Tensor

const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

func elementwise(f func(float64) float64) activation {
	return func(t tensor.Tensor) tensor.Tensor {
		for i, v := range t.Data {
			t.Data[i] = f(v)
		}
		return t
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func elu(x float64) float64 {
	if x > 0 {
		return x
	}
	return math.Expm1(x)
}

// softmax normalises over the last axis.
func softmax(t tensor.Tensor) tensor.Tensor {
	if len(t.Shape) == 0 || len(t.Data) == 0 {
		return t
	}
	n := t.Shape[len(t.Shape)-1]
	if n == 0 {
		return t
	}
	for start := 0; start < len(t.Data); start += n {
		row := t.Data[start : start+n]
		floats.AddConst(-floats.Max(row), row)
		for i, v := range row {
			row[i] = math.Exp(v)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return t
}

var activations = map[string]activation{
	"linear":       identity,
	"relu":         elementwise(relu),
	"sigmoid":      elementwise(sigmoid),
	"hard_sigmoid": elementwise(hardSigmoid),
	"tanh":         elementwise(math.Tanh),
	"softmax":      softmax,
	"softplus":     elementwise(softplus),
	"softsign":     elementwise(softsign),
	"elu":          elementwise(elu),
	"selu":         elementwise(selu),
	"exponential":  elementwise(math.Exp),
	"swish":        elementwise(swish),
	"silu":         elementwise(swish),
	"gelu":         elementwise(gelu),
}

func identity(t tensor.Tensor) tensor.Tensor { return t }

func relu(x float64) float64 { return math.Max(0, x) }

func hardSigmoid(x float64) float64 { return math.Min(1, math.Max(0, 0.2*x+0.5)) }

func softsign(x float64) float64 { return x / (1 + math.Abs(x)) }

func swish(x float64) float64 { return x * sigmoid(x) }

func gelu(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) }

func selu(x float64) float64 {
	if x > 0 {
		return seluScale * x
	}
	return seluScale * seluAlpha * math.Expm1(x)
}

func lookupActivation(name string) (activation, error) {
	if name == "" || name == "None" {
		name = "linear"
	}
	act, ok := activations[name]
	if !ok {
		return nil, invalid("unknown activation %q", name)
	}
	return act, nil
}

func leakyRelu(alpha float64) activation {
	return elementwise(func(x float64) float64 {
		if x < 0 {
			return alpha * x
		}
		return x
	})
}

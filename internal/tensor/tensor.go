// Package tensor holds the dense float64 arrays that flow between the
// transports, the model session and the inference engines.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrEmpty         = errors.New("tensor has no elements")
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Tensor is a row-major N-dimensional array. A scalar has an empty shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

func New(shape []int, data []float64) (Tensor, error) {
	if Size(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v holds %d values, got %d",
			ErrShapeMismatch, shape, Size(shape), len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func Zeros(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, Size(shape))}
}

// Size is the number of elements a shape holds.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t Tensor) Len() int { return len(t.Data) }

func (t Tensor) Rank() int { return len(t.Shape) }

// Batch wraps t as a batch holding a single item.
func (t Tensor) Batch() Tensor {
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, 1)
	shape = append(shape, t.Shape...)
	return Tensor{Shape: shape, Data: t.Data}
}

// First returns the first scalar component.
func (t Tensor) First() (float64, error) {
	if len(t.Data) == 0 {
		return 0, ErrEmpty
	}
	return t.Data[0], nil
}

func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	return New(shape, t.Data)
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Finite reports whether every element is neither NaN nor infinite.
func (t Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Compatible reports whether shape matches want, where a negative entry in
// want accepts any size along that axis.
func Compatible(want, shape []int) bool {
	if len(want) != len(shape) {
		return false
	}
	for i, d := range want {
		if d >= 0 && d != shape[i] {
			return false
		}
	}
	return true
}

// FormatShape renders a shape the way Keras prints it, with None for
// unknown axes.
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			parts[i] = "None"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

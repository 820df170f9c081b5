package tensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrRagged    = errors.New("nested arrays have inconsistent lengths")
	ErrNotNumber = errors.New("array element is not numeric")
)

// FromJSON coerces an arbitrarily nested JSON array of numbers (or a bare
// number) into a Tensor. Booleans are accepted as 0 and 1.
func FromJSON(raw json.RawMessage) (Tensor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Tensor{}, fmt.Errorf("failed to decode array: %w", err)
	}
	return FromValue(v)
}

// FromValue coerces a value produced by encoding/json into a Tensor.
func FromValue(v any) (Tensor, error) {
	shape, err := inferShape(v)
	if err != nil {
		return Tensor{}, err
	}
	data := make([]float64, 0, Size(shape))
	data, err = flatten(v, shape, data)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: shape, Data: data}, nil
}

func inferShape(v any) ([]int, error) {
	var shape []int
	for {
		arr, ok := v.([]any)
		if !ok {
			return shape, nil
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			return shape, nil
		}
		v = arr[0]
	}
}

func flatten(v any, shape []int, out []float64) ([]float64, error) {
	if len(shape) == 0 {
		f, err := scalar(v)
		if err != nil {
			return nil, err
		}
		return append(out, f), nil
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != shape[0] {
		return nil, ErrRagged
	}
	var err error
	for _, item := range arr {
		if out, err = flatten(item, shape[1:], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scalar(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrNotNumber, n)
		}
		return f, nil
	case float64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case []any:
		return 0, ErrRagged
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumber, v)
	}
}

// MarshalJSON renders the tensor as nested arrays.
func (t Tensor) MarshalJSON() ([]byte, error) {
	if len(t.Shape) == 0 {
		if len(t.Data) == 0 {
			return []byte("null"), nil
		}
		return json.Marshal(t.Data[0])
	}
	var buf bytes.Buffer
	pos := 0
	if err := writeNested(&buf, t.Shape, t.Data, &pos); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNested(buf *bytes.Buffer, shape []int, data []float64, pos *int) error {
	buf.WriteByte('[')
	for i := 0; i < shape[0]; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(shape) == 1 {
			b, err := json.Marshal(data[*pos])
			if err != nil {
				return err
			}
			buf.Write(b)
			*pos++
			continue
		}
		if err := writeNested(buf, shape[1:], data, pos); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// UnmarshalJSON accepts the same nested-array form FromJSON does.
func (t *Tensor) UnmarshalJSON(raw []byte) error {
	parsed, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

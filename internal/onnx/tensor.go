package onnx

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

var errNilTensor = errors.New("onnx: nil tensor")

// Tensor is a dense row-major tensor holding either float32 or int64
// elements. Exactly one of f32 and i64 is set.
type Tensor struct {
	shape []int64
	f32   []float32
	i64   []int64
}

// NewTensor copies data into a tensor of the given shape.
func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if count != len(data) {
		return nil, fmt.Errorf("shape %v expects %d elements, got %d", shape, count, len(data))
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}
	var zero T
	switch any(zero).(type) {
	case float32:
		t.f32 = convert[T, float32](data)
	case int64:
		t.i64 = convert[T, int64](data)
	default:
		return nil, fmt.Errorf("unsupported tensor element type %T", zero)
	}
	return t, nil
}

func convert[T ~int64 | ~float32, U int64 | float32](in []T) []U {
	out := make([]U, len(in))
	for i, v := range in {
		out[i] = U(v)
	}
	return out
}

// NewZeroTensor allocates a zero-filled tensor from manifest metadata.
// Symbolic dimensions resolve to 1.
func NewZeroTensor(dtype string, shape []any) (*Tensor, error) {
	kind, err := canonicalDType(dtype)
	if err != nil {
		return nil, err
	}
	dims, err := resolveShape(shape)
	if err != nil {
		return nil, err
	}
	count, err := elementCount(dims)
	if err != nil {
		return nil, err
	}

	t := &Tensor{shape: dims}
	if kind == DTypeFloat32 {
		t.f32 = make([]float32, count)
	} else {
		t.i64 = make([]int64, count)
	}
	return t, nil
}

func (t *Tensor) DType() TensorDType {
	if t.i64 != nil {
		return DTypeInt64
	}
	return DTypeFloat32
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the backing slice as []float32 or []int64.
func (t *Tensor) Data() any {
	if t.i64 != nil {
		return append([]int64(nil), t.i64...)
	}
	return append([]float32(nil), t.f32...)
}

// float32s exposes the backing slice without copying. Callers must not
// modify it.
func (t *Tensor) float32s() ([]float32, error) {
	if t == nil {
		return nil, errNilTensor
	}
	if t.i64 != nil {
		return nil, fmt.Errorf("expected float32 tensor, got %s", DTypeInt64)
	}
	return t.f32, nil
}

func (t *Tensor) int64s() ([]int64, error) {
	if t == nil {
		return nil, errNilTensor
	}
	if t.i64 == nil {
		return nil, fmt.Errorf("expected int64 tensor, got %s", DTypeFloat32)
	}
	return t.i64, nil
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	data, err := t.float32s()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data...), nil
}

func ExtractInt64(t *Tensor) ([]int64, error) {
	data, err := t.int64s()
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), data...), nil
}

// TailAlong keeps the last n entries of axis, e.g. the newest positions of a
// [2, B, H, T, D] key/value tensor or the last step of [B, T, V] logits.
func TailAlong(t *Tensor, axis int, n int64) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("TailAlong: axis %d out of range for %dD tensor", axis, len(t.shape))
	}
	size := t.shape[axis]
	if n < 1 || n > size {
		return nil, fmt.Errorf("TailAlong: cannot keep %d of %d entries on axis %d", n, size, axis)
	}
	if n == size {
		return t, nil
	}

	inner := int64(1)
	for _, d := range t.shape[axis+1:] {
		inner *= d
	}

	out := &Tensor{shape: t.Shape()}
	out.shape[axis] = n
	if t.i64 != nil {
		out.i64 = keepTail(t.i64, size*inner, (size-n)*inner)
	} else {
		out.f32 = keepTail(t.f32, size*inner, (size-n)*inner)
	}
	return out, nil
}

// keepTail drops the first skip elements of every stride-long block.
func keepTail[T any](data []T, stride, skip int64) []T {
	blocks := int64(len(data)) / stride
	out := make([]T, 0, blocks*(stride-skip))
	for b := range blocks {
		out = append(out, data[b*stride+skip:(b+1)*stride]...)
	}
	return out
}

func canonicalDType(raw string) (TensorDType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(strings.TrimPrefix(name, "tensor("), ")")
	switch name {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

// resolveShape turns manifest dimensions (JSON numbers or symbolic names)
// into a concrete shape.
func resolveShape(shape []any) ([]int64, error) {
	dims := make([]int64, len(shape))
	for i, dim := range shape {
		switch v := dim.(type) {
		case float64:
			if v < 1 || v != math.Trunc(v) {
				return nil, fmt.Errorf("shape[%d]=%v is not a positive integer", i, v)
			}
			dims[i] = int64(v)
		case int:
			if v < 1 {
				return nil, fmt.Errorf("shape[%d]=%d is not positive", i, v)
			}
			dims[i] = int64(v)
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("shape[%d] has empty symbolic dimension", i)
			}
			dims[i] = 1
		default:
			return nil, fmt.Errorf("shape[%d] has unsupported type %T", i, dim)
		}
	}
	return dims, nil
}

// staticDim returns the last manifest dimension when it is a fixed number.
func staticDim(shape []any) int {
	if len(shape) == 0 {
		return 0
	}
	if v, ok := shape[len(shape)-1].(float64); ok && v >= 1 && v == math.Trunc(v) {
		return int(v)
	}
	return 0
}

func elementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}

package safetensors

import "fmt"

// Tensor is a named tensor. Exactly one of F32 and I64 is populated,
// according to DType.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	F32   []float32
	I64   []int64
}

// NewF32 builds a float32 tensor.
func NewF32(name string, shape []int64, data []float32) Tensor {
	return Tensor{Name: name, DType: DTypeF32, Shape: append([]int64(nil), shape...), F32: data}
}

// NewI64 builds an int64 tensor.
func NewI64(name string, shape []int64, data []int64) Tensor {
	return Tensor{Name: name, DType: DTypeI64, Shape: append([]int64(nil), shape...), I64: data}
}

// Len is the number of stored elements.
func (t Tensor) Len() int {
	if t.DType == DTypeI64 {
		return len(t.I64)
	}
	return len(t.F32)
}

// Rows splits a rank-2 int64 tensor into its rows.
func (t Tensor) Rows() ([][]int64, error) {
	if t.DType != DTypeI64 {
		return nil, fmt.Errorf("safetensors: tensor %q is %s, want %s", t.Name, t.DType, DTypeI64)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("safetensors: tensor %q has shape %v, want 2D", t.Name, t.Shape)
	}

	rows, cols := int(t.Shape[0]), int(t.Shape[1])
	out := make([][]int64, rows)
	for r := range rows {
		out[r] = append([]int64(nil), t.I64[r*cols:(r+1)*cols]...)
	}
	return out, nil
}

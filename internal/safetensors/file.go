// Package safetensors reads and writes the safetensors container: an 8-byte
// little-endian header length, a JSON header and a flat data section.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI64  = "I64"
	DTypeI32  = "I32"

	metadataKey = "__metadata__"
)

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// File is a parsed safetensors payload. Tensors are decoded on demand.
type File struct {
	data     []byte // data section only
	entries  map[string]headerEntry
	metadata map[string]string
}

// ReadFile parses the safetensors file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates the header of data and indexes its tensors.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	f := &File{data: data[8+n:], entries: make(map[string]headerEntry, len(header))}
	for name, raw := range header {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &f.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
		}
		e.DType = strings.ToUpper(e.DType)
		if err := f.checkEntry(name, e); err != nil {
			return nil, err
		}
		f.entries[name] = e
	}

	if len(f.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}
	return f, nil
}

func (f *File) checkEntry(name string, e headerEntry) error {
	size := elemSize(e.DType)
	if size == 0 {
		return fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, e.DType)
	}

	start, end := e.Offsets[0], e.Offsets[1]
	if start < 0 || end < start || end > len(f.data) {
		return fmt.Errorf("safetensors: tensor %q offsets %v outside data section of %d bytes",
			name, e.Offsets, len(f.data))
	}

	count, err := shapeElementCount(e.Shape)
	if err != nil {
		return fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	if want := count * int64(size); int64(end-start) != want {
		return fmt.Errorf("safetensors: tensor %q spans %d bytes, shape %v needs %d",
			name, end-start, e.Shape, want)
	}
	return nil
}

// Names lists the tensor names in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.entries))
}

func (f *File) Has(name string) bool {
	_, ok := f.entries[name]
	return ok
}

// Metadata returns a copy of the __metadata__ string map.
func (f *File) Metadata() map[string]string {
	out := make(map[string]string, len(f.metadata))
	maps.Copy(out, f.metadata)
	return out
}

// Tensor decodes name. Float types widen to F32, integer types to I64.
func (f *File) Tensor(name string) (Tensor, error) {
	e, ok := f.entries[name]
	if !ok {
		return Tensor{}, fmt.Errorf("safetensors: tensor %q not found (have %s)", name, strings.Join(f.Names(), ", "))
	}

	raw := f.data[e.Offsets[0]:e.Offsets[1]]
	n := len(raw) / elemSize(e.DType)
	t := Tensor{Name: name, Shape: slices.Clone(e.Shape)}

	switch e.DType {
	case DTypeI64:
		t.DType, t.I64 = DTypeI64, make([]int64, n)
		for i := range t.I64 {
			t.I64[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case DTypeI32:
		t.DType, t.I64 = DTypeI64, make([]int64, n)
		for i := range t.I64 {
			t.I64[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		t.DType, t.F32 = DTypeF32, decodeFloats(raw, e.DType, n)
	}
	return t, nil
}

// decodeFloats widens F32, F16 or BF16 little-endian data.
func decodeFloats(raw []byte, dtype string, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		switch dtype {
		case DTypeF32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case DTypeF16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		case DTypeBF16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return out
}

// elemSize is the byte width of dtype, or 0 when unsupported.
func elemSize(dtype string) int {
	switch dtype {
	case DTypeI64:
		return 8
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)
	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension %d", d)
		case d == 0:
			return 0, nil
		case total > math.MaxInt64/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		total *= d
	}
	return total, nil
}

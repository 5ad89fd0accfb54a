package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

// headerAlign pads the JSON header so that tensor data starts on an 8-byte
// boundary.
const headerAlign = 8

// Encode returns the safetensors bytes for tensors and metadata.
func Encode(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, tensors, metadata); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes F32 and I64 tensors, sorted by name, plus optional
// string metadata.
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	if len(tensors) == 0 {
		return errors.New("safetensors: no tensors to encode")
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int
	for i, t := range sorted {
		if err := checkWritable(t); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Name == t.Name {
			return fmt.Errorf("safetensors: duplicate tensor name %q", t.Name)
		}

		size := t.Len() * elemSize(t.DType)
		header[t.Name] = headerEntry{DType: t.DType, Shape: t.Shape, Offsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	if pad := len(headerJSON) % headerAlign; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, headerAlign-pad)...)
	}

	out := make([]byte, 0, 8+len(headerJSON)+offset)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	for _, t := range sorted {
		switch t.DType {
		case DTypeF32:
			for _, v := range t.F32 {
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
			}
		case DTypeI64:
			for _, v := range t.I64 {
				out = binary.LittleEndian.AppendUint64(out, uint64(v))
			}
		}
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("safetensors: write: %w", err)
	}
	return nil
}

func checkWritable(t Tensor) error {
	if strings.TrimSpace(t.Name) == "" || t.Name == metadataKey {
		return fmt.Errorf("safetensors: invalid tensor name %q", t.Name)
	}
	if t.DType != DTypeF32 && t.DType != DTypeI64 {
		return fmt.Errorf("safetensors: tensor %q: cannot encode dtype %q", t.Name, t.DType)
	}

	count, err := shapeElementCount(t.Shape)
	if err != nil {
		return fmt.Errorf("safetensors: tensor %q: %w", t.Name, err)
	}
	if int64(t.Len()) != count {
		return fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d",
			t.Name, t.Shape, count, t.Len())
	}
	return nil
}

// Package codec maps discrete audio codec codes to and from the token id
// space of the stage-1 language model.
package codec

import (
	"context"
	"errors"
	"fmt"
)

// XCodec constants for the 16 kHz semantic codec used by stage 1.
const (
	XCodecGlobalOffset = 45334
	XCodecCodebookSize = 1024
	XCodecCodebooks    = 12
	XCodecFPS          = 50
	XCodecSampleRate   = 16000

	// TargetBandwidth selects the number of residual codebooks the encoder
	// emits; 0.5 kbps yields a single codebook.
	TargetBandwidth = 0.5
)

var ErrCodeRange = errors.New("codec code out of range")

// Encoder turns mono PCM at XCodecSampleRate into codebook-major codes
// ([codebooks][frames]).
type Encoder interface {
	Encode(ctx context.Context, pcm []float32, targetBandwidth float64) ([][]int64, error)
}

// Manipulator converts between codec codes and model token ids for a
// contiguous range of codebooks.
type Manipulator struct {
	GlobalOffset   int64
	CodebookSize   int64
	NumCodebooks   int
	QuantizerBegin int
	NumQuantizers  int
	SepIDs         []int64
	FPS            int
}

// NewXCodec returns the manipulator stage 1 uses: only the first codebook,
// separator id 32016.
func NewXCodec() Manipulator {
	return Manipulator{
		GlobalOffset:   XCodecGlobalOffset,
		CodebookSize:   XCodecCodebookSize,
		NumCodebooks:   XCodecCodebooks,
		QuantizerBegin: 0,
		NumQuantizers:  1,
		SepIDs:         []int64{32016},
		FPS:            XCodecFPS,
	}
}

// NPYToIDs selects the manipulator's codebooks from codes, shifts each
// codebook into its id range and flattens frame-major.
func (m Manipulator) NPYToIDs(codes [][]int64) ([]int64, error) {
	end := m.QuantizerBegin + m.NumQuantizers
	if len(codes) < end {
		return nil, fmt.Errorf("codec: need %d codebooks, got %d", end, len(codes))
	}

	selected := codes[m.QuantizerBegin:end]
	frames := len(selected[0])
	for k, row := range selected {
		if len(row) != frames {
			return nil, fmt.Errorf("codec: codebook %d has %d frames, want %d", k, len(row), frames)
		}
	}

	ids := make([]int64, 0, frames*m.NumQuantizers)
	for t := range frames {
		for k, row := range selected {
			code := row[t]
			if code < 0 || code >= m.CodebookSize {
				return nil, fmt.Errorf("%w: %d at codebook %d frame %d", ErrCodeRange, code, k, t)
			}
			ids = append(ids, code+m.offset(k))
		}
	}

	return ids, nil
}

// IDsToNPY is the inverse of NPYToIDs. len(ids) must be a multiple of the
// quantizer count.
func (m Manipulator) IDsToNPY(ids []int64) ([][]int64, error) {
	n := m.NumQuantizers
	if len(ids)%n != 0 {
		return nil, fmt.Errorf("codec: %d ids not divisible by %d quantizers", len(ids), n)
	}

	frames := len(ids) / n
	codes := make([][]int64, n)
	for k := range codes {
		codes[k] = make([]int64, frames)
	}
	for i, id := range ids {
		k := i % n
		code := id - m.offset(k)
		if code < 0 || code >= m.CodebookSize {
			return nil, fmt.Errorf("%w: id %d at position %d", ErrCodeRange, id, i)
		}
		codes[k][i/n] = code
	}

	return codes, nil
}

// TrimSeparator drops a leading separator id if present.
func (m Manipulator) TrimSeparator(ids []int64) []int64 {
	if len(ids) > 0 && len(m.SepIDs) > 0 && ids[0] == m.SepIDs[0] {
		return ids[1:]
	}
	return ids
}

func (m Manipulator) offset(k int) int64 {
	return m.GlobalOffset + int64(m.QuantizerBegin+k)*m.CodebookSize
}

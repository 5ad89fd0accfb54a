package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// ErrFormatMismatch is returned when a decoded stream has a layout the
// loader cannot handle.
var ErrFormatMismatch = errors.New("audio format mismatch")

// PCM is interleaved float32 audio in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (p PCM) Frames() int {
	if p.Channels < 1 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// DecodeWAV decodes PCM WAV bytes of any rate and channel count.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, errors.New("invalid WAV file")
	}

	if dec.NumChans < 1 {
		return PCM{}, fmt.Errorf("%w: channels %d", ErrFormatMismatch, dec.NumChans)
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return PCM{}, fmt.Errorf("%w: bit depth %d", ErrFormatMismatch, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return PCM{
		Samples:    buf.Data,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

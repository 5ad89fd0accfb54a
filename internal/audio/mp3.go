package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes MP3 bytes. go-mp3 always yields 16-bit little-endian
// stereo at the stream's sample rate.
func DecodeMP3(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, errors.New("empty MP3 input")
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("mp3: couldn't create decoder: %w", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return PCM{}, fmt.Errorf("mp3: couldn't read samples: %w", err)
	}

	const channels = 2
	n := len(raw) / 2
	n -= n % channels
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float32(v) / 32768
	}

	return PCM{
		Samples:    samples,
		SampleRate: decoder.SampleRate(),
		Channels:   channels,
	}, nil
}

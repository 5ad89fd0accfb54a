package audio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadMono reads a WAV or MP3 file, averages its channels and resamples it
// to sampleRate.
func LoadMono(path string, sampleRate int) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio %q: %w", path, err)
	}

	pcm, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decode audio %q: %w", path, err)
	}

	mono := Downmix(pcm)
	return Resample(mono, pcm.SampleRate, sampleRate)
}

// Decode picks a decoder from the RIFF magic, falling back to ext.
func Decode(data []byte, ext string) (PCM, error) {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return DecodeWAV(data)
	case strings.EqualFold(ext, ".mp3"), bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return DecodeMP3(data)
	default:
		return PCM{}, fmt.Errorf("%w: unsupported container %q", ErrFormatMismatch, ext)
	}
}

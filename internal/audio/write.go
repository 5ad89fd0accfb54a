package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// WriteWAV stores p at path as 16-bit PCM. The file appears only once it is
// complete.
func WriteWAV(path string, p PCM) error {
	if p.SampleRate < 1 || p.Channels < 1 {
		return fmt.Errorf("%w: %d Hz, %d channels", ErrFormatMismatch, p.SampleRate, p.Channels)
	}
	if len(p.Samples)%p.Channels != 0 {
		return fmt.Errorf("%w: %d samples over %d channels", ErrFormatMismatch, len(p.Samples), p.Channels)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".wav-*.tmp")
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	tmp := f.Name()

	enc := wav.NewEncoder(f, p.SampleRate, wavBitDepth, p.Channels, wavFormatPCM)
	werr := enc.Write(&goaudio.Float32Buffer{
		Data:           p.Samples,
		Format:         &goaudio.Format{SampleRate: p.SampleRate, NumChannels: p.Channels},
		SourceBitDepth: wavBitDepth,
	})
	if werr == nil {
		werr = enc.Close()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write wav %s: %w", path, werr)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write wav %s: %w", path, err)
	}
	return nil
}

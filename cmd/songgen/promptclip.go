package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/audio"
	"github.com/example/go-songgen/internal/codec"
)

func newPromptClipCmd() *cobra.Command {
	var (
		in, out    string
		start, end float64
	)

	cmd := &cobra.Command{
		Use:   "prompt-clip",
		Short: "Write a reference prompt as the codec encoder sees it (mono, 16 kHz, trimmed)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in == "" || out == "" {
				return errors.New("--in and --out are required")
			}

			pcm, err := audio.LoadMono(in, codec.XCodecSampleRate)
			if err != nil {
				return err
			}

			clip, err := trimSeconds(pcm, start, end, codec.XCodecSampleRate)
			if err != nil {
				return err
			}

			err = audio.WriteWAV(out, audio.PCM{Samples: clip, SampleRate: codec.XCodecSampleRate, Channels: 1})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%.2fs, %d codec frames)\n",
				out, float64(len(clip))/codec.XCodecSampleRate,
				len(clip)*codec.XCodecFPS/codec.XCodecSampleRate)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&in, "in", "", "Reference audio (wav or mp3)")
	fl.StringVar(&out, "out", "", "Output WAV path")
	fl.Float64Var(&start, "start", 0, "Clip start in seconds")
	fl.Float64Var(&end, "end", 0, "Clip end in seconds (0 = until the end)")

	return cmd
}

// trimSeconds returns samples[start*rate : end*rate], clamped to the input.
func trimSeconds(samples []float32, start, end float64, rate int) ([]float32, error) {
	if start < 0 || end < 0 {
		return nil, errors.New("--start and --end must not be negative")
	}

	lo := min(int(start*float64(rate)), len(samples))
	hi := len(samples)
	if end > 0 {
		hi = min(int(end*float64(rate)), len(samples))
	}
	if hi <= lo {
		return nil, fmt.Errorf("time range %.2fs-%.2fs selects no audio", start, end)
	}
	return samples[lo:hi], nil
}

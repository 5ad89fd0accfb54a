// Package bench times repeated stage-1 runs and reports latency and
// realtime factor.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RunResult is one timed generation.
type RunResult struct {
	Index         int
	Cold          bool // first run; includes graph warm-up
	Duration      time.Duration
	Frames        int
	Forwards      int
	AudioDuration time.Duration
	RTF           float64
}

// NewRunResult derives the audio length and RTF of a run from the number
// of codec frames it produced at fps.
func NewRunResult(index int, took time.Duration, frames, forwards, fps int) RunResult {
	audio := FramesDuration(frames, fps)
	return RunResult{
		Index:         index,
		Cold:          index == 0,
		Duration:      took,
		Frames:        frames,
		Forwards:      forwards,
		AudioDuration: audio,
		RTF:           CalcRTF(took, audio),
	}
}

// ForwardsPerSecond is the model forward-pass throughput of the run.
func (r RunResult) ForwardsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Forwards) / r.Duration.Seconds()
}

// Summary aggregates a set of runs.
type Summary struct {
	Runs   int
	Min    time.Duration
	Median time.Duration
	Mean   time.Duration
	Max    time.Duration

	MeanRTF float64
	// WarmRTF leaves out the cold run. With a single run it equals MeanRTF.
	WarmRTF float64
}

// Summarize computes latency and RTF statistics over runs.
func Summarize(runs []RunResult) Summary {
	if len(runs) == 0 {
		return Summary{}
	}

	ms := make([]float64, len(runs))
	rtf := make([]float64, len(runs))
	for i, r := range runs {
		ms[i] = float64(r.Duration) / float64(time.Millisecond)
		rtf[i] = r.RTF
	}

	sorted := slices.Clone(ms)
	slices.Sort(sorted)

	s := Summary{
		Runs:    len(runs),
		Min:     millis(floats.Min(ms)),
		Median:  millis(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		Mean:    millis(stat.Mean(ms, nil)),
		Max:     millis(floats.Max(ms)),
		MeanRTF: stat.Mean(rtf, nil),
		WarmRTF: stat.Mean(rtf, nil),
	}

	var warm []float64
	for _, r := range runs {
		if !r.Cold {
			warm = append(warm, r.RTF)
		}
	}
	if len(warm) > 0 && len(warm) < len(runs) {
		s.WarmRTF = stat.Mean(warm, nil)
	}
	return s
}

func millis(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

// CalcRTF is generation time over audio time, or 0 without audio.
func CalcRTF(took, audio time.Duration) float64 {
	if audio <= 0 {
		return 0
	}
	return float64(took) / float64(audio)
}

// FramesDuration converts codec frames to playback time at fps frames per
// second.
func FramesDuration(frames, fps int) time.Duration {
	if frames <= 0 || fps <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(fps))
}

// CheckRTFThreshold fails when the warm RTF exceeds threshold. A threshold
// of 0 disables the gate.
func CheckRTFThreshold(s Summary, threshold float64) error {
	if threshold <= 0 || s.WarmRTF <= threshold {
		return nil
	}
	return fmt.Errorf("warm RTF %.3f exceeds threshold %.3f", s.WarmRTF, threshold)
}

// FormatTable writes an aligned text table of runs followed by the summary.
func FormatTable(w io.Writer, runs []RunResult, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "run\tcold\tms\tframes\taudio s\tfwd/s\trtf\t")
	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%d\t%.2f\t%.1f\t%.3f\t\n",
			r.Index+1, cold, float64(r.Duration.Microseconds())/1000, r.Frames,
			r.AudioDuration.Seconds(), r.ForwardsPerSecond(), r.RTF)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%s\nms min %.1f  median %.1f  mean %.1f  max %.1f\nrtf mean %.3f  warm %.3f\n",
		strings.Repeat("-", 48),
		msOf(s.Min), msOf(s.Median), msOf(s.Mean), msOf(s.Max),
		s.MeanRTF, s.WarmRTF)
	return err
}

func msOf(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

type jsonRun struct {
	Index        int     `json:"index"`
	Cold         bool    `json:"cold"`
	DurationMS   float64 `json:"duration_ms"`
	Frames       int     `json:"frames"`
	Forwards     int     `json:"forwards"`
	AudioS       float64 `json:"audio_s"`
	ForwardsPerS float64 `json:"forwards_per_s"`
	RTF          float64 `json:"rtf"`
}

type jsonSummary struct {
	MinMS    float64 `json:"min_ms"`
	MedianMS float64 `json:"median_ms"`
	MeanMS   float64 `json:"mean_ms"`
	MaxMS    float64 `json:"max_ms"`
	MeanRTF  float64 `json:"mean_rtf"`
	WarmRTF  float64 `json:"warm_rtf"`
}

// FormatJSON writes runs and summary as an indented JSON document.
func FormatJSON(w io.Writer, runs []RunResult, s Summary) error {
	doc := struct {
		Runs    []jsonRun   `json:"runs"`
		Summary jsonSummary `json:"summary"`
	}{
		Runs: make([]jsonRun, len(runs)),
		Summary: jsonSummary{
			MinMS:    msOf(s.Min),
			MedianMS: msOf(s.Median),
			MeanMS:   msOf(s.Mean),
			MaxMS:    msOf(s.Max),
			MeanRTF:  s.MeanRTF,
			WarmRTF:  s.WarmRTF,
		},
	}
	for i, r := range runs {
		doc.Runs[i] = jsonRun{
			Index:        r.Index,
			Cold:         r.Cold,
			DurationMS:   msOf(r.Duration),
			Frames:       r.Frames,
			Forwards:     r.Forwards,
			AudioS:       r.AudioDuration.Seconds(),
			ForwardsPerS: r.ForwardsPerSecond(),
			RTF:          r.RTF,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

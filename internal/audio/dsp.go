package audio

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Downmix averages interleaved channels into one.
func Downmix(p PCM) []float32 {
	if p.Channels <= 1 {
		out := make([]float32, len(p.Samples))
		copy(out, p.Samples)
		return out
	}

	frames := p.Frames()
	out := make([]float32, frames)
	inv := 1 / float32(p.Channels)
	for f := range frames {
		var sum float32
		for c := range p.Channels {
			sum += p.Samples[f*p.Channels+c]
		}
		out[f] = sum * inv
	}

	return out
}

// Resample converts mono samples from one rate to another with a polyphase
// FIR resampler. The filter delay is removed, so out[i] lines up with input
// time i*from/to and len(out) is ceil(len(samples)*to/from).
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from < 1 || to < 1 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", from, to)
	}
	if from == to || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}

	r, err := resample.NewRational(to, from, resample.WithQuality(resample.QualityBalanced))
	if err != nil {
		return nil, fmt.Errorf("resampler %d -> %d: %w", from, to, err)
	}
	up, down := r.Ratio()

	// Centre of the prototype filter, in output samples.
	delay := int(math.Round(float64(len(r.Prototype())-1) / 2 / float64(down)))

	in := make([]float64, len(samples)+2*r.TapsPerPhase())
	for i, v := range samples {
		in[i] = float64(v)
	}
	y := r.Process(in)

	n := (len(samples)*up + down - 1) / down
	out := make([]float32, n)
	for i := range out {
		if j := i + delay; j < len(y) {
			out[i] = float32(y[j])
		}
	}
	return out, nil
}

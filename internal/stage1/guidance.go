package stage1

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/example/go-songgen/internal/lm"
)

// MaskValue is the additive attention bias that hides a position from the
// unconditional lane. It is the most negative finite half-precision value.
const MaskValue float32 = -65504

// Lanes drives classifier-free guidance with a conditional lane (0) and an
// unconditional lane (1) that only sees the last prompt token and what was
// generated after it.
type Lanes struct {
	enabled   bool
	scaleSeg0 float64
	scale     float64
	maskLen   int
}

// NewLanes enables guidance when at least one scale is set. A missing
// scale falls back to the other one.
func NewLanes(scaleSeg0, scale *float64) Lanes {
	switch {
	case scaleSeg0 == nil && scale == nil:
		return Lanes{}
	case scaleSeg0 == nil:
		scaleSeg0 = scale
	case scale == nil:
		scale = scaleSeg0
	}
	return Lanes{enabled: true, scaleSeg0: *scaleSeg0, scale: *scale}
}

func (l Lanes) Enabled() bool { return l.enabled }

func (l Lanes) Size() int {
	if l.enabled {
		return 2
	}
	return 1
}

// Scale returns the guidance weight used for segment.
func (l Lanes) Scale(segment int) float64 {
	if segment == 0 {
		return l.scaleSeg0
	}
	return l.scale
}

// Prepare fixes the mask for a segment whose primed window holds windowLen
// positions.
func (l *Lanes) Prepare(windowLen int) {
	l.maskLen = max(0, windowLen-1)
}

// MaskLen is the number of leading cache positions hidden from lane 1.
func (l Lanes) MaskLen() int { return l.maskLen }

// Options builds the forward options for a call after which attended
// cache positions are visible.
func (l Lanes) Options(attended int) lm.ForwardOptions {
	if !l.enabled {
		return lm.ForwardOptions{}
	}

	cond := make([]float32, attended)
	uncond := make([]float32, attended)
	for i := range min(l.maskLen, attended) {
		uncond[i] = MaskValue
	}

	return lm.ForwardOptions{
		AttentionBias:   [][]float32{cond, uncond},
		PositionOffsets: []int64{0, -int64(l.maskLen)},
	}
}

// Combine mixes the lanes' log-probabilities:
// scale*logsoftmax(cond) + (1-scale)*logsoftmax(uncond).
func (l Lanes) Combine(segment int, logits [][]float32) ([]float32, error) {
	if len(logits) != l.Size() {
		return nil, fmt.Errorf("%w: got %d lanes, want %d", ErrLaneMismatch, len(logits), l.Size())
	}
	if !l.enabled {
		return logits[0], nil
	}
	if len(logits[0]) != len(logits[1]) || len(logits[0]) == 0 {
		return nil, fmt.Errorf("%w: vocab %d vs %d", ErrLaneMismatch, len(logits[0]), len(logits[1]))
	}

	cond := logSoftmax(logits[0])
	uncond := logSoftmax(logits[1])
	scale := l.Scale(segment)

	floats.Scale(scale, cond)
	floats.AddScaled(cond, 1-scale, uncond)

	// A token ruled out by either lane stays ruled out.
	out := make([]float32, len(cond))
	for i, v := range cond {
		if !finite(v) || !finite(float64(logits[0][i])) || !finite(float64(logits[1][i])) {
			v = math.Inf(-1)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func logSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	lse := floats.LogSumExp(out)
	floats.AddConst(-lse, out)
	return out
}

// Package sampling picks the next token from model logits restricted to an
// allowed id set.
package sampling

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Settings mirrors the decoding knobs exposed to users.
type Settings struct {
	TopP              float64
	Temperature       float64
	RepetitionPenalty float64
}

// DefaultSettings is the suggested stage-1 decoding configuration.
func DefaultSettings() Settings {
	return Settings{TopP: 0.93, Temperature: 1.0, RepetitionPenalty: 1.1}
}

func (s Settings) Validate() error {
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", s.TopP)
	}
	if s.Temperature <= 0 {
		return fmt.Errorf("temperature must be > 0, got %v", s.Temperature)
	}
	if s.RepetitionPenalty < 1 {
		return fmt.Errorf("repetition_penalty must be >= 1, got %v", s.RepetitionPenalty)
	}
	return nil
}

var ErrNoCandidates = errors.New("sampling: no allowed token has finite probability")

// Sampler is not safe for concurrent use.
type Sampler struct {
	settings Settings
	allowed  []int64
	rng      *rand.Rand

	// scratch buffers reused between calls
	logits []float64
	order  []int
}

// New builds a sampler over allowed, seeded deterministically.
func New(settings Settings, allowed []int64, seed uint64) (*Sampler, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return nil, errors.New("sampling: empty allowed token set")
	}

	return &Sampler{
		settings: settings,
		allowed:  append([]int64(nil), allowed...),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logits:   make([]float64, len(allowed)),
		order:    make([]int, len(allowed)),
	}, nil
}

// AllowedRange returns extra followed by every id in [lo, hi).
func AllowedRange(lo, hi int64, extra ...int64) []int64 {
	out := make([]int64, 0, len(extra)+int(max(0, hi-lo)))
	out = append(out, extra...)
	for id := lo; id < hi; id++ {
		out = append(out, id)
	}
	return out
}

// Sample draws one token id. history is the context the repetition penalty
// applies to.
func (s *Sampler) Sample(logits []float32, history []int64) (int64, error) {
	seen := make(map[int64]struct{}, len(history))
	for _, id := range history {
		seen[id] = struct{}{}
	}

	for i, id := range s.allowed {
		if id < 0 || int(id) >= len(logits) {
			return 0, fmt.Errorf("sampling: allowed id %d outside vocabulary of %d", id, len(logits))
		}
		v := float64(logits[id])
		if _, ok := seen[id]; ok && s.settings.RepetitionPenalty != 1 {
			if v > 0 {
				v /= s.settings.RepetitionPenalty
			} else {
				v *= s.settings.RepetitionPenalty
			}
		}
		s.logits[i] = v / s.settings.Temperature
	}

	lse := floats.LogSumExp(s.logits)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return 0, ErrNoCandidates
	}
	probs := s.logits
	for i, v := range probs {
		probs[i] = math.Exp(v - lse)
	}

	order := s.order
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	// Smallest prefix whose mass reaches top_p.
	keep := len(order)
	var cum float64
	for i, idx := range order {
		cum += probs[idx]
		if cum >= s.settings.TopP {
			keep = i + 1
			break
		}
	}

	var nucleus float64
	for _, idx := range order[:keep] {
		nucleus += probs[idx]
	}

	r := s.rng.Float64() * nucleus
	for _, idx := range order[:keep] {
		r -= probs[idx]
		if r < 0 {
			return s.allowed[idx], nil
		}
	}

	return s.allowed[order[keep-1]], nil
}

package stage1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/example/go-songgen/internal/lm"
)

// Session owns the model cache and the lane-0 token sequence. Every lane
// carries the same tokens; they differ only in masking.
type Session struct {
	model  lm.Model
	cache  lm.Cache
	window Window
	lanes  Lanes

	seq   []int64
	start int // seq index held at cache position 0

	forwards int
}

func NewSession(model lm.Model, window Window, lanes Lanes) (*Session, error) {
	cache, err := model.NewCache(lanes.Size(), window.Capacity)
	if err != nil {
		return nil, fmt.Errorf("stage1: allocate cache: %w", err)
	}
	return &Session{model: model, cache: cache, window: window, lanes: lanes}, nil
}

// Seq returns the full lane-0 sequence. The slice must not be modified.
func (s *Session) Seq() []int64 { return s.seq }

// Window returns the part of the sequence currently held by the cache.
func (s *Session) Window() []int64 { return s.seq[s.start:] }

// Forwards counts model forward calls.
func (s *Session) Forwards() int { return s.forwards }

// Lanes returns the guidance state for the current segment.
func (s *Session) Lanes() Lanes { return s.lanes }

// Restore replaces the sequence without touching the cache. The next Prime
// rebuilds the cache because it no longer matches.
func (s *Session) Restore(seq []int64) {
	s.seq = slices.Clone(seq)
	s.start = 0
	s.cache.Reset()
}

// Prime appends prompt to the sequence and forwards whatever the window
// plan requires, returning the logits that seed sampling.
func (s *Session) Prime(ctx context.Context, prompt []int64) ([][]float32, error) {
	if len(prompt) == 0 {
		return nil, errors.New("stage1: empty prompt")
	}
	s.seq = append(s.seq, prompt...)

	plan := s.window.Plan(len(s.seq), s.cache.CurrentSeqLen(), len(prompt))
	if plan.Rebuild {
		if plan.Start > 0 {
			slog.Info("context window exceeded, keeping trailing tokens",
				"seq_len", len(s.seq), "max_context", s.window.MaxContext, "dropped", plan.Start)
		} else {
			slog.Debug("rebuilding cache", "seq_len", len(s.seq), "cache_len", s.cache.CurrentSeqLen())
		}
		s.cache.Reset()
		s.start = plan.Start
	}

	s.lanes.Prepare(s.cache.CurrentSeqLen() + plan.Forward)

	return s.forward(ctx, s.seq[len(s.seq)-plan.Forward:])
}

// Append adds one sampled token and forwards it.
func (s *Session) Append(ctx context.Context, token int64) ([][]float32, error) {
	s.seq = append(s.seq, token)
	return s.forward(ctx, s.seq[len(s.seq)-1:])
}

func (s *Session) forward(ctx context.Context, tokens []int64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := make([][]int64, s.lanes.Size())
	for i := range rows {
		rows[i] = tokens
	}

	opts := s.lanes.Options(s.cache.CurrentSeqLen() + len(tokens))
	logits, err := s.model.Forward(ctx, rows, s.cache, opts)
	s.forwards++
	if err != nil {
		return nil, fmt.Errorf("stage1: forward %d tokens at %d: %w", len(tokens), s.cache.CurrentSeqLen(), err)
	}
	if len(logits) != len(rows) {
		return nil, fmt.Errorf("%w: model returned %d lanes for %d", ErrLaneMismatch, len(logits), len(rows))
	}
	return logits, nil
}

// Snapshot duplicates the lane-0 sequence across all lanes.
func (s *Session) Snapshot() [][]int64 {
	out := make([][]int64, s.lanes.Size())
	for i := range out {
		out[i] = slices.Clone(s.seq)
	}
	return out
}

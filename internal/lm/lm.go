// Package lm defines the capabilities the stage-1 controller needs from a
// causal language model with a bounded key/value cache.
package lm

import (
	"context"
	"errors"
)

// ErrCacheOverflow is returned by Forward when the new tokens do not fit in
// the cache.
var ErrCacheOverflow = errors.New("lm: cache capacity exceeded")

// Cache is a fixed-capacity key/value cache. CurrentSeqLen counts the
// positions already processed; Reset rewinds it to zero so the next Forward
// overwrites the cache from the start.
type Cache interface {
	BatchSize() int
	MaxSeqLen() int
	CurrentSeqLen() int
	Reset()
}

// ForwardOptions carries per-lane attention masking and position shifts.
// Both are optional; a zero value means plain causal attention.
type ForwardOptions struct {
	// AttentionBias holds one additive bias row per lane. Each row covers
	// every cache position visible after this call, i.e. its length is
	// CurrentSeqLen before the call plus the number of new tokens.
	AttentionBias [][]float32

	// PositionOffsets is added to the absolute position of every token in
	// the matching lane.
	PositionOffsets []int64
}

// Model runs incremental forward passes against a Cache.
type Model interface {
	// NewCache allocates a cache for batch lanes and maxSeqLen positions.
	NewCache(batch, maxSeqLen int) (Cache, error)

	// Forward appends tokens (one equal-length row per lane) to cache and
	// returns the logits of the last position of each lane.
	Forward(ctx context.Context, tokens [][]int64, cache Cache, opts ForwardOptions) ([][]float32, error)

	// VocabSize is the length of each logits row.
	VocabSize() int

	Close() error
}

// ValidateForward checks the shape contract shared by Model implementations.
func ValidateForward(tokens [][]int64, cache Cache, opts ForwardOptions) (int, error) {
	if cache == nil {
		return 0, errors.New("lm: nil cache")
	}
	if len(tokens) == 0 || len(tokens) != cache.BatchSize() {
		return 0, errors.New("lm: token lanes do not match cache batch size")
	}
	n := len(tokens[0])
	if n == 0 {
		return 0, errors.New("lm: empty forward")
	}
	for _, row := range tokens[1:] {
		if len(row) != n {
			return 0, errors.New("lm: ragged token lanes")
		}
	}
	if cache.CurrentSeqLen()+n > cache.MaxSeqLen() {
		return 0, ErrCacheOverflow
	}

	span := cache.CurrentSeqLen() + n
	if opts.AttentionBias != nil {
		if len(opts.AttentionBias) != len(tokens) {
			return 0, errors.New("lm: attention bias lanes do not match tokens")
		}
		for _, row := range opts.AttentionBias {
			if len(row) != span {
				return 0, errors.New("lm: attention bias does not cover the visible span")
			}
		}
	}
	if opts.PositionOffsets != nil && len(opts.PositionOffsets) != len(tokens) {
		return 0, errors.New("lm: position offsets do not match tokens")
	}

	return n, nil
}

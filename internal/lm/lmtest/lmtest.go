// Package lmtest provides a deterministic in-memory lm.Model and a toy
// tokenizer for exercising the stage-1 controller without ONNX Runtime.
package lmtest

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"slices"
	"strings"

	"github.com/example/go-songgen/internal/lm"
)

// Token layout of the toy vocabulary.
const (
	SOA      int64 = 1
	EOA      int64 = 2
	Sep      int64 = 3
	CodecLo  int64 = 8
	CodecHi  int64 = 40
	TextLo   int64 = 40
	Vocab          = 64
	maskedAt       = -1000
)

// Call records one Forward invocation.
type Call struct {
	Tokens   [][]int64
	CacheLen int
	Opts     lm.ForwardOptions
}

// Model is a fake lm.Model whose logits are a pure function of the tokens
// each lane can attend to.
type Model struct {
	// Logits overrides HashLogits. visible excludes masked positions.
	Logits func(lane int, visible []int64) []float32

	// FailAt makes the n-th Forward call (1-based) return Err.
	FailAt int
	Err    error

	Calls []Call
}

func (m *Model) NewCache(batch, maxSeqLen int) (lm.Cache, error) {
	if batch < 1 || maxSeqLen < 1 {
		return nil, errors.New("lmtest: invalid cache dimensions")
	}
	return &Cache{batch: batch, max: maxSeqLen, hist: make([][]int64, batch)}, nil
}

func (m *Model) Forward(_ context.Context, tokens [][]int64, cache lm.Cache, opts lm.ForwardOptions) ([][]float32, error) {
	c, ok := cache.(*Cache)
	if !ok {
		return nil, errors.New("lmtest: foreign cache")
	}
	if _, err := lm.ValidateForward(tokens, cache, opts); err != nil {
		return nil, err
	}

	m.Calls = append(m.Calls, Call{Tokens: cloneRows(tokens), CacheLen: c.CurrentSeqLen(), Opts: opts})
	if m.FailAt > 0 && len(m.Calls) == m.FailAt {
		return nil, m.Err
	}

	out := make([][]float32, len(tokens))
	for lane, row := range tokens {
		c.hist[lane] = append(c.hist[lane], row...)

		visible := c.hist[lane]
		if opts.AttentionBias != nil {
			visible = make([]int64, 0, len(c.hist[lane]))
			for pos, tok := range c.hist[lane] {
				if opts.AttentionBias[lane][pos] > maskedAt {
					visible = append(visible, tok)
				}
			}
		}

		if m.Logits != nil {
			out[lane] = m.Logits(lane, visible)
		} else {
			out[lane] = HashLogits(visible)
		}
	}

	return out, nil
}

func (m *Model) VocabSize() int { return Vocab }

func (m *Model) Close() error { return nil }

// Cache keeps the full token history per lane.
type Cache struct {
	batch, max int
	hist       [][]int64
}

func (c *Cache) BatchSize() int     { return c.batch }
func (c *Cache) MaxSeqLen() int     { return c.max }
func (c *Cache) CurrentSeqLen() int { return len(c.hist[0]) }

func (c *Cache) Reset() {
	for i := range c.hist {
		c.hist[i] = c.hist[i][:0]
	}
}

// History returns a copy of lane's cached tokens.
func (c *Cache) History(lane int) []int64 { return slices.Clone(c.hist[lane]) }

// HashLogits derives pseudo-random logits in [-4, 4) from an FNV hash of
// tokens.
func HashLogits(tokens []int64) []float32 {
	h := fnv.New64a()
	var buf [8]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		_, _ = h.Write(buf[:])
	}
	state := h.Sum64()

	out := make([]float32, Vocab)
	for i := range out {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		out[i] = float32(state%8000)/1000 - 4
	}
	return out
}

// StopAfter wraps HashLogits so that EOA becomes near certain once at
// least n tokens follow the last Sep in visible, and near impossible
// before.
func StopAfter(n int) func(int, []int64) []float32 {
	return func(_ int, visible []int64) []float32 {
		logits := HashLogits(visible)
		since := len(visible)
		if i := slices.Index(reversed(visible), Sep); i >= 0 {
			since = i
		}
		if since >= n {
			logits[EOA] = 50
		} else {
			logits[EOA] = -50
		}
		return logits
	}
}

// NeverStop suppresses EOA entirely so segments run out of budget.
func NeverStop(_ int, visible []int64) []float32 {
	logits := HashLogits(visible)
	logits[EOA] = float32(math.Inf(-1))
	return logits
}

// Tokenizer maps each whitespace-separated word to an id in
// [TextLo, Vocab).
type Tokenizer struct{}

func (Tokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(text)
	ids := make([]int64, len(words))
	for i, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		ids[i] = TextLo + int64(h.Sum32()%uint32(Vocab-TextLo))
	}
	return ids, nil
}

func cloneRows(rows [][]int64) [][]int64 {
	out := make([][]int64, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}

func reversed(s []int64) []int64 {
	out := slices.Clone(s)
	slices.Reverse(out)
	return out
}

// Package stage1 generates interleaved vocal/instrumental codec tokens for
// a song, one lyrics segment at a time, on top of a causal language model
// with a bounded key/value cache.
package stage1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/example/go-songgen/internal/checkpoint"
	"github.com/example/go-songgen/internal/codec"
	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/lm"
	"github.com/example/go-songgen/internal/lyrics"
	"github.com/example/go-songgen/internal/prompt"
	"github.com/example/go-songgen/internal/sampling"
	"github.com/example/go-songgen/internal/tokenizer"
)

// Settings are the generation knobs shared by every run of a Pipeline.
type Settings struct {
	CacheSize    int
	MaxNewTokens int
	Sampling     sampling.Settings

	// Guidance is disabled when both scales are nil.
	GuidanceScaleSeg0 *float64
	GuidanceScale     *float64

	// Sampling is restricted to [CodecIDStart, CodecIDEnd) plus EOA.
	CodecIDStart int64
	CodecIDEnd   int64
}

func SettingsFromConfig(c config.Stage1Config) Settings {
	s := Settings{
		CacheSize:    c.CacheSize,
		MaxNewTokens: c.MaxNewTokens,
		Sampling: sampling.Settings{
			TopP:              c.TopP,
			Temperature:       c.Temperature,
			RepetitionPenalty: c.RepetitionPenalty,
		},
		CodecIDStart: c.CodecIDStart,
		CodecIDEnd:   c.CodecIDEnd,
	}
	if c.Guidance {
		seg0, rest := c.GuidanceScaleSeg0, c.GuidanceScale
		s.GuidanceScaleSeg0 = &seg0
		s.GuidanceScale = &rest
	}
	return s
}

func (s Settings) window() (Window, error) {
	if err := s.Sampling.Validate(); err != nil {
		return Window{}, &ConfigurationError{Field: "sampling", Reason: err.Error()}
	}
	if s.CodecIDEnd <= s.CodecIDStart {
		return Window{}, configErr("codec_id_range", "empty range [%d, %d)", s.CodecIDStart, s.CodecIDEnd)
	}
	w, err := NewWindow(s.CacheSize, s.MaxNewTokens)
	if err != nil {
		return Window{}, &ConfigurationError{Field: "cache_size", Reason: err.Error()}
	}
	return w, nil
}

// AudioPrompt conditions generation on one mixed reference track.
type AudioPrompt struct {
	Path  string
	Start float64
	End   float64
}

// DualPrompt conditions generation on separate vocal and instrumental
// reference tracks.
type DualPrompt struct {
	VocalPath        string
	InstrumentalPath string
	Start            float64
	End              float64
}

// Extend continues an existing song given as vocal and instrumental
// tracks. With AsNewSegment the existing audio closes segment 0 and
// generation starts at segment 1; otherwise segment 0 continues the audio.
type Extend struct {
	VocalPath        string
	InstrumentalPath string
	Start            float64
	End              float64 // <= 0 means until the end
	AsNewSegment     bool
}

type Request struct {
	Genres string
	Lyrics string

	AudioPrompt *AudioPrompt
	DualPrompt  *DualPrompt
	Extend      *Extend

	// ResumeAfter loads the checkpoint of that segment and continues with
	// the next one.
	ResumeAfter *int

	RunNSegments int
	Seed         uint64
}

// Validate checks the request shape. Every failure is a
// *ConfigurationError.
func (r Request) Validate() error {
	if r.AudioPrompt != nil && r.DualPrompt != nil {
		return configErr("prompt", "audio prompt and dual-track prompt are mutually exclusive")
	}
	if p := r.AudioPrompt; p != nil {
		if p.Path == "" {
			return configErr("audio_prompt_path", "required when the audio prompt is enabled")
		}
		if err := checkRange("prompt", p.Start, p.End); err != nil {
			return err
		}
	}
	if p := r.DualPrompt; p != nil {
		if p.VocalPath == "" || p.InstrumentalPath == "" {
			return configErr("dual_track_prompt", "both vocal and instrumental paths are required")
		}
		if err := checkRange("prompt", p.Start, p.End); err != nil {
			return err
		}
	}
	if e := r.Extend; e != nil {
		if e.VocalPath == "" || e.InstrumentalPath == "" {
			return configErr("extend", "both vocal and instrumental paths are required")
		}
		if err := checkRange("extend", e.Start, e.End); err != nil {
			return err
		}
	}
	if r.ResumeAfter != nil && *r.ResumeAfter < 0 {
		return configErr("resume_after", "must be >= 0, got %d", *r.ResumeAfter)
	}
	if r.RunNSegments < 1 {
		return configErr("run_n_segments", "must be >= 1, got %d", r.RunNSegments)
	}
	return nil
}

func checkRange(field string, start, end float64) error {
	if start < 0 {
		return configErr(field+"_start_time", "must be >= 0, got %v", start)
	}
	if end > 0 && end <= start {
		return configErr(field+"_end_time", "%v is not after start %v", end, start)
	}
	return nil
}

// SegmentResult describes one generated segment.
type SegmentResult struct {
	Index     int
	Generated int
	ForcedEOA bool
}

type Result struct {
	// Tokens is the lane-0 sequence including all prompts.
	Tokens []int64

	// Segments lists the segments generated by this run, in order.
	Segments []SegmentResult

	Forwards int
}

// Observer receives progress callbacks. Calls happen on the goroutine
// running the pipeline.
type Observer interface {
	SegmentStarted(index, total, budget int)
	TokenGenerated(index, step int)
	SegmentDone(res SegmentResult)
}

type nopObserver struct{}

func (nopObserver) SegmentStarted(int, int, int) {}
func (nopObserver) TokenGenerated(int, int)      {}
func (nopObserver) SegmentDone(SegmentResult)    {}

type Option func(*Pipeline)

// WithEncoder sets the codec encoder needed by the audio prompt, the
// dual-track prompt and extend modes.
func WithEncoder(enc codec.Encoder) Option {
	return func(p *Pipeline) { p.encoder = enc }
}

// WithStore enables per-segment checkpoints and resume.
func WithStore(store checkpoint.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithCodec overrides the xcodec id mapping.
func WithCodec(m codec.Manipulator) Option {
	return func(p *Pipeline) { p.codec = m }
}

// Pipeline runs the segment loop. It is not safe for concurrent use.
type Pipeline struct {
	model    lm.Model
	vocab    tokenizer.Vocab
	builder  *prompt.Builder
	codec    codec.Manipulator
	encoder  codec.Encoder
	store    checkpoint.Store
	settings Settings
	observer Observer
}

func NewPipeline(model lm.Model, tok tokenizer.Tokenizer, vocab tokenizer.Vocab, settings Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		model:    model,
		vocab:    vocab,
		codec:    codec.NewXCodec(),
		settings: settings,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.builder = prompt.NewBuilder(tok, vocab, p.codec.SepIDs)
	return p
}

// run is the per-call state of Run.
type run struct {
	req      Request
	segments []string
	header   string
	window   Window
	start    int
	end      int
	resumed  *checkpoint.Record
}

// Run generates the requested segments and returns the full lane-0
// sequence.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	r, err := p.init(ctx, req)
	if err != nil {
		return Result{}, err
	}

	lanes := NewLanes(p.settings.GuidanceScaleSeg0, p.settings.GuidanceScale)
	sess, err := NewSession(p.model, r.window, lanes)
	if err != nil {
		return Result{}, err
	}

	sampler, err := sampling.New(
		p.settings.Sampling,
		sampling.AllowedRange(p.settings.CodecIDStart, p.settings.CodecIDEnd, p.vocab.EOA),
		req.Seed,
	)
	if err != nil {
		return Result{}, &ConfigurationError{Field: "sampling", Reason: err.Error()}
	}

	var reference, extend []int64
	if r.resumed != nil {
		sess.Restore(r.resumed.Seq[0])
	} else {
		reference, extend, err = p.primeAudio(ctx, r)
		if err != nil {
			return Result{}, err
		}
	}

	slog.Info("stage1 start",
		"segments", len(r.segments),
		"from", r.start,
		"to", r.end,
		"max_context", r.window.MaxContext,
		"guidance", lanes.Enabled(),
	)

	if r.resumed == nil && req.Extend != nil && req.Extend.AsNewSegment && r.end > r.start {
		if err := p.primeExtendSegment(ctx, sess, r, reference, extend); err != nil {
			return Result{}, err
		}
	}

	result := Result{}
	for index := r.start; index < r.end; index++ {
		var segPrompt []int64
		if index == 0 {
			segPrompt, err = p.builder.Initial(r.header, r.segments[0], reference)
			segPrompt = append(segPrompt, extend...)
		} else {
			segPrompt, err = p.builder.Continuation(r.segments[index])
		}
		if err != nil {
			return Result{}, fmt.Errorf("stage1: segment %d prompt: %w", index, err)
		}

		p.observer.SegmentStarted(index, len(r.segments), r.window.MaxNewTokens)

		logits, err := sess.Prime(ctx, segPrompt)
		if err != nil {
			return Result{}, fmt.Errorf("stage1: segment %d: %w", index, err)
		}

		seg, err := p.generateSegment(ctx, sess, sampler, index, logits)
		if err != nil {
			return Result{}, fmt.Errorf("stage1: segment %d: %w", index, err)
		}

		if err := p.save(ctx, sess, index, r.segments); err != nil {
			return Result{}, err
		}

		result.Segments = append(result.Segments, seg)
		p.observer.SegmentDone(seg)
		slog.Info("segment complete",
			"segment", index,
			"tokens", seg.Generated,
			"forced_eoa", seg.ForcedEOA,
			"seq_len", len(sess.Seq()),
		)
	}

	result.Tokens = slices.Clone(sess.Seq())
	result.Forwards = sess.Forwards()
	return result, nil
}

func (p *Pipeline) init(ctx context.Context, req Request) (*run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	window, err := p.settings.window()
	if err != nil {
		return nil, err
	}

	segments := lyrics.Split(req.Lyrics)
	if len(segments) == 0 {
		return nil, configErr("lyrics", "no [tag] segments found")
	}

	r := &run{
		req:      req,
		segments: segments,
		header:   lyrics.Header(req.Genres, segments),
		window:   window,
	}

	needsEncoder := req.AudioPrompt != nil || req.DualPrompt != nil || req.Extend != nil
	switch {
	case req.ResumeAfter != nil:
		if p.store == nil {
			return nil, configErr("resume_after", "no checkpoint store configured")
		}
		if req.Extend != nil {
			slog.Warn("resume takes precedence over extend; existing audio is ignored")
		}
		n := *req.ResumeAfter
		rec, err := p.store.Load(ctx, n)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, &MissingCheckpointError{Segment: n, Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("stage1: load checkpoint %d: %w", n, err)
		}
		if len(rec.Seq) == 0 || len(rec.Seq[0]) == 0 {
			return nil, fmt.Errorf("stage1: checkpoint %d holds no tokens", n)
		}
		if rec.Lyrics != nil && !slices.Equal(rec.Lyrics, segments) {
			slog.Warn("checkpoint lyrics differ from request lyrics", "segment", n)
		}
		r.resumed = &rec
		r.start = n + 1
	case req.Extend != nil && req.Extend.AsNewSegment:
		r.start = 1
	default:
		r.start = 0
	}

	if needsEncoder && r.resumed == nil && p.encoder == nil {
		return nil, configErr("encoder", "audio prompts and extend need a codec encoder")
	}

	r.end = min(r.start+req.RunNSegments, len(segments))
	if r.start >= len(segments) {
		slog.Warn("nothing to generate", "start", r.start, "segments", len(segments))
		r.end = r.start
	}

	return r, nil
}

func (p *Pipeline) generateSegment(ctx context.Context, sess *Session, sampler *sampling.Sampler, index int, logits [][]float32) (SegmentResult, error) {
	res := SegmentResult{Index: index}
	eoa := p.vocab.EOA

	for step := range sess.window.MaxNewTokens {
		combined, err := sess.Lanes().Combine(index, logits)
		if err != nil {
			return res, err
		}

		token, err := sampler.Sample(combined, sess.Window())
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}

		logits, err = sess.Append(ctx, token)
		if err != nil {
			return res, err
		}
		res.Generated++
		p.observer.TokenGenerated(index, step+1)

		if token == eoa {
			return res, nil
		}
	}

	slog.Debug("token budget exhausted, forcing eoa", "segment", index, "budget", sess.window.MaxNewTokens)
	if _, err := sess.Append(ctx, eoa); err != nil {
		return res, err
	}
	res.ForcedEOA = true
	return res, nil
}

func (p *Pipeline) save(ctx context.Context, sess *Session, index int, segments []string) error {
	if p.store == nil {
		return nil
	}
	rec := checkpoint.Record{
		Segment:   index,
		Seq:       sess.Snapshot(),
		Lyrics:    segments,
		CreatedAt: time.Now(),
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("stage1: save checkpoint %d: %w", index, err)
	}
	return nil
}

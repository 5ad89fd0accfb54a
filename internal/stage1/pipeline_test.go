package stage1

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/example/go-songgen/internal/audio"
	"github.com/example/go-songgen/internal/checkpoint"
	"github.com/example/go-songgen/internal/codec"
	"github.com/example/go-songgen/internal/lm/lmtest"
	"github.com/example/go-songgen/internal/sampling"
	"github.com/example/go-songgen/internal/tokenizer"
)

const toyLyrics = "[verse]\nla la la\n[chorus]\noh oh\n[outro]\nbye now\n"

func toyVocab(t *testing.T) tokenizer.Vocab {
	t.Helper()

	v, err := tokenizer.NewVocab(lmtest.Tokenizer{}, lmtest.SOA, lmtest.EOA)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	return v
}

func toyCodec() codec.Manipulator {
	return codec.Manipulator{
		GlobalOffset:  lmtest.CodecLo,
		CodebookSize:  lmtest.CodecHi - lmtest.CodecLo,
		NumCodebooks:  1,
		NumQuantizers: 1,
		SepIDs:        []int64{lmtest.Sep},
		FPS:           codec.XCodecFPS,
	}
}

func toySettings(cacheSize, maxNew int) Settings {
	return Settings{
		CacheSize:         cacheSize,
		MaxNewTokens:      maxNew,
		Sampling:          sampling.DefaultSettings(),
		GuidanceScaleSeg0: ptr(1.5),
		GuidanceScale:     ptr(1.2),
		CodecIDStart:      lmtest.CodecLo,
		CodecIDEnd:        lmtest.CodecHi,
	}
}

func newToyPipeline(t *testing.T, model *lmtest.Model, settings Settings, opts ...Option) *Pipeline {
	t.Helper()

	opts = append([]Option{WithCodec(toyCodec())}, opts...)
	return NewPipeline(model, lmtest.Tokenizer{}, toyVocab(t), settings, opts...)
}

func baseRequest() Request {
	return Request{Genres: "pop female", Lyrics: toyLyrics, RunNSegments: 3, Seed: 7}
}

// memStore is an in-memory checkpoint.Store.
type memStore struct {
	mu    sync.Mutex
	saved map[int]checkpoint.Record
	loads int
}

func newMemStore() *memStore { return &memStore{saved: map[int]checkpoint.Record{}} }

func (m *memStore) Save(_ context.Context, rec checkpoint.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[rec.Segment] = rec
	return nil
}

func (m *memStore) Load(_ context.Context, segment int) (checkpoint.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	rec, ok := m.saved[segment]
	if !ok {
		return checkpoint.Record{}, checkpoint.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) List(context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for k := range m.saved {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

// fakeEncoder emits one code per codec frame.
type fakeEncoder struct {
	calls  int
	frames []int
}

func (f *fakeEncoder) Encode(_ context.Context, pcm []float32, _ float64) ([][]int64, error) {
	f.calls++
	n := len(pcm) / (codec.XCodecSampleRate / codec.XCodecFPS)
	f.frames = append(f.frames, n)
	row := make([]int64, n)
	for i := range row {
		row[i] = int64(i % int(lmtest.CodecHi-lmtest.CodecLo))
	}
	return [][]int64{row}, nil
}

func writeTone(t *testing.T, name string, seconds float64) string {
	t.Helper()

	samples := make([]float32, int(seconds*codec.XCodecSampleRate))
	for i := range samples {
		samples[i] = float32(i%50) / 100
	}
	path := filepath.Join(t.TempDir(), name)
	if err := audio.WriteWAV(path, audio.PCM{Samples: samples, SampleRate: codec.XCodecSampleRate, Channels: 1}); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

// segmentSpans returns the tokens between each SOA/sep and its EOA.
func segmentSpans(tokens []int64) [][]int64 {
	var spans [][]int64
	open := -1
	for i, tok := range tokens {
		switch tok {
		case lmtest.SOA:
			open = i
		case lmtest.EOA:
			if open >= 0 {
				spans = append(spans, tokens[open+1:i+1])
			}
			open = -1
		}
	}
	return spans
}

// ---- segment loop ----

func TestRun_EachSegmentEndsWithOneEOA(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.StopAfter(3)}
	store := newMemStore()
	p := newToyPipeline(t, model, toySettings(512, 16), WithStore(store))

	res, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Segments) != 3 {
		t.Fatalf("segments = %d; want 3", len(res.Segments))
	}
	for i, seg := range res.Segments {
		if seg.Index != i || seg.Generated != 4 || seg.ForcedEOA {
			t.Fatalf("segment %d = %+v; want 3 codes + eoa, natural stop", i, seg)
		}
	}

	spans := segmentSpans(res.Tokens)
	if len(spans) != 3 {
		t.Fatalf("spans = %d; want 3", len(spans))
	}
	for i, span := range spans {
		if span[0] != lmtest.Sep {
			t.Fatalf("span %d does not start with separator: %v", i, span)
		}
		body := span[1 : len(span)-1]
		for _, tok := range body {
			if tok < lmtest.CodecLo || tok >= lmtest.CodecHi {
				t.Fatalf("span %d holds non-codec token %d", i, tok)
			}
		}
		if span[len(span)-1] != lmtest.EOA {
			t.Fatalf("span %d does not end with EOA", i)
		}
	}

	if got := slices.Sorted(maps.Keys(store.saved)); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("checkpoints = %v; want [0 1 2]", got)
	}
	last := store.saved[2]
	if len(last.Seq) != 2 || !slices.Equal(last.Seq[0], res.Tokens) || !slices.Equal(last.Seq[1], res.Tokens) {
		t.Fatal("final checkpoint does not hold the full sequence in both lanes")
	}
	if res.Forwards != len(model.Calls) {
		t.Fatalf("Forwards = %d; model saw %d", res.Forwards, len(model.Calls))
	}
}

func TestRun_BudgetExhaustionForcesEOA(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.NeverStop}
	p := newToyPipeline(t, model, toySettings(512, 5))

	req := baseRequest()
	req.RunNSegments = 2

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, seg := range res.Segments {
		if !seg.ForcedEOA || seg.Generated != 5 {
			t.Fatalf("segment = %+v; want 5 tokens and forced EOA", seg)
		}
	}

	spans := segmentSpans(res.Tokens)
	if len(spans) != 2 {
		t.Fatalf("spans = %d; want 2", len(spans))
	}
	for i, span := range spans {
		// sep + 5 codes + eoa
		if len(span) != 7 || slices.Contains(span[:len(span)-1], lmtest.EOA) {
			t.Fatalf("span %d = %v", i, span)
		}
	}

	// The forced EOA reaches the cache before the next prompt.
	lastOfSeg0 := model.Calls[6]
	if len(lastOfSeg0.Tokens[0]) != 1 || lastOfSeg0.Tokens[0][0] != lmtest.EOA {
		t.Fatalf("call 6 = %v; want forced EOA forward", lastOfSeg0.Tokens)
	}
}

func TestRun_SeedDeterminism(t *testing.T) {
	run := func(seed uint64) []int64 {
		model := &lmtest.Model{Logits: lmtest.NeverStop}
		p := newToyPipeline(t, model, toySettings(512, 12))
		req := baseRequest()
		req.Seed = seed
		res, err := p.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res.Tokens
	}

	a, b := run(42), run(42)
	if !slices.Equal(a, b) {
		t.Fatal("same seed produced different sequences")
	}
	if c := run(43); slices.Equal(a, c) {
		t.Fatal("different seeds produced identical sequences")
	}
}

func TestRun_GuidanceOptions(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	p := newToyPipeline(t, model, toySettings(512, 8))

	req := baseRequest()
	req.RunNSegments = 1
	if _, err := p.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prime := model.Calls[0]
	n := len(prime.Tokens[0])
	if len(prime.Tokens) != 2 || !slices.Equal(prime.Tokens[0], prime.Tokens[1]) {
		t.Fatal("lanes were not primed with identical tokens")
	}
	if got := prime.Opts.PositionOffsets; got[0] != 0 || got[1] != -int64(n-1) {
		t.Fatalf("PositionOffsets = %v; want [0 %d]", got, -(n - 1))
	}

	step := model.Calls[1]
	if len(step.Opts.AttentionBias[1]) != n+1 {
		t.Fatalf("step bias covers %d positions; want %d", len(step.Opts.AttentionBias[1]), n+1)
	}
	if step.Opts.AttentionBias[1][n-2] != MaskValue || step.Opts.AttentionBias[1][n-1] != 0 {
		t.Fatal("uncond lane must see only the last prompt token and generated tokens")
	}
}

func TestRun_WithoutGuidanceUsesOneLane(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	settings := toySettings(512, 8)
	settings.GuidanceScaleSeg0, settings.GuidanceScale = nil, nil
	p := newToyPipeline(t, model, settings)

	if _, err := p.Run(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, c := range model.Calls {
		if len(c.Tokens) != 1 || c.Opts.AttentionBias != nil {
			t.Fatalf("call %d used %d lanes / bias %v", i, len(c.Tokens), c.Opts.AttentionBias != nil)
		}
	}
}

func TestRun_IncrementalPrimeBetweenSegments(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	p := newToyPipeline(t, model, toySettings(512, 8))

	req := baseRequest()
	req.RunNSegments = 2
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// prime, 3 steps (2 codes + eoa), then the continuation prompt.
	cont := model.Calls[4]
	if cont.CacheLen == 0 {
		t.Fatal("continuation rebuilt the cache; want incremental forward")
	}
	if cont.CacheLen+len(cont.Tokens[0])+3 != len(res.Tokens) {
		t.Fatalf("continuation at %d with %d tokens does not line up with %d total",
			cont.CacheLen, len(cont.Tokens[0]), len(res.Tokens))
	}
}

// ---- context window ----

func TestRun_ContextOverflowKeepsTrailingWindow(t *testing.T) {
	model := &lmtest.Model{Logits: lmtest.NeverStop}
	settings := toySettings(40, 4)
	p := newToyPipeline(t, model, settings)

	res, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	maxContext := 40 - 4 - 1
	rebuilds := 0
	for i, c := range model.Calls {
		if c.CacheLen+len(c.Tokens[0]) > 40 {
			t.Fatalf("call %d overflows the cache", i)
		}
		if i > 0 && c.CacheLen == 0 {
			if len(c.Tokens[0]) != maxContext {
				t.Fatalf("rebuild %d forwarded %d tokens; want %d", i, len(c.Tokens[0]), maxContext)
			}
			rebuilds++
		}
	}
	if rebuilds == 0 {
		t.Fatal("no trailing-window rebuild happened")
	}

	if len(res.Segments) != 3 {
		t.Fatalf("segments = %d; want 3", len(res.Segments))
	}
}

func TestSession_RebuildIsIdempotent(t *testing.T) {
	window, err := NewWindow(64, 8)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}

	seq := make([]int64, 100)
	for i := range seq {
		seq[i] = lmtest.CodecLo + int64(i%20)
	}
	prompt := []int64{lmtest.SOA, lmtest.Sep}

	model := &lmtest.Model{}
	sess, err := NewSession(model, window, NewLanes(ptr(1.5), ptr(1.2)))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	sess.Restore(seq)
	once, err := sess.Prime(context.Background(), prompt)
	if err != nil {
		t.Fatalf("Prime: %v", err)
	}

	sess.Restore(seq)
	if _, err := sess.Prime(context.Background(), prompt); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	sess.Restore(seq)
	twice, err := sess.Prime(context.Background(), prompt)
	if err != nil {
		t.Fatalf("Prime: %v", err)
	}

	for lane := range once {
		if !slices.Equal(once[lane], twice[lane]) {
			t.Fatalf("lane %d logits differ after repeated rebuild", lane)
		}
	}
	if got := len(sess.Window()); got != window.MaxContext {
		t.Fatalf("window = %d tokens; want %d", got, window.MaxContext)
	}
	if !slices.Equal(sess.Window(), append(slices.Clone(seq), prompt...)[102-window.MaxContext:]) {
		t.Fatal("window is not the trailing part of the sequence")
	}
}

// ---- resume ----

func TestRun_ResumeMissingCheckpoint(t *testing.T) {
	model := &lmtest.Model{}
	store := newMemStore()
	p := newToyPipeline(t, model, toySettings(512, 8), WithStore(store))

	req := baseRequest()
	n := 1
	req.ResumeAfter = &n

	_, err := p.Run(context.Background(), req)

	var missing *MissingCheckpointError
	if !errors.As(err, &missing) || missing.Segment != 1 {
		t.Fatalf("Run error = %v; want MissingCheckpointError for segment 1", err)
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatal("MissingCheckpointError does not wrap checkpoint.ErrNotFound")
	}
	if len(model.Calls) != 0 {
		t.Fatalf("model saw %d forwards; want 0", len(model.Calls))
	}
}

func TestRun_ResumeContinuesAfterCheckpoint(t *testing.T) {
	store := newMemStore()

	first := &lmtest.Model{Logits: lmtest.StopAfter(3)}
	req := baseRequest()
	req.RunNSegments = 1
	res1, err := newToyPipeline(t, first, toySettings(512, 8), WithStore(store)).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := &lmtest.Model{Logits: lmtest.StopAfter(3)}
	n := 0
	req.ResumeAfter = &n
	req.RunNSegments = 5
	res2, err := newToyPipeline(t, second, toySettings(512, 8), WithStore(store)).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	if !slices.Equal(res2.Tokens[:len(res1.Tokens)], res1.Tokens) {
		t.Fatal("resumed sequence does not extend the checkpoint")
	}
	if len(res2.Segments) != 2 || res2.Segments[0].Index != 1 || res2.Segments[1].Index != 2 {
		t.Fatalf("resumed segments = %+v; want 1 and 2", res2.Segments)
	}

	// The first forward rebuilds from the checkpoint plus segment 1's prompt.
	c := second.Calls[0]
	if c.CacheLen != 0 || !slices.Equal(c.Tokens[0][:len(res1.Tokens)], res1.Tokens) {
		t.Fatal("resume did not rebuild the cache from the checkpoint")
	}
	if len(segmentSpans(res2.Tokens)) != 3 {
		t.Fatalf("spans = %d; want 3", len(segmentSpans(res2.Tokens)))
	}
}

func TestRun_ResumeSkipsExtendEncoding(t *testing.T) {
	store := newMemStore()
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	req := baseRequest()
	req.RunNSegments = 1
	if _, err := newToyPipeline(t, model, toySettings(512, 8), WithStore(store)).Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	enc := &fakeEncoder{}
	n := 0
	req.ResumeAfter = &n
	req.Extend = &Extend{VocalPath: "missing-v.wav", InstrumentalPath: "missing-i.wav"}
	p := newToyPipeline(t, &lmtest.Model{Logits: lmtest.StopAfter(2)}, toySettings(512, 8), WithStore(store), WithEncoder(enc))
	if _, err := p.Run(context.Background(), req); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("encoder called %d times; want 0", enc.calls)
	}
}

// ---- reference audio ----

func TestRun_ExtendInPlace(t *testing.T) {
	vocal := writeTone(t, "v.wav", 1)
	inst := writeTone(t, "i.wav", 1)
	enc := &fakeEncoder{}
	model := &lmtest.Model{Logits: lmtest.StopAfter(500)}
	settings := toySettings(512, 4)
	p := newToyPipeline(t, model, settings, WithEncoder(enc))

	req := baseRequest()
	req.RunNSegments = 1
	req.Extend = &Extend{VocalPath: vocal, InstrumentalPath: inst}

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if enc.calls != 2 {
		t.Fatalf("encoder calls = %d; want 2", enc.calls)
	}
	if len(res.Segments) != 1 || res.Segments[0].Index != 0 {
		t.Fatalf("segments = %+v; want segment 0", res.Segments)
	}

	prime := model.Calls[0].Tokens[0]
	audioLen := 2 * enc.frames[0]
	tail := prime[len(prime)-audioLen:]
	if prime[len(prime)-audioLen-1] != lmtest.Sep || prime[len(prime)-audioLen-2] != lmtest.SOA {
		t.Fatal("existing audio does not follow segment 0's SOA and separator")
	}
	for i := 0; i < len(tail); i += 2 {
		if tail[i] != tail[i+1] {
			t.Fatalf("tail[%d:%d] = %v; want interleaved identical stems", i, i+2, tail[i:i+2])
		}
	}

	spans := segmentSpans(res.Tokens)
	if len(spans) != 1 || len(spans[0]) != 1+audioLen+4+1 {
		t.Fatalf("segment 0 span has %d tokens; want sep + audio + 4 + eoa", len(spans[0]))
	}
}

func TestRun_ExtendAsNewSegment(t *testing.T) {
	vocal := writeTone(t, "v.wav", 0.5)
	inst := writeTone(t, "i.wav", 0.5)
	enc := &fakeEncoder{}
	store := newMemStore()
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	p := newToyPipeline(t, model, toySettings(512, 8), WithEncoder(enc), WithStore(store))

	req := baseRequest()
	req.RunNSegments = 1
	req.Extend = &Extend{VocalPath: vocal, InstrumentalPath: inst, AsNewSegment: true}

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Segments) != 1 || res.Segments[0].Index != 1 {
		t.Fatalf("segments = %+v; want only segment 1", res.Segments)
	}

	first := model.Calls[0].Tokens[0]
	if first[len(first)-1] != lmtest.EOA {
		t.Fatal("existing audio was not closed with EOA")
	}
	second := model.Calls[1]
	if second.CacheLen != len(first) {
		t.Fatalf("segment 1 prompt forwarded at %d; want incremental at %d", second.CacheLen, len(first))
	}

	if _, ok := store.saved[0]; !ok {
		t.Fatal("segment 0 checkpoint missing")
	}
	if _, ok := store.saved[1]; !ok {
		t.Fatal("segment 1 checkpoint missing")
	}
	if len(segmentSpans(res.Tokens)) != 2 {
		t.Fatalf("spans = %d; want 2", len(segmentSpans(res.Tokens)))
	}
}

func TestRun_ExtendAsNewSegmentWithNothingLeft(t *testing.T) {
	store := newMemStore()
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	p := newToyPipeline(t, model, toySettings(512, 8), WithEncoder(&fakeEncoder{}), WithStore(store))

	req := baseRequest()
	req.Lyrics = "[verse]\nla la la\n"
	req.Extend = &Extend{VocalPath: writeTone(t, "v.wav", 0.5), InstrumentalPath: writeTone(t, "i.wav", 0.5), AsNewSegment: true}

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Segments) != 0 || res.Forwards != 0 {
		t.Fatalf("segments=%d forwards=%d; want nothing generated", len(res.Segments), res.Forwards)
	}
	if len(model.Calls) != 0 {
		t.Fatalf("model forwarded %d times; want 0", len(model.Calls))
	}
	if len(store.saved) != 0 {
		t.Fatalf("checkpoints %v written with nothing to generate", slices.Sorted(maps.Keys(store.saved)))
	}
}

func TestRun_DualTrackPromptAddsReferenceBlock(t *testing.T) {
	vocal := writeTone(t, "v.wav", 1)
	inst := writeTone(t, "i.wav", 1)
	enc := &fakeEncoder{}
	model := &lmtest.Model{Logits: lmtest.StopAfter(2)}
	p := newToyPipeline(t, model, toySettings(512, 8), WithEncoder(enc))

	req := baseRequest()
	req.RunNSegments = 1
	req.DualPrompt = &DualPrompt{VocalPath: vocal, InstrumentalPath: inst, Start: 0, End: 0.5}

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	spans := segmentSpans(res.Tokens)
	if len(spans) != 2 {
		t.Fatalf("spans = %d; want reference + segment 0", len(spans))
	}
	// 0.5 s of interleaved audio at 50 frames/s per stem.
	if got := len(spans[0]) - 2; got != 50 {
		t.Fatalf("reference holds %d tokens; want 50", got)
	}

	tracks, err := Export(res.Tokens, toyVocab(t), toyCodec())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if tracks.Frames() != 1 {
		t.Fatalf("exported frames = %d; want 1 (reference skipped)", tracks.Frames())
	}
}

// ---- validation and failures ----

func TestRun_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		opts   []Option
	}{
		{name: "both prompt modes", mutate: func(r *Request) {
			r.AudioPrompt = &AudioPrompt{Path: "a.wav"}
			r.DualPrompt = &DualPrompt{VocalPath: "v.wav", InstrumentalPath: "i.wav"}
		}, opts: []Option{WithEncoder(&fakeEncoder{})}},
		{name: "audio prompt without path", mutate: func(r *Request) {
			r.AudioPrompt = &AudioPrompt{}
		}},
		{name: "dual prompt missing instrumental", mutate: func(r *Request) {
			r.DualPrompt = &DualPrompt{VocalPath: "v.wav"}
		}},
		{name: "extend missing vocal", mutate: func(r *Request) {
			r.Extend = &Extend{InstrumentalPath: "i.wav"}
		}},
		{name: "prompt end before start", mutate: func(r *Request) {
			r.AudioPrompt = &AudioPrompt{Path: "a.wav", Start: 5, End: 2}
		}},
		{name: "no encoder", mutate: func(r *Request) {
			r.AudioPrompt = &AudioPrompt{Path: "a.wav"}
		}},
		{name: "no lyrics segments", mutate: func(r *Request) { r.Lyrics = "just words" }},
		{name: "zero segments to run", mutate: func(r *Request) { r.RunNSegments = 0 }},
		{name: "resume without store", mutate: func(r *Request) {
			n := 0
			r.ResumeAfter = &n
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &lmtest.Model{}
			p := newToyPipeline(t, model, toySettings(512, 8), tt.opts...)
			req := baseRequest()
			tt.mutate(&req)

			_, err := p.Run(context.Background(), req)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Run error = %v; want ConfigurationError", err)
			}
			if len(model.Calls) != 0 {
				t.Fatalf("model saw %d forwards; want 0", len(model.Calls))
			}
		})
	}
}

func TestRun_SettingsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{name: "cache too small", mutate: func(s *Settings) { s.CacheSize = 8 }},
		{name: "bad top_p", mutate: func(s *Settings) { s.Sampling.TopP = 0 }},
		{name: "repetition penalty below one", mutate: func(s *Settings) { s.Sampling.RepetitionPenalty = 0.5 }},
		{name: "empty codec range", mutate: func(s *Settings) { s.CodecIDEnd = s.CodecIDStart }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := toySettings(512, 8)
			tt.mutate(&settings)
			_, err := newToyPipeline(t, &lmtest.Model{}, settings).Run(context.Background(), baseRequest())
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Run error = %v; want ConfigurationError", err)
			}
		})
	}
}

func TestRun_ForwardFailureSkipsCheckpoint(t *testing.T) {
	boom := errors.New("boom")
	store := newMemStore()
	// Segment 0: prime + 3 steps. Fail inside segment 1.
	model := &lmtest.Model{Logits: lmtest.StopAfter(2), FailAt: 6, Err: boom}
	p := newToyPipeline(t, model, toySettings(512, 8), WithStore(store))

	_, err := p.Run(context.Background(), baseRequest())
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v; want boom", err)
	}
	if _, ok := store.saved[0]; !ok {
		t.Fatal("segment 0 checkpoint missing")
	}
	if _, ok := store.saved[1]; ok {
		t.Fatal("failing segment 1 was checkpointed")
	}
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &lmtest.Model{}
	_, err := newToyPipeline(t, model, toySettings(512, 8)).Run(ctx, baseRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v; want context.Canceled", err)
	}
	if len(model.Calls) != 0 {
		t.Fatalf("model saw %d forwards; want 0", len(model.Calls))
	}
}

type recordingObserver struct {
	started []int
	steps   int
	done    []SegmentResult
}

func (o *recordingObserver) SegmentStarted(index, _, _ int) { o.started = append(o.started, index) }
func (o *recordingObserver) TokenGenerated(int, int)        { o.steps++ }
func (o *recordingObserver) SegmentDone(res SegmentResult)  { o.done = append(o.done, res) }

func TestRun_Observer(t *testing.T) {
	obs := &recordingObserver{}
	p := newToyPipeline(t, &lmtest.Model{Logits: lmtest.StopAfter(2)}, toySettings(512, 8), WithObserver(obs))

	req := baseRequest()
	req.RunNSegments = 2
	if _, err := p.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !slices.Equal(obs.started, []int{0, 1}) || len(obs.done) != 2 || obs.steps != 6 {
		t.Fatalf("observer saw started=%v done=%d steps=%d", obs.started, len(obs.done), obs.steps)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/songgen"
	"github.com/example/go-songgen/internal/stage1"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Generator runs stage-1 requests and lists stored checkpoints.
type Generator interface {
	Generate(ctx context.Context, req stage1.Request, obs stage1.Observer) (songgen.Output, error)
	Checkpoints(ctx context.Context) ([]int, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxLyricsBytes int
	requestTimeout time.Duration
	defaults       config.Stage1Config
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxLyricsBytes: 16384,
		requestTimeout: time.Hour,
		defaults:       config.DefaultConfig().Stage1,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxLyricsBytes sets the maximum allowed lyrics length for POST /generate.
func WithMaxLyricsBytes(n int) Option {
	return func(o *options) { o.maxLyricsBytes = n }
}

// WithRequestTimeout sets the per-request generation deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithDefaults sets the run_n_segments and seed used when a request omits them.
func WithDefaults(c config.Stage1Config) Option {
	return func(o *options) { o.defaults = c }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	gen  Generator
	opts options
	busy atomic.Bool // one generation at a time
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /checkpoints and
// POST /generate.
func NewHandler(gen Generator, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{gen: gen, opts: opts, log: opts.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/checkpoints", h.handleCheckpoints)
	mux.HandleFunc("/generate", h.handleGenerate)
	return mux
}

// BuildVersion is the module version from the build info, or "dev".
func BuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// Health is the body of GET /health.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Generating bool   `json:"generating"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:     "ok",
		Version:    BuildVersion(),
		Generating: h.busy.Load(),
	})
}

func (h *handler) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	segments, err := h.gen.Checkpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if segments == nil {
		segments = []int{}
	}
	writeJSON(w, http.StatusOK, map[string][]int{"segments": segments})
}

type audioPromptJSON struct {
	Path  string  `json:"path"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type dualPromptJSON struct {
	Vocal        string  `json:"vocal"`
	Instrumental string  `json:"instrumental"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
}

type extendJSON struct {
	Vocal        string  `json:"vocal"`
	Instrumental string  `json:"instrumental"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	AsNewSegment bool    `json:"as_new_segment"`
}

type generateRequest struct {
	Genres       string           `json:"genres"`
	Lyrics       string           `json:"lyrics"`
	AudioPrompt  *audioPromptJSON `json:"audio_prompt"`
	DualPrompt   *dualPromptJSON  `json:"dual_prompt"`
	Extend       *extendJSON      `json:"extend"`
	ResumeAfter  *int             `json:"resume_after"`
	RunNSegments int              `json:"run_n_segments"`
	Seed         *uint64          `json:"seed"`
}

func (g generateRequest) toStage1(defaults config.Stage1Config) stage1.Request {
	req := stage1.Request{
		Genres:       g.Genres,
		Lyrics:       g.Lyrics,
		ResumeAfter:  g.ResumeAfter,
		RunNSegments: g.RunNSegments,
		Seed:         defaults.Seed,
	}
	if req.RunNSegments == 0 {
		req.RunNSegments = defaults.RunNSegments
	}
	if g.Seed != nil {
		req.Seed = *g.Seed
	}
	if p := g.AudioPrompt; p != nil {
		req.AudioPrompt = &stage1.AudioPrompt{Path: p.Path, Start: p.Start, End: p.End}
	}
	if p := g.DualPrompt; p != nil {
		req.DualPrompt = &stage1.DualPrompt{
			VocalPath:        p.Vocal,
			InstrumentalPath: p.Instrumental,
			Start:            p.Start,
			End:              p.End,
		}
	}
	if e := g.Extend; e != nil {
		req.Extend = &stage1.Extend{
			VocalPath:        e.Vocal,
			InstrumentalPath: e.Instrumental,
			Start:            e.Start,
			End:              e.End,
			AsNewSegment:     e.AsNewSegment,
		}
	}
	return req
}

type segmentJSON struct {
	Index     int  `json:"index"`
	Generated int  `json:"generated"`
	ForcedEOA bool `json:"forced_eoa"`
}

type generateResponse struct {
	RunID        string        `json:"run_id"`
	Vocal        string        `json:"vocal"`
	Instrumental string        `json:"instrumental"`
	Frames       int           `json:"frames"`
	Forwards     int           `json:"forwards"`
	Segments     []segmentJSON `json:"segments"`
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if strings.TrimSpace(body.Lyrics) == "" {
		writeError(w, http.StatusBadRequest, "lyrics field is required")
		return
	}

	if len(body.Lyrics) > h.opts.maxLyricsBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("lyrics exceed maximum size of %d bytes", h.opts.maxLyricsBytes))
		return
	}

	if !h.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a generation is already running")
		return
	}
	defer h.busy.Store(false)

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	req := body.toStage1(h.opts.defaults)
	start := time.Now()
	out, err := h.gen.Generate(ctx, req, &logObserver{ctx: r.Context(), log: h.log})
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		status, msg := classify(err)
		h.log.ErrorContext(r.Context(), "generation failed",
			slog.Int("status", status),
			slog.Int("lyrics_len", len(body.Lyrics)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, status, msg)
		return
	}

	h.log.InfoContext(r.Context(), "generation complete",
		slog.String("run_id", out.RunID),
		slog.Int("segments", len(out.Result.Segments)),
		slog.Int("frames", out.Frames),
		slog.Int64("duration_ms", durationMS),
	)

	resp := generateResponse{
		RunID:        out.RunID,
		Vocal:        out.VocalPath,
		Instrumental: out.InstrumentalPath,
		Frames:       out.Frames,
		Forwards:     out.Result.Forwards,
		Segments:     make([]segmentJSON, 0, len(out.Result.Segments)),
	}
	for _, s := range out.Result.Segments {
		resp.Segments = append(resp.Segments, segmentJSON{Index: s.Index, Generated: s.Generated, ForcedEOA: s.ForcedEOA})
	}
	writeJSON(w, http.StatusOK, resp)
}

// classify maps pipeline errors to HTTP statuses.
func classify(err error) (int, string) {
	var cfgErr *stage1.ConfigurationError
	var missing *stage1.MissingCheckpointError
	var structural *stage1.StructuralDecodeError

	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &missing):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "generation timed out"
	case errors.As(err, &structural):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, songgen.ErrNoModel):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// logObserver reports pipeline progress through the request logger.
type logObserver struct {
	ctx context.Context
	log *slog.Logger
}

func (o *logObserver) SegmentStarted(index, total, budget int) {
	o.log.InfoContext(o.ctx, "segment started", "segment", index, "total", total, "budget", budget)
}

func (o *logObserver) TokenGenerated(index, step int) {}

func (o *logObserver) SegmentDone(res stage1.SegmentResult) {
	o.log.DebugContext(o.ctx, "segment done",
		"segment", res.Index,
		"tokens", res.Generated,
		"forced_eoa", res.ForcedEOA,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.Config
	gen             Generator
	shutdownTimeout time.Duration
}

func New(cfg config.Config, gen Generator) *Server {
	timeout := 30 * time.Second
	if cfg.Server.ShutdownTimeout > 0 {
		timeout = time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	}
	return &Server{
		cfg:             cfg,
		gen:             gen,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s.gen == nil {
		return errors.New("server: no generator configured")
	}

	handlerOpts := []Option{
		WithMaxLyricsBytes(s.cfg.Server.MaxLyricsBytes),
		WithDefaults(s.cfg.Stage1),
	}
	if s.cfg.Server.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           NewHandler(s.gen, handlerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("http server listening", "addr", s.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP fetches /health from addr and fails unless the server reports
// status ok.
func ProbeHTTP(ctx context.Context, addr string) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return Health{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("health %s: %s", addr, resp.Status)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("health %s: decode: %w", addr, err)
	}
	if health.Status != "ok" {
		return health, fmt.Errorf("health %s: status %q", addr, health.Status)
	}
	return health, nil
}

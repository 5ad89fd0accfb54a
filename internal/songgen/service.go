// Package songgen wires configuration to the stage-1 pipeline: it loads the
// tokenizer, the ONNX graphs and the checkpoint store, runs requests and
// exports the resulting vocal and instrumental token tracks.
package songgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/example/go-songgen/internal/checkpoint"
	"github.com/example/go-songgen/internal/codec"
	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/lm"
	"github.com/example/go-songgen/internal/onnx"
	"github.com/example/go-songgen/internal/stage1"
	"github.com/example/go-songgen/internal/tokenizer"
)

// ErrNoModel is returned by Generate on a service opened without the model.
var ErrNoModel = errors.New("songgen: model not loaded")

// Components are the collaborators of a Service. Model and Encoder may be
// nil for services that only read checkpoints.
type Components struct {
	Model     lm.Model
	Encoder   codec.Encoder
	Tokenizer tokenizer.Tokenizer
	Store     checkpoint.Store

	// Codec defaults to codec.NewXCodec.
	Codec *codec.Manipulator
}

type Service struct {
	cfg     config.Config
	engine  *onnx.Engine
	model   lm.Model
	encoder codec.Encoder
	tok     tokenizer.Tokenizer
	vocab   tokenizer.Vocab
	store   checkpoint.Store
	codec   codec.Manipulator
}

type options struct {
	skipModel bool
}

type Option func(*options)

// WithoutModel opens only the tokenizer and the checkpoint store, which is
// enough for listing and exporting checkpoints.
func WithoutModel() Option {
	return func(o *options) { o.skipModel = true }
}

// NewService loads everything cfg points at.
func NewService(ctx context.Context, cfg config.Config, optFns ...Option) (*Service, error) {
	var opts options
	for _, fn := range optFns {
		fn(&opts)
	}

	tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.TokenizerModel, tokenizer.WithDelimiters(cfg.Stage1.SOA, cfg.Stage1.EOA))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	store, err := checkpoint.New(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	comps := Components{Tokenizer: tok, Store: store}

	var engine *onnx.Engine
	if !opts.skipModel {
		manifest, err := onnx.LoadManifest(cfg.Paths.ModelManifest)
		if err == nil {
			err = manifest.CheckLanguageModel()
		}
		if err != nil {
			return nil, fmt.Errorf("model manifest: %w", err)
		}

		engine, err = onnx.NewEngine(cfg.Paths.ModelManifest, cfg.Runtime)
		if err != nil {
			return nil, err
		}

		model, err := onnx.NewStage1Model(engine, cfg.Stage1.CacheMode)
		if err != nil {
			engine.Close()
			return nil, err
		}
		comps.Model = model

		// The encoder graph is only needed for audio-conditioned requests.
		if enc, err := onnx.NewCodecEncoder(engine); err == nil {
			comps.Encoder = enc
		} else {
			slog.Warn("codec encoder unavailable; audio prompts and extend are disabled", "error", err)
		}
	}

	svc, err := NewServiceWithComponents(cfg, comps)
	if err != nil {
		if engine != nil {
			engine.Close()
		}
		return nil, err
	}
	svc.engine = engine

	slog.Info("service ready",
		"model", comps.Model != nil,
		"cache_mode", cfg.Stage1.CacheMode,
		"checkpoints", cfg.Checkpoint.Backend,
	)

	return svc, nil
}

// NewServiceWithComponents builds a Service from explicit collaborators.
func NewServiceWithComponents(cfg config.Config, c Components) (*Service, error) {
	vocab, err := tokenizer.NewVocab(c.Tokenizer, cfg.Stage1.SOA, cfg.Stage1.EOA)
	if err != nil {
		return nil, fmt.Errorf("build vocabulary: %w", err)
	}

	m := codec.NewXCodec()
	if c.Codec != nil {
		m = *c.Codec
	}

	return &Service{
		cfg:     cfg,
		model:   c.Model,
		encoder: c.Encoder,
		tok:     c.Tokenizer,
		vocab:   vocab,
		store:   c.Store,
		codec:   m,
	}, nil
}

// Output describes the artifacts of one run.
type Output struct {
	RunID            string
	Dir              string
	VocalPath        string
	InstrumentalPath string
	Frames           int
	Result           stage1.Result
}

// Generate runs req and writes vtrack.npy/itrack.npy under
// <output_dir>/<run-id>/stage1.
func (s *Service) Generate(ctx context.Context, req stage1.Request, obs stage1.Observer) (Output, error) {
	if s.model == nil {
		return Output{}, ErrNoModel
	}

	opts := []stage1.Option{stage1.WithCodec(s.codec), stage1.WithObserver(obs)}
	if s.encoder != nil {
		opts = append(opts, stage1.WithEncoder(s.encoder))
	}
	if s.store != nil {
		opts = append(opts, stage1.WithStore(s.store))
	}

	p := stage1.NewPipeline(s.model, s.tok, s.vocab, stage1.SettingsFromConfig(s.cfg.Stage1), opts...)
	res, err := p.Run(ctx, req)
	if err != nil {
		return Output{}, err
	}

	out, err := s.export(res.Tokens)
	if err != nil {
		return Output{}, err
	}
	out.Result = res

	slog.Info("run complete",
		"run_id", out.RunID,
		"segments", len(res.Segments),
		"frames", out.Frames,
		"forwards", res.Forwards,
		"dir", out.Dir,
	)

	return out, nil
}

// ExportCheckpoint writes the tracks stored in a segment checkpoint
// without running the model.
func (s *Service) ExportCheckpoint(ctx context.Context, segment int) (Output, error) {
	rec, err := s.Checkpoint(ctx, segment)
	if err != nil {
		return Output{}, err
	}
	if len(rec.Seq) == 0 {
		return Output{}, fmt.Errorf("checkpoint %d has no sequence", segment)
	}

	out, err := s.export(rec.Seq[0])
	if err != nil {
		return Output{}, fmt.Errorf("checkpoint %d: %w", segment, err)
	}
	return out, nil
}

func (s *Service) Checkpoints(ctx context.Context) ([]int, error) {
	if s.store == nil {
		return nil, errors.New("songgen: no checkpoint store configured")
	}
	return s.store.List(ctx)
}

func (s *Service) Checkpoint(ctx context.Context, segment int) (checkpoint.Record, error) {
	if s.store == nil {
		return checkpoint.Record{}, errors.New("songgen: no checkpoint store configured")
	}
	rec, err := s.store.Load(ctx, segment)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return checkpoint.Record{}, &stage1.MissingCheckpointError{Segment: segment, Err: err}
	}
	return rec, err
}

func (s *Service) Close() {
	if s.model != nil {
		_ = s.model.Close()
	}
	if s.engine != nil {
		s.engine.Close()
	}
}

func (s *Service) export(ids []int64) (Output, error) {
	tracks, err := stage1.Export(ids, s.vocab, s.codec)
	if err != nil {
		return Output{}, err
	}

	runID := ulid.Make().String()
	dir := filepath.Join(s.cfg.OutputDir, runID, "stage1")
	vocal, inst, err := tracks.Write(dir)
	if err != nil {
		return Output{}, fmt.Errorf("write tracks: %w", err)
	}

	return Output{
		RunID:            runID,
		Dir:              dir,
		VocalPath:        vocal,
		InstrumentalPath: inst,
		Frames:           tracks.Frames(),
	}, nil
}

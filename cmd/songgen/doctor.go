package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/example/go-songgen/internal/checkpoint"
	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/doctor"
	"github.com/example/go-songgen/internal/onnx"
	"github.com/example/go-songgen/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, model and checkpoint checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dcfg, err := buildDoctorConfig(ctx, cfg)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "cache mode: %s, checkpoints: %s, threads: %d/%d\n",
				cfg.Stage1.CacheMode, cfg.Checkpoint.Backend, cfg.Runtime.Threads, cfg.Runtime.InterOpThreads)

			result := doctor.Run(dcfg, os.Stdout)

			if probe && !result.Failed() {
				probeGraphs(ctx, cfg, os.Stdout, &result)
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Load every graph and run it once on zero inputs")

	return cmd
}

func buildDoctorConfig(ctx context.Context, cfg config.Config) (doctor.Config, error) {
	backend, err := config.NormalizeCheckpointBackend(cfg.Checkpoint.Backend)
	if err != nil {
		return doctor.Config{}, err
	}

	dcfg := doctor.Config{
		Runtime: func() (string, string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			return info.LibraryPath, info.Version, err
		},
		Graphs: func() ([]string, error) {
			return manifestGraphs(cfg.Paths.ModelManifest)
		},
		RequiredGraphs: []string{onnx.GraphPrefill, onnx.GraphStep},
		OptionalGraphs: []string{onnx.GraphCodecEncoder},
		TokenizerModel: cfg.Paths.TokenizerModel,
		LoadTokenizer: func() error {
			tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.TokenizerModel, tokenizer.WithDelimiters(cfg.Stage1.SOA, cfg.Stage1.EOA))
			if err != nil {
				return err
			}
			_, err = tokenizer.NewVocab(tok, cfg.Stage1.SOA, cfg.Stage1.EOA)
			return err
		},
	}

	switch backend {
	case config.CheckpointLocal:
		dcfg.CheckpointDir = cfg.Checkpoint.Dir
	default:
		dcfg.RemoteCheckpoints = func() ([]int, error) {
			store, err := checkpoint.New(ctx, cfg.Checkpoint)
			if err != nil {
				return nil, err
			}
			return store.List(ctx)
		}
	}

	return dcfg, nil
}

func manifestGraphs(path string) ([]string, error) {
	manifest, err := onnx.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return manifest.Names(), nil
}

// probeGraphs opens the engine and runs each graph once.
func probeGraphs(ctx context.Context, cfg config.Config, w io.Writer, result *doctor.Result) {
	engine, err := onnx.NewEngine(cfg.Paths.ModelManifest, cfg.Runtime)
	if err != nil {
		result.AddFailure(fmt.Sprintf("graph probe: %v", err))
		_, _ = fmt.Fprintf(w, "%s graph probe: %v\n", doctor.FailMark, err)
		return
	}
	defer engine.Close()

	for _, name := range engine.Graphs() {
		shapes, err := engine.Probe(ctx, name)
		if err != nil {
			result.AddFailure(fmt.Sprintf("graph probe %s: %v", name, err))
			_, _ = fmt.Fprintf(w, "%s probe %s: %v\n", doctor.FailMark, name, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s probe %s: %d output(s)\n", doctor.PassMark, name, len(shapes))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/bench"
	"github.com/example/go-songgen/internal/codec"
	"github.com/example/go-songgen/internal/songgen"
	"github.com/example/go-songgen/internal/stage1"
)

func newBenchCmd() *cobra.Command {
	var (
		f            generateFlags
		runs         int
		format       string
		rtfThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark stage-1 generation latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return errors.New("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			req, err := buildRequest(f, cfg.Stage1, os.Stdin)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			svc, err := songgen.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			results, err := runBench(ctx, svc, req, runs)
			if err != nil {
				return err
			}

			summary := bench.Summarize(results)
			write := bench.FormatTable
			if format == "json" {
				write = bench.FormatJSON
			}
			if err := write(cmd.OutOrStdout(), results, summary); err != nil {
				return err
			}

			return bench.CheckRTFThreshold(summary, rtfThreshold)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.genres, "genres", "", "Genre tags")
	fl.StringVar(&f.lyrics, "lyrics", "", "Lyrics with section tags")
	fl.StringVar(&f.lyricsFile, "lyrics-file", "", "Read lyrics from a file ('-' for stdin)")
	fl.IntVar(&runs, "runs", 3, "Number of generation runs")
	fl.StringVar(&format, "format", "table", "Output format: table|json")
	fl.Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if the warm-run RTF exceeds this value (0 disables)")

	return cmd
}

type generator interface {
	Generate(ctx context.Context, req stage1.Request, obs stage1.Observer) (songgen.Output, error)
}

func runBench(ctx context.Context, g generator, req stage1.Request, runs int) ([]bench.RunResult, error) {
	results := make([]bench.RunResult, 0, runs)

	for i := range runs {
		start := time.Now()
		out, err := g.Generate(ctx, req, nil)
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, describeGenerateError(err))
		}
		results = append(results, bench.NewRunResult(i, time.Since(start), out.Frames, out.Result.Forwards, codec.XCodecFPS))
	}

	return results, nil
}

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/server"
	"github.com/example/go-songgen/internal/songgen"
)

func newServeCmd() *cobra.Command {
	var checkpointsOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /generate, GET /checkpoints and GET /health",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []songgen.Option
			if checkpointsOnly {
				opts = append(opts, songgen.WithoutModel())
				slog.Info("serving checkpoints only, /generate is unavailable")
			}

			svc, err := songgen.NewService(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer svc.Close()

			slog.Info("songgen service ready",
				"checkpoint_backend", cfg.Checkpoint.Backend,
				"cache_mode", cfg.Stage1.CacheMode,
			)

			return server.New(cfg, svc).Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&checkpointsOnly, "checkpoints-only", false, "Skip loading the model; only list checkpoints")

	return cmd
}

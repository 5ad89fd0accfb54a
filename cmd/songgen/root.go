package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/server"
)

var (
	cfgFile   string
	activeCfg config.Config
)

// NewRootCmd assembles the songgen command tree. Configuration is loaded
// once per invocation, before any subcommand runs.
func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "songgen",
		Short:         "Segment-by-segment song token generation",
		Version:       server.BuildVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			activeCfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(root.PersistentFlags(), defaults)

	root.AddCommand(
		newGenerateCmd(),
		newCheckpointsCmd(),
		newExportCmd(),
		newServeCmd(),
		newHealthCmd(),
		newDoctorCmd(),
		newModelCmd(),
		newBenchCmd(),
		newPromptClipCmd(),
	)

	return root
}

// newLogger builds the process logger. Unknown levels or formats are
// rejected rather than silently replaced.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := server.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want json|text)", format)
	}
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelManifest == "" {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return activeCfg, nil
}

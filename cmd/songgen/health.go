package main

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/server"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running songgen server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			health, err := server.ProbeHTTP(ctx, cmp.Or(addr, cfg.Server.ListenAddr))
			if err != nil {
				return err
			}

			state := "idle"
			if health.Generating {
				state = "generating"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n", health.Version, state)
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: server listen address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")

	return cmd
}

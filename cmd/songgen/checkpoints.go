package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/example/go-songgen/internal/checkpoint"
	"github.com/example/go-songgen/internal/songgen"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect per-segment checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored segment checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openCheckpointService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			segments, err := svc.Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			return printSegments(os.Stdout, segments)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <segment>",
		Short: "Describe one segment checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segment, err := parseSegment(args[0])
			if err != nil {
				return err
			}

			svc, err := openCheckpointService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.Checkpoint(cmd.Context(), segment)
			if err != nil {
				return err
			}
			return printRecord(os.Stdout, rec)
		},
	})

	return cmd
}

// openCheckpointService opens the tokenizer and store only.
func openCheckpointService(ctx context.Context) (*songgen.Service, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return songgen.NewService(ctx, cfg, songgen.WithoutModel())
}

func parseSegment(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid segment %q: want a non-negative integer", raw)
	}
	return n, nil
}

func printSegments(w io.Writer, segments []int) error {
	if len(segments) == 0 {
		_, err := fmt.Fprintln(w, "no checkpoints")
		return err
	}
	for _, s := range segments {
		if _, err := fmt.Fprintf(w, "segment %d\n", s); err != nil {
			return err
		}
	}
	return nil
}

func printRecord(w io.Writer, rec checkpoint.Record) error {
	length := 0
	if len(rec.Seq) > 0 {
		length = len(rec.Seq[0])
	}

	created := "unknown"
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UTC().Format(time.RFC3339)
	}

	_, err := fmt.Fprintf(w, "segment:  %d\nlanes:    %d\ntokens:   %d\nsections: %d\ncreated:  %s\n",
		rec.Segment, len(rec.Seq), length, len(rec.Lyrics), created)
	return err
}

package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var errNegativeSegment = errors.New("--segment must be >= 0")

func newExportCmd() *cobra.Command {
	var segment int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write vocal and instrumental tracks from a segment checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if segment < 0 {
				return errNegativeSegment
			}

			svc, err := openCheckpointService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := svc.ExportCheckpoint(cmd.Context(), segment)
			if err != nil {
				return describeGenerateError(err)
			}
			return printOutput(os.Stdout, out)
		},
	}

	cmd.Flags().IntVar(&segment, "segment", 0, "Checkpoint segment to export")

	return cmd
}

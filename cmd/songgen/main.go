package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/example/go-songgen/internal/onnx"
	"github.com/example/go-songgen/internal/stage1"
)

// Process exit codes. Anything not listed exits with exitFailure.
const (
	exitFailure     = 1
	exitUsage       = 2
	exitNoSegment   = 3
	exitDecode      = 4
	exitInterrupted = 130
)

func main() {
	err := NewRootCmd().Execute()

	if shutdownErr := onnx.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var (
		cfgErr     *stage1.ConfigurationError
		missingErr *stage1.MissingCheckpointError
		decodeErr  *stage1.StructuralDecodeError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.As(err, &cfgErr):
		return exitUsage
	case errors.As(err, &missingErr):
		return exitNoSegment
	case errors.As(err, &decodeErr), errors.Is(err, stage1.ErrLaneMismatch):
		return exitDecode
	default:
		return exitFailure
	}
}

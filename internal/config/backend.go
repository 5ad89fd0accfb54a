package config

import (
	"fmt"
	"strings"
)

// KV cache modes for the stage-1 model.
const (
	CacheModeFP16 = "fp16"
	CacheModeQ8   = "q8"
	CacheModeQ6   = "q6"
	CacheModeQ4   = "q4"
)

const (
	CheckpointLocal = "local"
	CheckpointS3    = "s3"
)

func NormalizeCacheMode(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		mode = CacheModeFP16
	}
	switch mode {
	case CacheModeFP16, CacheModeQ8, CacheModeQ6, CacheModeQ4:
		return mode, nil
	case "full", "dense", "fp32":
		return CacheModeFP16, nil
	default:
		return "", fmt.Errorf(
			"invalid cache mode %q (expected %s|%s|%s|%s)",
			raw,
			CacheModeFP16,
			CacheModeQ8,
			CacheModeQ6,
			CacheModeQ4,
		)
	}
}

// CacheModeBits returns the quantization width for mode, or 0 for the
// full-precision cache.
func CacheModeBits(mode string) int {
	switch mode {
	case CacheModeQ8:
		return 8
	case CacheModeQ6:
		return 6
	case CacheModeQ4:
		return 4
	default:
		return 0
	}
}

func NormalizeCheckpointBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = CheckpointLocal
	}
	switch backend {
	case CheckpointLocal, CheckpointS3:
		return backend, nil
	case "fs", "file":
		return CheckpointLocal, nil
	default:
		return "", fmt.Errorf("invalid checkpoint backend %q (expected %s|%s)", raw, CheckpointLocal, CheckpointS3)
	}
}

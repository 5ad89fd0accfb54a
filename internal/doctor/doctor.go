// Package doctor provides environment preflight checks for songgen.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/mod/semver"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// MinORTVersion is the oldest ONNX Runtime release that exposes the C API
// version the runners request.
const MinORTVersion = "1.23.0"

// RuntimeFunc resolves the ONNX Runtime shared library.
type RuntimeFunc func() (library, version string, err error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime locates libonnxruntime. Nil skips the runtime check.
	Runtime RuntimeFunc

	// Graphs lists the graph names declared by the model manifest.
	Graphs func() ([]string, error)
	// RequiredGraphs fail the run when absent from the manifest.
	RequiredGraphs []string
	// OptionalGraphs are reported but never fail.
	OptionalGraphs []string

	// TokenizerModel is the SentencePiece model path.
	TokenizerModel string
	// LoadTokenizer loads the model and encodes the segment markers. Nil
	// only checks that the file exists.
	LoadTokenizer func() error

	// CheckpointDir must be writable when set (local backend).
	CheckpointDir string
	// RemoteCheckpoints lists segment checkpoints in a remote store.
	RemoteCheckpoints func() ([]int, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- onnx runtime -----------------------------------------------------
	if cfg.Runtime == nil {
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	} else {
		lib, ver, err := cfg.Runtime()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		case ver == "" || ver == "unknown":
			fmt.Fprintf(w, "%s onnx runtime: %s (version unknown)\n", PassMark, lib)
		default:
			if verErr := checkORTVersion(ver); verErr != nil {
				res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
				fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
			} else {
				fmt.Fprintf(w, "%s onnx runtime: %s (%s)\n", PassMark, lib, ver)
			}
		}
	}

	// ---- model graphs -----------------------------------------------------
	if cfg.Graphs == nil {
		fmt.Fprintf(w, "%s model graphs: skipped\n", PassMark)
	} else {
		checkGraphs(cfg, w, &res)
	}

	// ---- tokenizer --------------------------------------------------------
	if cfg.TokenizerModel != "" {
		if _, err := os.Stat(cfg.TokenizerModel); err != nil {
			res.fail(fmt.Sprintf("tokenizer model %q: %v", cfg.TokenizerModel, err))
			fmt.Fprintf(w, "%s tokenizer model %s: not found\n", FailMark, cfg.TokenizerModel)
		} else if cfg.LoadTokenizer != nil {
			if err := cfg.LoadTokenizer(); err != nil {
				res.fail(fmt.Sprintf("tokenizer model: %v", err))
				fmt.Fprintf(w, "%s tokenizer model: %v\n", FailMark, err)
			} else {
				fmt.Fprintf(w, "%s tokenizer model: %s (markers ok)\n", PassMark, cfg.TokenizerModel)
			}
		} else {
			fmt.Fprintf(w, "%s tokenizer model: %s\n", PassMark, cfg.TokenizerModel)
		}
	}

	// ---- checkpoints ------------------------------------------------------
	if cfg.CheckpointDir != "" {
		if err := checkWritable(cfg.CheckpointDir); err != nil {
			res.fail(fmt.Sprintf("checkpoint dir %q: %v", cfg.CheckpointDir, err))
			fmt.Fprintf(w, "%s checkpoint dir %s: %v\n", FailMark, cfg.CheckpointDir, err)
		} else {
			fmt.Fprintf(w, "%s checkpoint dir: %s\n", PassMark, cfg.CheckpointDir)
		}
	}

	if cfg.RemoteCheckpoints != nil {
		segs, err := cfg.RemoteCheckpoints()
		if err != nil {
			res.fail(fmt.Sprintf("checkpoint store: %v", err))
			fmt.Fprintf(w, "%s checkpoint store: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s checkpoint store: %d segment(s)\n", PassMark, len(segs))
		}
	}

	return res
}

func checkGraphs(cfg Config, w io.Writer, res *Result) {
	names, err := cfg.Graphs()
	if err != nil {
		res.fail(fmt.Sprintf("model manifest: %v", err))
		fmt.Fprintf(w, "%s model manifest: %v\n", FailMark, err)
		return
	}

	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}

	for _, g := range cfg.RequiredGraphs {
		if have[g] {
			fmt.Fprintf(w, "%s graph %s\n", PassMark, g)
			continue
		}
		res.fail(fmt.Sprintf("graph %s: missing from manifest", g))
		fmt.Fprintf(w, "%s graph %s: missing\n", FailMark, g)
	}

	for _, g := range cfg.OptionalGraphs {
		if have[g] {
			fmt.Fprintf(w, "%s graph %s\n", PassMark, g)
		} else {
			fmt.Fprintf(w, "%s graph %s: absent (optional)\n", PassMark, g)
		}
	}
}

// checkWritable creates dir if needed and round-trips a scratch file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}

// checkORTVersion accepts 1.x releases at or above MinORTVersion. ver may
// carry a leading "v" or a pre-release suffix such as "1.23.0-rc1".
func checkORTVersion(ver string) error {
	v := canonicalVersion(ver)
	if !semver.IsValid(v) {
		return fmt.Errorf("cannot parse version %q", ver)
	}
	if major := semver.Major(v); major != "v1" {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %s", strings.TrimPrefix(major, "v"))
	}
	if semver.Compare(v, "v"+MinORTVersion) < 0 {
		return fmt.Errorf("requires ONNX Runtime >=%s, got %s", MinORTVersion, strings.TrimPrefix(v, "v"))
	}
	return nil
}

func canonicalVersion(ver string) string {
	ver = strings.TrimSpace(ver)
	if ver == "" {
		return ""
	}
	return "v" + strings.TrimPrefix(ver, "v")
}

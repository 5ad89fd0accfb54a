// Package testutil provides shared skip helpers and artifact assertions for
// integration tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
//
// Typical usage:
//
//	func TestGenerateIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    manifest := testutil.RequireModelManifest(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// SONGGEN_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "SONGGEN_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			_, err := os.Stat(p)
			if err == nil {
				return
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			return
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or SONGGEN_ORT_LIB")
}

// RequireModelManifest returns the stage-1 manifest path from
// SONGGEN_MODEL_MANIFEST, falling back to models/onnx/manifest.json under
// the repository root. It skips the test when neither exists.
func RequireModelManifest(tb testing.TB) string {
	tb.Helper()

	return requireFile(tb, "SONGGEN_MODEL_MANIFEST", filepath.Join("models", "onnx", "manifest.json"), "model manifest")
}

// RequireTokenizerModel is RequireModelManifest for the SentencePiece model
// (SONGGEN_TOKENIZER_MODEL, models/tokenizer.model).
func RequireTokenizerModel(tb testing.TB) string {
	tb.Helper()

	return requireFile(tb, "SONGGEN_TOKENIZER_MODEL", filepath.Join("models", "tokenizer.model"), "tokenizer model")
}

func requireFile(tb testing.TB, env, rel, what string) string {
	tb.Helper()

	if p := os.Getenv(env); p != "" {
		if _, err := os.Stat(p); err != nil {
			tb.Skipf("%s not found at %s=%q", what, env, p)
			return ""
		}
		return p
	}

	p := filepath.Join(RepoRoot(), rel)
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("%s not available at %q; set %s", what, p, env)
		return ""
	}
	return p
}

// RepoRoot walks up from the working directory to the directory holding
// go.mod. It returns "." when none is found.
func RepoRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

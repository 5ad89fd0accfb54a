package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-songgen/internal/stage1"
	"github.com/example/go-songgen/internal/testutil"
)

func TestGenerateCLI_Integration(t *testing.T) {
	testutil.RequireONNXRuntime(t)
	manifest := testutil.RequireModelManifest(t)
	tok := testutil.RequireTokenizerModel(t)

	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })

	outDir := t.TempDir()
	ckptDir := t.TempDir()
	common := []string{
		"--paths-model-manifest", manifest,
		"--paths-tokenizer-model", tok,
		"--output-dir", outDir,
		"--checkpoint-dir", ckptDir,
		"--max-new-tokens", "64",
		"--run-n-segments", "1",
	}

	root := NewRootCmd()
	root.SetArgs(append(append([]string{}, common...), "generate", "--genres", "pop", "--lyrics", testLyrics, "--no-progress"))
	if err := root.Execute(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	var tracks []string
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && (d.Name() == stage1.VocalFile || d.Name() == stage1.InstrumentalFile) {
			tracks = append(tracks, path)
		}
		return err
	})
	if err != nil {
		t.Fatalf("walk output: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("expected vocal and instrumental tracks, got %v", tracks)
	}

	for _, p := range tracks {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		testutil.AssertTrackNPY(t, data, 1)
	}

	root = NewRootCmd()
	root.SetArgs(append(append([]string{}, common...), "export", "--segment", "0"))
	if err := root.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}
}

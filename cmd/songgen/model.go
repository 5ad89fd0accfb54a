package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-songgen/internal/model"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Fetch stage-1 graphs and tokenizer files",
	}

	cmd.AddCommand(newModelDownloadCmd())
	cmd.AddCommand(newModelFetchBundleCmd())
	return cmd
}

func newModelDownloadCmd() *cobra.Command {
	var (
		manifestPath string
		outDir       string
		hfToken      string
		noProgress   bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download files listed in a manifest from Hugging Face",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if manifestPath == "" {
				return errors.New("--manifest is required")
			}
			if hfToken == "" {
				hfToken = os.Getenv("HF_TOKEN")
			}

			m, err := model.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			err = model.Download(cmd.Context(), model.DownloadOptions{
				Manifest: m,
				OutDir:   outDir,
				HFToken:  hfToken,
				Stdout:   cmd.OutOrStdout(),
				Progress: progressWriter(cmd.ErrOrStderr(), noProgress),
			})
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Download manifest (repo plus files pinned by revision)")
	cmd.Flags().StringVar(&outDir, "out-dir", "models", "Directory where files are stored")
	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hugging Face token (falls back to HF_TOKEN env var)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")

	return cmd
}

func newModelFetchBundleCmd() *cobra.Command {
	var (
		opts       model.BundleOptions
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "fetch-bundle",
		Short: "Fetch and extract an archive of stage-1 ONNX graphs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.OutDir == "" {
				opts.OutDir = bundleOutDir(activeCfg.Paths.ModelManifest)
			}
			opts.Stdout = cmd.OutOrStdout()
			opts.Progress = progressWriter(cmd.ErrOrStderr(), noProgress)

			if err := model.FetchBundle(cmd.Context(), opts); err != nil {
				return fmt.Errorf("fetch bundle: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.URL, "bundle-url", "", "Archive URL, local path or file:// URL (overrides the lock file)")
	cmd.Flags().StringVar(&opts.SHA256, "sha256", "", "Expected archive sha256")
	cmd.Flags().StringVar(&opts.BundleID, "bundle-id", "", "Bundle id in the lock file")
	cmd.Flags().StringVar(&opts.Variant, "variant", "stage1", "Bundle variant in the lock file")
	cmd.Flags().StringVar(&opts.LockFile, "lock-file", model.DefaultBundleLock, "Bundle lock file")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "", "Extraction directory (default: directory of --paths-model-manifest)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")

	return cmd
}

// bundleOutDir extracts next to the configured manifest so the engine finds
// the graphs without further configuration.
func bundleOutDir(manifest string) string {
	if manifest == "" {
		return filepath.Join("models", "onnx")
	}
	return filepath.Dir(manifest)
}

func progressWriter(w io.Writer, disabled bool) io.Writer {
	if disabled {
		return nil
	}
	return w
}

package model

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-songgen/internal/onnx"
)

// DefaultBundleLock is where FetchBundle looks up bundle URLs.
const DefaultBundleLock = "models/onnx-bundles.lock.json"

type BundleLock struct {
	Version int      `json:"version"`
	Bundles []Bundle `json:"bundles"`
}

// Bundle is one archive of exported stage-1 graphs plus manifest.json.
type Bundle struct {
	ID      string `json:"id"`
	Variant string `json:"variant"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

type BundleOptions struct {
	BundleID string
	Variant  string
	URL      string
	SHA256   string
	LockFile string
	OutDir   string

	HTTPClient *http.Client
	Stdout     io.Writer
	Progress   io.Writer
}

// FetchBundle downloads (or copies, for local paths and file:// URLs) a
// graph archive, checks its sha256, extracts it into OutDir and verifies
// that the manifest declares the prefill and step graphs.
func FetchBundle(ctx context.Context, opts BundleOptions) error {
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}
	if opts.Variant == "" {
		opts.Variant = "stage1"
	}
	if opts.LockFile == "" {
		opts.LockFile = DefaultBundleLock
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 0}
	}

	bundleURL := strings.TrimSpace(opts.URL)
	checksum := strings.ToLower(strings.TrimSpace(opts.SHA256))

	if bundleURL == "" {
		b, err := resolveBundleFromLock(opts.LockFile, opts.BundleID, opts.Variant)
		if err != nil {
			return err
		}

		bundleURL = b.URL
		if checksum == "" {
			checksum = strings.ToLower(strings.TrimSpace(b.SHA256))
		}

		_, _ = fmt.Fprintf(opts.Stdout, "resolved bundle from lock: id=%s variant=%s url=%s\n", b.ID, b.Variant, b.URL)
	}

	if bundleURL == "" {
		return fmt.Errorf("bundle URL is required (pass --bundle-url or configure %s)", opts.LockFile)
	}
	if checksum != "" && !isSHA256Hex(checksum) {
		return fmt.Errorf("invalid sha256 checksum %q", checksum)
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	archive, actual, err := fetchArchive(ctx, opts, bundleURL)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	if checksum != "" && checksum != actual {
		return fmt.Errorf("bundle checksum mismatch: expected %s got %s", checksum, actual)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "fetched bundle (%s) sha256=%s\n", bundleURL, actual)

	if err := extractBundle(archive, bundleURL, opts.OutDir); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(opts.Stdout, "extracted bundle into %s\n", opts.OutDir)

	if err := verifyManifestDir(opts.OutDir); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(opts.Stdout, "verified graph manifest in %s\n", opts.OutDir)

	return nil
}

func resolveBundleFromLock(lockFile, bundleID, variant string) (Bundle, error) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle lock file %q: %w", lockFile, err)
	}

	var lock BundleLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle lock file %q: %w", lockFile, err)
	}

	if len(lock.Bundles) == 0 {
		return Bundle{}, fmt.Errorf("bundle lock %q has no bundles; pass --bundle-url", lockFile)
	}

	for _, b := range lock.Bundles {
		if bundleID != "" && b.ID == bundleID {
			return b, nil
		}
		if bundleID == "" && b.Variant == variant {
			return b, nil
		}
	}

	if bundleID != "" {
		return Bundle{}, fmt.Errorf("bundle id %q not found in %s", bundleID, lockFile)
	}
	return Bundle{}, fmt.Errorf("no bundle found for variant %q in %s", variant, lockFile)
}

// fetchArchive copies the bundle into a temp file and returns its path and
// sha256.
func fetchArchive(ctx context.Context, opts BundleOptions, bundleURL string) (string, string, error) {
	src, size, err := openBundleSource(ctx, opts.HTTPClient, bundleURL)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp("", "songgen-bundle-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp bundle file: %w", err)
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	if _, err := copyWithProgress(io.MultiWriter(tmp, h), src, size, "bundle", opts.Progress); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", "", fmt.Errorf("write temp bundle file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", "", fmt.Errorf("close temp bundle file: %w", err)
	}

	return tmpPath, hex.EncodeToString(h.Sum(nil)), nil
}

func openBundleSource(ctx context.Context, client *http.Client, bundleURL string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(bundleURL, "http://") && !strings.HasPrefix(bundleURL, "https://") {
		local := strings.TrimPrefix(bundleURL, "file://")

		fh, err := os.Open(local)
		if err != nil {
			return nil, 0, fmt.Errorf("open local bundle %q: %w", local, err)
		}

		size := int64(-1)
		if fi, err := fh.Stat(); err == nil {
			size = fi.Size()
		}
		return fh, size, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundleURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build bundle request: %w", err)
	}

	// #nosec G704 -- Bundle URL comes from explicit CLI/lock configuration.
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bundle download failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("bundle download failed: %s", resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

// extractBundle picks the format from the source name, trying zip then
// tar.gz when the name does not tell.
func extractBundle(archive, sourceName, outDir string) error {
	base := strings.ToLower(sourceName)
	switch {
	case strings.HasSuffix(base, ".zip"):
		return extractZip(archive, outDir)
	case strings.HasSuffix(base, ".tar.gz"), strings.HasSuffix(base, ".tgz"):
		return extractTarGz(archive, outDir)
	}

	if err := extractZip(archive, outDir); err == nil {
		return nil
	}
	if err := extractTarGz(archive, outDir); err == nil {
		return nil
	}

	return fmt.Errorf("unsupported bundle format for %s (expected .zip or .tar.gz/.tgz)", sourceName)
}

func extractZip(archive, outDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip bundle: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		target, err := safeExtractPath(outDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}

		err = writeEntry(target, src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("extract zip entry %s: %w", f.Name, err)
		}
	}

	return nil
}

func extractTarGz(archive, outDir string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open tar.gz bundle: %w", err)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeExtractPath(outDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return fmt.Errorf("extract tar entry %s: %w", hdr.Name, err)
			}
		default:
			// Links and devices are skipped.
		}
	}
}

func writeEntry(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(target)
	if err != nil {
		return err
	}

	//nolint:gosec // Archive is checksum-verified before extraction.
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func safeExtractPath(baseDir, entryName string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(entryName, "/"))
	target := filepath.Join(baseDir, cleaned)

	base := filepath.Clean(baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("unsafe archive path traversal attempt: %q", entryName)
	}

	return target, nil
}

// verifyManifestDir loads outDir/manifest.json the way the engine does and
// checks the language-model graphs.
func verifyManifestDir(outDir string) error {
	manifest, err := onnx.LoadManifest(filepath.Join(outDir, "manifest.json"))
	if err != nil {
		return err
	}
	return manifest.CheckLanguageModel()
}

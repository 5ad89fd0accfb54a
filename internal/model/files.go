// Package model fetches the stage-1 artifacts: an archive of ONNX graphs
// with its manifest, and individual files (the tokenizer) pinned by
// revision in a Hugging Face repository.
package model

import (
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
	"regexp"
	"strings"
	"time"
)

const defaultHubURL = "https://huggingface.co"

// Manifest lists repository files to fetch. An empty SHA256 is resolved
// from the hub's metadata and then pinned in the lock file.
type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

// LoadManifest reads a download manifest from path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read download manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode download manifest %q: %w", path, err)
	}

	if m.Repo == "" {
		return Manifest{}, fmt.Errorf("download manifest %q has no repo", path)
	}
	if len(m.Files) == 0 {
		return Manifest{}, fmt.Errorf("download manifest %q lists no files", path)
	}
	for _, f := range m.Files {
		if f.Filename == "" || f.Revision == "" {
			return Manifest{}, fmt.Errorf("download manifest %q: every file needs filename and revision", path)
		}
		if f.SHA256 != "" && !isSHA256Hex(f.SHA256) {
			return Manifest{}, fmt.Errorf("download manifest %q: bad sha256 for %s", path, f.Filename)
		}
	}

	return m, nil
}

type DownloadOptions struct {
	Manifest Manifest
	OutDir   string
	HFToken  string

	// HubURL defaults to https://huggingface.co.
	HubURL     string
	HTTPClient *http.Client

	// Stdout receives status lines. Progress bars go to Progress; nil
	// disables them.
	Stdout   io.Writer
	Progress io.Writer
}

type ErrAccessDenied struct {
	Repo string
	Msg  string
}

func (e *ErrAccessDenied) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("access denied for %s", e.Repo)
}

func accessDenied(repo string) error {
	return &ErrAccessDenied{
		Repo: repo,
		Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", repo),
	}
}

type lockManifest struct {
	Repo      string                `json:"repo"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

const lockFileName = "download-manifest.lock.json"

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Download fetches every manifest file into OutDir, skipping files whose
// checksum already matches, and records the checksums in a lock file.
func Download(ctx context.Context, opts DownloadOptions) error {
	m := opts.Manifest
	if m.Repo == "" {
		return errors.New("repo is required")
	}
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.HubURL == "" {
		opts.HubURL = defaultHubURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 0}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(opts.OutDir, lockFileName)
	lock := readLockManifest(lockPath)
	lock.Repo = m.Repo
	lock.Generated = time.Now().UTC().Format(time.RFC3339)

	for _, f := range m.Files {
		expected, err := expectedChecksum(ctx, opts, f, lock)
		if err != nil {
			return err
		}

		localPath := filepath.Join(opts.OutDir, filepath.FromSlash(f.Filename))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local subdir: %w", err)
		}

		ok, err := existingMatches(localPath, expected)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(opts.Stdout, "skip %s (checksum match)\n", f.Filename)
			lock.Files[f.Filename] = lockRecord{Revision: f.Revision, SHA256: expected}
			continue
		}

		fmt.Fprintf(opts.Stdout, "download %s@%s -> %s\n", f.Filename, f.Revision, localPath)
		actual, err := downloadFile(ctx, opts, f, localPath)
		if err != nil {
			return err
		}
		if actual != expected {
			_ = os.Remove(localPath)
			return fmt.Errorf("checksum mismatch for %s: expected %s got %s", f.Filename, expected, actual)
		}
		fmt.Fprintf(opts.Stdout, "verified %s (sha256=%s)\n", f.Filename, actual)
		lock.Files[f.Filename] = lockRecord{Revision: f.Revision, SHA256: expected}
	}

	if err := writeLockManifest(lockPath, lock); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "wrote lock manifest: %s\n", lockPath)
	return nil
}

// expectedChecksum prefers the manifest, then a lock entry for the same
// revision, then hub metadata.
func expectedChecksum(ctx context.Context, opts DownloadOptions, f ModelFile, lock lockManifest) (string, error) {
	if f.SHA256 != "" {
		return strings.ToLower(f.SHA256), nil
	}
	if lr, ok := lock.Files[f.Filename]; ok && lr.Revision == f.Revision && isSHA256Hex(lr.SHA256) {
		return strings.ToLower(lr.SHA256), nil
	}
	return resolveChecksumFromMetadata(ctx, opts, f)
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}
	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func downloadFile(ctx context.Context, opts DownloadOptions, f ModelFile, outPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL(opts.HubURL, opts.Manifest.Repo, f), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	setAuth(req, opts.HFToken)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", accessDenied(opts.Manifest.Repo)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download failed for %s: %s", f.Filename, resp.Status)
	}

	tmp := outPath + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	if _, err := copyWithProgress(io.MultiWriter(fh, h), resp.Body, resp.ContentLength, f.Filename, opts.Progress); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download read failed: %w", err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func resolveChecksumFromMetadata(ctx context.Context, opts DownloadOptions, f ModelFile) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolveURL(opts.HubURL, opts.Manifest.Repo, f), nil)
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	setAuth(req, opts.HFToken)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed for %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", accessDenied(opts.Manifest.Repo)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return "", fmt.Errorf("metadata request failed for %s: %s", f.Filename, resp.Status)
	}

	// LFS files carry their sha256 in X-Linked-Etag.
	for _, key := range []string{"X-Linked-Etag", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", fmt.Errorf("unable to resolve sha256 metadata for %s; pin a checksum in the manifest", f.Filename)
}

func resolveURL(hub, repo string, file ModelFile) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimSuffix(hub, "/"), repo, file.Revision, file.Filename)
}

func setAuth(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, "\"")
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// readLockManifest returns an empty lock when path is missing or invalid.
func readLockManifest(path string) lockManifest {
	out := lockManifest{Files: map[string]lockRecord{}}

	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return lockManifest{Files: map[string]lockRecord{}}
	}
	if out.Files == nil {
		out.Files = map[string]lockRecord{}
	}
	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}
	return nil
}

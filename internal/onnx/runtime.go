package onnx

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/example/go-songgen/internal/config"
)

// RuntimeInfo describes the ONNX Runtime shared library in use.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	// Source names where the path came from: config, env or search.
	Source      string
	Initialized bool
}

const envORTLib = "SONGGEN_ORT_LIB"

// searchDirs are scanned for libonnxruntime.{so,dylib}[.version] when no
// path is configured.
var searchDirs = []string{
	"/usr/local/lib",
	"/usr/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/opt/homebrew/lib",
}

var versionPattern = regexp.MustCompile(`([0-9]+)\.([0-9]+)\.([0-9]+)`)

var (
	bootstrapMu   sync.Mutex
	bootstrapInfo RuntimeInfo
	errBootstrap  error
	bootstrapped  bool
)

// Bootstrap resolves the runtime library once per process. Later calls
// return the first result regardless of cfg, until Shutdown.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if bootstrapped {
		return bootstrapInfo, errBootstrap
	}
	bootstrapped = true

	info, err := DetectRuntime(cfg)
	if err != nil {
		errBootstrap = err
		return RuntimeInfo{}, err
	}

	// Runners started later in the process resolve the same library.
	if err := os.Setenv(envORTLib, info.LibraryPath); err != nil {
		errBootstrap = fmt.Errorf("set %s: %w", envORTLib, err)
		return RuntimeInfo{}, errBootstrap
	}

	info.Initialized = true
	bootstrapInfo = info
	return info, nil
}

// Shutdown clears the bootstrap state. Runners own their ORT environments
// and release them in Close.
func Shutdown() error {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	bootstrapInfo = RuntimeInfo{}
	errBootstrap = nil
	bootstrapped = false
	return nil
}

// DetectRuntime takes the library from cfg, then SONGGEN_ORT_LIB, then
// ORT_LIBRARY_PATH, and otherwise picks the newest versioned library found
// in the usual install directories.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info := RuntimeInfo{Version: "unknown"}

	switch {
	case cfg.ORTLibraryPath != "":
		info.LibraryPath, info.Source = cfg.ORTLibraryPath, "config"
	case os.Getenv(envORTLib) != "":
		info.LibraryPath, info.Source = os.Getenv(envORTLib), "env "+envORTLib
	case os.Getenv("ORT_LIBRARY_PATH") != "":
		info.LibraryPath, info.Source = os.Getenv("ORT_LIBRARY_PATH"), "env ORT_LIBRARY_PATH"
	default:
		info.LibraryPath, info.Source = searchRuntime(searchDirs), "search"
	}

	if info.LibraryPath == "" {
		info.LibraryPath = "not found"
		return info, errors.New("unable to detect ONNX Runtime library path; set --runtime-ort-library-path or ORT_LIBRARY_PATH")
	}

	if _, err := os.Stat(info.LibraryPath); err != nil {
		return info, fmt.Errorf("onnx runtime library (%s): %w", info.Source, err)
	}

	info.Version = cmp.Or(cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersionFromPath(info.LibraryPath), "unknown")
	return info, nil
}

// searchRuntime returns the highest-versioned onnxruntime library in dirs.
// Unversioned names sort below versioned ones.
func searchRuntime(dirs []string) string {
	type candidate struct {
		path    string
		version [3]int
	}

	var found []candidate
	for _, dir := range dirs {
		for _, pattern := range []string{"libonnxruntime.so*", "libonnxruntime*.dylib"} {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			for _, m := range matches {
				if strings.Contains(filepath.Base(m), "providers") {
					continue
				}
				found = append(found, candidate{path: m, version: parseVersion(filepath.Base(m))})
			}
		}
	}
	if len(found) == 0 {
		return ""
	}

	best := slices.MaxFunc(found, func(a, b candidate) int {
		return slices.Compare(a.version[:], b.version[:])
	})
	return best.path
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindString(filepath.Base(path)); m != "" {
		return m
	}
	return ""
}

func parseVersion(name string) [3]int {
	var v [3]int
	m := versionPattern.FindStringSubmatch(name)
	if len(m) != 4 {
		return v
	}
	for i := range v {
		v[i], _ = strconv.Atoi(m[i+1])
	}
	return v
}

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/example/go-songgen/internal/config"
)

// Graph names expected in the model manifest.
const (
	GraphPrefill      = "stage1_lm_prefill"
	GraphStep         = "stage1_lm_step"
	GraphCodecEncoder = "xcodec_encoder"
)

// Engine owns one runner per manifest graph.
type Engine struct {
	env      *Env
	runners  map[string]GraphRunner
	sessions map[string]Session
}

// NewEngine bootstraps ONNX Runtime and opens a runner for every graph in
// the manifest.
func NewEngine(manifestPath string, cfg config.RuntimeConfig) (*Engine, error) {
	info, err := Bootstrap(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap onnx runtime: %w", err)
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	env, err := NewEnv(RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		env:      env,
		runners:  make(map[string]GraphRunner),
		sessions: make(map[string]Session),
	}
	for _, s := range manifest.Graphs() {
		r, err := NewRunner(env, s)
		if err != nil {
			e.Close()
			return nil, err
		}

		e.runners[s.Name] = r
		e.sessions[s.Name] = s
	}

	slog.Info("onnx engine ready", "graphs", e.Graphs(), "ort_version", info.Version)

	return e, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal, sessions: map[string]Session{}}
}

// Runner returns the runner for a graph.
func (e *Engine) Runner(name string) (GraphRunner, error) {
	r, ok := e.runners[name]
	if !ok {
		return nil, fmt.Errorf("onnx engine: graph %q not loaded", name)
	}
	return r, nil
}

// Graphs lists the loaded graph names in sorted order.
func (e *Engine) Graphs() []string {
	return slices.Sorted(maps.Keys(e.runners))
}

// Probe runs a graph once with zero inputs shaped from the manifest and
// returns the output shapes.
func (e *Engine) Probe(ctx context.Context, name string) (map[string][]int64, error) {
	r, err := e.Runner(name)
	if err != nil {
		return nil, err
	}
	meta, ok := e.sessions[name]
	if !ok {
		return nil, fmt.Errorf("onnx engine: no manifest metadata for %q", name)
	}

	inputs := make(map[string]*Tensor, len(meta.Inputs))
	for _, in := range meta.Inputs {
		t, err := NewZeroTensor(in.DType, in.Shape)
		if err != nil {
			return nil, fmt.Errorf("probe %s input %q: %w", name, in.Name, err)
		}
		inputs[in.Name] = t
	}

	outputs, err := r.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", name, err)
	}

	shapes := make(map[string][]int64, len(outputs))
	for k, v := range outputs {
		shapes[k] = v.Shape()
	}
	return shapes, nil
}

// outputDim returns the fixed last dimension of a manifest output, or 0.
func (e *Engine) outputDim(graph, output string) int {
	meta, ok := e.sessions[graph]
	if !ok {
		return 0
	}
	for _, out := range meta.Outputs {
		if out.Name == output {
			return staticDim(out.Shape)
		}
	}
	return 0
}

func (e *Engine) Close() {
	for _, r := range e.runners {
		r.Close()
	}
	e.env.Close()
	e.env = nil
}

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

// DefaultAPIVersion is the ORT C API version requested from the library.
const DefaultAPIVersion = 23

// GraphRunner is the contract the model wrappers need from a loaded graph.
// Tests substitute in-memory runners.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Env is one loaded ORT library plus logging environment. All graphs of an
// engine share it; the prefill and step graphs run alternately in one
// process and need only one copy of the runtime.
type Env struct {
	runtime *ort.Runtime
	env     *ort.Env
}

// NewEnv loads the ORT library described by cfg.
func NewEnv(cfg RunnerConfig) (*Env, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}

	rt, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("load ort runtime %s (api %d): %w", cfg.LibraryPath, cfg.APIVersion, err)
	}

	env, err := rt.NewEnv("songgen", ort.LoggingLevelWarning)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("create ort env: %w", err)
	}

	return &Env{runtime: rt, env: env}, nil
}

// Close releases the environment. Runners created from it must be closed
// first.
func (e *Env) Close() {
	if e == nil {
		return
	}
	if e.env != nil {
		e.env.Close()
		e.env = nil
	}
	if e.runtime != nil {
		_ = e.runtime.Close()
		e.runtime = nil
	}
}

// Runner wraps an ORT session for a single ONNX graph.
type Runner struct {
	name    string
	env     *Env
	session *ort.Session
	meta    Session
	runs    int
}

// NewRunner opens meta.Path as a session inside env.
func NewRunner(env *Env, meta Session) (*Runner, error) {
	if env == nil || env.runtime == nil {
		return nil, fmt.Errorf("ort session for %q: environment is closed", meta.Name)
	}

	session, err := env.runtime.NewSession(env.env, meta.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("ort session for %q (%s): %w", meta.Name, meta.Path, err)
	}

	return &Runner{name: meta.Name, env: env, session: session, meta: meta}, nil
}

// Run executes the graph. Inputs declared in the manifest must all be
// present; the error names the first missing one.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if r.session == nil {
		return nil, fmt.Errorf("run %q: runner is closed", r.name)
	}
	if err := checkInputs(r.meta, inputs); err != nil {
		return nil, err
	}

	ortInputs := make(map[string]*ort.Value, len(inputs))
	defer closeORTValues(ortInputs)

	for name, t := range inputs {
		v, err := tensorToORT(r.env.runtime, t)
		if err != nil {
			return nil, fmt.Errorf("run %q: input %q: %w", r.name, name, err)
		}
		ortInputs[name] = v
	}

	start := time.Now()
	ortOutputs, err := r.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}
	defer closeORTValues(ortOutputs)

	r.runs++
	slog.Debug("graph run", "graph", r.name, "run", r.runs, "elapsed", time.Since(start))

	results := make(map[string]*Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := ortToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("run %q: output %q: %w", r.name, name, err)
		}
		results[name] = t
	}

	return results, nil
}

// Close releases the session. The shared Env stays open. Safe to call
// multiple times.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
}

func (r *Runner) Name() string {
	return r.name
}

func checkInputs(meta Session, inputs map[string]*Tensor) error {
	for _, in := range meta.Inputs {
		if _, ok := inputs[in.Name]; !ok {
			have := make([]string, 0, len(inputs))
			for k := range inputs {
				have = append(have, k)
			}
			slices.Sort(have)
			return fmt.Errorf("run %q: missing input %q (have %v)", meta.Name, in.Name, have)
		}
	}
	return nil
}

func tensorToORT(rt *ort.Runtime, t *Tensor) (*ort.Value, error) {
	if t.DType() == DTypeInt64 {
		return ort.NewTensorValue(rt, t.i64, t.Shape())
	}
	return ort.NewTensorValue(rt, t.f32, t.Shape())
}

func ortToTensor(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}

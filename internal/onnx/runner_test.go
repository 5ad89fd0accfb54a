package onnx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// identityModelPath locates an identity graph for ORT smoke tests. Both the
// runtime library and the model come from the environment so the suite runs
// without native dependencies by default.
func identityModelPath(t *testing.T) (lib, model string) {
	t.Helper()

	lib = os.Getenv("SONGGEN_ORT_LIB")
	if lib == "" {
		lib = os.Getenv("ORT_LIBRARY_PATH")
	}

	if lib == "" {
		t.Skip("no ORT library available; set SONGGEN_ORT_LIB")
	}

	model = os.Getenv("SONGGEN_IDENTITY_ONNX")
	if model == "" {
		model = filepath.Join("testdata", "identity_float32.onnx")
	}

	if _, err := os.Stat(model); err != nil {
		t.Skipf("identity model not found: %v", err)
	}

	return lib, model
}

func identitySession(path string) Session {
	return Session{
		Name: "identity",
		Path: path,
		Inputs: []NodeInfo{
			{Name: "input", DType: "float", Shape: []any{float64(1), float64(3)}},
		},
		Outputs: []NodeInfo{
			{Name: "output", DType: "float", Shape: []any{float64(1), float64(3)}},
		},
	}
}

func newTestEnv(t *testing.T, lib string) *Env {
	t.Helper()

	env, err := NewEnv(RunnerConfig{LibraryPath: lib})
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	t.Cleanup(env.Close)
	return env
}

func TestRunnerRoundTrip(t *testing.T) {
	lib, model := identityModelPath(t)
	env := newTestEnv(t, lib)

	runner, err := NewRunner(env, identitySession(model))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	input, err := NewTensor([]float32{1.0, 2.0, 3.0}, []int64{1, 3})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	outputs, err := runner.Run(context.Background(), map[string]*Tensor{"input": input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, ok := outputs["output"]
	if !ok {
		t.Fatal("missing 'output' key in results")
	}

	data, err := ExtractFloat32(out)
	if err != nil {
		t.Fatalf("ExtractFloat32: %v", err)
	}

	for i, want := range []float32{1.0, 2.0, 3.0} {
		if data[i] != want {
			t.Errorf("data[%d] = %f, want %f", i, data[i], want)
		}
	}
}

func TestRunnerCloseIsIdempotent(t *testing.T) {
	lib, model := identityModelPath(t)
	env := newTestEnv(t, lib)

	runner, err := NewRunner(env, identitySession(model))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	runner.Close()
	runner.Close() // second close should not panic

	if _, err := runner.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error running a closed runner")
	}
}

func TestRunnerSharesEnv(t *testing.T) {
	lib, model := identityModelPath(t)
	env := newTestEnv(t, lib)

	a, err := NewRunner(env, identitySession(model))
	if err != nil {
		t.Fatalf("NewRunner a: %v", err)
	}
	b, err := NewRunner(env, identitySession(model))
	if err != nil {
		t.Fatalf("NewRunner b: %v", err)
	}

	a.Close()

	input, _ := NewTensor([]float32{4, 5, 6}, []int64{1, 3})
	if _, err := b.Run(context.Background(), map[string]*Tensor{"input": input}); err != nil {
		t.Fatalf("closing one runner broke the other: %v", err)
	}
	b.Close()
}

func TestNewRunner_ClosedEnv(t *testing.T) {
	if _, err := NewRunner(nil, Session{Name: "x"}); err == nil {
		t.Fatal("expected error for nil env")
	}

	env := &Env{}
	env.Close()
	if _, err := NewRunner(env, Session{Name: "x"}); err == nil {
		t.Fatal("expected error for closed env")
	}
}

func TestCheckInputs(t *testing.T) {
	meta := Session{
		Name:   GraphStep,
		Inputs: []NodeInfo{{Name: "input_ids"}, {Name: "attention_bias"}},
	}
	ids, _ := NewTensor([]int64{1}, []int64{1, 1})

	err := checkInputs(meta, map[string]*Tensor{"input_ids": ids})
	if err == nil || !strings.Contains(err.Error(), `missing input "attention_bias"`) {
		t.Fatalf("err = %v", err)
	}

	if err := checkInputs(meta, map[string]*Tensor{"input_ids": ids, "attention_bias": ids}); err != nil {
		t.Fatalf("complete inputs: %v", err)
	}

	if err := checkInputs(Session{Name: "undeclared"}, nil); err != nil {
		t.Fatalf("manifest without inputs: %v", err)
	}
}

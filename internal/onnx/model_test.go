package onnx

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/example/go-songgen/internal/lm"
)

// fakeRunner implements GraphRunner with a user-supplied function.
type fakeRunner struct {
	name  string
	calls []map[string]*Tensor
	fn    func(inputs map[string]*Tensor) (map[string]*Tensor, error)
}

func (f *fakeRunner) Run(_ context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	f.calls = append(f.calls, inputs)
	return f.fn(inputs)
}

func (f *fakeRunner) Name() string { return f.name }
func (f *fakeRunner) Close()       {}

const (
	toyLayers  = 2
	toyHeads   = 1
	toyHeadDim = 2
	toyVocab   = 5
)

// toyGraph mimics the stage-1 graphs: logits are [batch, seq, vocab] with
// the last token id hot, and present_kv_i returns past plus one fresh
// position per token whose values equal the token id.
func toyGraph(name string) *fakeRunner {
	return &fakeRunner{name: name, fn: func(inputs map[string]*Tensor) (map[string]*Tensor, error) {
		ids, err := ExtractInt64(inputs[inputIDs])
		if err != nil {
			return nil, err
		}
		shape := inputs[inputIDs].Shape()
		batch, seq := shape[0], shape[1]

		logits := make([]float32, batch*seq*toyVocab)
		for i, id := range ids {
			logits[int64(i)*toyVocab+id%toyVocab] = 1
		}

		out := map[string]*Tensor{}
		out[outputLogits], _ = NewTensor(logits, []int64{batch, seq, toyVocab})

		for layer := range toyLayers {
			var past []float32
			var pastLen int64
			if p, ok := inputs[pastPrefix+strconv.Itoa(layer)]; ok {
				past, _ = ExtractFloat32(p)
				pastLen = p.Shape()[3]
			}

			total := pastLen + seq
			rows := 2 * batch * toyHeads
			present := make([]float32, 0, rows*total*toyHeadDim)
			for r := range rows {
				b := (r / toyHeads) % batch
				present = append(present, past[r*pastLen*toyHeadDim:(r+1)*pastLen*toyHeadDim]...)
				for s := range seq {
					v := float32(ids[b*seq+s])
					present = append(present, v, v)
				}
			}
			out[presentPrefix+strconv.Itoa(layer)], _ = NewTensor(present, []int64{2, batch, toyHeads, total, toyHeadDim})
		}

		return out, nil
	}}
}

func newToyModel(t *testing.T, mode string) (*Stage1Model, *fakeRunner, *fakeRunner) {
	t.Helper()

	prefill := toyGraph(GraphPrefill)
	step := toyGraph(GraphStep)
	e := NewEngineWithRunners(map[string]GraphRunner{GraphPrefill: prefill, GraphStep: step})

	m, err := NewStage1Model(e, mode)
	if err != nil {
		t.Fatalf("NewStage1Model: %v", err)
	}
	return m, prefill, step
}

// ---- Stage1Model ----

func TestStage1Model_PrefillThenStep(t *testing.T) {
	m, prefill, step := newToyModel(t, "fp16")
	ctx := context.Background()

	cache, err := m.NewCache(2, 16)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	opts := lm.ForwardOptions{
		AttentionBias:   [][]float32{{0, 0, 0}, {-65504, -65504, 0}},
		PositionOffsets: []int64{0, -2},
	}
	logits, err := m.Forward(ctx, [][]int64{{1, 2, 3}, {1, 2, 3}}, cache, opts)
	if err != nil {
		t.Fatalf("prefill Forward: %v", err)
	}

	if len(prefill.calls) != 1 || len(step.calls) != 0 {
		t.Fatalf("calls prefill=%d step=%d; want 1/0", len(prefill.calls), len(step.calls))
	}
	if m.VocabSize() != toyVocab {
		t.Fatalf("VocabSize = %d; want %d", m.VocabSize(), toyVocab)
	}
	if !reflect.DeepEqual(logits[0], []float32{0, 0, 0, 1, 0}) {
		t.Fatalf("last-position logits = %v", logits[0])
	}

	in := prefill.calls[0]
	pos, _ := ExtractInt64(in[inputPositions])
	if !reflect.DeepEqual(pos, []int64{0, 1, 2, 0, 0, 0}) {
		t.Fatalf("position_ids = %v", pos)
	}
	bias, _ := ExtractFloat32(in[inputBias])
	if !reflect.DeepEqual(in[inputBias].Shape(), []int64{2, 3}) || bias[3] != -65504 || bias[5] != 0 {
		t.Fatalf("attention_bias = %v %v", in[inputBias].Shape(), bias)
	}
	if _, ok := in[pastPrefix+"0"]; ok {
		t.Fatal("prefill must not receive past_kv inputs")
	}

	logits, err = m.Forward(ctx, [][]int64{{4}, {4}}, cache, lm.ForwardOptions{
		AttentionBias:   [][]float32{{0, 0, 0, 0}, {-65504, -65504, 0, 0}},
		PositionOffsets: []int64{0, -2},
	})
	if err != nil {
		t.Fatalf("step Forward: %v", err)
	}

	if len(step.calls) != 1 {
		t.Fatalf("step calls = %d; want 1", len(step.calls))
	}
	if logits[1][4] != 1 {
		t.Fatalf("step logits = %v", logits[1])
	}
	if cache.CurrentSeqLen() != 4 {
		t.Fatalf("CurrentSeqLen = %d; want 4", cache.CurrentSeqLen())
	}

	in = step.calls[0]
	pos, _ = ExtractInt64(in[inputPositions])
	if !reflect.DeepEqual(pos, []int64{3, 1}) {
		t.Fatalf("step position_ids = %v", pos)
	}
	for layer := range toyLayers {
		past, ok := in[pastPrefix+strconv.Itoa(layer)]
		if !ok {
			t.Fatalf("missing past_kv_%d", layer)
		}
		if !reflect.DeepEqual(past.Shape(), []int64{2, 2, toyHeads, 3, toyHeadDim}) {
			t.Fatalf("past_kv_%d shape = %v", layer, past.Shape())
		}
		vals, _ := ExtractFloat32(past)
		if !reflect.DeepEqual(vals[:6], []float32{1, 1, 2, 2, 3, 3}) {
			t.Fatalf("past_kv_%d values = %v", layer, vals[:6])
		}
	}
}

func TestStage1Model_ResetReturnsToPrefill(t *testing.T) {
	m, prefill, step := newToyModel(t, "q8")
	ctx := context.Background()

	cache, _ := m.NewCache(1, 8)
	if _, err := m.Forward(ctx, [][]int64{{1, 2}}, cache, lm.ForwardOptions{}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	cache.Reset()
	if _, err := m.Forward(ctx, [][]int64{{3}}, cache, lm.ForwardOptions{}); err != nil {
		t.Fatalf("Forward after reset: %v", err)
	}

	if len(prefill.calls) != 2 || len(step.calls) != 0 {
		t.Fatalf("calls prefill=%d step=%d; want 2/0", len(prefill.calls), len(step.calls))
	}

	kv := cache.(*KVCache)
	if kv.Bits() != 8 {
		t.Fatalf("cache bits = %d; want 8", kv.Bits())
	}
}

func TestStage1Model_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("overflow", func(t *testing.T) {
		m, _, _ := newToyModel(t, "fp16")
		cache, _ := m.NewCache(1, 2)
		_, err := m.Forward(ctx, [][]int64{{1, 2, 3}}, cache, lm.ForwardOptions{})
		if !errors.Is(err, lm.ErrCacheOverflow) {
			t.Fatalf("err = %v; want ErrCacheOverflow", err)
		}
	})

	t.Run("foreign cache", func(t *testing.T) {
		m, _, _ := newToyModel(t, "fp16")
		if _, err := m.Forward(ctx, [][]int64{{1}}, nil, lm.ForwardOptions{}); err == nil {
			t.Fatal("expected error for nil cache")
		}
	})

	t.Run("graph failure", func(t *testing.T) {
		boom := errors.New("boom")
		failing := &fakeRunner{name: GraphPrefill, fn: func(map[string]*Tensor) (map[string]*Tensor, error) {
			return nil, boom
		}}
		e := NewEngineWithRunners(map[string]GraphRunner{GraphPrefill: failing, GraphStep: toyGraph(GraphStep)})
		m, err := NewStage1Model(e, "fp16")
		if err != nil {
			t.Fatalf("NewStage1Model: %v", err)
		}
		cache, _ := m.NewCache(1, 4)
		if _, err := m.Forward(ctx, [][]int64{{1}}, cache, lm.ForwardOptions{}); !errors.Is(err, boom) {
			t.Fatalf("err = %v; want wrapped boom", err)
		}
		if cache.CurrentSeqLen() != 0 {
			t.Fatalf("failed forward advanced the cache to %d", cache.CurrentSeqLen())
		}
	})

	t.Run("missing logits", func(t *testing.T) {
		empty := &fakeRunner{name: GraphPrefill, fn: func(map[string]*Tensor) (map[string]*Tensor, error) {
			return map[string]*Tensor{}, nil
		}}
		e := NewEngineWithRunners(map[string]GraphRunner{GraphPrefill: empty, GraphStep: empty})
		m, _ := NewStage1Model(e, "fp16")
		cache, _ := m.NewCache(1, 4)
		if _, err := m.Forward(ctx, [][]int64{{1}}, cache, lm.ForwardOptions{}); err == nil {
			t.Fatal("expected missing logits error")
		}
	})

	t.Run("missing graph", func(t *testing.T) {
		e := NewEngineWithRunners(map[string]GraphRunner{GraphPrefill: toyGraph(GraphPrefill)})
		if _, err := NewStage1Model(e, "fp16"); err == nil {
			t.Fatal("expected error without the step graph")
		}
	})

	t.Run("bad cache mode", func(t *testing.T) {
		e := NewEngineWithRunners(map[string]GraphRunner{
			GraphPrefill: toyGraph(GraphPrefill),
			GraphStep:    toyGraph(GraphStep),
		})
		if _, err := NewStage1Model(e, "q3"); err == nil {
			t.Fatal("expected cache mode error")
		}
	})
}

func TestLastLogits_Rank2(t *testing.T) {
	m := &Stage1Model{}
	logits, _ := NewTensor([]float32{1, 2, 3, 4}, []int64{2, 2})

	rows, err := m.lastLogits(logits, 2)
	if err != nil {
		t.Fatalf("lastLogits: %v", err)
	}
	if !reflect.DeepEqual(rows, [][]float32{{1, 2}, {3, 4}}) {
		t.Fatalf("rows = %v", rows)
	}

	if _, err := m.lastLogits(logits, 3); err == nil {
		t.Fatal("expected batch mismatch error")
	}
}

func TestEngine_RunnerAndGraphs(t *testing.T) {
	e := NewEngineWithRunners(map[string]GraphRunner{
		GraphStep:    toyGraph(GraphStep),
		GraphPrefill: toyGraph(GraphPrefill),
	})
	defer e.Close()

	if got := e.Graphs(); !reflect.DeepEqual(got, []string{GraphPrefill, GraphStep}) {
		t.Fatalf("Graphs = %v", got)
	}

	if _, err := e.Runner(GraphCodecEncoder); err == nil {
		t.Fatal("expected error for unknown graph")
	}

	if _, err := e.Probe(context.Background(), GraphPrefill); err == nil {
		t.Fatal("expected probe error without manifest metadata")
	}
}

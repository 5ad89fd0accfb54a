package onnx

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/lm"
)

const (
	inputIDs       = "input_ids"
	inputPositions = "position_ids"
	inputBias      = "attention_bias"
	outputLogits   = "logits"
	pastPrefix     = "past_kv_"
	presentPrefix  = "present_kv_"
)

// Stage1Model runs the exported stage-1 language model. The prefill graph
// handles the first call on an empty cache; every later call goes through
// the step graph with the cached history fed back as past_kv_<i>.
type Stage1Model struct {
	prefill GraphRunner
	step    GraphRunner
	bits    int
	vocab   int
}

var _ lm.Model = (*Stage1Model)(nil)

// NewStage1Model binds the prefill and step graphs of e. cacheMode selects
// the float16 or quantized cache.
func NewStage1Model(e *Engine, cacheMode string) (*Stage1Model, error) {
	mode, err := config.NormalizeCacheMode(cacheMode)
	if err != nil {
		return nil, err
	}

	prefill, err := e.Runner(GraphPrefill)
	if err != nil {
		return nil, err
	}

	step, err := e.Runner(GraphStep)
	if err != nil {
		return nil, err
	}

	return &Stage1Model{
		prefill: prefill,
		step:    step,
		bits:    config.CacheModeBits(mode),
		vocab:   e.outputDim(GraphPrefill, outputLogits),
	}, nil
}

func (m *Stage1Model) NewCache(batch, maxSeqLen int) (lm.Cache, error) {
	return NewKVCache(batch, maxSeqLen, m.bits)
}

// VocabSize comes from the manifest when the logits width is static, and
// is otherwise learned from the first forward pass.
func (m *Stage1Model) VocabSize() int {
	return m.vocab
}

func (m *Stage1Model) Forward(ctx context.Context, tokens [][]int64, cache lm.Cache, opts lm.ForwardOptions) ([][]float32, error) {
	kv, ok := cache.(*KVCache)
	if !ok {
		return nil, fmt.Errorf("stage1 model: unsupported cache %T", cache)
	}

	n, err := lm.ValidateForward(tokens, cache, opts)
	if err != nil {
		return nil, err
	}

	batch := len(tokens)
	past := kv.CurrentSeqLen()
	span := past + n

	ids := make([]int64, 0, batch*n)
	positions := make([]int64, 0, batch*n)
	for b, row := range tokens {
		ids = append(ids, row...)

		var offset int64
		if opts.PositionOffsets != nil {
			offset = opts.PositionOffsets[b]
		}
		for i := range n {
			// Masked prefix positions of a shifted lane go negative.
			positions = append(positions, max(0, int64(past+i)+offset))
		}
	}

	bias := make([]float32, batch*span)
	for b, row := range opts.AttentionBias {
		copy(bias[b*span:(b+1)*span], row)
	}

	inputs := make(map[string]*Tensor, 3+kv.Layers())
	if inputs[inputIDs], err = NewTensor(ids, []int64{int64(batch), int64(n)}); err != nil {
		return nil, err
	}
	if inputs[inputPositions], err = NewTensor(positions, []int64{int64(batch), int64(n)}); err != nil {
		return nil, err
	}
	if inputs[inputBias], err = NewTensor(bias, []int64{int64(batch), int64(span)}); err != nil {
		return nil, err
	}

	runner := m.prefill
	if past > 0 {
		runner = m.step
		for i := range kv.Layers() {
			t, err := kv.Past(i)
			if err != nil {
				return nil, err
			}
			inputs[pastPrefix+strconv.Itoa(i)] = t
		}
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", runner.Name(), err)
	}

	logits, err := m.lastLogits(outputs[outputLogits], batch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", runner.Name(), err)
	}

	if err := kv.appendPresent(collectPresents(outputs), n); err != nil {
		return nil, fmt.Errorf("%s: %w", runner.Name(), err)
	}

	return logits, nil
}

// Close is a no-op: the graph runners belong to the Engine.
func (m *Stage1Model) Close() error {
	return nil
}

// lastLogits accepts [batch, vocab] or [batch, seq, vocab] logits and
// returns the final position of every lane.
func (m *Stage1Model) lastLogits(t *Tensor, batch int) ([][]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("missing %q output", outputLogits)
	}

	shape := t.Shape()
	switch len(shape) {
	case 2:
	case 3:
		var err error
		if t, err = TailAlong(t, 1, 1); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("logits rank %d, want 2 or 3", len(shape))
	}
	if shape[0] != int64(batch) {
		return nil, fmt.Errorf("logits batch %d, want %d", shape[0], batch)
	}

	data, err := t.float32s()
	if err != nil {
		return nil, err
	}

	vocab := int(shape[len(shape)-1])
	if m.vocab != 0 && m.vocab != vocab {
		return nil, fmt.Errorf("logits width %d, want %d", vocab, m.vocab)
	}
	m.vocab = vocab

	rows := make([][]float32, batch)
	for b := range rows {
		rows[b] = append([]float32(nil), data[b*vocab:(b+1)*vocab]...)
	}
	return rows, nil
}

// collectPresents gathers present_kv_0, present_kv_1, ... until the first
// missing index.
func collectPresents(outputs map[string]*Tensor) []*Tensor {
	var presents []*Tensor
	for i := 0; ; i++ {
		t, ok := outputs[presentPrefix+strconv.Itoa(i)]
		if !ok {
			return presents
		}
		presents = append(presents, t)
	}
}

package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-songgen/internal/codec"
)

const (
	inputAudio     = "audio"
	inputBandwidth = "target_bandwidth"
	outputCodes    = "codes"
)

// CodecEncoder runs the exported xcodec encoder graph. Input is mono PCM as
// [1, 1, samples] plus a [1] bandwidth; output codes are
// [codebooks, 1, frames] or [1, codebooks, frames].
type CodecEncoder struct {
	runner GraphRunner
}

var _ codec.Encoder = (*CodecEncoder)(nil)

func NewCodecEncoder(e *Engine) (*CodecEncoder, error) {
	r, err := e.Runner(GraphCodecEncoder)
	if err != nil {
		return nil, err
	}
	return &CodecEncoder{runner: r}, nil
}

func (c *CodecEncoder) Encode(ctx context.Context, pcm []float32, targetBandwidth float64) ([][]int64, error) {
	if len(pcm) == 0 {
		return nil, errors.New("xcodec encoder: empty audio")
	}

	audio, err := NewTensor(pcm, []int64{1, 1, int64(len(pcm))})
	if err != nil {
		return nil, err
	}
	bw, err := NewTensor([]float32{float32(targetBandwidth)}, []int64{1})
	if err != nil {
		return nil, err
	}

	outputs, err := c.runner.Run(ctx, map[string]*Tensor{
		inputAudio:     audio,
		inputBandwidth: bw,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.runner.Name(), err)
	}

	codes, ok := outputs[outputCodes]
	if !ok {
		return nil, fmt.Errorf("%s: missing %q output", c.runner.Name(), outputCodes)
	}

	return codebookRows(codes)
}

// codebookRows drops the unit batch axis and splits codes per codebook.
func codebookRows(t *Tensor) ([][]int64, error) {
	data, err := ExtractInt64(t)
	if err != nil {
		return nil, err
	}

	shape := t.Shape()
	var books, frames int64
	switch {
	case len(shape) == 2:
		books, frames = shape[0], shape[1]
	case len(shape) == 3 && shape[1] == 1:
		books, frames = shape[0], shape[2]
	case len(shape) == 3 && shape[0] == 1:
		books, frames = shape[1], shape[2]
	default:
		return nil, fmt.Errorf("xcodec encoder: unexpected codes shape %v", shape)
	}

	rows := make([][]int64, books)
	for i := range rows {
		rows[i] = data[int64(i)*frames : int64(i+1)*frames]
	}
	return rows, nil
}

package onnx

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// kvAxes is the rank of a present/past tensor: [2, batch, heads, seq, headDim].
const kvAxes = 5

// KVCache keeps the per-layer key/value history between stage-1 graph calls.
// With bits == 0 values are stored as float16; otherwise each position
// vector is quantized symmetrically to bits-wide codes with one scale.
type KVCache struct {
	batch     int
	maxSeqLen int
	bits      int
	seqLen    int
	layers    []*kvLayer
}

// kvLayer holds 2*batch*heads rows. Each row is the flattened sequence of
// headDim-sized position vectors.
type kvLayer struct {
	heads   int
	headDim int

	half   [][]uint16
	codes  [][]int8
	scales [][]float32
}

func NewKVCache(batch, maxSeqLen, bits int) (*KVCache, error) {
	if batch < 1 {
		return nil, fmt.Errorf("kv cache: batch must be >= 1, got %d", batch)
	}
	if maxSeqLen < 1 {
		return nil, fmt.Errorf("kv cache: max sequence length must be >= 1, got %d", maxSeqLen)
	}
	switch bits {
	case 0, 4, 6, 8:
	default:
		return nil, fmt.Errorf("kv cache: unsupported quantization width %d", bits)
	}

	return &KVCache{batch: batch, maxSeqLen: maxSeqLen, bits: bits}, nil
}

func (c *KVCache) BatchSize() int     { return c.batch }
func (c *KVCache) MaxSeqLen() int     { return c.maxSeqLen }
func (c *KVCache) CurrentSeqLen() int { return c.seqLen }

// Bits is the quantization width, 0 for the float16 cache.
func (c *KVCache) Bits() int { return c.bits }

// Layers is the number of layers seen so far; zero before the first write.
func (c *KVCache) Layers() int { return len(c.layers) }

// Reset rewinds the cache. Row buffers keep their capacity.
func (c *KVCache) Reset() {
	c.seqLen = 0
	for _, l := range c.layers {
		for r := range l.half {
			l.half[r] = l.half[r][:0]
		}
		for r := range l.codes {
			l.codes[r] = l.codes[r][:0]
			l.scales[r] = l.scales[r][:0]
		}
	}
}

// Past materializes layer as a float32 [2, batch, heads, seq, headDim] tensor.
func (c *KVCache) Past(layer int) (*Tensor, error) {
	if layer < 0 || layer >= len(c.layers) {
		return nil, fmt.Errorf("kv cache: layer %d out of range (%d layers)", layer, len(c.layers))
	}
	if c.seqLen == 0 {
		return nil, errors.New("kv cache: empty")
	}

	l := c.layers[layer]
	rows := l.rows()
	span := c.seqLen * l.headDim
	data := make([]float32, rows*span)
	for r := range rows {
		l.decodeRow(r, data[r*span:(r+1)*span])
	}

	shape := []int64{2, int64(c.batch), int64(l.heads), int64(c.seqLen), int64(l.headDim)}
	return NewTensor(data, shape)
}

// appendPresent stores the trailing n positions of every layer's present
// tensor. Graphs may return either the full history or only the new
// positions along the sequence axis.
func (c *KVCache) appendPresent(presents []*Tensor, n int) error {
	if len(presents) == 0 {
		return errors.New("kv cache: graph returned no present_kv outputs")
	}
	if c.seqLen+n > c.maxSeqLen {
		return fmt.Errorf("kv cache: %d positions exceed capacity %d", c.seqLen+n, c.maxSeqLen)
	}
	if c.layers != nil && len(presents) != len(c.layers) {
		return fmt.Errorf("kv cache: got %d layers, cache has %d", len(presents), len(c.layers))
	}

	tails := make([][]float32, len(presents))
	for i, p := range presents {
		shape := p.Shape()
		if len(shape) != kvAxes || shape[0] != 2 || shape[1] != int64(c.batch) {
			return fmt.Errorf("kv cache: present_kv_%d has shape %v, want [2 %d heads seq dim]", i, shape, c.batch)
		}
		if c.layers != nil {
			l := c.layers[i]
			if shape[2] != int64(l.heads) || shape[4] != int64(l.headDim) {
				return fmt.Errorf("kv cache: present_kv_%d shape %v changed from heads=%d dim=%d", i, shape, l.heads, l.headDim)
			}
		}
		tail, err := TailAlong(p, 3, int64(n))
		if err != nil {
			return fmt.Errorf("kv cache: present_kv_%d: %w", i, err)
		}
		tails[i], err = tail.float32s()
		if err != nil {
			return fmt.Errorf("kv cache: present_kv_%d: %w", i, err)
		}
	}

	if c.layers == nil {
		c.layers = make([]*kvLayer, len(presents))
		for i, p := range presents {
			shape := p.Shape()
			c.layers[i] = newKVLayer(c.batch, int(shape[2]), int(shape[4]), c.bits)
		}
	}

	for i, data := range tails {
		l := c.layers[i]
		span := n * l.headDim
		for r := range l.rows() {
			l.appendRow(r, data[r*span:(r+1)*span], c.bits)
		}
	}
	c.seqLen += n

	return nil
}

// Rows start empty and grow on append.
func newKVLayer(batch, heads, headDim, bits int) *kvLayer {
	rows := 2 * batch * heads
	l := &kvLayer{heads: heads, headDim: headDim}
	if bits == 0 {
		l.half = make([][]uint16, rows)
		return l
	}

	l.codes = make([][]int8, rows)
	l.scales = make([][]float32, rows)
	return l
}

func (l *kvLayer) rows() int {
	if l.half != nil {
		return len(l.half)
	}
	return len(l.codes)
}

func (l *kvLayer) appendRow(r int, values []float32, bits int) {
	if bits == 0 {
		for _, v := range values {
			l.half[r] = append(l.half[r], float16.Fromfloat32(v).Bits())
		}
		return
	}

	codes := make([]int8, l.headDim)
	for off := 0; off < len(values); off += l.headDim {
		scale := quantize(codes, values[off:off+l.headDim], bits)
		l.codes[r] = append(l.codes[r], codes...)
		l.scales[r] = append(l.scales[r], scale)
	}
}

func (l *kvLayer) decodeRow(r int, dst []float32) {
	if l.half != nil {
		for i, h := range l.half[r][:len(dst)] {
			dst[i] = float16.Frombits(h).Float32()
		}
		return
	}

	codes := l.codes[r]
	for pos, scale := range l.scales[r] {
		base := pos * l.headDim
		if base >= len(dst) {
			break
		}
		for d := range l.headDim {
			dst[base+d] = float32(codes[base+d]) * scale
		}
	}
}

// quantize writes symmetric bits-wide codes for src into dst and returns the
// scale that maps them back.
func quantize(dst []int8, src []float32, bits int) float32 {
	levels := float32(int(1)<<(bits-1) - 1)

	var peak float32
	for _, v := range src {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak == 0 || math.IsInf(float64(peak), 0) || math.IsNaN(float64(peak)) {
		clear(dst)
		return 0
	}

	scale := peak / levels
	for i, v := range src {
		q := float32(math.Round(float64(v / scale)))
		q = max(-levels, min(levels, q))
		dst[i] = int8(q)
	}
	return scale
}

// Package tokenizer turns prompt text into the integer ids consumed by the
// stage-1 language model, and names the structural special tokens that
// delimit segments and audio spans.
package tokenizer

import (
	"errors"
	"fmt"
)

// Tokenizer encodes text into token ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// EncodeFunc adapts a plain function to Tokenizer.
type EncodeFunc func(text string) ([]int64, error)

func (f EncodeFunc) Encode(text string) ([]int64, error) { return f(text) }

// Literal markers that the model was trained to see around lyric segments
// and reference audio. They are regular text and go through Encode.
const (
	MarkerStartOfSegment   = "[start_of_segment]"
	MarkerEndOfSegment     = "[end_of_segment]"
	MarkerStartOfReference = "[start_of_reference]"
	MarkerEndOfReference   = "[end_of_reference]"
)

// Default ids of the audio span delimiters in the multimodal vocabulary.
const (
	DefaultSOA int64 = 32001
	DefaultEOA int64 = 32002
)

// Vocab holds the structural token ids used while building prompts.
// SOA and EOA are single fixed ids; the segment and reference markers are
// whatever the tokenizer produces for their literal text.
type Vocab struct {
	SOA int64
	EOA int64

	StartOfSegment   []int64
	EndOfSegment     []int64
	StartOfReference []int64
	EndOfReference   []int64
}

// NewVocab tokenizes the structural markers once with tok.
func NewVocab(tok Tokenizer, soa, eoa int64) (Vocab, error) {
	if tok == nil {
		return Vocab{}, errors.New("tokenizer is nil")
	}
	if soa == eoa {
		return Vocab{}, fmt.Errorf("soa and eoa must differ (both %d)", soa)
	}

	v := Vocab{SOA: soa, EOA: eoa}
	markers := []struct {
		text string
		dst  *[]int64
	}{
		{MarkerStartOfSegment, &v.StartOfSegment},
		{MarkerEndOfSegment, &v.EndOfSegment},
		{MarkerStartOfReference, &v.StartOfReference},
		{MarkerEndOfReference, &v.EndOfReference},
	}
	for _, m := range markers {
		ids, err := tok.Encode(m.text)
		if err != nil {
			return Vocab{}, fmt.Errorf("encode marker %s: %w", m.text, err)
		}
		if len(ids) == 0 {
			return Vocab{}, fmt.Errorf("marker %s encodes to no tokens", m.text)
		}
		*m.dst = ids
	}

	return v, nil
}

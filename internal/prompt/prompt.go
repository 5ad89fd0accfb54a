// Package prompt assembles the token prompts that open each lyrics segment.
package prompt

import (
	"fmt"

	"github.com/example/go-songgen/internal/lyrics"
	"github.com/example/go-songgen/internal/tokenizer"
)

// Builder produces segment prompts. It is a pure function of its inputs.
type Builder struct {
	tok   tokenizer.Tokenizer
	vocab tokenizer.Vocab
	sep   []int64
}

// NewBuilder returns a Builder. sep is the codec separator emitted right
// after every start-of-audio token.
func NewBuilder(tok tokenizer.Tokenizer, vocab tokenizer.Vocab, sep []int64) *Builder {
	return &Builder{tok: tok, vocab: vocab, sep: append([]int64(nil), sep...)}
}

// Initial builds the first segment's prompt:
//
//	tok(header) [+ reference block] + [start_of_segment] + tok(segment) + SOA + sep
//
// A non-nil reference (even empty) adds a reference block.
func (b *Builder) Initial(header, segment string, reference []int64) ([]int64, error) {
	head, err := b.tok.Encode(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	body, err := b.segmentBody(segment)
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(head)+len(body)+len(reference)+16)
	out = append(out, head...)
	if reference != nil {
		out = append(out, b.ReferenceBlock(reference)...)
	}
	out = append(out, b.vocab.StartOfSegment...)
	out = append(out, body...)

	return out, nil
}

// Continuation builds the prompt for every later segment:
//
//	[end_of_segment] + [start_of_segment] + tok(segment) + SOA + sep
func (b *Builder) Continuation(segment string) ([]int64, error) {
	body, err := b.segmentBody(segment)
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(b.vocab.EndOfSegment)+len(b.vocab.StartOfSegment)+len(body))
	out = append(out, b.vocab.EndOfSegment...)
	out = append(out, b.vocab.StartOfSegment...)
	out = append(out, body...)

	return out, nil
}

// ReferenceBlock wraps reference audio ids:
//
//	[start_of_reference] + SOA + sep + audio + EOA + [end_of_reference]
func (b *Builder) ReferenceBlock(audio []int64) []int64 {
	out := make([]int64, 0, len(audio)+len(b.sep)+len(b.vocab.StartOfReference)+len(b.vocab.EndOfReference)+2)
	out = append(out, b.vocab.StartOfReference...)
	out = append(out, b.vocab.SOA)
	out = append(out, b.sep...)
	out = append(out, audio...)
	out = append(out, b.vocab.EOA)
	out = append(out, b.vocab.EndOfReference...)

	return out
}

// segmentBody is tok(segment) + SOA + sep.
func (b *Builder) segmentBody(segment string) ([]int64, error) {
	text, err := b.tok.Encode(lyrics.StripMarkers(segment))
	if err != nil {
		return nil, fmt.Errorf("encode segment: %w", err)
	}

	out := make([]int64, 0, len(text)+1+len(b.sep))
	out = append(out, text...)
	out = append(out, b.vocab.SOA)
	out = append(out, b.sep...)

	return out, nil
}

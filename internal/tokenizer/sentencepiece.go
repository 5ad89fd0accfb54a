package tokenizer

import (
	"errors"
	"fmt"
	"slices"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

var (
	// ErrEmptyPath is returned when no model path is configured.
	ErrEmptyPath = errors.New("tokenizer model path must not be empty")

	// ErrDelimiterInText means plain text tokenized to an audio delimiter
	// id. Such a sequence could not be split into audio spans later.
	ErrDelimiterInText = errors.New("text tokenized to an audio delimiter id")
)

// SentencePieceTokenizer implements Tokenizer with the pure-Go SentencePiece
// encoder over the multimodal model's text vocabulary.
type SentencePieceTokenizer struct {
	proc gosp.Sentencepiece

	// ids that text must never produce (SOA, EOA).
	delimiters []int64
}

type SentencePieceOption func(*SentencePieceTokenizer)

// WithDelimiters makes Encode fail with ErrDelimiterInText when text
// produces soa or eoa.
func WithDelimiters(soa, eoa int64) SentencePieceOption {
	return func(t *SentencePieceTokenizer) { t.delimiters = []int64{soa, eoa} }
}

// NewSentencePieceTokenizer loads the model at modelPath.
func NewSentencePieceTokenizer(modelPath string, opts ...SentencePieceOption) (*SentencePieceTokenizer, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model %q: %w", modelPath, err)
	}

	t := &SentencePieceTokenizer{proc: proc}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Encode returns the text token ids of text. Empty text yields an empty,
// non-nil slice so prompt concatenation needs no special case.
func (t *SentencePieceTokenizer) Encode(text string) ([]int64, error) {
	ids := make([]int64, 0, len(text)/3)
	if text == "" {
		return ids, nil
	}

	for _, id := range t.proc.TokenizeToIDs(text) {
		ids = append(ids, int64(id))
	}

	for _, d := range t.delimiters {
		if i := slices.Index(ids, d); i >= 0 {
			return nil, fmt.Errorf("%w: id %d at position %d", ErrDelimiterInText, d, i)
		}
	}

	return ids, nil
}

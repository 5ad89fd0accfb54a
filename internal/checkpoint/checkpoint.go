// Package checkpoint persists the stage-1 token sequence after every
// completed segment so a later run can resume from it.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/safetensors"
)

// Format tags the payload written by Encode.
const Format = "songgen-stage1/v1"

const (
	filePrefix = "segment_"
	fileExt    = ".safetensors"
	seqTensor  = "seq"
)

// ErrNotFound is returned by Store.Load when no record exists for a
// segment.
var ErrNotFound = errors.New("checkpoint: not found")

// Record is the state saved after a segment completes. Seq holds one row
// per guidance lane.
type Record struct {
	Segment   int
	Seq       [][]int64
	Lyrics    []string
	CreatedAt time.Time
}

// Store saves and loads records keyed by segment index.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, segment int) (Record, error)
	List(ctx context.Context) ([]int, error)
}

// New opens the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case config.CheckpointLocal, "":
		return NewLocalStore(cfg.Dir)
	case config.CheckpointS3:
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Prefix:    cfg.Prefix,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	default:
		return nil, fmt.Errorf("checkpoint: unknown backend %q", cfg.Backend)
	}
}

// FileName is the object name used for segment.
func FileName(segment int) string {
	return filePrefix + strconv.Itoa(segment) + fileExt
}

// ParseFileName reverses FileName.
func ParseFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Encode serializes rec as a safetensors payload.
func Encode(rec Record) ([]byte, error) {
	if rec.Segment < 0 {
		return nil, fmt.Errorf("checkpoint: negative segment %d", rec.Segment)
	}
	if len(rec.Seq) == 0 {
		return nil, errors.New("checkpoint: record has no lanes")
	}

	width := len(rec.Seq[0])
	flat := make([]int64, 0, width*len(rec.Seq))
	for lane, row := range rec.Seq {
		if len(row) != width {
			return nil, fmt.Errorf("checkpoint: lane %d has %d tokens, want %d", lane, len(row), width)
		}
		flat = append(flat, row...)
	}

	lyrics, err := json.Marshal(rec.Lyrics)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode lyrics: %w", err)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	meta := map[string]string{
		"format":          Format,
		"current_segment": strconv.Itoa(rec.Segment),
		"lyrics":          string(lyrics),
		"created_at":      created.UTC().Format(time.RFC3339Nano),
	}

	tensor := safetensors.NewI64(seqTensor, []int64{int64(len(rec.Seq)), int64(width)}, flat)
	return safetensors.Encode([]safetensors.Tensor{tensor}, meta)
}

// Decode parses a payload written by Encode.
func Decode(data []byte) (Record, error) {
	file, err := safetensors.Parse(data)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: %w", err)
	}

	meta := file.Metadata()
	if f := meta["format"]; f != Format {
		return Record{}, fmt.Errorf("checkpoint: unsupported format %q", f)
	}

	var rec Record
	rec.Segment, err = strconv.Atoi(meta["current_segment"])
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: bad current_segment: %w", err)
	}

	if raw := meta["lyrics"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Lyrics); err != nil {
			return Record{}, fmt.Errorf("checkpoint: decode lyrics: %w", err)
		}
	}

	if raw := meta["created_at"]; raw != "" {
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, fmt.Errorf("checkpoint: bad created_at: %w", err)
		}
	}

	seq, err := file.Tensor(seqTensor)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: %w", err)
	}
	rec.Seq, err = seq.Rows()
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: %w", err)
	}
	if len(rec.Seq) == 0 {
		return Record{}, errors.New("checkpoint: record has no lanes")
	}

	return rec, nil
}

func sortedSegments(segments []int) []int {
	slices.Sort(segments)
	return slices.Compact(segments)
}

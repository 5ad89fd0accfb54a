package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps one file per segment in a directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: empty directory")
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

// Path is the file holding segment.
func (s *LocalStore) Path(segment int) string {
	return filepath.Join(s.dir, FileName(segment))
}

// Save writes rec to a temporary file in the same directory, syncs it and
// renames it over the final name.
func (s *LocalStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(rec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".segment-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.Path(rec.Segment)); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}

	return nil
}

func (s *LocalStore) Load(ctx context.Context, segment int) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	path := s.Path(segment)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Record{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	rec, err := Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

func (s *LocalStore) List(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list %s: %w", s.dir, err)
	}

	var segments []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseFileName(e.Name()); ok {
			segments = append(segments, n)
		}
	}
	return sortedSegments(segments), nil
}

// Package npy writes NumPy .npy files (format version 1.0).
package npy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var magic = []byte("\x93NUMPY")

// EncodeInt64 encodes a C-ordered 2-D int64 array ('<i8').
func EncodeInt64(rows [][]int64) ([]byte, error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("npy: row %d has %d columns, want %d", i, len(r), cols)
		}
	}

	header := fmt.Sprintf("{'descr': '<i8', 'fortran_order': False, 'shape': (%d, %d), }", len(rows), cols)
	// Magic, version, header length and header are padded to a multiple of
	// 64 bytes, terminated by a newline.
	pre := len(magic) + 2 + 2
	total := pre + len(header) + 1
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"
	if len(header) > 0xffff {
		return nil, errors.New("npy: header too large")
	}

	var buf bytes.Buffer
	buf.Grow(pre + len(header) + len(rows)*cols*8)
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)

	var word [8]byte
	for _, r := range rows {
		for _, v := range r {
			binary.LittleEndian.PutUint64(word[:], uint64(v))
			buf.Write(word[:])
		}
	}

	return buf.Bytes(), nil
}

// File is one int64 array and its destination.
type File struct {
	Path string
	Rows [][]int64
}

// WriteInt64 encodes rows to path, creating parent directories.
func WriteInt64(path string, rows [][]int64) error {
	return WriteAll(File{Path: path, Rows: rows})
}

// WriteAll encodes every file, stages each next to its destination and
// renames them into place only after all were staged. On error, no staged
// file is left behind and destinations renamed by this call are removed.
func WriteAll(files ...File) error {
	encoded := make([][]byte, len(files))
	for i, f := range files {
		data, err := EncodeInt64(f.Rows)
		if err != nil {
			return fmt.Errorf("npy: %s: %w", filepath.Base(f.Path), err)
		}
		encoded[i] = data
	}

	staged := make([]string, 0, len(files))
	removeStaged := func() {
		for _, name := range staged {
			_ = os.Remove(name)
		}
	}
	for i, f := range files {
		name, err := stage(f.Path, encoded[i])
		if err != nil {
			removeStaged()
			return err
		}
		staged = append(staged, name)
	}

	for i, name := range staged {
		if err := os.Rename(name, files[i].Path); err != nil {
			for _, done := range files[:i] {
				_ = os.Remove(done.Path)
			}
			for _, rest := range staged[i:] {
				_ = os.Remove(rest)
			}
			return fmt.Errorf("npy: rename into %s: %w", files[i].Path, err)
		}
	}
	return nil
}

func stage(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("npy: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".npy-*.tmp")
	if err != nil {
		return "", fmt.Errorf("npy: create temp file: %w", err)
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("npy: write %s: %w", name, err)
	}
	return name, nil
}

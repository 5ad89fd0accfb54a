package testutil

import (
	"encoding/binary"
	"regexp"
	"strconv"
	"testing"
)

var (
	descrPattern = regexp.MustCompile(`'descr': '<i8'`)
	shapePattern = regexp.MustCompile(`'shape': \((\d+), (\d+)\)`)
)

// AssertTrackNPY checks that data is a little-endian int64 .npy token track
// with the expected number of codebook rows, and returns its frame count.
func AssertTrackNPY(tb testing.TB, data []byte, rows int) int {
	tb.Helper()

	if len(data) < 10 {
		tb.Fatalf("npy data too short: %d bytes", len(data))
	}

	if string(data[0:6]) != "\x93NUMPY" {
		tb.Fatalf("npy: missing magic (got %q)", string(data[0:6]))
	}

	if data[6] != 1 {
		tb.Fatalf("npy: expected format version 1, got %d.%d", data[6], data[7])
	}

	hlen := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) < 10+hlen {
		tb.Fatalf("npy: header length %d exceeds data", hlen)
	}

	header := string(data[10 : 10+hlen])
	if !descrPattern.MatchString(header) {
		tb.Fatalf("npy: expected '<i8' dtype in header %q", header)
	}

	m := shapePattern.FindStringSubmatch(header)
	if m == nil {
		tb.Fatalf("npy: expected a 2-D shape in header %q", header)
	}

	gotRows, _ := strconv.Atoi(m[1])
	frames, _ := strconv.Atoi(m[2])
	if gotRows != rows {
		tb.Fatalf("npy: expected %d rows, got %d", rows, gotRows)
	}

	if frames == 0 {
		tb.Fatal("npy: track has no frames")
	}

	if body := len(data) - 10 - hlen; body != rows*frames*8 {
		tb.Fatalf("npy: body is %d bytes; want %d", body, rows*frames*8)
	}

	return frames
}

package stage1

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/example/go-songgen/internal/codec"
	"github.com/example/go-songgen/internal/npy"
	"github.com/example/go-songgen/internal/tokenizer"
)

const (
	VocalFile        = "vtrack.npy"
	InstrumentalFile = "itrack.npy"
)

// Tracks holds codebook-major codec codes ([codebooks][frames]) for each
// stem.
type Tracks struct {
	Vocal        [][]int64
	Instrumental [][]int64
}

// Frames is the number of codec frames per stem.
func (t Tracks) Frames() int {
	if len(t.Vocal) == 0 {
		return 0
	}
	return len(t.Vocal[0])
}

// Export cuts the generated audio spans out of a lane-0 sequence and
// de-interleaves them. A leading reference block is skipped. Nothing is
// returned unless every SOA pairs with a following EOA.
func Export(ids []int64, vocab tokenizer.Vocab, m codec.Manipulator) (Tracks, error) {
	var soa, eoa []int
	for i, id := range ids {
		switch id {
		case vocab.SOA:
			soa = append(soa, i)
		case vocab.EOA:
			eoa = append(eoa, i)
		}
	}

	if len(soa) != len(eoa) {
		return Tracks{}, &StructuralDecodeError{SOA: len(soa), EOA: len(eoa), Reason: "counts differ"}
	}
	for i := range soa {
		if soa[i] > eoa[i] || (i > 0 && soa[i] < eoa[i-1]) {
			return Tracks{}, &StructuralDecodeError{
				SOA:    len(soa),
				EOA:    len(eoa),
				Reason: fmt.Sprintf("pair %d out of order (soa at %d, eoa at %d)", i, soa[i], eoa[i]),
			}
		}
	}

	begin := 0
	if len(soa) > 0 && hasReferenceBlock(ids, soa[0], vocab) {
		begin = 1
	}
	if len(soa)-begin < 1 {
		return Tracks{}, &StructuralDecodeError{SOA: len(soa), EOA: len(eoa), Reason: "no generated audio spans"}
	}

	tracks := Tracks{
		Vocal:        make([][]int64, m.NumQuantizers),
		Instrumental: make([][]int64, m.NumQuantizers),
	}
	for i := begin; i < len(soa); i++ {
		span := m.TrimSeparator(ids[soa[i]+1 : eoa[i]])
		span = span[:len(span)&^1]
		if len(span) == 0 {
			continue
		}

		vocalIDs, instIDs := codec.Deinterleave(span)
		vocal, err := m.IDsToNPY(vocalIDs)
		if err != nil {
			return Tracks{}, fmt.Errorf("stage1: export span %d: %w", i, err)
		}
		inst, err := m.IDsToNPY(instIDs)
		if err != nil {
			return Tracks{}, fmt.Errorf("stage1: export span %d: %w", i, err)
		}
		for k := range tracks.Vocal {
			tracks.Vocal[k] = append(tracks.Vocal[k], vocal[k]...)
			tracks.Instrumental[k] = append(tracks.Instrumental[k], inst[k]...)
		}
	}

	return tracks, nil
}

// Write stores the stems as vtrack.npy and itrack.npy in dir. Either both
// files are written or neither is.
func (t Tracks) Write(dir string) (vocalPath, instPath string, err error) {
	vocalPath = filepath.Join(dir, VocalFile)
	instPath = filepath.Join(dir, InstrumentalFile)

	err = npy.WriteAll(
		npy.File{Path: vocalPath, Rows: t.Vocal},
		npy.File{Path: instPath, Rows: t.Instrumental},
	)
	if err != nil {
		return "", "", err
	}
	return vocalPath, instPath, nil
}

func hasReferenceBlock(ids []int64, firstSOA int, vocab tokenizer.Vocab) bool {
	marker := vocab.StartOfReference
	if len(marker) == 0 || firstSOA < len(marker) {
		return false
	}
	return slices.Equal(ids[firstSOA-len(marker):firstSOA], marker)
}

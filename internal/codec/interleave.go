package codec

// Interleave alternates vocal and instrumental ids (v0, i0, v1, i1, ...).
// Both tracks are truncated to the shorter one; dropped reports how many
// trailing ids were discarded from the longer track.
func Interleave(vocal, inst []int64) (out []int64, dropped int) {
	n := min(len(vocal), len(inst))
	dropped = max(len(vocal), len(inst)) - n

	out = make([]int64, 0, 2*n)
	for i := range n {
		out = append(out, vocal[i], inst[i])
	}

	return out, dropped
}

// Deinterleave splits an interleaved stream back into its two tracks.
// A trailing odd id is ignored.
func Deinterleave(ids []int64) (vocal, inst []int64) {
	n := len(ids) / 2
	vocal = make([]int64, n)
	inst = make([]int64, n)
	for i := range n {
		vocal[i] = ids[2*i]
		inst[i] = ids[2*i+1]
	}

	return vocal, inst
}

// SliceSeconds returns ids[start*rate : end*rate] clamped to the slice,
// where rate is tokens per second. end <= 0 means until the end.
func SliceSeconds(ids []int64, start, end float64, rate int) []int64 {
	lo := int(start * float64(rate))
	hi := len(ids)
	if end > 0 {
		hi = int(end * float64(rate))
	}
	lo = max(0, min(lo, len(ids)))
	hi = max(lo, min(hi, len(ids)))

	return ids[lo:hi]
}

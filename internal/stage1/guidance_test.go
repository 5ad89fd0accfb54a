package stage1

import (
	"errors"
	"math"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func TestNewLanes(t *testing.T) {
	if l := NewLanes(nil, nil); l.Enabled() || l.Size() != 1 {
		t.Fatalf("NewLanes(nil, nil) enabled=%v size=%d", l.Enabled(), l.Size())
	}

	l := NewLanes(ptr(1.5), ptr(1.2))
	if !l.Enabled() || l.Size() != 2 {
		t.Fatalf("enabled=%v size=%d", l.Enabled(), l.Size())
	}
	if l.Scale(0) != 1.5 || l.Scale(1) != 1.2 || l.Scale(7) != 1.2 {
		t.Fatalf("scales = %v/%v/%v", l.Scale(0), l.Scale(1), l.Scale(7))
	}

	if l := NewLanes(nil, ptr(2)); l.Scale(0) != 2 {
		t.Fatalf("missing seg0 scale: Scale(0) = %v; want 2", l.Scale(0))
	}
	if l := NewLanes(ptr(3), nil); l.Scale(4) != 3 {
		t.Fatalf("missing scale: Scale(4) = %v; want 3", l.Scale(4))
	}
}

func TestLanes_Options(t *testing.T) {
	l := NewLanes(ptr(1.5), ptr(1.2))
	l.Prepare(5)

	opts := l.Options(7)
	if len(opts.AttentionBias) != 2 {
		t.Fatalf("bias lanes = %d; want 2", len(opts.AttentionBias))
	}
	for i, v := range opts.AttentionBias[0] {
		if v != 0 {
			t.Fatalf("cond bias[%d] = %v; want 0", i, v)
		}
	}

	uncond := opts.AttentionBias[1]
	if len(uncond) != 7 {
		t.Fatalf("uncond bias len = %d; want 7", len(uncond))
	}
	for i, v := range uncond {
		want := float32(0)
		if i < 4 {
			want = MaskValue
		}
		if v != want {
			t.Fatalf("uncond bias[%d] = %v; want %v", i, v, want)
		}
	}

	if opts.PositionOffsets[0] != 0 || opts.PositionOffsets[1] != -4 {
		t.Fatalf("PositionOffsets = %v; want [0 -4]", opts.PositionOffsets)
	}

	disabled := NewLanes(nil, nil)
	disabled.Prepare(5)
	if o := disabled.Options(7); o.AttentionBias != nil || o.PositionOffsets != nil {
		t.Fatalf("disabled options = %+v; want zero", o)
	}
}

func TestLanes_Combine(t *testing.T) {
	l := NewLanes(ptr(1.5), ptr(1.2))

	cond := []float32{0, 0}                       // log p = [-ln2, -ln2]
	uncond := []float32{0, float32(math.Log(3))} // log p = [ln(1/4), ln(3/4)]

	got, err := l.Combine(0, [][]float32{cond, uncond})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	want := []float64{
		1.5*math.Log(0.5) - 0.5*math.Log(0.25),
		1.5*math.Log(0.5) - 0.5*math.Log(0.75),
	}
	for i := range want {
		if math.Abs(float64(got[i])-want[i]) > 1e-5 {
			t.Fatalf("Combine[%d] = %v; want %v", i, got[i], want[i])
		}
	}

	got1, err := l.Combine(1, [][]float32{cond, uncond})
	if err != nil {
		t.Fatalf("Combine seg1: %v", err)
	}
	want1 := 1.2*math.Log(0.5) - 0.2*math.Log(0.25)
	if math.Abs(float64(got1[0])-want1) > 1e-5 {
		t.Fatalf("Combine seg1[0] = %v; want %v", got1[0], want1)
	}
}

func TestLanes_CombineKeepsExcludedTokens(t *testing.T) {
	l := NewLanes(ptr(1.5), ptr(1.5))
	negInf := float32(math.Inf(-1))

	got, err := l.Combine(0, [][]float32{{negInf, 1, 2}, {negInf, 0, negInf}})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if !math.IsInf(float64(got[0]), -1) {
		t.Fatalf("excluded token = %v; want -Inf", got[0])
	}
	for _, v := range got {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Combine produced NaN: %v", got)
		}
	}
}

func TestLanes_CombineUnconditionalExclusion(t *testing.T) {
	negInf := float32(math.Inf(-1))

	for _, scale := range []float64{0.5, 1, 1.5, 3} {
		l := NewLanes(ptr(scale), ptr(scale))

		got, err := l.Combine(0, [][]float32{{0, 0, 0}, {0, 0, negInf}})
		if err != nil {
			t.Fatalf("scale %v: Combine: %v", scale, err)
		}
		if !math.IsInf(float64(got[2]), -1) {
			t.Fatalf("scale %v: token masked by the unconditional lane = %v; want -Inf", scale, got[2])
		}
		for i, v := range got[:2] {
			if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
				t.Fatalf("scale %v: token %d = %v; want finite", scale, i, v)
			}
		}
	}
}

func TestLanes_CombineMismatch(t *testing.T) {
	l := NewLanes(ptr(1.5), ptr(1.2))

	tests := []struct {
		name   string
		logits [][]float32
	}{
		{name: "one lane", logits: [][]float32{{1, 2}}},
		{name: "three lanes", logits: [][]float32{{1}, {1}, {1}}},
		{name: "vocab differs", logits: [][]float32{{1, 2}, {1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Combine(0, tt.logits)
			if !errors.Is(err, ErrLaneMismatch) {
				t.Fatalf("Combine error = %v; want ErrLaneMismatch", err)
			}
		})
	}
}

func TestLanes_CombineDisabledPassesThrough(t *testing.T) {
	l := NewLanes(nil, nil)
	in := []float32{3, 1, 2}

	got, err := l.Combine(0, [][]float32{in})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if &got[0] != &in[0] {
		t.Fatal("disabled Combine copied logits; want lane 0 unchanged")
	}
}

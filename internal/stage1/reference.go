package stage1

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-songgen/internal/audio"
	"github.com/example/go-songgen/internal/codec"
)

// primeAudio encodes the reference prompt and the audio to extend, if the
// request asks for them.
func (p *Pipeline) primeAudio(ctx context.Context, r *run) (reference, extend []int64, err error) {
	req := r.req
	rate := p.codec.FPS * p.codec.NumQuantizers

	// The reference block is only part of segment 0's prompt.
	if r.start == 0 || (req.Extend != nil && req.Extend.AsNewSegment) {
		switch {
		case req.AudioPrompt != nil:
			ids, err := p.encodeTrack(ctx, req.AudioPrompt.Path)
			if err != nil {
				return nil, nil, err
			}
			reference = codec.SliceSeconds(ids, req.AudioPrompt.Start, req.AudioPrompt.End, rate)
		case req.DualPrompt != nil:
			ids, err := p.encodePair(ctx, req.DualPrompt.VocalPath, req.DualPrompt.InstrumentalPath)
			if err != nil {
				return nil, nil, err
			}
			reference = codec.SliceSeconds(ids, req.DualPrompt.Start, req.DualPrompt.End, 2*rate)
		}
		if (req.AudioPrompt != nil || req.DualPrompt != nil) && len(reference) == 0 {
			return nil, nil, configErr("prompt", "time range selects no audio")
		}
	}

	if e := req.Extend; e != nil {
		ids, err := p.encodePair(ctx, e.VocalPath, e.InstrumentalPath)
		if err != nil {
			return nil, nil, err
		}
		extend = codec.SliceSeconds(ids, e.Start, e.End, 2*rate)

		// Keep whole vocal/instrumental pairs from the end.
		if limit := r.window.MaxContext &^ 1; len(extend) > limit {
			slog.Info("existing audio exceeds context, keeping the tail",
				"tokens", len(extend), "kept", limit)
			extend = extend[len(extend)-limit:]
		}
		if len(extend) == 0 {
			return nil, nil, configErr("extend", "time range selects no audio")
		}
	}

	return reference, extend, nil
}

// primeExtendSegment closes segment 0 with the existing audio and forwards
// it so that segment 1 can start incrementally.
func (p *Pipeline) primeExtendSegment(ctx context.Context, sess *Session, r *run, reference, extend []int64) error {
	seg0, err := p.builder.Initial(r.header, r.segments[0], reference)
	if err != nil {
		return fmt.Errorf("stage1: segment 0 prompt: %w", err)
	}
	seg0 = append(seg0, extend...)
	seg0 = append(seg0, p.vocab.EOA)

	if _, err := sess.Prime(ctx, seg0); err != nil {
		return fmt.Errorf("stage1: prime existing audio: %w", err)
	}
	return p.save(ctx, sess, 0, r.segments)
}

func (p *Pipeline) encodeTrack(ctx context.Context, path string) ([]int64, error) {
	pcm, err := audio.LoadMono(path, codec.XCodecSampleRate)
	if err != nil {
		return nil, fmt.Errorf("stage1: load %s: %w", path, err)
	}

	codes, err := p.encoder.Encode(ctx, pcm, codec.TargetBandwidth)
	if err != nil {
		return nil, fmt.Errorf("stage1: encode %s: %w", path, err)
	}

	ids, err := p.codec.NPYToIDs(codes)
	if err != nil {
		return nil, fmt.Errorf("stage1: %s: %w", path, err)
	}
	return ids, nil
}

func (p *Pipeline) encodePair(ctx context.Context, vocalPath, instPath string) ([]int64, error) {
	vocal, err := p.encodeTrack(ctx, vocalPath)
	if err != nil {
		return nil, err
	}
	inst, err := p.encodeTrack(ctx, instPath)
	if err != nil {
		return nil, err
	}

	ids, dropped := codec.Interleave(vocal, inst)
	if dropped > 0 {
		slog.Warn("vocal and instrumental token counts differ, truncating",
			"vocal", len(vocal), "instrumental", len(inst), "dropped", dropped)
	}
	return ids, nil
}

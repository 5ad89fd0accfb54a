package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/songgen"
	"github.com/example/go-songgen/internal/stage1"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type generateFlags struct {
	genres     string
	genresFile string
	lyrics     string
	lyricsFile string

	audioPrompt string
	vocalPrompt string
	instPrompt  string
	promptStart float64
	promptEnd   float64

	extendVocal string
	extendInst  string
	extendStart float64
	extendEnd   float64
	extendAsNew bool
	resumeAfter int
	noProgress  bool
}

func newGenerateCmd() *cobra.Command {
	var f generateFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate stage-1 vocal and instrumental token tracks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			req, err := buildRequest(f, cfg.Stage1, os.Stdin)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			svc, err := songgen.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			var obs *progressObserver
			if !f.noProgress {
				obs = newProgressObserver(os.Stderr)
			}

			out, err := svc.Generate(ctx, req, observerOrNil(obs))
			if obs != nil {
				obs.finish(err == nil)
			}
			if err != nil {
				return describeGenerateError(err)
			}

			return printOutput(os.Stdout, out)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.genres, "genres", "", "Genre tags, e.g. \"inspiring female uplifting pop\"")
	fl.StringVar(&f.genresFile, "genres-file", "", "Read genre tags from a file")
	fl.StringVar(&f.lyrics, "lyrics", "", "Lyrics with [verse]/[chorus] section tags")
	fl.StringVar(&f.lyricsFile, "lyrics-file", "", "Read lyrics from a file ('-' for stdin)")
	fl.StringVar(&f.audioPrompt, "audio-prompt", "", "Mixed reference track (wav|mp3)")
	fl.StringVar(&f.vocalPrompt, "vocal-prompt", "", "Vocal reference track for the dual-track prompt")
	fl.StringVar(&f.instPrompt, "instrumental-prompt", "", "Instrumental reference track for the dual-track prompt")
	fl.Float64Var(&f.promptStart, "prompt-start", 0, "Reference start time in seconds")
	fl.Float64Var(&f.promptEnd, "prompt-end", 30, "Reference end time in seconds")
	fl.StringVar(&f.extendVocal, "extend-vocal", "", "Vocal track of the song to extend")
	fl.StringVar(&f.extendInst, "extend-instrumental", "", "Instrumental track of the song to extend")
	fl.Float64Var(&f.extendStart, "extend-start", 0, "Start time of the extended audio in seconds")
	fl.Float64Var(&f.extendEnd, "extend-end", 0, "End time of the extended audio in seconds (0 = until the end)")
	fl.BoolVar(&f.extendAsNew, "extend-as-new-segment", false, "Close segment 0 with the extended audio and generate from segment 1")
	fl.IntVar(&f.resumeAfter, "resume-after", -1, "Resume after the checkpoint of this segment (-1 disables)")
	fl.BoolVar(&f.noProgress, "no-progress", false, "Disable progress bars")

	return cmd
}

// buildRequest turns flags into a request. Segment count and seed come from
// the stage1 config section (--run-n-segments, --seed).
func buildRequest(f generateFlags, st config.Stage1Config, stdin io.Reader) (stage1.Request, error) {
	genres, err := readInput(f.genres, f.genresFile, stdin)
	if err != nil {
		return stage1.Request{}, fmt.Errorf("genres: %w", err)
	}

	lyrics, err := readInput(f.lyrics, f.lyricsFile, stdin)
	if err != nil {
		return stage1.Request{}, fmt.Errorf("lyrics: %w", err)
	}
	if strings.TrimSpace(lyrics) == "" {
		return stage1.Request{}, errors.New("either provide --lyrics or --lyrics-file")
	}

	req := stage1.Request{
		Genres:       strings.TrimSpace(genres),
		Lyrics:       lyrics,
		RunNSegments: st.RunNSegments,
		Seed:         st.Seed,
	}

	switch {
	case f.audioPrompt != "" && (f.vocalPrompt != "" || f.instPrompt != ""):
		return stage1.Request{}, errors.New("--audio-prompt cannot be combined with --vocal-prompt/--instrumental-prompt")
	case f.audioPrompt != "":
		req.AudioPrompt = &stage1.AudioPrompt{Path: f.audioPrompt, Start: f.promptStart, End: f.promptEnd}
	case f.vocalPrompt != "" || f.instPrompt != "":
		req.DualPrompt = &stage1.DualPrompt{
			VocalPath:        f.vocalPrompt,
			InstrumentalPath: f.instPrompt,
			Start:            f.promptStart,
			End:              f.promptEnd,
		}
	}

	if f.extendVocal != "" || f.extendInst != "" {
		req.Extend = &stage1.Extend{
			VocalPath:        f.extendVocal,
			InstrumentalPath: f.extendInst,
			Start:            f.extendStart,
			End:              f.extendEnd,
			AsNewSegment:     f.extendAsNew,
		}
	}

	if f.resumeAfter >= 0 {
		n := f.resumeAfter
		req.ResumeAfter = &n
	}

	return req, nil
}

// readInput prefers the inline value, then the file ("-" reads stdin).
func readInput(value, path string, stdin io.Reader) (string, error) {
	if value != "" {
		return value, nil
	}

	switch path {
	case "":
		return "", nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func describeGenerateError(err error) error {
	var missing *stage1.MissingCheckpointError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w; run `songgen checkpoints list` to see available segments", err)
	}

	var decodeErr *stage1.StructuralDecodeError
	if errors.As(err, &decodeErr) {
		return fmt.Errorf("generation produced unusable output: %w", err)
	}

	return err
}

func printOutput(w io.Writer, out songgen.Output) error {
	_, err := fmt.Fprintf(w, "run %s: %d segment(s), %d frames, %d forward passes\nvocal:        %s\ninstrumental: %s\n",
		out.RunID, len(out.Result.Segments), out.Frames, out.Result.Forwards, out.VocalPath, out.InstrumentalPath)
	return err
}

// progressObserver renders a segment bar plus a per-segment token bar.
type progressObserver struct {
	p        *mpb.Progress
	segments *mpb.Bar
	tokens   *mpb.Bar
	total    int
}

func newProgressObserver(w io.Writer) *progressObserver {
	p := mpb.New(mpb.WithWidth(64), mpb.WithOutput(w))
	return &progressObserver{p: p}
}

func (o *progressObserver) SegmentStarted(index, total, budget int) {
	if o.segments == nil {
		o.total = total
		o.segments = o.p.AddBar(int64(total),
			mpb.PrependDecorators(
				decor.Name("Segments: "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}
	o.segments.SetCurrent(int64(index))

	if o.tokens != nil {
		o.tokens.Abort(true)
	}
	o.tokens = o.p.AddBar(int64(budget),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("Segment %d: ", index)),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.AverageETA(decor.ET_STYLE_GO)),
	)
}

func (o *progressObserver) TokenGenerated(_, step int) {
	if o.tokens != nil {
		o.tokens.SetCurrent(int64(step))
	}
}

// Bars built with a positive total ignore SetTotal, so a segment that stops
// on EOA before its budget drops its token bar instead of completing it.
func (o *progressObserver) SegmentDone(res stage1.SegmentResult) {
	if o.tokens != nil {
		o.tokens.Abort(true)
		o.tokens = nil
	}
	if o.segments != nil {
		o.segments.SetCurrent(int64(res.Index + 1))
	}
}

// finish completes or aborts the remaining bars and waits for rendering.
func (o *progressObserver) finish(ok bool) {
	if o.tokens != nil {
		o.tokens.Abort(ok)
		o.tokens = nil
	}
	if o.segments != nil {
		if ok {
			o.segments.SetCurrent(int64(o.total))
		} else {
			o.segments.Abort(false)
		}
	}
	o.p.Wait()
}

// observerOrNil keeps a nil *progressObserver from becoming a non-nil
// interface.
func observerOrNil(o *progressObserver) stage1.Observer {
	if o == nil {
		return nil
	}
	return o
}

package model

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// copyWithProgress copies src to dst, rendering a byte bar on out. A nil
// out copies silently. total <= 0 means the size is unknown.
func copyWithProgress(dst io.Writer, src io.Reader, total int64, name string, out io.Writer) (int64, error) {
	if out == nil {
		return io.Copy(dst, src)
	}

	p := mpb.New(mpb.WithWidth(48), mpb.WithOutput(out))
	bar := p.AddBar(max(total, 0),
		mpb.PrependDecorators(
			decor.Name(name+" "),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	r := bar.ProxyReader(src)
	n, err := io.Copy(dst, r)
	_ = r.Close()

	if err != nil {
		bar.Abort(false)
	} else {
		bar.SetTotal(-1, true)
	}
	p.Wait()

	return n, err
}

package upload

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedWriter paces writes to w by l and counts what's written against u. Writes are split
// into chunks no larger than the limiter burst.
type rateLimitedWriter struct {
	ctx context.Context
	l   *rate.Limiter
	w   io.Writer
	u   *Uploader
}

func (me *rateLimitedWriter) Write(b []byte) (n int, err error) {
	for len(b) != 0 {
		select {
		case <-me.u.Stopped():
			return n, errStopped
		default:
		}
		chunk := b
		if burst := me.l.Burst(); burst != 0 && len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err = me.l.WaitN(me.ctx, len(chunk)); err != nil {
			return
		}
		var m int
		m, err = me.w.Write(chunk)
		n += m
		me.u.CountUploaded(int64(m))
		if err != nil {
			return
		}
		b = b[m:]
	}
	return
}

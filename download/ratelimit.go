package download

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader holds back reads from r to the rate of l. Reads are no larger than the burst.
type rateLimitedReader struct {
	ctx context.Context
	l   *rate.Limiter
	r   io.Reader
}

func (me *rateLimitedReader) Read(b []byte) (n int, err error) {
	if me.l.Burst() != 0 {
		b = b[:min(len(b), me.l.Burst())]
	}
	n, err = me.r.Read(b)
	if n == 0 {
		return
	}
	if waitErr := me.l.WaitN(me.ctx, n); waitErr != nil && err == nil {
		err = waitErr
	}
	return
}

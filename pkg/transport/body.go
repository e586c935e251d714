package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// prefetchSize bounds the first fill performed before a streamed request is
// sent.
const prefetchSize = 16 * 1024

// fillReader adapts a FillFunc to io.Reader. ErrPause is absorbed by waiting
// with exponential backoff; (0, nil) from the fill ends the body.
type fillReader struct {
	ctx        context.Context
	fill       FillFunc
	backoff    time.Duration
	maxBackoff time.Duration
	sent       int64
	done       bool
}

func newFillReader(ctx context.Context, fill FillFunc, cfg Config) *fillReader {
	return &fillReader{
		ctx:        ctx,
		fill:       fill,
		backoff:    cfg.PauseBackoff,
		maxBackoff: cfg.MaxPauseBackoff,
	}
}

func (r *fillReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	wait := r.backoff
	for {
		n, err := r.fill(p)
		switch {
		case errors.Is(err, ErrPause):
			t := time.NewTimer(wait)
			select {
			case <-r.ctx.Done():
				t.Stop()
				return 0, r.ctx.Err()
			case <-t.C:
			}
			wait = min(wait*2, r.maxBackoff)
			continue
		case err != nil:
			return 0, err
		case n == 0:
			r.done = true
			return 0, io.EOF
		}
		r.sent += int64(n)
		return n, nil
	}
}

// prefetch pulls the first piece of a streamed body so that a paused body
// never opens a request. The returned reader replays the prefetched bytes
// followed by the rest of the stream.
func (r *fillReader) prefetch() (io.Reader, error) {
	first := make([]byte, prefetchSize)
	n, err := r.Read(first)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if r.done {
		return bytes.NewReader(first[:n]), nil
	}
	return io.MultiReader(bytes.NewReader(first[:n]), r), nil
}

package httpproducer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ava-labs/http-producer/pkg/framer"
	"github.com/ava-labs/http-producer/pkg/transport"
)

// minFeed is the smallest slice of a payload handed to the compressor per
// fill, so tiny caller buffers still make progress through large messages.
const minFeed = 512

type batchState int

const (
	batchIdle batchState = iota
	batchCollecting
	batchFlushing
)

func (s batchState) String() string {
	switch s {
	case batchIdle:
		return "idle"
	case batchCollecting:
		return "collecting"
	case batchFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// batchCursor is a message partially fed to the compressor.
type batchCursor struct {
	msg *Message
	off int
}

func (c *batchCursor) remaining() []byte { return c.msg.Payload[c.off:] }

func (c *batchCursor) done() bool { return c.off >= len(c.msg.Payload) }

// chunkedStrategy runs one streamed request per worker.
type chunkedStrategy struct {
	workers []*batchWorker
}

func (s *chunkedStrategy) open(h *Handler) error {
	for _, w := range h.workers {
		conn, err := h.engine.Open(h.transportConfig(1))
		if err != nil {
			return err
		}
		fr, err := framer.New(h.opts.CompressionLevel)
		if err != nil {
			_ = conn.Close()
			return err
		}
		s.workers = append(s.workers, &batchWorker{
			h:      h,
			w:      w,
			conn:   conn,
			framer: fr,
			header: map[string]string{"Content-Encoding": "deflate"},
		})
	}
	return nil
}

func (s *chunkedStrategy) start(h *Handler) {
	for _, b := range s.workers {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			b.run()
		}()
	}
}

func (s *chunkedStrategy) close() {
	for _, b := range s.workers {
		if err := b.conn.Close(); err != nil {
			b.h.log.Warnw("failed to close connection", "worker", b.w.id, "error", err)
		}
	}
}

// batchWorker owns one connection, one compressor and the batch currently
// being streamed. Messages join pending only once fully compressed.
type batchWorker struct {
	h      *Handler
	w      *worker
	conn   transport.Conn
	framer *framer.Framer
	header map[string]string

	// mu guards the batch against a transport still reading a body after
	// the request completed; gen identifies the current request.
	mu      sync.Mutex
	gen     uint64
	state   batchState
	opened  time.Time
	pending []*Message
	cursor  *batchCursor
}

func (b *batchWorker) run() {
	log := b.h.log.With("worker", b.w.id)
	for b.h.running.Load() {
		res := b.conn.Perform(context.Background(), b.request())
		n := b.complete(res)
		if res.Err == nil || n == 0 {
			continue
		}
		log.Warnw("batch request failed", "messages", n, "error", res.Err)
		select {
		case <-b.h.stopCtx.Done():
		case <-time.After(b.h.opts.PollInterval):
		}
	}
}

func (b *batchWorker) request() *transport.Request {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	return &transport.Request{
		Header: b.header,
		Fill: func(buf []byte) (int, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if gen != b.gen {
				return 0, transport.ErrAbort
			}
			return b.fill(buf)
		},
	}
}

// fill implements transport.FillFunc over the worker queue. Called with mu
// held.
func (b *batchWorker) fill(buf []byte) (int, error) {
	for {
		if b.framer.Buffered() > 0 {
			n, _ := b.framer.Read(buf)
			return n, nil
		}

		switch b.state {
		case batchFlushing:
			return 0, nil

		case batchIdle:
			if !b.h.running.Load() {
				return 0, transport.ErrAbort
			}
			msg, ok := b.w.inbound.PopTimeout(b.h.opts.PollInterval)
			if !ok {
				return 0, transport.ErrPause
			}
			b.cursor = &batchCursor{msg: msg}
			if err := b.framer.Open(); err != nil {
				return 0, b.abort(err)
			}
			b.state = batchCollecting
			b.opened = b.h.clock.Now()

		case batchCollecting:
			if b.cursor != nil {
				if err := b.feed(len(buf)); err != nil {
					return 0, b.abort(err)
				}
				continue
			}
			if b.full() || b.expired() || !b.h.running.Load() {
				if err := b.framer.Close(); err != nil {
					return 0, b.abort(err)
				}
				b.state = batchFlushing
				continue
			}
			if msg, ok := b.w.inbound.PopTimeout(b.wait()); ok {
				b.cursor = &batchCursor{msg: msg}
			}
		}
	}
}

// feed compresses the next piece of the cursor message. Once the message is
// fully written it is flushed to a byte boundary and joins the batch.
func (b *batchWorker) feed(space int) error {
	chunk := b.cursor.remaining()
	if n := max(space, minFeed); len(chunk) > n {
		chunk = chunk[:n]
	}
	if _, err := b.framer.Write(chunk); err != nil {
		return err
	}
	b.cursor.off += len(chunk)
	if !b.cursor.done() {
		return nil
	}
	if err := b.framer.Flush(); err != nil {
		return err
	}
	b.pending = append(b.pending, b.cursor.msg)
	b.cursor = nil
	return nil
}

func (b *batchWorker) full() bool {
	return len(b.pending) >= b.h.opts.MaxBatchMessages
}

func (b *batchWorker) expired() bool {
	return b.h.clock.Since(b.opened) >= b.h.opts.PostTimeout
}

// wait bounds a queue wait by the poll interval and the batch deadline.
func (b *batchWorker) wait() time.Duration {
	left := b.h.opts.PostTimeout - b.h.clock.Since(b.opened)
	return max(min(left, b.h.opts.PollInterval), time.Millisecond)
}

func (b *batchWorker) abort(err error) error {
	b.h.log.Errorw("compression failed, aborting batch", "worker", b.w.id, "state", b.state, "error", err)
	return errors.Join(transport.ErrAbort, err)
}

// complete ends the current request: the whole batch, including a message
// cut off mid-stream, shares its outcome. It returns the batch size.
func (b *batchWorker) complete(res transport.Result) int {
	b.mu.Lock()
	msgs := b.pending
	if b.cursor != nil {
		msgs = append(msgs, b.cursor.msg)
	}
	uncompressed, compressed := b.framer.Consumed(), b.framer.Produced()

	b.gen++
	b.pending = nil
	b.cursor = nil
	b.state = batchIdle
	b.framer.Abandon()
	b.mu.Unlock()

	if len(msgs) == 0 {
		return 0
	}
	b.h.metrics.RecordRequest(string(ModeChunked), res.Err, res.Duration.Seconds())
	b.h.metrics.RecordBatch(len(msgs), uncompressed, compressed)
	b.h.pushReport(msgs, res)
	return len(msgs)
}

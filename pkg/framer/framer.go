// Package framer turns a sequence of message payloads into one streamed
// deflate body (zlib format, as expected by "Content-Encoding: deflate").
//
// A Framer owns its compressed output until a reader drains it with Read, so
// a request body can be produced in whatever piece sizes the transport asks
// for. Flush emits a sync marker at a message boundary; every message flushed
// so far can then be decompressed by the receiver without waiting for the
// stream to end. Close finalizes the stream.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var (
	// ErrNotOpen is returned when writing to a framer with no open stream.
	ErrNotOpen = errors.New("framer: stream not open")
	// ErrAlreadyOpen is returned by Open while a stream is in progress.
	ErrAlreadyOpen = errors.New("framer: stream already open")
)

// DefaultLevel is the compression level used when none is configured.
const DefaultLevel = zlib.DefaultCompression

// Framer is a reusable deflate stream. It is not safe for concurrent use; each
// delivery worker owns one.
type Framer struct {
	level int
	zw    *zlib.Writer
	out   bytes.Buffer

	open     bool
	finished bool

	consumed int64
	produced int64
}

// New creates a Framer with the given zlib compression level.
func New(level int) (*Framer, error) {
	f := &Framer{level: level}
	zw, err := zlib.NewWriterLevel(&f.out, level)
	if err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", level, err)
	}
	f.zw = zw
	return f, nil
}

// Open starts a new stream. Output of a previous stream that was not drained
// is discarded.
func (f *Framer) Open() error {
	if f.open {
		return ErrAlreadyOpen
	}
	f.out.Reset()
	f.zw.Reset(&f.out)
	f.open = true
	f.finished = false
	f.consumed = 0
	f.produced = 0
	return nil
}

// Write feeds uncompressed bytes into the stream.
func (f *Framer) Write(p []byte) (int, error) {
	if !f.open {
		return 0, ErrNotOpen
	}
	n, err := f.zw.Write(p)
	f.consumed += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to compress: %w", err)
	}
	return n, nil
}

// Flush emits everything written so far, aligned to a byte boundary.
func (f *Framer) Flush() error {
	if !f.open {
		return ErrNotOpen
	}
	if err := f.zw.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream: %w", err)
	}
	return nil
}

// Close writes the stream trailer. The output stays readable until drained;
// Read returns io.EOF afterwards.
func (f *Framer) Close() error {
	if !f.open {
		return ErrNotOpen
	}
	f.open = false
	f.finished = true
	if err := f.zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize stream: %w", err)
	}
	return nil
}

// Read drains compressed output into p. It returns (0, nil) when the stream is
// open but no output is pending, and io.EOF once a closed stream is empty.
func (f *Framer) Read(p []byte) (int, error) {
	if f.out.Len() == 0 {
		if f.finished {
			return 0, io.EOF
		}
		return 0, nil
	}
	n, _ := f.out.Read(p)
	f.produced += int64(n)
	return n, nil
}

// Abandon drops the current stream and any undrained output.
func (f *Framer) Abandon() {
	f.open = false
	f.finished = false
	f.out.Reset()
}

// IsOpen reports whether a stream is accepting writes.
func (f *Framer) IsOpen() bool { return f.open }

// Finished reports whether the current stream has been closed but possibly
// not yet drained.
func (f *Framer) Finished() bool { return f.finished }

// Buffered returns the number of compressed bytes waiting to be read.
func (f *Framer) Buffered() int { return f.out.Len() }

// Consumed returns the uncompressed bytes written to the current stream.
func (f *Framer) Consumed() int64 { return f.consumed }

// Produced returns the compressed bytes read from the current stream.
func (f *Framer) Produced() int64 { return f.produced }

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPause is returned by a FillFunc that has no data yet.
	ErrPause = errors.New("transport: body paused")
	// ErrAbort is returned by a FillFunc to abandon the request.
	ErrAbort = errors.New("transport: request aborted")
	// ErrUnknownEngine is returned by EngineByName.
	ErrUnknownEngine = errors.New("transport: unknown engine")
)

// FillFunc produces the next piece of a streamed request body.
type FillFunc func(buf []byte) (int, error)

// Request is a single POST to the configured URL.
type Request struct {
	// Header values are added on top of the connection's static headers.
	Header map[string]string
	// Body is sent with a known Content-Length when Fill is nil.
	Body []byte
	// Fill streams the body with chunked transfer encoding.
	Fill FillFunc
}

// Result is the outcome of a request. Err is nil when a response was received,
// whatever its status code.
type Result struct {
	StatusCode int
	Err        error
	Duration   time.Duration
	BytesSent  int64
}

// OK reports whether the request succeeded with a 2xx status.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Config is shared by all engines.
type Config struct {
	URL            string
	Connections    int
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Insecure       bool
	Verbose        bool
	// Header is sent with every request.
	Header map[string]string
	// PauseBackoff is the first wait after ErrPause; it doubles up to
	// MaxPauseBackoff.
	PauseBackoff    time.Duration
	MaxPauseBackoff time.Duration
	Log             *zap.SugaredLogger
}

const (
	defaultPauseBackoff    = 5 * time.Millisecond
	defaultMaxPauseBackoff = 100 * time.Millisecond
)

// DefaultHeader returns the headers every delivery request carries.
func DefaultHeader() map[string]string {
	return map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
		"charsets":     "utf-8",
	}
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.Connections <= 0 {
		out.Connections = 1
	}
	if out.PauseBackoff <= 0 {
		out.PauseBackoff = defaultPauseBackoff
	}
	if out.MaxPauseBackoff < out.PauseBackoff {
		out.MaxPauseBackoff = max(defaultMaxPauseBackoff, out.PauseBackoff)
	}
	if out.Log == nil {
		out.Log = zap.NewNop().Sugar()
	}
	header := DefaultHeader()
	for k, v := range c.Header {
		header[k] = v
	}
	out.Header = header
	return out
}

// Engine opens connections to a destination.
type Engine interface {
	Name() string
	Open(cfg Config) (Conn, error)
}

// Conn performs requests. Implementations are safe for concurrent use.
type Conn interface {
	// Perform blocks until the request completes, fails, or ctx is done.
	Perform(ctx context.Context, req *Request) Result
	Close() error
}

const (
	EngineNetHTTP  = "nethttp"
	EngineFastHTTP = "fasthttp"
)

// EngineByName returns the engine registered under name. An empty name
// selects net/http.
func EngineByName(name string) (Engine, error) {
	switch name {
	case "", EngineNetHTTP:
		return NetHTTP{}, nil
	case EngineFastHTTP:
		return FastHTTP{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}

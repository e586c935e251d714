// Package sink is an HTTP endpoint that accepts deliveries from
// httpproducer: plain bodies, or deflate-compressed chunked batches. It keeps
// what it received in memory so deliveries can be inspected, and can be told
// to answer with an arbitrary status code to exercise failure handling.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

// Record is one received request.
type Record struct {
	Path       string    `json:"path"`
	Encoding   string    `json:"encoding,omitempty"`
	Chunked    bool      `json:"chunked"`
	Body       []byte    `json:"-"`
	WireBytes  int64     `json:"wireBytes"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Stats summarizes everything received since the last Reset.
type Stats struct {
	Requests  int64 `json:"requests"`
	Rejected  int64 `json:"rejected"`
	BodyBytes int64 `json:"bodyBytes"`
	WireBytes int64 `json:"wireBytes"`
	Status    int   `json:"status"`
}

// Sink records incoming deliveries.
type Sink struct {
	log    *zap.SugaredLogger
	status atomic.Int32
	delay  atomic.Int64
	keep   bool
	router chi.Router

	mu       sync.Mutex
	records  []Record
	rejected int64
	body     int64
	wire     int64
}

// Option customizes a Sink.
type Option func(*Sink)

// WithoutBodies stops the sink from retaining request bodies; only counters
// are kept. Useful for long running load tests.
func WithoutBodies() Option {
	return func(s *Sink) { s.keep = false }
}

// WithStatus sets the initial response status.
func WithStatus(code int) Option {
	return func(s *Sink) { s.status.Store(int32(code)) }
}

// New creates a Sink answering 200 OK.
func New(log *zap.SugaredLogger, opts ...Option) *Sink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Sink{log: log, keep: true}
	s.status.Store(http.StatusOK)
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
	})
	r.Route("/_sink", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Put("/status/{code}", s.handleSetStatus)
		r.Delete("/records", s.handleReset)
	})
	r.Post("/*", s.handleIngest)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetStatus changes the status code returned for deliveries.
func (s *Sink) SetStatus(code int) { s.status.Store(int32(code)) }

// SetDelay makes every delivery wait d before answering.
func (s *Sink) SetDelay(d time.Duration) { s.delay.Store(int64(d)) }

// Records returns a copy of the received requests.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Stats returns the counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Requests:  int64(len(s.records)),
		Rejected:  s.rejected,
		BodyBytes: s.body,
		WireBytes: s.wire,
		Status:    int(s.status.Load()),
	}
}

// Reset clears records and counters.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.rejected = 0
	s.body = 0
	s.wire = 0
}

func (s *Sink) handleIngest(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(s.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	counted := &countingReader{r: r.Body}
	body, err := decode(counted, r.Header.Get("Content-Encoding"))
	if err != nil {
		s.log.Warnw("rejected delivery", "path", r.URL.Path, "error", err)
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := Record{
		Path:       r.URL.Path,
		Encoding:   r.Header.Get("Content-Encoding"),
		Chunked:    len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked",
		WireBytes:  counted.n,
		ReceivedAt: time.Now(),
	}
	if s.keep {
		rec.Body = body
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.body += int64(len(body))
	s.wire += counted.n
	s.mu.Unlock()

	s.log.Debugw("delivery received",
		"path", rec.Path,
		"encoding", rec.Encoding,
		"chunked", rec.Chunked,
		"bytes", len(body),
	)
	w.WriteHeader(int(s.status.Load()))
}

func (s *Sink) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Warnw("failed to encode stats", "error", err)
	}
}

func (s *Sink) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 100 || code > 599 {
		http.Error(w, "invalid status code", http.StatusBadRequest)
		return
	}
	s.SetStatus(code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Sink) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	w.WriteHeader(http.StatusNoContent)
}

var errUnsupportedEncoding = errors.New("unsupported content encoding")

func decode(r io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return io.ReadAll(r)
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid deflate stream: %w", err)
		}
		defer zr.Close()
		body, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("invalid deflate stream: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, encoding)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

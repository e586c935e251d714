package httpproducer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/http-producer/pkg/metrics"
	"github.com/ava-labs/http-producer/pkg/sink"
	"github.com/ava-labs/http-producer/pkg/transport"
	"github.com/ava-labs/http-producer/pkg/transport/mocks"
)

// reportLog collects delivery reports from GetReports callbacks.
type reportLog struct {
	mu      sync.Mutex
	reports []DeliveryReport
}

func (l *reportLog) add(r DeliveryReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r.Payload = append([]byte(nil), r.Payload...)
	l.reports = append(l.reports, r)
}

func (l *reportLog) all() []DeliveryReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeliveryReport(nil), l.reports...)
}

// drain polls reports until n were collected.
func (l *reportLog) drain(t *testing.T, h *Handler, n int) []DeliveryReport {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for len(l.all()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d reports, got %d", n, len(l.all()))
		}
		h.GetReports(l.add, 20*time.Millisecond)
	}
	return l.all()
}

func newSinkServer(t *testing.T) (*sink.Sink, *httptest.Server) {
	t.Helper()
	s := sink.New(zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func testOptions(url string) Options {
	o := DefaultOptions()
	o.URL = url
	o.PollInterval = 10 * time.Millisecond
	o.WatchdogInterval = 0
	return o
}

func runHandler(t *testing.T, o Options, extra ...Option) *Handler {
	t.Helper()
	opts := append([]Option{WithOptions(o)}, extra...)
	h, err := New(zaptest.NewLogger(t).Sugar(), o.URL, opts...)
	require.NoError(t, err)
	require.NoError(t, h.Run())
	t.Cleanup(h.Destroy)
	return h
}

// blockingConn holds every request until release is closed.
func blockingConn(release <-chan struct{}, status int) *mocks.MockConn {
	conn := &mocks.MockConn{}
	conn.On("Perform", mock.Anything, mock.Anything).Return(
		func(context.Context, *transport.Request) transport.Result {
			<-release
			return transport.Result{StatusCode: status}
		})
	conn.On("Close").Return(nil)
	return conn
}

func engineFor(conn transport.Conn) *mocks.MockEngine {
	e := &mocks.MockEngine{}
	e.On("Open", mock.Anything).Return(conn, nil)
	return e
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "")
	require.ErrorIs(t, err, ErrInvalidOption)

	h, err := Create("http://localhost:1/", 2, 10)
	require.NoError(t, err)
	o := h.Options()
	require.Equal(t, 2, o.Connections)
	require.Equal(t, int64(10), o.MaxMessages)
	require.False(t, h.Running())
}

func TestHandler_Lifecycle(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	close(release)
	o := testOptions("http://localhost:1/")

	h, err := New(zaptest.NewLogger(t).Sugar(), o.URL, WithOptions(o), WithEngine(engineFor(blockingConn(release, 200))))
	require.NoError(t, err)

	require.ErrorIs(t, h.Produce([]byte("x"), 0, nil), ErrNotRunning)
	require.NoError(t, h.SetOption("CONNECTIONS", "2"))
	require.NoError(t, h.Run())
	require.True(t, h.Running())

	require.ErrorIs(t, h.Run(), ErrAlreadyRunning)
	require.ErrorIs(t, h.SetOption("CONNECTIONS", "3"), ErrAlreadyRunning)
	require.Equal(t, 2, h.Options().Connections)

	h.Destroy()
	h.Destroy() // idempotent
	require.False(t, h.Running())
	require.ErrorIs(t, h.Produce([]byte("x"), 0, nil), ErrNotRunning)
	require.ErrorIs(t, h.Run(), ErrNotRunning)
}

func TestHandler_RunValidates(t *testing.T) {
	t.Parallel()
	h, err := New(nil, "http://localhost:1/")
	require.NoError(t, err)
	require.NoError(t, h.SetOption("MODE", "chunked"))
	require.NoError(t, h.SetOption("POST_TIMEOUT", "30s"))
	require.ErrorIs(t, h.Run(), ErrInvalidOption)
	require.False(t, h.Running())
}

func TestHandler_RunSetupError(t *testing.T) {
	t.Parallel()
	e := &mocks.MockEngine{}
	e.On("Open", mock.Anything).Return(nil, errors.New("no sockets left"))

	h, err := New(nil, "http://localhost:1/", WithEngine(e))
	require.NoError(t, err)
	require.ErrorIs(t, h.Run(), ErrSetup)
	require.False(t, h.Running())
}

func TestHandler_Backpressure(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	o := testOptions("http://localhost:1/")
	o.Connections = 1
	o.MaxMessages = 2

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	h := runHandler(t, o, WithEngine(engineFor(blockingConn(release, http.StatusOK))), WithMetrics(m))

	require.Equal(t, 0, h.ProduceStatus([]byte("a"), FlagCopy, 1))
	require.Equal(t, 0, h.ProduceStatus([]byte("b"), FlagCopy, 2))
	require.Equal(t, 1, h.ProduceStatus([]byte("c"), FlagCopy, 3))
	require.ErrorIs(t, h.Produce([]byte("c"), FlagCopy, 3), ErrQueueFull)
	require.Equal(t, int64(2), h.InFlight())

	close(release)
	var got reportLog
	reports := got.drain(t, h, 2)
	require.Zero(t, h.InFlight())

	opaques := []any{reports[0].Opaque, reports[1].Opaque}
	require.ElementsMatch(t, []any{1, 2}, opaques)

	require.Equal(t, 0, h.ProduceStatus([]byte("c"), FlagCopy, 3))
}

func TestHandler_BackpressureConcurrent(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	o := testOptions("http://localhost:1/")
	o.Connections = 3
	o.MaxMessages = 50
	h := runHandler(t, o, WithEngine(engineFor(blockingConn(release, http.StatusOK))))

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				switch err := h.Produce([]byte("x"), 0, nil); {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrQueueFull):
					rejected.Add(1)
				}
				assert.LessOrEqual(t, h.InFlight(), int64(50))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(50), accepted.Load())
	require.Equal(t, int64(750), rejected.Load())

	close(release)
	var got reportLog
	got.drain(t, h, 50)
	require.Zero(t, h.InFlight())
}

func TestHandler_PlainExactlyOnce(t *testing.T) {
	t.Parallel()
	const n = 200

	for _, engine := range []string{transport.EngineNetHTTP, transport.EngineFastHTTP} {
		t.Run(engine, func(t *testing.T) {
			t.Parallel()
			s, srv := newSinkServer(t)
			o := testOptions(srv.URL + "/events")
			o.Engine = engine
			h := runHandler(t, o)

			for i := range n {
				require.NoError(t, h.Produce(fmt.Appendf(nil, `{"seq":%d}`, i), FlagCopy, i))
			}

			var got reportLog
			reports := got.drain(t, h, n)
			require.Len(t, reports, n)
			require.Zero(t, h.InFlight())

			seen := make(map[int]bool, n)
			for _, r := range reports {
				require.NoError(t, r.Err)
				require.True(t, r.OK())
				require.Equal(t, "No error", r.Status())
				seq := r.Opaque.(int)
				require.False(t, seen[seq], "duplicate report for %d", seq)
				seen[seq] = true
				require.Equal(t, fmt.Sprintf(`{"seq":%d}`, seq), string(r.Payload))
			}
			require.Equal(t, int64(n), s.Stats().Requests)

			// nothing else shows up later
			require.Zero(t, h.GetReports(got.add, 50*time.Millisecond))
			require.Len(t, got.all(), n)
		})
	}
}

func TestHandler_PlainHTTPErrorStatus(t *testing.T) {
	t.Parallel()
	s, srv := newSinkServer(t)
	s.SetStatus(http.StatusServiceUnavailable)
	h := runHandler(t, testOptions(srv.URL))

	require.NoError(t, h.Produce([]byte("x"), FlagCopy, "only"))
	var got reportLog
	r := got.drain(t, h, 1)[0]
	require.NoError(t, r.Err)
	require.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
	require.False(t, r.OK())
	require.Equal(t, "only", r.Opaque)
}

func TestHandler_PlainTransportError(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h := runHandler(t, testOptions("http://"+addr+"/"))
	for i := range 3 {
		require.NoError(t, h.Produce([]byte("x"), 0, i))
	}

	var got reportLog
	for _, r := range got.drain(t, h, 3) {
		require.Error(t, r.Err)
		require.Equal(t, transport.CodeConnect, transport.CodeOf(r.Err))
		require.Zero(t, r.StatusCode)
		require.NotEqual(t, "No error", r.Status())
	}
}

func TestHandler_CopyOwnership(t *testing.T) {
	t.Parallel()
	s, srv := newSinkServer(t)
	h := runHandler(t, testOptions(srv.URL))

	buf := []byte("original")
	require.NoError(t, h.Produce(buf, FlagCopy, nil))
	copy(buf, "mutated!")

	var got reportLog
	r := got.drain(t, h, 1)[0]
	require.Equal(t, "original", string(r.Payload))
	require.Equal(t, "original", string(s.Records()[0].Body))
}

func TestHandler_FreeOwnership(t *testing.T) {
	t.Parallel()
	_, srv := newSinkServer(t)

	var mu sync.Mutex
	released := make(map[string]int)
	h := runHandler(t, testOptions(srv.URL), WithPayloadRelease(func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		released[string(b)]++
	}))

	require.NoError(t, h.Produce([]byte("free-1"), FlagFree, nil))
	require.NoError(t, h.Produce([]byte("free-2"), FlagFree, nil))
	require.NoError(t, h.Produce([]byte("kept"), 0, nil))

	var got reportLog
	got.drain(t, h, 3)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]int{"free-1": 1, "free-2": 1}, released)
}

func TestHandler_Flush(t *testing.T) {
	t.Parallel()
	_, srv := newSinkServer(t)
	h := runHandler(t, testOptions(srv.URL))

	for i := range 20 {
		require.NoError(t, h.Produce([]byte("x"), FlagCopy, i))
	}
	var got reportLog
	require.NoError(t, h.Flush(t.Context(), got.add))
	require.Len(t, got.all(), 20)
	require.Zero(t, h.InFlight())
}

func TestHandler_FlushTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	h := runHandler(t, testOptions("http://localhost:1/"), WithEngine(engineFor(blockingConn(release, 200))))

	require.NoError(t, h.Produce([]byte("x"), 0, nil))
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Flush(ctx, nil), context.DeadlineExceeded)
	require.Equal(t, int64(1), h.InFlight())
}

func TestHandler_DestroyDiscardsUndelivered(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	o := testOptions("http://localhost:1/")
	o.Connections = 1
	conn := blockingConn(release, http.StatusOK)

	h, err := New(zaptest.NewLogger(t).Sugar(), o.URL, WithOptions(o), WithEngine(engineFor(conn)))
	require.NoError(t, err)
	require.NoError(t, h.Run())

	for i := range 5 {
		require.NoError(t, h.Produce([]byte("x"), FlagCopy, i))
	}
	// one request is in progress; let it finish while Destroy waits
	require.Eventually(t, func() bool { return h.Queued() < 5 }, time.Second, time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	h.Destroy()

	var calls atomic.Int32
	require.Zero(t, h.GetReports(func(DeliveryReport) { calls.Add(1) }, 0))
	require.Zero(t, calls.Load())
	require.Zero(t, h.InFlight())
	conn.AssertCalled(t, "Close")
}

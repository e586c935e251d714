package httpproducer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ava-labs/http-producer/pkg/metrics"
	"github.com/ava-labs/http-producer/pkg/queue"
	"github.com/ava-labs/http-producer/pkg/transport"
)

type lifecycle int32

const (
	stateCreated lifecycle = iota
	stateRunning
	stateDestroyed
)

// Handler delivers messages to one HTTP endpoint. Produce and GetReports are
// safe for concurrent use. Run and Destroy must not race with them.
type Handler struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	clock   clock.Clock
	engine  transport.Engine
	release func([]byte)

	// mu serializes SetOption, Run and Destroy.
	mu    sync.Mutex
	state lifecycle
	opts  Options

	running  atomic.Bool
	inFlight atomic.Int64
	next     atomic.Uint64

	workers  []*worker
	strategy strategy
	reports  *queue.Queue[*report]

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// worker owns one inbound queue. The strategy decides what runs on it.
type worker struct {
	id      int
	inbound *queue.Queue[*Message]
}

// Option customizes a Handler at construction.
type Option func(*Handler)

// WithOptions replaces the handler options, keeping the URL given to New
// when o.URL is empty.
func WithOptions(o Options) Option {
	return func(h *Handler) {
		url := h.opts.URL
		h.opts = o
		if h.opts.URL == "" {
			h.opts.URL = url
		}
	}
}

// WithConnections sets the number of workers and connections.
func WithConnections(n int) Option {
	return func(h *Handler) { h.opts.Connections = n }
}

// WithMaxMessages sets the in-flight limit.
func WithMaxMessages(n int64) Option {
	return func(h *Handler) { h.opts.MaxMessages = n }
}

// WithMode selects the wire strategy.
func WithMode(m Mode) Option {
	return func(h *Handler) { h.opts.Mode = m }
}

// WithEngine overrides the transport engine named by Options.Engine.
func WithEngine(e transport.Engine) Option {
	return func(h *Handler) { h.engine = e }
}

// WithMetrics records handler activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock sets the clock used for batch deadlines.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithPayloadRelease sets the function receiving FlagFree payloads once
// their report has been delivered.
func WithPayloadRelease(fn func([]byte)) Option {
	return func(h *Handler) { h.release = fn }
}

// New creates a handler for url. No goroutines are started until Run.
func New(log *zap.SugaredLogger, url string, opts ...Option) (*Handler, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{
		log:     log,
		clock:   clock.New(),
		opts:    DefaultOptions(),
		reports: queue.New[*report](),
	}
	h.opts.URL = url
	for _, opt := range opts {
		opt(h)
	}
	if h.opts.URL == "" {
		return nil, fmt.Errorf("%w: url must not be empty", ErrInvalidOption)
	}
	return h, nil
}

// Create is New with the connection count and in-flight limit set and no
// logging.
func Create(url string, connections int, maxMessages int64) (*Handler, error) {
	return New(nil, url, WithConnections(connections), WithMaxMessages(maxMessages))
}

// SetOption changes one option by key before Run.
func (h *Handler) SetOption(key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateCreated {
		return ErrAlreadyRunning
	}
	return h.opts.set(key, value)
}

// Options returns a copy of the current options.
func (h *Handler) Options() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}

// Run validates the options, opens connections and starts the workers.
func (h *Handler) Run() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateDestroyed:
		return ErrNotRunning
	}
	if err := h.opts.Validate(); err != nil {
		return err
	}
	if h.engine == nil {
		e, err := transport.EngineByName(h.opts.Engine)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}
		h.engine = e
	}

	h.workers = make([]*worker, h.opts.Connections)
	for i := range h.workers {
		h.workers[i] = &worker{id: i, inbound: queue.New[*Message]()}
	}
	h.strategy = newStrategy(h.opts.Mode)
	h.stopCtx, h.stop = context.WithCancel(context.Background())

	if err := h.strategy.open(h); err != nil {
		h.stop()
		h.strategy.close()
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	h.running.Store(true)
	h.strategy.start(h)
	if h.opts.WatchdogInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			StartBacklogWatchdog(h.stopCtx, h.log, h, h.opts.WatchdogInterval, h.opts.BacklogWarnRatio)
		}()
	}
	h.state = stateRunning

	h.log.Infow("http producer started",
		"url", h.opts.URL,
		"mode", h.opts.Mode,
		"connections", h.opts.Connections,
		"maxMessages", h.opts.MaxMessages,
		"engine", h.engine.Name(),
	)
	return nil
}

// Produce enqueues payload for delivery. It never blocks. ErrQueueFull is
// returned when MaxMessages messages are in flight; the caller keeps
// ownership of payload on any error.
func (h *Handler) Produce(payload []byte, flags Flags, opaque any) error {
	if !h.running.Load() {
		return ErrNotRunning
	}
	if h.inFlight.Add(1) > h.opts.MaxMessages {
		h.inFlight.Add(-1)
		h.metrics.RecordQueueFull()
		return ErrQueueFull
	}

	msg := newMessage(payload, flags, opaque)
	w := h.workers[(h.next.Add(1)-1)%uint64(len(h.workers))]
	if err := w.inbound.Push(msg); err != nil {
		h.inFlight.Add(-1)
		msg.release(nil)
		return ErrNotRunning
	}
	h.metrics.RecordProduced()
	return nil
}

// ProduceStatus is Produce reporting 0 when enqueued, 1 when the queue is
// full and -1 on any other error.
func (h *Handler) ProduceStatus(payload []byte, flags Flags, opaque any) int {
	switch err := h.Produce(payload, flags, opaque); err {
	case nil:
		return 0
	case ErrQueueFull:
		return 1
	default:
		return -1
	}
}

// GetReports waits up to timeout for a report (0 does not wait), then
// delivers every report already available. fn is called once per message.
// It returns the number of messages still in flight.
func (h *Handler) GetReports(fn ReportFunc, timeout time.Duration) int64 {
	r, ok := h.reports.PopTimeout(timeout)
	for ok {
		h.deliver(r, fn)
		r, ok = h.reports.TryPop()
	}
	return h.inFlight.Load()
}

func (h *Handler) deliver(r *report, fn ReportFunc) {
	h.metrics.RecordReports(r.result.Err, r.result.StatusCode, len(r.messages))
	for _, msg := range r.messages {
		if fn != nil {
			fn(DeliveryReport{
				Err:        r.result.Err,
				StatusCode: r.result.StatusCode,
				Payload:    msg.Payload,
				Opaque:     msg.Opaque,
			})
		}
		h.inFlight.Add(-1)
		msg.release(h.release)
	}
}

// Flush delivers reports until nothing is in flight or ctx is done.
func (h *Handler) Flush(ctx context.Context, fn ReportFunc) error {
	for h.GetReports(fn, h.opts.PollInterval) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flush interrupted with %d messages in flight: %w", h.InFlight(), err)
		}
	}
	return nil
}

// InFlight returns the number of messages whose report has not been
// delivered.
func (h *Handler) InFlight() int64 {
	return h.inFlight.Load()
}

// Queued returns the number of messages waiting in worker queues.
func (h *Handler) Queued() int {
	n := 0
	for _, w := range h.workers {
		n += w.inbound.Len()
	}
	return n
}

// Running reports whether the handler accepts messages.
func (h *Handler) Running() bool {
	return h.running.Load()
}

// Destroy stops the workers, waits for them to exit and then releases
// connections. Requests in progress finish or time out first. Messages still
// queued and reports not yet collected are discarded without a callback.
func (h *Handler) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateRunning {
		h.state = stateDestroyed
		return
	}
	h.state = stateDestroyed

	h.running.Store(false)
	h.stop()
	for _, w := range h.workers {
		w.inbound.Close()
	}

	h.releaseResources(h.join())
	h.log.Info("http producer destroyed")
}

// joinedWorkers proves every worker goroutine has exited. Only join creates
// one, so resources can't be freed while a worker may still use them.
type joinedWorkers struct{ _ struct{} }

func (h *Handler) join() joinedWorkers {
	h.wg.Wait()
	return joinedWorkers{}
}

func (h *Handler) releaseResources(joinedWorkers) {
	h.strategy.close()

	dropped := 0
	for _, w := range h.workers {
		for _, msg := range w.inbound.Drain() {
			msg.release(nil)
			dropped++
		}
	}
	h.reports.Close()
	for _, r := range h.reports.Drain() {
		for _, msg := range r.messages {
			msg.release(nil)
			dropped++
		}
	}
	h.inFlight.Add(-int64(dropped))
	h.metrics.SetBacklog(h.inFlight.Load(), 0)

	if dropped > 0 {
		h.log.Warnw("discarded undelivered messages", "count", dropped)
	}
}

// pushReport hands a finished request to GetReports.
func (h *Handler) pushReport(msgs []*Message, res transport.Result) {
	if len(msgs) == 0 {
		return
	}
	if err := h.reports.Push(&report{messages: msgs, result: res}); err != nil {
		h.log.Errorw("report queue closed, dropping report", "messages", len(msgs))
	}
}

func (h *Handler) transportConfig(connections int) transport.Config {
	return transport.Config{
		URL:            h.opts.URL,
		Connections:    connections,
		Timeout:        h.opts.Timeout,
		ConnectTimeout: h.opts.ConnectTimeout,
		Insecure:       h.opts.Insecure,
		Verbose:        h.opts.Verbose,
		Header:         h.opts.Headers,
		Log:            h.log.Named("transport"),
	}
}

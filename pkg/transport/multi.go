package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrMultiClosed is returned by Submit after Close.
var ErrMultiClosed = errors.New("transport: multi closed")

// Completion pairs a finished request with the id it was submitted under.
type Completion struct {
	ID     uint64
	Result Result
}

// Multi runs many independent requests over one Conn with at most limit
// transfers in progress. Submitters and the poller share its state; every
// mutation happens under mu, which is held only for the duration of a call.
type Multi struct {
	conn Conn
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending int
	done    []Completion
	ready   chan struct{}
}

// NewMulti creates a Multi over conn.
func NewMulti(conn Conn, limit int) *Multi {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multi{
		conn:   conn,
		sem:    semaphore.NewWeighted(int64(limit)),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}, 1),
	}
}

// Submit starts req in the background. It blocks while all transfer slots
// are busy, until ctx is done.
func (m *Multi) Submit(ctx context.Context, id uint64, req *Request) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMultiClosed
	}
	m.pending++
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		m.wg.Done()
		return err
	}

	go func() {
		defer m.wg.Done()
		res := m.conn.Perform(m.ctx, req)
		m.sem.Release(1)

		m.mu.Lock()
		m.pending--
		m.done = append(m.done, Completion{ID: id, Result: res})
		m.mu.Unlock()

		select {
		case m.ready <- struct{}{}:
		default:
		}
	}()
	return nil
}

// Poll returns the completions gathered so far, waiting up to timeout for at
// least one when none are ready.
func (m *Multi) Poll(timeout time.Duration) []Completion {
	if out := m.take(); len(out) > 0 || timeout <= 0 {
		return out
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.ready:
	case <-t.C:
	}
	return m.take()
}

func (m *Multi) take() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.done
	m.done = nil
	return out
}

// Pending returns the number of submitted requests not yet completed.
func (m *Multi) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Close stops accepting requests and waits for running ones to finish. With
// abort set, running transfers are canceled instead. Completions produced
// before or during Close remain available to Poll.
func (m *Multi) Close(abort bool) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if abort {
		m.cancel()
	}
	m.wg.Wait()
	m.cancel()
}

package httpproducer

import (
	"sync"

	"github.com/ava-labs/http-producer/pkg/transport"
)

// plainStrategy sends one request per message. Every worker feeds a shared
// transport.Multi; a single harvester turns completions into reports. The
// request id to message mapping lives here, not in the transport.
type plainStrategy struct {
	h     *Handler
	conn  transport.Conn
	multi *transport.Multi

	mu       sync.Mutex
	nextID   uint64
	requests map[uint64]*Message

	sendersDone chan struct{}
}

func (s *plainStrategy) open(h *Handler) error {
	conn, err := h.engine.Open(h.transportConfig(h.opts.Connections))
	if err != nil {
		return err
	}
	s.h = h
	s.conn = conn
	s.multi = transport.NewMulti(conn, h.opts.Connections)
	s.requests = make(map[uint64]*Message)
	s.sendersDone = make(chan struct{})
	return nil
}

func (s *plainStrategy) start(h *Handler) {
	var senders sync.WaitGroup
	for _, w := range h.workers {
		senders.Add(1)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer senders.Done()
			s.send(w)
		}()
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		senders.Wait()
		close(s.sendersDone)
	}()
	go func() {
		defer h.wg.Done()
		s.harvest()
	}()
}

func (s *plainStrategy) send(w *worker) {
	for s.h.running.Load() {
		msg, ok := w.inbound.PopTimeout(s.h.opts.PollInterval)
		if !ok {
			continue
		}

		id := s.track(msg)
		if err := s.multi.Submit(s.h.stopCtx, id, &transport.Request{Body: msg.Payload}); err != nil {
			s.h.pushReport([]*Message{s.untrack(id)}, transport.Result{
				Err: &transport.Error{Code: transport.CodeAborted, Err: err},
			})
		}
	}
}

// harvest runs until every sender exited and no request is pending.
func (s *plainStrategy) harvest() {
	for {
		s.collect(s.multi.Poll(s.h.opts.PollInterval))

		select {
		case <-s.sendersDone:
			if s.multi.Pending() == 0 {
				s.collect(s.multi.Poll(0))
				return
			}
		default:
		}
	}
}

func (s *plainStrategy) collect(done []transport.Completion) {
	for _, c := range done {
		msg := s.untrack(c.ID)
		if msg == nil {
			s.h.log.Errorw("completion for unknown request", "id", c.ID)
			continue
		}
		s.h.metrics.RecordRequest(string(ModePlain), c.Result.Err, c.Result.Duration.Seconds())
		s.h.pushReport([]*Message{msg}, c.Result)
	}
}

func (s *plainStrategy) track(msg *Message) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.requests[s.nextID] = msg
	return s.nextID
}

func (s *plainStrategy) untrack(id uint64) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.requests[id]
	delete(s.requests, id)
	return msg
}

func (s *plainStrategy) close() {
	if s.multi != nil {
		s.multi.Close(false)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && s.h != nil {
			s.h.log.Warnw("failed to close connection", "error", err)
		}
	}
}

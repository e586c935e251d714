package httpproducer

import "sync"

// Flags control payload ownership.
type Flags uint8

const (
	// FlagFree hands the payload to the handler. After the delivery callback
	// returns, it is passed to the configured release function (if any) and
	// must not be used again by the caller.
	FlagFree Flags = 1 << iota
	// FlagCopy copies the payload at enqueue time; the caller may reuse its
	// buffer as soon as Produce returns.
	FlagCopy
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Message is one enqueued payload. Exactly one of the inbound queue, a batch,
// a report or the delivery callback holds it at any time.
type Message struct {
	Payload []byte
	Opaque  any

	flags  Flags
	pooled *[]byte
}

var copyPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

func newMessage(payload []byte, flags Flags, opaque any) *Message {
	m := &Message{Payload: payload, Opaque: opaque, flags: flags}
	if flags.Has(FlagCopy) {
		bp := copyPool.Get().(*[]byte)
		*bp = append((*bp)[:0], payload...)
		m.Payload = *bp
		m.pooled = bp
	}
	return m
}

// release returns library-owned memory. It runs once, after the callback.
func (m *Message) release(free func([]byte)) {
	if m.pooled != nil {
		*m.pooled = m.Payload[:0]
		copyPool.Put(m.pooled)
		m.pooled = nil
	} else if m.flags.Has(FlagFree) && free != nil {
		free(m.Payload)
	}
	m.Payload = nil
}

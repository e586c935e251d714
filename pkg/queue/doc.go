// Package queue provides the in-memory FIFO used between message producers
// and delivery workers.
//
// A Queue is safe for many concurrent producers and consumers. Push never
// blocks; capacity is enforced by the caller (see httpproducer.Handler, which
// bounds the number of in-flight messages across all of its queues).
//
// Consumers choose how long to wait:
//   - Pop blocks until an item arrives, the queue is closed or ctx is done,
//   - PopTimeout waits at most the given duration,
//   - TryPop never waits.
//
// Close wakes every blocked consumer. Items still queued after Close can be
// recovered with Drain; consumers calling Pop keep receiving them until the
// queue is empty and then get ErrClosed.
package queue

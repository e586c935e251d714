// Package httpproducer is an asynchronous HTTP delivery engine.
//
// Callers enqueue payloads with Produce, which never blocks: once
// Options.MaxMessages messages are in flight it fails fast with ErrQueueFull.
// A pool of Options.Connections workers delivers messages to a single URL and
// every message receives exactly one DeliveryReport through GetReports.
//
// Two wire modes are available:
//
//   - ModePlain sends each message as its own POST. Requests share one
//     connection pool and run concurrently up to the connection count.
//   - ModeChunked streams many messages per POST as a deflate-compressed
//     chunked body. A batch ends when it holds MaxBatchMessages messages or
//     has been open for PostTimeout, whichever comes first. Every message of
//     a batch receives the outcome of that request, so a failed batch fails
//     all of its messages.
//
// Typical use:
//
//	h, err := httpproducer.New(log, "http://collector:8080/events",
//		httpproducer.WithMode(httpproducer.ModeChunked))
//	if err != nil { ... }
//	if err := h.Run(); err != nil { ... }
//	defer h.Destroy()
//
//	for _, ev := range events {
//		for h.Produce(ev, httpproducer.FlagCopy, nil) == httpproducer.ErrQueueFull {
//			h.GetReports(onReport, 100*time.Millisecond)
//		}
//	}
//	_ = h.Flush(ctx, onReport)
//
// Destroy stops accepting work, waits for the workers and then closes the
// connections. Messages that were never sent and reports that were never
// collected are dropped without a callback; call Flush first to observe them.
package httpproducer

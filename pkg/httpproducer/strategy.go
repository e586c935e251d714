package httpproducer

// strategy puts worker queues on the wire. It is chosen once in Run.
type strategy interface {
	// open acquires connections; it must not start goroutines.
	open(h *Handler) error
	// start launches the worker goroutines on h.wg. They exit once
	// h.running is cleared and their in-progress requests completed.
	start(h *Handler)
	// close releases connections. It is only called after the workers joined.
	close()
}

func newStrategy(m Mode) strategy {
	if m == ModeChunked {
		return &chunkedStrategy{}
	}
	return &plainStrategy{}
}

package httpproducer

import "errors"

var (
	// ErrQueueFull is returned by Produce when MaxMessages messages are
	// already in flight. Ownership of the payload stays with the caller.
	ErrQueueFull = errors.New("queue full")
	// ErrInvalidOption reports an unknown option key or an unusable value.
	ErrInvalidOption = errors.New("invalid option")
	// ErrAlreadyRunning is returned by Run and SetOption once workers started.
	ErrAlreadyRunning = errors.New("handler already running")
	// ErrNotRunning is returned by Produce before Run or after Destroy.
	ErrNotRunning = errors.New("handler not running")
	// ErrSetup wraps failures to initialize the transport in Run.
	ErrSetup = errors.New("failed to set up transport")
)

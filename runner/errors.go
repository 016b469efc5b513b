package runner

import "errors"

var (
	// ErrPrecondition means an operation was called in the wrong phase or without required state.
	ErrPrecondition = errors.New("precondition violated")
	// ErrProtocol means the runner sent a packet with an unexpected type or data shape.
	ErrProtocol = errors.New("protocol violation")
	// ErrTransport means the underlying connection failed.
	ErrTransport = errors.New("transport failure")
	// ErrRunner means the runner itself reported a failure (ServerError, timeout, failed release).
	ErrRunner = errors.New("runner failure")
)

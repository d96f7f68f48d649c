package worker

import (
	stderrors "errors"

	"github.com/c360/oscrelay/errors"
)

// Sentinel errors for worker pool operations. The lifecycle sentinels alias
// the relay's so callers can test with errors.Is against either package.
var (
	// ErrPoolNotStarted indicates the pool hasn't been started yet
	ErrPoolNotStarted = errors.ErrNotStarted

	// ErrPoolStopped indicates the pool has been stopped
	ErrPoolStopped = errors.ErrShuttingDown

	// ErrPoolAlreadyStarted indicates Start() was called on an already-started pool
	ErrPoolAlreadyStarted = errors.ErrAlreadyStarted

	// ErrQueueFull indicates the work queue is at capacity
	ErrQueueFull = errors.ErrQueueFull

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = stderrors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the pool didn't stop within the timeout
	ErrStopTimeout = stderrors.New("timeout waiting for workers to stop")
)

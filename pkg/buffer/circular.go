package buffer

import (
	"context"
	"sync"

	"github.com/c360/oscrelay/errors"
)

// circularBuffer is a thread-safe ring with a wake-up channel for blocked readers.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	stats    *Statistics
	opts     *bufferOptions[T]

	// notify holds at most one pending wake-up; done is closed by Close.
	notify chan struct{}
	done   chan struct{}
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "newCircularBuffer",
			"capacity must be positive")
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) (bool, error) {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return false, errors.WrapInvalid(errors.ErrChannelClosed, "buffer", "Write", "buffer closed")
	}

	overflowed := false
	var dropped T
	if cb.size == cb.capacity {
		overflowed = true
		cb.stats.Drop()

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return true, nil
		}

		dropped = cb.items[cb.tail]
		var zero T
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	cb.mu.Unlock()

	cb.wake()

	if overflowed && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return overflowed, nil
}

func (cb *circularBuffer[T]) wake() {
	select {
	case cb.notify <- struct{}{}:
	default:
	}
}

// pop removes the head item. Caller holds the lock and has checked size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	return item
}

// Next blocks until an item is available, the buffer is closed and drained,
// or ctx is done.
func (cb *circularBuffer[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		cb.mu.Lock()
		if cb.size > 0 {
			item := cb.pop()
			more := cb.size > 0
			cb.mu.Unlock()
			if more {
				// pass the wake-up on to any other reader
				cb.wake()
			}
			return item, nil
		}
		closed := cb.closed
		cb.mu.Unlock()

		if closed {
			return zero, errors.WrapInvalid(errors.ErrChannelClosed, "buffer", "Next", "buffer closed")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-cb.notify:
		case <-cb.done:
		}
	}
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Stats returns the buffer's running counters.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close stops accepting writes and wakes every blocked reader.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	close(cb.done)
	return nil
}

// Closed reports whether Close has been called.
func (cb *circularBuffer[T]) Closed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.closed
}

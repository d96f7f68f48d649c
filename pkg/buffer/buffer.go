// Package buffer provides the bounded FIFO queues that sit between the
// relay's router and each subscriber's dispatcher.
package buffer

import (
	"context"
	"fmt"
	"strings"
)

// Buffer is a bounded, thread-safe FIFO parameterized by item type.
// Writes never block; reads may block via Next.
type Buffer[T any] interface {
	// Write adds an item according to the overflow policy. overflowed reports
	// whether an item (the oldest or the new one) was discarded to honour the
	// capacity. Writing to a closed buffer returns ErrChannelClosed.
	Write(item T) (overflowed bool, err error)

	// Next blocks until an item is available, the buffer is closed and
	// drained, or ctx is done. Items written before Close are still returned.
	Next(ctx context.Context) (T, error)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// Stats returns the buffer's running counters.
	Stats() *Statistics

	// Close stops accepting writes and wakes blocked readers. Idempotent.
	Close() error

	// Closed reports whether Close has been called.
	Closed() bool
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a configuration value to a policy. Blocking is not
// offered: a producer must never wait on one consumer.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q (want drop_oldest or drop_newest)", s)
	}
}

// DropCallback is called, outside the buffer lock, with each discarded item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Capacity must be positive.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}

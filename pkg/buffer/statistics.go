package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity with atomic counters.
type Statistics struct {
	writes      atomic.Int64
	reads       atomic.Int64
	drops       atomic.Int64
	currentSize atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records a buffer write operation.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a buffer read operation.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records an item drop due to overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize updates the current size and the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		high := s.maxSize.Load()
		if size <= high || s.maxSize.CompareAndSwap(high, size) {
			return
		}
	}
}

// Writes returns the total number of write operations.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of read operations.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// MaxSize returns the maximum number of items the buffer has held.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// StatsSummary is a point-in-time snapshot of Statistics.
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		Uptime:      time.Since(s.startTime),
	}
}

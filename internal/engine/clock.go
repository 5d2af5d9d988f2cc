package engine

import (
	"sync/atomic"
	"time"
)

// Clock numbers sync cycles. Log lines and batch ids of one cycle share a
// cycle number, which makes interleaved device logs readable.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next cycle number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued cycle number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// WallClock reads local device time. Engine timestamps pass through a
// skew-corrected clock built on top of it.
type WallClock func() time.Time

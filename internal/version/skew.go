package version

import (
	"sync"
	"time"
)

// skewSmoothing is the EWMA weight given to a new offset sample.
const skewSmoothing = 0.25

// SkewClock produces timestamps corrected towards the store of record's clock.
//
// Each request/response exchange with the remote yields a sample: the
// server's timestamp is assumed to have been taken at the midpoint of the
// round trip, so offset = server - (sent + (received-sent)/2). Samples are
// smoothed with an EWMA; the first sample is taken as-is.
//
// The timestamp fallback policy compares skew-corrected UpdatedAt values,
// never raw device time.
//
// Thread-safety: SkewClock is safe for concurrent use.
type SkewClock struct {
	mu      sync.Mutex
	now     func() time.Time
	offset  time.Duration
	samples int
}

// NewSkewClock creates a clock reading local time from now.
// A nil now uses time.Now.
func NewSkewClock(now func() time.Time) *SkewClock {
	if now == nil {
		now = time.Now
	}
	return &SkewClock{now: now}
}

// NewSkewClockAt creates a clock with a previously persisted offset.
func NewSkewClockAt(now func() time.Time, offset time.Duration) *SkewClock {
	c := NewSkewClock(now)
	c.offset = offset
	if offset != 0 {
		c.samples = 1
	}
	return c
}

// Observe folds one round-trip sample into the offset estimate.
// Samples with a zero server time or negative round trip are ignored.
func (c *SkewClock) Observe(sent, received, server time.Time) {
	if server.IsZero() || received.Before(sent) {
		return
	}
	mid := sent.Add(received.Sub(sent) / 2)
	sample := server.Sub(mid)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.samples == 0 {
		c.offset = sample
	} else {
		c.offset += time.Duration(skewSmoothing * float64(sample-c.offset))
	}
	c.samples++
}

// Offset returns the current offset estimate (server minus local).
func (c *SkewClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Now returns the local time corrected by the offset estimate, in UTC.
func (c *SkewClock) Now() time.Time {
	return c.Correct(c.now())
}

// Correct shifts a local timestamp by the offset estimate.
func (c *SkewClock) Correct(t time.Time) time.Time {
	return t.Add(c.Offset()).UTC()
}

package engine

import (
	"sync"
	"time"
)

// Mode is the transport strategy of a sync cycle.
type Mode string

const (
	// ModeFull sends every pending mutation with its complete payload.
	ModeFull Mode = "full"
	// ModeMinimal sends only mutations touching priority fields, in smaller
	// compressed batches.
	ModeMinimal Mode = "minimal"
)

var modes = []string{string(ModeFull), string(ModeMinimal)}

// Defaults for network classification.
const (
	DefaultDegradedRTT       = 1500 * time.Millisecond
	DefaultDegradedBandwidth = 16 * 1024 // bytes per second
	rttSmoothing             = 0.3
)

// Classifier estimates network quality from batch round trips.
//
// Round-trip time and bandwidth are smoothed with an EWMA. The network is
// degraded when the smoothed RTT exceeds the threshold, or when the smoothed
// bandwidth drops below its threshold on a round trip slow enough for the
// estimate to mean something. A failed round trip counts as a sample at
// twice the degraded RTT with no bytes moved. With no samples the network
// is assumed good.
//
// Thread-safety: Classifier is safe for concurrent use.
type Classifier struct {
	mu          sync.Mutex
	degradedRTT time.Duration
	degradedBW  float64
	rtt         time.Duration
	bandwidth   float64
	samples     int
	forced      Mode
}

// NewClassifier creates a classifier with the given degradation thresholds.
// Zero values select the defaults.
func NewClassifier(degradedRTT time.Duration, degradedBandwidth float64) *Classifier {
	if degradedRTT <= 0 {
		degradedRTT = DefaultDegradedRTT
	}
	if degradedBandwidth <= 0 {
		degradedBandwidth = DefaultDegradedBandwidth
	}
	return &Classifier{degradedRTT: degradedRTT, degradedBW: degradedBandwidth}
}

// Observe records a successful round trip that moved bytes in rtt.
func (c *Classifier) Observe(rtt time.Duration, bytes int) {
	if rtt <= 0 {
		rtt = time.Millisecond
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample(rtt, float64(bytes)/rtt.Seconds())
}

// Failure records a failed round trip.
func (c *Classifier) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample(2*c.degradedRTT, 0)
}

func (c *Classifier) sample(rtt time.Duration, bw float64) {
	if c.samples == 0 {
		c.rtt, c.bandwidth = rtt, bw
	} else {
		c.rtt += time.Duration(rttSmoothing * float64(rtt-c.rtt))
		c.bandwidth += rttSmoothing * (bw - c.bandwidth)
	}
	c.samples++
}

// Force pins the mode regardless of samples; an empty mode unpins it.
func (c *Classifier) Force(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = m
}

// Mode returns the transport strategy for the next cycle.
func (c *Classifier) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forced != "" {
		return c.forced
	}
	if c.samples == 0 {
		return ModeFull
	}
	if c.rtt > c.degradedRTT || (c.bandwidth < c.degradedBW && c.rtt > c.degradedRTT/4) {
		return ModeMinimal
	}
	return ModeFull
}

// Estimate returns the smoothed RTT and bandwidth (bytes per second).
func (c *Classifier) Estimate() (time.Duration, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt, c.bandwidth
}

package version

import (
	"slices"
	"time"
)

// Defaults for vector pruning.
const (
	DefaultMaxClients = 64
	DefaultRetention  = 90 * 24 * time.Hour
)

// FieldStamp is the per-field last-modified metadata kept on an entity.
type FieldStamp struct {
	Writer    string    `json:"writer"`
	Counter   uint64    `json:"counter"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker stamps local mutations with the owning client's component.
//
// The tracker is stateless apart from its configuration: the current head
// vector of an entity is supplied by the caller (the store knows it), so
// the tracker never diverges from durable state after a restart.
type Tracker struct {
	clientID   string
	maxClients int
	retention  time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithMaxClients caps the number of tracked writers per vector.
func WithMaxClients(n int) TrackerOption {
	return func(t *Tracker) {
		t.maxClients = n
	}
}

// WithRetention sets how long an inactive writer stays tracked.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.retention = d
	}
}

// NewTracker creates a tracker for the given local client id.
func NewTracker(clientID string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		clientID:   clientID,
		maxClients: DefaultMaxClients,
		retention:  DefaultRetention,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ClientID returns the local client id.
func (t *Tracker) ClientID() string {
	return t.clientID
}

// Stamp increments the local component of head and returns the result.
// The returned vector is a fresh copy suitable for a mutation's base version.
func (t *Tracker) Stamp(head Vector) Vector {
	return head.Increment(t.clientID)
}

// Prune drops components of writers that have been inactive longer than the
// retention window, oldest first, while the vector tracks more than the
// configured maximum. The local client is never pruned. Writers with no
// recorded activity are treated as the oldest.
//
// Pruning only ever removes information, so a pruned vector may compare as
// Before a peer that still carries the component. Callers prune confirmed
// entity vectors with no pending mutations; the detector then treats the
// difference as a possible overlap and the resolution chain settles it.
func (t *Tracker) Prune(v Vector, activity map[string]time.Time, now time.Time) Vector {
	if len(v) <= t.maxClients {
		return v
	}

	cutoff := now.Add(-t.retention)
	var stale []string
	for id := range v {
		if id == t.clientID {
			continue
		}
		if seen, ok := activity[id]; !ok || seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	slices.SortFunc(stale, func(a, b string) int {
		ta, tb := activity[a], activity[b]
		if c := ta.Compare(tb); c != 0 {
			return c
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})

	out := v.Clone()
	for _, id := range stale {
		if len(out) <= t.maxClients {
			break
		}
		delete(out, id)
	}
	return out
}

package engine

import (
	"sync"

	"github.com/roach88/scoresync/internal/remote"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeSync asks the loop to run a sync cycle.
	EventTypeSync EventType = iota + 1
	// EventTypeChange carries a change notification from the store of record.
	EventTypeChange
)

// Event is one unit of work for the Run loop.
type Event struct {
	Type   EventType
	Change *remote.Change
}

// eventQueue is a thread-safe FIFO queue for events.
//
// UI calls and the change-stream pump enqueue from their own goroutines
// while the Run loop dequeues. Sync requests are coalesced: at most one
// waits in the queue at a time.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu          sync.Mutex
	events      []Event
	syncPending bool
	closed      bool
	signal      chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if e.Type == EventTypeSync {
		if q.syncPending {
			return true
		}
		q.syncPending = true
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	q.events[0] = Event{} // release the Change for GC
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	if e.Type == EventTypeSync {
		q.syncPending = false
	}
	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

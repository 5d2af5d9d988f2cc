package presence

import (
	"context"
	"sync"
)

// Loopback is an in-process Broadcaster that hands every signal to each
// joined notifier. Devices sharing one process use it in place of a Hub.
type Loopback struct {
	mu    sync.Mutex
	sinks []*Notifier
}

// Join creates a notifier for clientID wired to the loopback.
func (l *Loopback) Join(clientID string, opts ...Option) *Notifier {
	n := New(clientID, l, opts...)
	l.mu.Lock()
	l.sinks = append(l.sinks, n)
	l.mu.Unlock()
	return n
}

// Broadcast implements Broadcaster.
func (l *Loopback) Broadcast(_ context.Context, s Signal) error {
	l.mu.Lock()
	sinks := append([]*Notifier(nil), l.sinks...)
	l.mu.Unlock()
	for _, n := range sinks {
		n.Handle(s)
	}
	return nil
}

package presence

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a peer counts as editing after its last signal.
const DefaultTTL = 30 * time.Second

// Kind is the type of a presence signal.
type Kind string

const (
	KindBegin Kind = "begin"
	KindEnd   Kind = "end"
)

// Signal announces that a client started or stopped editing an entity.
type Signal struct {
	Kind     Kind      `json:"kind"`
	EntityID string    `json:"entity_id"`
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
}

// Broadcaster delivers signals to other clients on a best-effort basis.
type Broadcaster interface {
	Broadcast(ctx context.Context, s Signal) error
}

// Notifier tracks which other clients are editing which entities.
//
// Presence is advisory. Detection and resolution never read it, and a failed
// broadcast never fails the caller.
type Notifier struct {
	clientID string
	cast     Broadcaster
	ttl      time.Duration
	logger   *slog.Logger

	// peers holds one entry per (entity, client), keyed entity + "\x00" +
	// client, expiring ttl after the client's last begin signal.
	peers *gocache.Cache

	mu       sync.Mutex
	closed   bool
	editing  map[string]bool
	next     uint64
	watchers map[string]map[uint64]func([]string)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTTL sets how long a peer's begin signal stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(n *Notifier) {
		if ttl > 0 {
			n.ttl = ttl
		}
	}
}

// WithLogger sets the logger for dropped deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a notifier for clientID. cast may be nil, in which case the
// notifier only tracks peers from signals passed to Handle.
func New(clientID string, cast Broadcaster, opts ...Option) *Notifier {
	n := &Notifier{
		clientID: clientID,
		cast:     cast,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		editing:  make(map[string]bool),
		watchers: make(map[string]map[uint64]func([]string)),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.peers = gocache.New(n.ttl, n.ttl/2)
	n.peers.OnEvicted(func(key string, _ any) {
		entityID, _, _ := strings.Cut(key, "\x00")
		n.notify(entityID)
	})
	return n
}

// Begin announces that this client is editing an entity.
func (n *Notifier) Begin(ctx context.Context, entityID string) {
	n.mu.Lock()
	n.editing[entityID] = true
	n.mu.Unlock()
	n.send(ctx, KindBegin, entityID)
}

// End announces that this client stopped editing an entity.
func (n *Notifier) End(ctx context.Context, entityID string) {
	n.mu.Lock()
	delete(n.editing, entityID)
	n.mu.Unlock()
	n.send(ctx, KindEnd, entityID)
}

// Refresh repeats the begin signal of every entity this client is editing,
// keeping it alive at peers.
func (n *Notifier) Refresh(ctx context.Context) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.editing))
	for id := range n.editing {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		n.send(ctx, KindBegin, id)
	}
}

// Run refreshes this client's signals at half the TTL until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Refresh(ctx)
		}
	}
}

// Attach replaces the broadcaster. Use it when the broadcaster needs the
// notifier's Handle as its sink, as a Conn from Dial does.
func (n *Notifier) Attach(cast Broadcaster) {
	n.mu.Lock()
	n.cast = cast
	n.mu.Unlock()
}

func (n *Notifier) send(ctx context.Context, kind Kind, entityID string) {
	n.mu.Lock()
	cast := n.cast
	n.mu.Unlock()
	if cast == nil {
		return
	}
	s := Signal{Kind: kind, EntityID: entityID, ClientID: n.clientID, At: time.Now().UTC()}
	if err := cast.Broadcast(ctx, s); err != nil {
		n.logger.Debug("presence signal dropped",
			"kind", kind,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// Close forgets every peer and detaches the expiry hook, which otherwise
// keeps the notifier reachable from the cache janitor. Signals handled
// after Close are ignored and watchers are not called again.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.peers.OnEvicted(nil)
	n.peers.Flush()
}

// Handle records a signal received from another client. Signals of this
// client are ignored.
func (n *Notifier) Handle(s Signal) {
	if s.ClientID == "" || s.EntityID == "" || s.ClientID == n.clientID {
		return
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	key := s.EntityID + "\x00" + s.ClientID
	switch s.Kind {
	case KindBegin:
		_, known := n.peers.Get(key)
		n.peers.SetDefault(key, s)
		if !known {
			n.notify(s.EntityID)
		}
	case KindEnd:
		// Delete notifies through OnEvicted when the peer was present.
		n.peers.Delete(key)
	}
}

// Editors returns the other clients currently editing an entity, sorted.
func (n *Notifier) Editors(entityID string) []string {
	prefix := entityID + "\x00"
	var out []string
	for key := range n.peers.Items() {
		if client, ok := strings.CutPrefix(key, prefix); ok {
			out = append(out, client)
		}
	}
	slices.Sort(out)
	return out
}

// Watch calls fn with the editor set of an entity whenever it changes.
// Expiry is noticed by a janitor sweep, so a departed peer may linger for
// up to half the TTL past its deadline.
func (n *Notifier) Watch(entityID string, fn func(editors []string)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	id := n.next
	if n.watchers[entityID] == nil {
		n.watchers[entityID] = make(map[uint64]func([]string))
	}
	n.watchers[entityID][id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.watchers[entityID], id)
		if len(n.watchers[entityID]) == 0 {
			delete(n.watchers, entityID)
		}
	}
}

func (n *Notifier) notify(entityID string) {
	n.mu.Lock()
	fns := make([]func([]string), 0, len(n.watchers[entityID]))
	for _, fn := range n.watchers[entityID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	editors := n.Editors(entityID)
	for _, fn := range fns {
		fn(editors)
	}
}

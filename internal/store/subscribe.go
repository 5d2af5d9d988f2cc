package store

import (
	"context"
	"sync"

	"github.com/roach88/scoresync/internal/model"
)

// AllEntities subscribes to conflict records of every entity.
const AllEntities = ""

// hub fans committed changes out to subscribers.
type hub struct {
	mu        sync.Mutex
	next      uint64
	entities  map[string]map[uint64]func(*model.Entity)
	conflicts map[string]map[uint64]func(model.ConflictRecord)
}

func newHub() *hub {
	return &hub{
		entities:  make(map[string]map[uint64]func(*model.Entity)),
		conflicts: make(map[string]map[uint64]func(model.ConflictRecord)),
	}
}

func addSub[F any](h *hub, m map[string]map[uint64]F, key string, fn F) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if m[key] == nil {
		m[key] = make(map[uint64]F)
	}
	m[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(m[key], id)
			if len(m[key]) == 0 {
				delete(m, key)
			}
		})
	}
}

// deliver calls each subscriber registered under keys. Registration is
// rechecked right before each call, so a cancel made during delivery
// suppresses every later call.
func deliver[F any](h *hub, m map[string]map[uint64]F, keys []string, call func(F)) {
	type target struct {
		key string
		id  uint64
	}
	h.mu.Lock()
	var targets []target
	for _, k := range keys {
		for id := range m[k] {
			targets = append(targets, target{k, id})
		}
	}
	h.mu.Unlock()

	for _, tg := range targets {
		h.mu.Lock()
		fn, ok := m[tg.key][tg.id]
		h.mu.Unlock()
		if ok {
			call(fn)
		}
	}
}

func (h *hub) publishEntity(e *model.Entity) {
	deliver(h, h.entities, []string{e.ID}, func(fn func(*model.Entity)) {
		fn(e.Clone())
	})
}

func (h *hub) publishConflict(rec model.ConflictRecord) {
	keys := []string{rec.EntityID}
	if rec.EntityID != AllEntities {
		keys = append(keys, AllEntities)
	}
	deliver(h, h.conflicts, keys, func(fn func(model.ConflictRecord)) {
		fn(rec)
	})
}

// Subscribe registers fn for resolved states of an entity. The current
// confirmed state, if any, is delivered before Subscribe returns; after that
// fn is called once per committed change. Calling cancel stops delivery
// immediately, including for a notification already in progress.
func (s *Store) Subscribe(ctx context.Context, entityID string, fn func(*model.Entity)) (cancel func(), err error) {
	cancel = addSub(s.hub, s.hub.entities, entityID, fn)

	current, err := s.Get(ctx, entityID)
	if err != nil {
		cancel()
		return nil, err
	}
	if current != nil {
		fn(current)
	}
	return cancel, nil
}

// SubscribeConflicts registers fn for newly recorded conflicts of an entity,
// or of every entity when entityID is AllEntities.
func (s *Store) SubscribeConflicts(entityID string, fn func(model.ConflictRecord)) (cancel func()) {
	return addSub(s.hub, s.hub.conflicts, entityID, fn)
}

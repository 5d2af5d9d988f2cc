package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

// changeBuffer bounds each subscriber's pending notifications. Slow
// subscribers lose notifications rather than stall writers.
const changeBuffer = 64

// Validator enforces business rules on a mutation before it is applied.
// A non-nil error rejects the mutation with the error text as reason.
type Validator func(m model.Mutation, current *model.Entity) error

// Memory is an in-process store of record. It applies mutations whose base
// descends from the current server version, reports everything else as
// superseded, and remembers applied mutation ids so redelivery is harmless.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	validate Validator
	logger   *slog.Logger

	entities map[string]*model.Entity
	history  map[string][]model.HistoryEntry
	applied  map[string]bool

	offline   bool
	dropAfter int

	subs    map[uint64]chan Change
	nextSub uint64
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithServerClock sets the server's wall clock.
func WithServerClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithValidator installs a business-rule validator.
func WithValidator(v Validator) MemoryOption {
	return func(m *Memory) {
		m.validate = v
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// NewMemory creates an empty store of record.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:       time.Now,
		logger:    slog.Default(),
		entities:  make(map[string]*model.Entity),
		history:   make(map[string][]model.HistoryEntry),
		applied:   make(map[string]bool),
		dropAfter: -1,
		subs:      make(map[uint64]chan Change),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed stores an entity as if writer had created it, recording one history
// entry. Existing state of the entity is replaced.
func (m *Memory) Seed(e *model.Entity, writer string, auth model.Authority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e = e.Clone()
	if e.LineageID == "" {
		e.LineageID = e.ID
	}
	m.entities[e.ID] = e
	m.history[e.ID] = []model.HistoryEntry{{
		EntityID:      e.ID,
		Version:       e.Version.Clone(),
		ChangedFields: e.Fields.Clone(),
		EditedAt:      e.UpdatedAt,
		Writer:        writer,
		Authority:     auth,
	}}
}

// SetOffline makes every call fail with ErrUnavailable until reset.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// DropResponseAfter makes the next Submit apply at most n mutations and
// then fail with ErrUnavailable, as if the connection dropped before the
// response arrived. A negative n disables the fault.
func (m *Memory) DropResponseAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAfter = n
}

// Applied reports whether a mutation id has been applied.
func (m *Memory) Applied(mutationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[mutationID]
}

// Entities returns a snapshot of every entity, keyed by id.
func (m *Memory) Entities() map[string]*model.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Entity, len(m.entities))
	for id, e := range m.entities {
		out[id] = e.Clone()
	}
	return out
}

// Fetch implements Remote.
func (m *Memory) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, fmt.Errorf("fetch %s: %w", entityID, ErrUnavailable)
	}
	return m.entities[entityID].Clone(), nil
}

// History implements Remote.
func (m *Memory) History(ctx context.Context, entityID string, since version.Vector) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, fmt.Errorf("history %s: %w", entityID, ErrUnavailable)
	}
	return m.historySince(entityID, since), nil
}

func (m *Memory) historySince(entityID string, since version.Vector) []model.HistoryEntry {
	out := []model.HistoryEntry{}
	for _, h := range m.history[entityID] {
		if since != nil && since.Dominates(h.Version) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Submit implements Remote. Mutations of one entity are applied in batch
// order; once one is not applied, the entity's later mutations in the batch
// are deferred.
func (m *Memory) Submit(ctx context.Context, b Batch) (BatchResult, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return BatchResult{}, fmt.Errorf("submit %s: %w", b.ID, ErrUnavailable)
	}

	res := BatchResult{BatchID: b.ID, Results: make([]Result, 0, len(b.Mutations))}
	var changes []Change
	limit := m.dropAfter
	m.dropAfter = -1
	blocked := make(map[string]bool)
	for i, mut := range b.Mutations {
		if limit >= 0 && i >= limit {
			break
		}
		if blocked[mut.EntityID] {
			res.Results = append(res.Results, Result{MutationID: mut.ID, Outcome: Deferred})
			continue
		}
		r, change := m.submitOne(mut)
		res.Results = append(res.Results, r)
		if change != nil {
			changes = append(changes, *change)
		}
		if r.Outcome != Applied && r.Outcome != Duplicate {
			blocked[mut.EntityID] = true
		}
	}
	res.ServerTime = m.now()
	m.mu.Unlock()

	for _, c := range changes {
		m.publish(c)
	}
	if limit >= 0 {
		return BatchResult{}, fmt.Errorf("submit %s: response lost: %w", b.ID, ErrUnavailable)
	}
	return res, nil
}

func (m *Memory) submitOne(mut model.Mutation) (Result, *Change) {
	current := m.entities[mut.EntityID]
	res := Result{MutationID: mut.ID}

	if m.applied[mut.ID] {
		res.Outcome = Duplicate
		res.Entity = current.Clone()
		return res, nil
	}
	if current != nil && mut.BaseVersion.Compare(current.Version) != version.After {
		res.Outcome = Superseded
		res.Entity = current.Clone()
		res.History = m.historySince(mut.EntityID, mut.BaseVersion)
		return res, nil
	}
	if m.validate != nil {
		if err := m.validate(mut, current.Clone()); err != nil {
			res.Outcome = Rejected
			res.Entity = current.Clone()
			res.Reason = err.Error()
			m.logger.Debug("mutation rejected",
				"mutation_id", mut.ID,
				"entity_id", mut.EntityID,
				"reason", res.Reason,
			)
			return res, nil
		}
	}

	next := model.Apply(current, mut)
	entry := model.HistoryEntry{
		EntityID:      mut.EntityID,
		Version:       mut.BaseVersion.Clone(),
		ChangedFields: mut.ChangedFields.Clone(),
		EditedAt:      mut.CreatedAt,
		Writer:        mut.Writer,
		MutationID:    mut.ID,
		Authority:     mut.Authority,
	}
	m.entities[mut.EntityID] = next
	m.history[mut.EntityID] = append(m.history[mut.EntityID], entry)
	m.applied[mut.ID] = true

	res.Outcome = Applied
	res.Entity = next.Clone()
	res.History = []model.HistoryEntry{entry}
	return res, &Change{Entity: next.Clone(), Entry: entry}
}

// Subscribe implements Remote.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Change, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe: %w", ErrUnavailable)
	}
	m.nextSub++
	id := m.nextSub
	ch := make(chan Change, changeBuffer)
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) publish(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- c:
		default:
			m.logger.Debug("change notification dropped",
				"subscriber", id,
				"entity_id", c.Entity.ID,
			)
		}
	}
}

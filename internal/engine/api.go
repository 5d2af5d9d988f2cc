package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/store"
	"github.com/roach88/scoresync/internal/version"
)

// ErrInFlight is returned by Discard for a mutation that belongs to a batch
// whose outcome is still unknown.
var ErrInFlight = errors.New("mutation is in flight")

// EnqueueMutation records a local change and returns its mutation id.
//
// The mutation's base version is the entity's head as the device knows it
// (the confirmed version merged with every queued mutation of the entity)
// with the local component incremented. The mutation is durable when
// EnqueueMutation returns; sync happens in the background.
func (e *Engine) EnqueueMutation(ctx context.Context, entityID, entityType string, fields model.Object, auth model.Authority) (string, error) {
	if entityID == "" {
		return "", errors.New("enqueue: empty entity id")
	}
	if entityType == "" {
		return "", errors.New("enqueue: empty entity type")
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("enqueue %s: no changed fields", entityID)
	}

	e.writeMu.Lock()
	m, err := e.enqueueLocked(ctx, entityID, entityType, fields, auth)
	e.writeMu.Unlock()
	if err != nil {
		return "", err
	}

	e.metrics.Enqueued.Inc()
	e.refreshPending(ctx)
	e.logger.Debug("mutation enqueued",
		"mutation_id", m.ID,
		"entity_id", entityID,
		"entity_type", entityType,
		"base", m.BaseVersion.String(),
		"priority", m.Priority,
	)
	e.beginEditing(ctx, entityID)
	e.Kick()
	return m.ID, nil
}

func (e *Engine) enqueueLocked(ctx context.Context, entityID, entityType string, fields model.Object, auth model.Authority) (model.Mutation, error) {
	local, err := e.store.Get(ctx, entityID)
	if err != nil {
		return model.Mutation{}, storageError("read entity", err)
	}
	if local != nil && local.Type != "" && local.Type != entityType {
		return model.Mutation{}, fmt.Errorf("enqueue %s: entity is a %s, not a %s", entityID, local.Type, entityType)
	}
	head, err := e.head(ctx, entityID, local)
	if err != nil {
		return model.Mutation{}, err
	}

	now := e.skew.Now()
	m := model.NewMutation(e.ids.Generate(), entityID, entityType, e.clientID,
		fields, e.tracker.Stamp(head), auth, now)
	m.Priority = int(e.policies.For(entityType).Criticality)

	if _, err := e.store.Enqueue(ctx, m); err != nil {
		return model.Mutation{}, storageError("enqueue", err)
	}
	if err := e.store.TouchClient(ctx, e.clientID, now); err != nil {
		return model.Mutation{}, storageError("record activity", err)
	}
	return m, nil
}

// head is the newest version the device knows for an entity.
func (e *Engine) head(ctx context.Context, entityID string, local *model.Entity) (version.Vector, error) {
	var head version.Vector
	if local != nil {
		head = local.Version.Clone()
	}
	queued, err := e.store.PendingFor(ctx, entityID)
	if err != nil {
		return nil, storageError("read queue", err)
	}
	for _, q := range queued {
		head = head.Merge(q.BaseVersion)
	}
	return head, nil
}

// SubscribeResolvedState streams the confirmed state of an entity. The
// current state, if any, is delivered before the call returns. Calling
// cancel stops delivery immediately.
func (e *Engine) SubscribeResolvedState(ctx context.Context, entityID string, fn func(*model.Entity)) (cancel func(), err error) {
	cancel, err = e.store.Subscribe(ctx, entityID, fn)
	if err != nil {
		return nil, storageError("subscribe", err)
	}
	return cancel, nil
}

// SubscribeConflicts streams newly recorded conflicts of an entity, or of
// every entity when entityID is store.AllEntities.
func (e *Engine) SubscribeConflicts(entityID string, fn func(model.ConflictRecord)) (cancel func()) {
	return e.store.SubscribeConflicts(entityID, fn)
}

// SubscribeFailures streams failures that need the user's attention.
func (e *Engine) SubscribeFailures(fn func(*SyncError)) (cancel func()) {
	return e.failures.subscribe(fn)
}

// PendingCount returns the number of unconfirmed mutations, including those
// waiting for manual action.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		return 0, storageError("pending count", err)
	}
	return n, nil
}

// SyncState returns the orchestrator's current state.
func (e *Engine) SyncState() State {
	return e.state.Current()
}

// Status is a snapshot for connectivity and sync-status displays.
type Status struct {
	ClientID    string        `json:"client_id"`
	State       State         `json:"state"`
	Mode        Mode          `json:"mode"`
	Pending     int           `json:"pending"`
	Failed      int           `json:"failed"`
	InFlight    string        `json:"in_flight,omitempty"`
	RTT         time.Duration `json:"rtt"`
	Bandwidth   float64       `json:"bandwidth"`
	ClockOffset time.Duration `json:"clock_offset"`
	LastSync    time.Time     `json:"last_sync,omitzero"`
	LastError   string        `json:"last_error,omitempty"`

	// Editors lists, per entity with unsynced local edits, the other
	// clients editing it.
	Editors map[string][]string `json:"editors,omitempty"`
}

// Status reports the engine's state, queue depth and network estimate.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		return Status{}, storageError("list failed", err)
	}
	marker, err := e.store.ReadMarker(ctx)
	if err != nil {
		return Status{}, storageError("read marker", err)
	}
	editors, err := e.editors(ctx)
	if err != nil {
		return Status{}, err
	}

	rtt, bw := e.network.Estimate()
	last, lastErr := e.state.last()
	st := Status{
		ClientID:    e.clientID,
		State:       e.state.Current(),
		Mode:        e.network.Mode(),
		Pending:     pending,
		Failed:      len(failed),
		RTT:         rtt,
		Bandwidth:   bw,
		ClockOffset: e.skew.Offset(),
		LastSync:    last,
		Editors:     editors,
	}
	if marker != nil {
		st.InFlight = marker.BatchID
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st, nil
}

// View returns the entity as the user should see it: the confirmed state
// with every queued, not yet failed mutation applied in queue order.
// Returns nil when the entity is neither confirmed nor queued.
func (e *Engine) View(ctx context.Context, entityID string) (*model.Entity, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	local, err := e.store.Get(ctx, entityID)
	if err != nil {
		return nil, storageError("read entity", err)
	}
	queued, err := e.store.PendingFor(ctx, entityID)
	if err != nil {
		return nil, storageError("read queue", err)
	}
	out := local
	for _, m := range queued {
		if m.Status != model.StatusPending {
			break
		}
		out = model.Apply(out, m)
	}
	return out, nil
}

// Failed returns the mutations waiting for manual action, in queue order.
func (e *Engine) Failed(ctx context.Context) ([]*SyncError, error) {
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		return nil, storageError("list failed", err)
	}
	out := make([]*SyncError, 0, len(failed))
	for _, m := range failed {
		code, msg := parseFailReason(m.LastError)
		out = append(out, &SyncError{
			Code:       code,
			Message:    msg,
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Action:     defaultAction(code),
		})
	}
	return out, nil
}

// Conflicts returns up to limit of the most recent conflict records of an
// entity, oldest first, or of every entity when entityID is
// store.AllEntities.
func (e *Engine) Conflicts(ctx context.Context, entityID string, limit int) ([]model.ConflictRecord, error) {
	recs, err := e.store.ListConflicts(ctx, entityID, limit)
	if err != nil {
		return nil, storageError("list conflicts", err)
	}
	return recs, nil
}

// Pending returns the queued mutations in queue order, failed ones included.
func (e *Engine) Pending(ctx context.Context) ([]model.Mutation, error) {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return nil, storageError("list pending", err)
	}
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		return nil, storageError("list failed", err)
	}
	out := append(pending, failed...)
	slices.SortFunc(out, func(a, b model.Mutation) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Retry returns a failed mutation to the queue with a fresh retry budget
// and asks for a sync.
func (e *Engine) Retry(ctx context.Context, mutationID string) error {
	e.writeMu.Lock()
	err := e.store.ResetMutation(ctx, mutationID)
	e.writeMu.Unlock()
	if errors.Is(err, store.ErrNotQueued) {
		return err
	}
	if err != nil {
		return storageError("retry", err)
	}

	e.logger.Info("mutation retried", "mutation_id", mutationID)
	e.Kick()
	return nil
}

// Discard drops a queued mutation. A mutation whose batch outcome is still
// unknown cannot be discarded: the store of record may already have
// applied it.
func (e *Engine) Discard(ctx context.Context, mutationID string) error {
	entityID, err := e.discard(ctx, mutationID)
	if err != nil {
		return err
	}
	e.endEditing(ctx, []string{entityID})
	return nil
}

func (e *Engine) discard(ctx context.Context, mutationID string) (string, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	m, err := e.store.GetMutation(ctx, mutationID)
	if err != nil {
		return "", storageError("read mutation", err)
	}
	if m == nil {
		return "", fmt.Errorf("discard %s: %w", mutationID, store.ErrNotQueued)
	}
	marker, err := e.store.ReadMarker(ctx)
	if err != nil {
		return "", storageError("read marker", err)
	}
	if marker != nil && slices.Contains(marker.Unacked(), mutationID) {
		return "", fmt.Errorf("discard %s: %w", mutationID, ErrInFlight)
	}

	if err := e.store.Dequeue(ctx, mutationID); err != nil {
		return "", storageError("discard", err)
	}
	e.refreshPending(ctx)
	e.logger.Info("mutation discarded",
		"mutation_id", mutationID,
		"entity_id", m.EntityID,
		"reason", m.LastError,
	)
	return m.EntityID, nil
}

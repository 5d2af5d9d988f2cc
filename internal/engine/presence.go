package engine

import (
	"context"
	"slices"

	"github.com/roach88/scoresync/internal/model"
)

// EditObserver is told when the device starts and stops holding unsynced
// edits of an entity. Its calls never influence detection or resolution.
type EditObserver interface {
	Begin(ctx context.Context, entityID string)
	End(ctx context.Context, entityID string)
	Editors(entityID string) []string
}

// SetPresence attaches an observer after construction, replacing any set by
// WithPresence. A nil observer detaches.
func (e *Engine) SetPresence(o EditObserver) {
	e.presenceMu.Lock()
	e.presence = o
	e.presenceMu.Unlock()
}

func (e *Engine) observer() EditObserver {
	e.presenceMu.RLock()
	defer e.presenceMu.RUnlock()
	return e.presence
}

// beginEditing announces a local edit and notes any other editor.
func (e *Engine) beginEditing(ctx context.Context, entityID string) {
	o := e.observer()
	if o == nil {
		return
	}
	o.Begin(ctx, entityID)
	if others := o.Editors(entityID); len(others) > 0 {
		e.logger.Info("entity is also being edited elsewhere",
			"entity_id", entityID,
			"editors", others,
		)
	}
}

// endEditing announces End for each entity whose queue has drained.
// Failed mutations still count as unsynced edits.
func (e *Engine) endEditing(ctx context.Context, entityIDs []string) {
	o := e.observer()
	if o == nil {
		return
	}
	slices.Sort(entityIDs)
	for _, id := range slices.Compact(entityIDs) {
		queued, err := e.store.PendingFor(ctx, id)
		if err != nil {
			e.logger.Warn("presence check failed", "entity_id", id, "error", err)
			continue
		}
		if len(queued) == 0 {
			o.End(ctx, id)
		}
	}
}

// announceEditing re-announces every entity with queued mutations, so a
// restarted device is visible to its peers before its first sync.
func (e *Engine) announceEditing(ctx context.Context) {
	o := e.observer()
	if o == nil {
		return
	}
	queued, err := e.Pending(ctx)
	if err != nil {
		e.logger.Warn("presence announce failed", "error", err)
		return
	}
	for _, id := range queuedEntities(queued) {
		o.Begin(ctx, id)
	}
}

// editors returns the other clients editing each entity the device holds
// unsynced edits of. Entities nobody else is editing are left out.
func (e *Engine) editors(ctx context.Context) (map[string][]string, error) {
	o := e.observer()
	if o == nil {
		return nil, nil
	}
	queued, err := e.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out map[string][]string
	for _, id := range queuedEntities(queued) {
		others := o.Editors(id)
		if len(others) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[id] = others
	}
	return out, nil
}

func queuedEntities(queued []model.Mutation) []string {
	ids := make([]string, 0, len(queued))
	for _, m := range queued {
		ids = append(ids, m.EntityID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

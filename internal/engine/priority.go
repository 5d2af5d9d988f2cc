package engine

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
	"github.com/roach88/scoresync/internal/remote"
)

// ageBucket is the granularity at which age ranks mutations. Mutations
// within the same bucket are ordered by payload size.
const ageBucket = time.Minute

// nextBatch selects the next batch to send in the given mode.
func (e *Engine) nextBatch(ctx context.Context, mode Mode) (remote.Batch, error) {
	e.writeMu.Lock()
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.writeMu.Unlock()
		return remote.Batch{}, storageError("list pending", err)
	}
	failed, err := e.store.ListFailed(ctx)
	e.writeMu.Unlock()
	if err != nil {
		return remote.Batch{}, storageError("list failed", err)
	}

	held := make(map[string]bool, len(failed))
	for _, m := range failed {
		held[m.EntityID] = true
	}

	limit := e.cfg.batchSize
	if mode == ModeMinimal {
		limit = e.cfg.minimalBatchSize
	}
	selected := selectBatch(pending, held, e.policies, mode, e.skew.Now(), limit)
	if mode == ModeMinimal {
		if selected, err = e.trimToPriority(ctx, selected); err != nil {
			return remote.Batch{}, err
		}
	}

	return remote.Batch{
		ID:        e.ids.Generate(),
		ClientID:  e.clientID,
		Mutations: selected,
		Minimal:   mode == ModeMinimal,
	}, nil
}

// selectBatch picks up to limit mutations from the pending queue.
//
// Mutations of one entity leave strictly in queue order, and an entity with
// a failed mutation is held entirely. Across entities the next mutation is
// the queue head that ranks first by criticality (score > status >
// profile), then age in whole minutes (older first), then payload size
// (smaller first), then queue order.
//
// In minimal mode an entity's run stops at its first mutation touching no
// priority field. If that leaves nothing to send while work is queued, the
// best-ranked head goes alone, so a degraded link still carries every
// mutation eventually and keeps producing round-trip samples.
func selectBatch(pending []model.Mutation, held map[string]bool, policies *policy.Set, mode Mode, now time.Time, limit int) []model.Mutation {
	var order []string
	runs := make(map[string][]model.Mutation)
	for _, m := range pending {
		if held[m.EntityID] {
			continue
		}
		if _, ok := runs[m.EntityID]; !ok {
			order = append(order, m.EntityID)
		}
		runs[m.EntityID] = append(runs[m.EntityID], m)
	}

	full := runs
	if mode == ModeMinimal {
		minimal := make(map[string][]model.Mutation, len(runs))
		for id, run := range runs {
			n := 0
			for n < len(run) && touchesPriority(run[n], policies) {
				n++
			}
			if n > 0 {
				minimal[id] = run[:n]
			}
		}
		runs = minimal
	}

	out := merge(order, runs, now, limit)
	if len(out) == 0 && mode == ModeMinimal {
		out = merge(order, full, now, 1)
	}
	return out
}

// trimToPriority narrows each selected mutation to its priority fields. The
// other fields move to a new mutation at the back of the queue, stamped after
// everything queued for the entity. Fields a later queued mutation of the
// entity overwrites are dropped from it, so the deferred values never land
// over newer ones. Mutations with no priority field go unchanged.
func (e *Engine) trimToPriority(ctx context.Context, selected []model.Mutation) ([]model.Mutation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	out := make([]model.Mutation, 0, len(selected))
	for _, m := range selected {
		p := e.policies.For(m.EntityType)
		keep, rest := model.Object{}, model.Object{}
		for f, v := range m.ChangedFields {
			if p.IsPriority(f) {
				keep[f] = v
			} else {
				rest[f] = v
			}
		}
		if len(keep) == 0 || len(rest) == 0 {
			out = append(out, m)
			continue
		}

		local, err := e.store.Get(ctx, m.EntityID)
		if err != nil {
			return nil, storageError("read entity", err)
		}
		queued, err := e.store.PendingFor(ctx, m.EntityID)
		if err != nil {
			return nil, storageError("read queue", err)
		}
		head, err := e.head(ctx, m.EntityID, local)
		if err != nil {
			return nil, err
		}
		later := false
		for _, q := range queued {
			if later {
				for f := range q.ChangedFields {
					delete(rest, f)
				}
			}
			later = later || q.ID == m.ID
		}

		narrowed := m
		narrowed.ChangedFields = keep
		var deferred *model.Mutation
		if len(rest) > 0 {
			r := model.NewMutation(e.ids.Generate(), m.EntityID, m.EntityType, m.Writer,
				rest, e.tracker.Stamp(head), m.Authority, m.CreatedAt)
			r.Priority = m.Priority
			r.RebasedFrom = m.ID
			deferred = &r
		}
		if err := e.store.SplitMutation(ctx, narrowed, deferred); err != nil {
			return nil, storageError("split mutation", err)
		}

		e.logger.Debug("mutation trimmed for minimal sync",
			"mutation_id", m.ID,
			"kept", keep.SortedKeys(),
			"deferred", rest.SortedKeys(),
		)
		out = append(out, narrowed)
	}
	return out, nil
}

// merge repeatedly takes the best-ranked head among the runs.
func merge(order []string, runs map[string][]model.Mutation, now time.Time, limit int) []model.Mutation {
	next := make(map[string]int, len(runs))
	var out []model.Mutation
	for len(out) < limit {
		best := ""
		for _, id := range order {
			run := runs[id]
			if next[id] >= len(run) {
				continue
			}
			if best == "" || ranksBefore(run[next[id]], runs[best][next[best]], now) {
				best = id
			}
		}
		if best == "" {
			break
		}
		out = append(out, runs[best][next[best]])
		next[best]++
	}
	return out
}

// ranksBefore orders two sendable mutations.
func ranksBefore(a, b model.Mutation, now time.Time) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if aa, ab := a.Age(now)/ageBucket, b.Age(now)/ageBucket; aa != ab {
		return aa > ab
	}
	if sa, sb := a.PayloadSize(), b.PayloadSize(); sa != sb {
		return sa < sb
	}
	return a.Seq < b.Seq
}

func touchesPriority(m model.Mutation, policies *policy.Set) bool {
	p := policies.For(m.EntityType)
	return slices.ContainsFunc(m.FieldNames(), p.IsPriority)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/scoresync/internal/detect"
	"github.com/roach88/scoresync/internal/metrics"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/resolve"
	"github.com/roach88/scoresync/internal/store"
)

// SyncOnce runs one sync cycle: resume an interrupted batch if a marker is
// present, then send prioritized batches until the queue has nothing
// sendable, no round makes progress, or the round limit is hit.
//
// With nothing queued and no marker the engine stays idle and SyncOnce
// returns nil. Cancelling ctx leaves the queue and marker resumable.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	marker, err := e.store.ReadMarker(ctx)
	if err != nil {
		return storageError("read marker", err)
	}
	n, err := e.sendableCount(ctx)
	if err != nil {
		return err
	}
	if marker == nil && n == 0 {
		return nil
	}

	cycle, err := e.beginCycle(ctx)
	if err != nil {
		return err
	}
	err = e.runCycle(ctx, cycle, marker)
	return e.finishCycle(ctx, cycle, err)
}

func (e *Engine) sendableCount(ctx context.Context) (int, error) {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return 0, storageError("list pending", err)
	}
	return len(pending), nil
}

func (e *Engine) beginCycle(ctx context.Context) (int64, error) {
	if err := e.state.begin(); err != nil {
		return 0, err
	}
	cycle := e.cycles.Next()
	mode := e.network.Mode()
	e.metrics.SetMode(string(mode), modes...)
	e.logger.Info("sync cycle starting", "cycle", cycle, "mode", mode)
	return cycle, nil
}

func (e *Engine) finishCycle(ctx context.Context, cycle int64, err error) error {
	err = classify(ctx, err)
	e.state.finish(e.skew.Now(), err)
	e.refreshPending(ctx)

	if perr := e.store.SetClockOffset(ctx, e.skew.Offset()); perr != nil {
		e.logger.Warn("clock offset not persisted", "error", perr)
	}

	if err != nil {
		e.logger.Warn("sync cycle interrupted",
			"event", "sync_interrupted",
			"cycle", cycle,
			"error", err,
		)
		return err
	}
	e.logger.Info("sync cycle completed", "cycle", cycle)
	return nil
}

// classify maps a cycle failure onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &SyncError{Code: ErrCodeInterrupted, Message: "sync cancelled", Action: ActionRetry, Err: err}
	}
	return &SyncError{Code: ErrCodeTransient, Message: "batch not delivered", Action: ActionRetry, Err: err}
}

func (e *Engine) runCycle(ctx context.Context, cycle int64, marker *store.Marker) error {
	if marker != nil {
		if err := e.resume(ctx, cycle, marker); err != nil {
			return err
		}
	}

	for round := 1; round <= e.cfg.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.nextBatch(ctx, e.network.Mode())
		if err != nil {
			return err
		}
		if len(batch.Mutations) == 0 {
			return nil
		}

		e.logger.Debug("sending batch",
			"cycle", cycle,
			"round", round,
			"batch", batch.ID,
			"size", len(batch.Mutations),
			"minimal", batch.Minimal,
		)
		progress, err := e.send(ctx, batch)
		if err != nil {
			return err
		}
		if !progress {
			return nil
		}
	}
	return nil
}

// send transmits a batch under a transaction marker and settles every
// verdict. It reports whether any mutation left its previous queue state.
func (e *Engine) send(ctx context.Context, b remote.Batch) (bool, error) {
	ids := mutationIDs(b.Mutations)
	if err := e.store.BeginMarker(ctx, b.ID, ids, e.skew.Now()); err != nil {
		return false, storageError("begin marker", err)
	}

	res, err := e.submit(ctx, b)
	if err != nil {
		return false, err
	}
	return e.settle(ctx, b, res)
}

// submit sends a batch with exponential backoff. Every failed attempt
// counts against the retry budget of the batch's mutations; mutations that
// exhaust it are parked for manual action.
func (e *Engine) submit(ctx context.Context, b remote.Batch) (remote.BatchResult, error) {
	ids := mutationIDs(b.Mutations)
	var res remote.BatchResult

	op := func() error {
		b.SentAt = e.skew.Now()
		sent := e.wall()
		r, err := e.remote.Submit(ctx, b)
		received := e.wall()
		if err != nil {
			e.network.Failure()
			e.metrics.Batches.WithLabelValues(metrics.BatchTransient).Inc()
			if berr := e.store.BumpRetry(ctx, ids, err.Error()); berr != nil {
				return backoff.Permanent(storageError("bump retry", berr))
			}
			if !remote.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		rtt := received.Sub(sent)
		e.network.Observe(rtt, payloadSize(b.Mutations))
		e.skew.Observe(sent, received, r.ServerTime)
		e.metrics.ObserveRoundTrip(rtt)
		e.metrics.Batches.WithLabelValues(metrics.BatchOK).Inc()
		res = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.metrics.Retries.Inc()
		e.logger.Warn("batch submit failed, backing off",
			"batch", b.ID,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(
		backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.cycleAttempts-1)), ctx,
	), notify)
	if err == nil {
		return res, nil
	}

	if perr := e.parkExhausted(ctx, ids); perr != nil {
		return remote.BatchResult{}, perr
	}
	if ctx.Err() != nil {
		e.metrics.Batches.WithLabelValues(metrics.BatchInterrupted).Inc()
	}
	return remote.BatchResult{}, err
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.initialBackoff
	b.MaxInterval = e.cfg.maxBackoff
	b.RandomizationFactor = e.cfg.jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// parkExhausted marks mutations whose retry budget is spent as failed.
func (e *Engine) parkExhausted(ctx context.Context, ids []string) error {
	e.writeMu.Lock()
	var parked []*SyncError
	for _, id := range ids {
		m, err := e.store.GetMutation(ctx, id)
		if err != nil {
			e.writeMu.Unlock()
			return storageError("read mutation", err)
		}
		if m == nil || m.Status != model.StatusPending || m.RetryCount < e.cfg.maxAttempts {
			continue
		}
		msg := fmt.Sprintf("not delivered after %d attempts: %s", m.RetryCount, m.LastError)
		if err := e.store.MarkFailed(ctx, id, failReason(ErrCodeTransient, msg)); err != nil {
			e.writeMu.Unlock()
			return storageError("park mutation", err)
		}
		parked = append(parked, &SyncError{
			Code:       ErrCodeTransient,
			Message:    msg,
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Action:     ActionRetry,
		})
	}
	e.writeMu.Unlock()

	for _, se := range parked {
		e.logger.Warn("mutation parked", "mutation_id", se.MutationID, "reason", se.Message)
		e.failures.publish(se)
	}
	return nil
}

// settle applies each verdict of a batch, in batch order, then clears the
// marker.
func (e *Engine) settle(ctx context.Context, b remote.Batch, res remote.BatchResult) (bool, error) {
	progress := false
	for _, m := range b.Mutations {
		r, ok := res.Result(m.ID)
		if !ok {
			continue
		}
		moved, err := e.settleOne(ctx, m, r)
		if err != nil {
			return progress, err
		}
		progress = progress || moved
	}

	if err := e.store.ClearMarker(ctx); err != nil {
		return progress, storageError("clear marker", err)
	}
	e.refreshPending(ctx)

	touched := make([]string, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		touched = append(touched, m.EntityID)
	}
	e.endEditing(ctx, touched)
	return progress, nil
}

// settleOne turns one server verdict into a durable acknowledgment.
func (e *Engine) settleOne(ctx context.Context, m model.Mutation, r remote.Result) (bool, error) {
	e.metrics.Outcomes.WithLabelValues(string(r.Outcome)).Inc()

	switch r.Outcome {
	case remote.Deferred:
		return false, nil

	case remote.Applied, remote.Duplicate:
		outcome := store.OutcomeApplied
		if r.Outcome == remote.Duplicate {
			outcome = store.OutcomeDuplicate
		}
		return true, e.acknowledge(ctx, m, store.Ack{
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Outcome:    outcome,
			History:    r.History,
		}, r.Entity, nil)

	case remote.Rejected:
		se := &SyncError{
			Code:       ErrCodeRejected,
			Message:    r.Reason,
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Action:     ActionDiscard,
		}
		return true, e.acknowledge(ctx, m, store.Ack{
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Outcome:    store.OutcomeRejected,
			FailReason: failReason(ErrCodeRejected, r.Reason),
		}, r.Entity, se)

	case remote.Superseded:
		return e.reconcile(ctx, m, r)

	default:
		e.logger.Warn("unknown outcome", "mutation_id", m.ID, "outcome", r.Outcome)
		return false, nil
	}
}

// reconcile handles a superseded mutation: detect how it relates to the
// server state and, for concurrent edits, run the resolution chain.
func (e *Engine) reconcile(ctx context.Context, m model.Mutation, r remote.Result) (bool, error) {
	server := r.Entity
	if server == nil {
		return false, nil
	}
	history := r.History
	if history == nil {
		h, err := e.remote.History(ctx, m.EntityID, m.BaseVersion)
		if err != nil {
			e.logger.Debug("history unavailable, detecting from field metadata",
				"entity_id", m.EntityID,
				"error", err,
			)
		}
		history = h
	}

	history = e.forgetPruned(m, history)
	det := detect.Detect(m, server, history)
	ack := store.Ack{
		MutationID: m.ID,
		EntityID:   m.EntityID,
		History:    history,
	}

	switch det.Kind {
	case detect.Duplicate:
		ack.Outcome = store.OutcomeDuplicate
		return true, e.acknowledge(ctx, m, ack, server, nil)

	case detect.NoConflict, detect.SupersedeSafe:
		ack.Outcome = store.OutcomeRebased
		return true, e.rebaseAndAcknowledge(ctx, m, ack, server, m.ChangedFields)
	}

	result, err := resolve.Resolve(resolve.Conflict{
		Mutation:  m,
		Server:    server,
		Detection: det,
		Policy:    e.policies.For(m.EntityType),
		Now:       e.skew.Now(),
	})
	if err != nil {
		return false, err
	}
	rec := result.Record
	ack.Conflict = &rec
	e.metrics.Resolutions.WithLabelValues(string(rec.Resolution)).Inc()
	e.logger.Info("conflict resolved",
		"event", "conflict_resolved",
		"code", ErrCodeConflictResolved,
		"mutation_id", m.ID,
		"entity_id", m.EntityID,
		"resolution", rec.Resolution,
		"winner", rec.Winner,
		"fields", len(rec.ConflictingFields),
	)

	switch {
	case result.Decision.Reject:
		se := &SyncError{
			Code:       ErrCodeIrreversible,
			Message:    result.Decision.Detail,
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Action:     ActionDiscard,
		}
		e.logger.Warn("irreversible change rejected",
			"event", "irreversible_change_rejected",
			"mutation_id", m.ID,
			"entity_id", m.EntityID,
			"detail", result.Decision.Detail,
		)
		ack.Outcome = store.OutcomeRejected
		ack.FailReason = failReason(ErrCodeIrreversible, result.Decision.Detail)
		return true, e.acknowledge(ctx, m, ack, server, se)

	case len(result.Push) == 0:
		ack.Outcome = store.OutcomeResolved
		return true, e.acknowledge(ctx, m, ack, server, nil)

	default:
		ack.Outcome = store.OutcomeRebased
		return true, e.rebaseAndAcknowledge(ctx, m, ack, server, result.Push)
	}
}

// rebaseAndAcknowledge replaces m with a successor carrying fields, stamped
// on top of the server version and every queued mutation of the entity.
func (e *Engine) rebaseAndAcknowledge(ctx context.Context, m model.Mutation, ack store.Ack, server *model.Entity, fields model.Object) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	queued, err := e.store.PendingFor(ctx, m.EntityID)
	if err != nil {
		return storageError("read queue", err)
	}
	head := server.Version.Clone()
	for _, q := range queued {
		head = head.Merge(q.BaseVersion)
	}

	next := model.NewMutation(e.ids.Generate(), m.EntityID, m.EntityType, m.Writer,
		fields, e.tracker.Stamp(head), m.Authority, m.CreatedAt)
	next.RetryCount = m.RetryCount
	next.Priority = m.Priority
	next.RebasedFrom = m.ID
	ack.Replacement = &next

	e.logger.Debug("mutation rebased",
		"mutation_id", m.ID,
		"successor", next.ID,
		"base", next.BaseVersion.String(),
	)
	return e.acknowledgeLocked(ctx, m, ack, server)
}

// acknowledge commits an Ack. Surfaced failures are published after commit.
func (e *Engine) acknowledge(ctx context.Context, m model.Mutation, ack store.Ack, server *model.Entity, failure *SyncError) error {
	e.writeMu.Lock()
	err := e.acknowledgeLocked(ctx, m, ack, server)
	e.writeMu.Unlock()

	if err == nil && failure != nil {
		e.failures.publish(failure)
	}
	return err
}

// acknowledgeLocked commits an Ack with writeMu held. The server entity
// becomes the confirmed state unless the local store already holds a
// causally newer one.
func (e *Engine) acknowledgeLocked(ctx context.Context, m model.Mutation, ack store.Ack, server *model.Entity) error {
	ack.At = e.skew.Now()

	local, err := e.store.Get(ctx, m.EntityID)
	if err != nil {
		return storageError("read entity", err)
	}
	if supersedes(server, local) {
		ack.Entity = server
		if ack.Replacement == nil && ack.FailReason == "" {
			ack.Entity = e.prune(ctx, m, server)
		}
	}

	for _, h := range ack.History {
		if h.Writer == "" {
			continue
		}
		if err := e.store.TouchClient(ctx, h.Writer, h.EditedAt); err != nil {
			return storageError("record activity", err)
		}
	}

	if _, err := e.store.Acknowledge(ctx, ack); err != nil {
		return storageError("acknowledge", err)
	}
	return nil
}

// prune caps the tracked writers of a confirmed entity's vector once the
// settled mutation was the entity's last queued one.
func (e *Engine) prune(ctx context.Context, m model.Mutation, server *model.Entity) *model.Entity {
	queued, err := e.store.PendingFor(ctx, m.EntityID)
	if err != nil {
		return server
	}
	for _, q := range queued {
		if q.ID != m.ID {
			return server
		}
	}
	activity, err := e.store.ClientActivity(ctx)
	if err != nil {
		return server
	}
	pruned := e.tracker.Prune(server.Version, activity, e.skew.Now())
	if len(pruned) == len(server.Version) {
		return server
	}
	out := server.Clone()
	out.Version = pruned
	e.logger.Debug("version vector pruned",
		"entity_id", server.ID,
		"tracked", len(pruned),
		"dropped", len(server.Version)-len(pruned),
	)
	return out
}

// forgetPruned drops history entries by writers the base does not track
// that are older than the retention window. Such writers may have been
// pruned from the local vector; their edits count as already observed.
func (e *Engine) forgetPruned(m model.Mutation, history []model.HistoryEntry) []model.HistoryEntry {
	if history == nil {
		return nil
	}
	cutoff := e.skew.Now().Add(-e.cfg.retention)
	out := make([]model.HistoryEntry, 0, len(history))
	for _, h := range history {
		if h.Writer != "" && m.BaseVersion.Get(h.Writer) == 0 && h.EditedAt.Before(cutoff) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func mutationIDs(ms []model.Mutation) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

func payloadSize(ms []model.Mutation) int {
	n := 0
	for _, m := range ms {
		n += m.PayloadSize()
	}
	return n
}

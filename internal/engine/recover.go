package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/store"
)

// Recover resumes a batch interrupted before its result was settled. It is
// run on startup before any new batch is sent; SyncOnce also resumes a
// marker it finds. Returns nil when no batch is in flight.
//
// Unacknowledged members are resent under the original batch id. The store
// of record recognises mutations it already applied and answers them as
// duplicates, so redelivery never double-applies.
func (e *Engine) Recover(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	marker, err := e.store.ReadMarker(ctx)
	if err != nil {
		return storageError("read marker", err)
	}
	if marker == nil {
		return nil
	}

	cycle, err := e.beginCycle(ctx)
	if err != nil {
		return err
	}
	err = e.resume(ctx, cycle, marker)
	return e.finishCycle(ctx, cycle, err)
}

// resume resends the unacknowledged members of an interrupted batch.
//
// A resend that fails because the store of record is unreachable is a
// transient failure: the marker stays and the batch goes out again on the
// next cycle, uncounted. Only resends refused for any other reason count as
// failed recoveries, and the interruption is surfaced once, when the count
// reaches maxRecoveryAttempts.
func (e *Engine) resume(ctx context.Context, cycle int64, marker *store.Marker) error {
	var members []model.Mutation
	for _, id := range marker.Unacked() {
		m, err := e.store.GetMutation(ctx, id)
		if err != nil {
			return storageError("read mutation", err)
		}
		if m == nil || m.Status != model.StatusPending {
			continue
		}
		members = append(members, *m)
	}

	e.logger.Info("resuming interrupted batch",
		"cycle", cycle,
		"batch", marker.BatchID,
		"unacked", len(members),
		"failed_recoveries", marker.RecoveryAttempts,
		"started_at", marker.StartedAt,
	)

	if len(members) == 0 {
		if err := e.store.ClearMarker(ctx); err != nil {
			return storageError("clear marker", err)
		}
		return nil
	}

	b := remote.Batch{
		ID:        marker.BatchID,
		ClientID:  e.clientID,
		Mutations: members,
	}
	res, err := e.submit(ctx, b)
	if err != nil {
		return e.recoveryFailed(ctx, marker, err)
	}

	_, err = e.settle(ctx, b, res)
	return err
}

// recoveryFailed counts a non-transient resend failure against the marker.
func (e *Engine) recoveryFailed(ctx context.Context, marker *store.Marker, err error) error {
	var se *SyncError
	if errors.As(err, &se) || ctx.Err() != nil || remote.IsTransient(err) {
		return err
	}

	attempts, berr := e.store.BumpRecovery(ctx)
	if berr != nil {
		return storageError("count recovery", berr)
	}
	if attempts < maxRecoveryAttempts {
		e.logger.Warn("interrupted batch refused",
			"batch", marker.BatchID,
			"attempts", attempts,
			"error", err,
		)
		return err
	}

	se = &SyncError{
		Code:    ErrCodeInterrupted,
		Message: fmt.Sprintf("batch %s not recovered after %d attempts", marker.BatchID, attempts),
		Action:  ActionManualReview,
		Err:     err,
	}
	if attempts == maxRecoveryAttempts {
		e.logger.Error("interrupted batch not recovered",
			"event", "sync_interrupted",
			"batch", marker.BatchID,
			"attempts", attempts,
			"error", err,
		)
		e.failures.publish(se)
	}
	return se
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/scoresync/internal/model"
)

// Outcome names how the server settled a mutation.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeResolved  Outcome = "resolved"
	OutcomeRebased   Outcome = "rebased"
	OutcomeRejected  Outcome = "rejected"
)

// Ack is the durable effect of settling one in-flight mutation. Everything in
// an Ack commits in a single transaction.
type Ack struct {
	MutationID string
	EntityID   string
	Outcome    Outcome
	At         time.Time

	// Entity is the new confirmed state; nil leaves the entity untouched.
	Entity *model.Entity
	// History is appended to the edit history.
	History []model.HistoryEntry
	// Conflict is appended to the conflict log.
	Conflict *model.ConflictRecord
	// Replacement, when set, takes over the mutation's queue position
	// instead of the mutation being removed.
	Replacement *model.Mutation
	// FailReason, when set, parks the mutation as failed instead of
	// removing it. The ack row is not written.
	FailReason string
}

// Acknowledge settles a mutation atomically: stores the confirmed entity,
// appends history and the conflict record, removes (or replaces, or parks)
// the queued mutation, records the acknowledgment and marks it acked on the
// sync marker. Subscribers are notified after commit.
//
// Acknowledging an already acknowledged mutation is a no-op that reports
// false.
func (s *Store) Acknowledge(ctx context.Context, a Ack) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("acknowledge %s: begin tx: %w", a.MutationID, err)
	}
	defer tx.Rollback() // No-op if committed

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM acknowledged_mutations WHERE mutation_id = ?`, a.MutationID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("acknowledge %s: %w", a.MutationID, err)
	}

	if a.Entity != nil {
		if err := putEntity(ctx, tx, a.Entity); err != nil {
			return false, err
		}
	}
	for _, h := range a.History {
		if err := appendHistory(ctx, tx, h); err != nil {
			return false, err
		}
	}
	var conflictInserted bool
	var trimmed []model.ConflictRecord
	if a.Conflict != nil {
		conflictInserted, trimmed, err = s.appendConflict(ctx, tx, *a.Conflict)
		if err != nil {
			return false, err
		}
	}

	switch {
	case a.Replacement != nil:
		if err := replaceMutation(ctx, tx, a.MutationID, *a.Replacement); err != nil {
			return false, err
		}
	case a.FailReason != "":
		if err := markFailed(ctx, tx, a.MutationID, a.FailReason); err != nil {
			return false, err
		}
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, a.MutationID); err != nil {
			return false, fmt.Errorf("acknowledge %s: dequeue: %w", a.MutationID, err)
		}
	}

	if a.FailReason == "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO acknowledged_mutations (mutation_id, entity_id, outcome, acked_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(mutation_id) DO NOTHING
		`, a.MutationID, a.EntityID, string(a.Outcome), formatTime(a.At))
		if err != nil {
			return false, fmt.Errorf("acknowledge %s: record ack: %w", a.MutationID, err)
		}
	}

	if err := markAcked(ctx, tx, a.MutationID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("acknowledge %s: commit: %w", a.MutationID, err)
	}

	if a.Entity != nil {
		s.hub.publishEntity(a.Entity)
	}
	if conflictInserted {
		s.hub.publishConflict(*a.Conflict)
	}
	s.archive(ctx, trimmed)
	return true, nil
}

// IsAcknowledged reports whether the server has settled a mutation.
func (s *Store) IsAcknowledged(ctx context.Context, mutationID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM acknowledged_mutations WHERE mutation_id = ?`, mutationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is acknowledged %s: %w", mutationID, err)
	}
	return true, nil
}

// Marker records the in-flight batch so an interrupted sync can resume.
type Marker struct {
	BatchID          string    `json:"batch_id"`
	MutationIDs      []string  `json:"mutation_ids"`
	Acked            []string  `json:"acked"`
	StartedAt        time.Time `json:"started_at"`
	RecoveryAttempts int       `json:"recovery_attempts"`
}

// Unacked returns the batch members not yet acknowledged, in batch order.
func (m *Marker) Unacked() []string {
	var out []string
	for _, id := range m.MutationIDs {
		if !slices.Contains(m.Acked, id) {
			out = append(out, id)
		}
	}
	return out
}

// BeginMarker persists the batch about to be sent, replacing any previous
// marker. It must commit before the batch leaves the device.
func (s *Store) BeginMarker(ctx context.Context, batchID string, mutationIDs []string, at time.Time) error {
	ids, err := marshalJSON(mutationIDs)
	if err != nil {
		return fmt.Errorf("begin marker: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_marker (id, batch_id, mutation_ids, acked_ids, started_at, recovery_attempts)
		VALUES (1, ?, ?, '[]', ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			batch_id = excluded.batch_id,
			mutation_ids = excluded.mutation_ids,
			acked_ids = '[]',
			started_at = excluded.started_at,
			recovery_attempts = 0
	`, batchID, ids, formatTime(at))
	if err != nil {
		return fmt.Errorf("begin marker: %w", err)
	}
	return nil
}

// ReadMarker returns the current marker, or nil when no batch is in flight.
func (s *Store) ReadMarker(ctx context.Context) (*Marker, error) {
	return readMarker(s.db.QueryRowContext(ctx, `
		SELECT batch_id, mutation_ids, acked_ids, started_at, recovery_attempts
		FROM sync_marker WHERE id = 1
	`))
}

func readMarker(row *sql.Row) (*Marker, error) {
	var (
		m                     Marker
		ids, acked, startedAt string
	)
	err := row.Scan(&m.BatchID, &ids, &acked, &startedAt, &m.RecoveryAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	if err := unmarshalJSON(ids, &m.MutationIDs); err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	if err := unmarshalJSON(acked, &m.Acked); err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	if m.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	return &m, nil
}

// markAcked adds a mutation to the marker's acked list when it belongs to
// the in-flight batch.
func markAcked(ctx context.Context, tx *sql.Tx, mutationID string) error {
	m, err := readMarker(tx.QueryRowContext(ctx, `
		SELECT batch_id, mutation_ids, acked_ids, started_at, recovery_attempts
		FROM sync_marker WHERE id = 1
	`))
	if err != nil {
		return err
	}
	if m == nil || !slices.Contains(m.MutationIDs, mutationID) || slices.Contains(m.Acked, mutationID) {
		return nil
	}

	acked, err := marshalJSON(append(m.Acked, mutationID))
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_marker SET acked_ids = ? WHERE id = 1`, acked); err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	return nil
}

// BumpRecovery counts a recovery attempt on the marker and returns the new
// count. Returns zero when no marker exists.
func (s *Store) BumpRecovery(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_marker SET recovery_attempts = recovery_attempts + 1 WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("bump recovery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT recovery_attempts FROM sync_marker WHERE id = 1`).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("bump recovery: %w", err)
	}
	return attempts, nil
}

// ClearMarker removes the marker once every batch member is settled or
// re-queued.
func (s *Store) ClearMarker(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_marker WHERE id = 1`); err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}

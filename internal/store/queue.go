package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/scoresync/internal/model"
)

// ErrNotQueued is returned when a mutation id is not in the pending queue.
var ErrNotQueued = errors.New("mutation not queued")

const mutationColumns = `seq, id, entity_id, entity_type, changed_fields, base_version, created_at,
	retry_count, priority, authority, writer, status, last_error, rebased_from`

// Enqueue durably appends a mutation to the pending queue and returns its
// sequence number. Re-enqueueing an existing id is a no-op that returns the
// original sequence.
func (s *Store) Enqueue(ctx context.Context, m model.Mutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: begin tx: %w", m.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := insertMutation(ctx, tx, m); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", m.ID, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM pending_mutations WHERE id = ?`, m.ID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("enqueue %s: read seq: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue %s: commit: %w", m.ID, err)
	}
	return seq, nil
}

func insertMutation(ctx context.Context, db execer, m model.Mutation) error {
	fields, err := marshalFields(m.ChangedFields)
	if err != nil {
		return err
	}
	base, err := marshalVector(m.BaseVersion)
	if err != nil {
		return err
	}
	auth, err := marshalJSON(m.Authority)
	if err != nil {
		return err
	}
	status := m.Status
	if status == "" {
		status = model.StatusPending
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_mutations
		(id, entity_id, entity_type, changed_fields, base_version, created_at,
		 retry_count, priority, authority, writer, status, last_error, rebased_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.EntityID,
		m.EntityType,
		fields,
		base,
		formatTime(m.CreatedAt),
		m.RetryCount,
		m.Priority,
		auth,
		m.Writer,
		string(status),
		m.LastError,
		m.RebasedFrom,
	)
	return err
}

// SplitMutation narrows a queued mutation to the fields of head, which keeps
// the original id and queue position, and appends rest, when not nil, to the
// back of the queue. Both changes commit together.
func (s *Store) SplitMutation(ctx context.Context, head model.Mutation, rest *model.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("split mutation %s: begin tx: %w", head.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := replaceMutation(ctx, tx, head.ID, head); err != nil {
		return err
	}
	if rest != nil {
		if err := insertMutation(ctx, tx, *rest); err != nil {
			return fmt.Errorf("split mutation %s: %w", head.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("split mutation %s: commit: %w", head.ID, err)
	}
	return nil
}

// Dequeue removes a mutation from the queue. Removing an absent id is a no-op.
func (s *Store) Dequeue(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeue %s: %w", id, err)
	}
	return nil
}

// GetMutation returns a queued mutation, or nil when the id is not queued.
func (s *Store) GetMutation(ctx context.Context, id string) (*model.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return &m, nil
}

// ListPending returns mutations awaiting transmission in creation order.
func (s *Store) ListPending(ctx context.Context) ([]model.Mutation, error) {
	return s.queryMutations(ctx, `WHERE status = 'pending'`)
}

// ListFailed returns mutations that need manual action, in creation order.
func (s *Store) ListFailed(ctx context.Context) ([]model.Mutation, error) {
	return s.queryMutations(ctx, `WHERE status = 'failed'`)
}

// PendingFor returns every queued mutation of an entity (pending or failed)
// in creation order.
func (s *Store) PendingFor(ctx context.Context, entityID string) ([]model.Mutation, error) {
	return s.queryMutations(ctx, `WHERE entity_id = ?`, entityID)
}

// PendingCount returns the number of queued mutations, failed ones included.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (s *Store) queryMutations(ctx context.Context, where string, args ...any) ([]model.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM pending_mutations
		`+where+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	out := []model.Mutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("query mutations: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return out, nil
}

// BumpRetry records a failed transmission attempt for each mutation.
func (s *Store) BumpRetry(ctx context.Context, ids []string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bump retry: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations
			SET retry_count = retry_count + 1, last_error = ?
			WHERE id = ?
		`, reason, id)
		if err != nil {
			return fmt.Errorf("bump retry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bump retry: commit: %w", err)
	}
	return nil
}

// MarkFailed parks a mutation until the user retries or discards it.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return markFailed(ctx, s.db, id, reason)
}

func markFailed(ctx context.Context, db execer, id, reason string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE pending_mutations SET status = 'failed', last_error = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotQueued)
	}
	return nil
}

// ResetMutation returns a failed mutation to the pending queue with a fresh
// retry budget.
func (s *Store) ResetMutation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET status = 'pending', retry_count = 0, last_error = ''
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("reset mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reset mutation %s: %w", id, ErrNotQueued)
	}
	return nil
}

// ReplaceMutation swaps a queued mutation for its rebased successor. The
// successor keeps the original's queue position, so per-entity FIFO order
// is preserved.
func (s *Store) ReplaceMutation(ctx context.Context, oldID string, next model.Mutation) error {
	return replaceMutation(ctx, s.db, oldID, next)
}

func replaceMutation(ctx context.Context, db execer, oldID string, next model.Mutation) error {
	fields, err := marshalFields(next.ChangedFields)
	if err != nil {
		return fmt.Errorf("replace mutation %s: %w", oldID, err)
	}
	base, err := marshalVector(next.BaseVersion)
	if err != nil {
		return fmt.Errorf("replace mutation %s: %w", oldID, err)
	}
	auth, err := marshalJSON(next.Authority)
	if err != nil {
		return fmt.Errorf("replace mutation %s: %w", oldID, err)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET id = ?, changed_fields = ?, base_version = ?, created_at = ?,
			retry_count = ?, priority = ?, authority = ?, writer = ?,
			status = 'pending', last_error = '', rebased_from = ?
		WHERE id = ?
	`,
		next.ID,
		fields,
		base,
		formatTime(next.CreatedAt),
		next.RetryCount,
		next.Priority,
		auth,
		next.Writer,
		next.RebasedFrom,
		oldID,
	)
	if err != nil {
		return fmt.Errorf("replace mutation %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replace mutation %s: %w", oldID, ErrNotQueued)
	}
	return nil
}

func scanMutation(row rowScanner) (model.Mutation, error) {
	var (
		m                                   model.Mutation
		fields, base, createdAt, auth, stat string
	)
	err := row.Scan(
		&m.Seq, &m.ID, &m.EntityID, &m.EntityType, &fields, &base, &createdAt,
		&m.RetryCount, &m.Priority, &auth, &m.Writer, &stat, &m.LastError, &m.RebasedFrom,
	)
	if err != nil {
		return model.Mutation{}, err
	}

	if m.ChangedFields, err = unmarshalFields(fields); err != nil {
		return model.Mutation{}, err
	}
	if m.BaseVersion, err = unmarshalVector(base); err != nil {
		return model.Mutation{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Mutation{}, err
	}
	if err := unmarshalJSON(auth, &m.Authority); err != nil {
		return model.Mutation{}, fmt.Errorf("unmarshal authority: %w", err)
	}
	m.Status = model.MutationStatus(stat)
	return m, nil
}

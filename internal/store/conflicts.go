package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/scoresync/internal/model"
)

// AppendConflict records a conflict outside of an acknowledgment. Records
// are content addressed, so appending the same record twice inserts once.
// Reports whether a new record was inserted.
func (s *Store) AppendConflict(ctx context.Context, rec model.ConflictRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("append conflict: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	inserted, trimmed, err := s.appendConflict(ctx, tx, rec)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("append conflict: commit: %w", err)
	}

	if inserted {
		s.hub.publishConflict(rec)
	}
	s.archive(ctx, trimmed)
	return inserted, nil
}

// appendConflict inserts rec and trims the log to capacity. Trimmed records
// are deleted only when no archiver is set; otherwise they are returned and
// deleted after the archiver accepts them.
func (s *Store) appendConflict(ctx context.Context, tx *sql.Tx, rec model.ConflictRecord) (bool, []model.ConflictRecord, error) {
	data, err := marshalJSON(rec)
	if err != nil {
		return false, nil, fmt.Errorf("append conflict %s: %w", rec.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conflict_log (id, entity_id, mutation_id, resolution, visible, record, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.EntityID,
		rec.MutationID,
		string(rec.Resolution),
		rec.Visible,
		data,
		formatTime(rec.ResolvedAt),
	)
	if err != nil {
		return false, nil, fmt.Errorf("append conflict %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("append conflict %s: rows affected: %w", rec.ID, err)
	}
	if n == 0 {
		return false, nil, nil
	}

	if s.archiver != nil {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_log`).Scan(&total); err != nil {
			return false, nil, fmt.Errorf("count conflicts: %w", err)
		}
		if total <= s.logSize {
			return true, nil, nil
		}
		over, err := queryConflicts(ctx, tx, `
			SELECT record FROM conflict_log ORDER BY seq ASC LIMIT ?
		`, total-s.logSize)
		if err != nil {
			return false, nil, err
		}
		return true, over, nil
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM conflict_log
		WHERE seq NOT IN (SELECT seq FROM conflict_log ORDER BY seq DESC LIMIT ?)
	`, s.logSize)
	if err != nil {
		return false, nil, fmt.Errorf("trim conflict log: %w", err)
	}
	return true, nil, nil
}

// archive hands trimmed records to the archiver and deletes them once it
// succeeds. A failing archiver leaves them for the next attempt.
func (s *Store) archive(ctx context.Context, records []model.ConflictRecord) {
	if len(records) == 0 || s.archiver == nil {
		return
	}
	if err := s.archiver(ctx, records); err != nil {
		slog.Warn("conflict archiver failed; log kept over capacity",
			"records", len(records),
			"error", err,
		)
		return
	}
	for _, rec := range records {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM conflict_log WHERE id = ?`, rec.ID); err != nil {
			slog.Warn("trim archived conflict failed", "conflict_id", rec.ID, "error", err)
			return
		}
	}
}

// ListConflicts returns recorded conflicts oldest first. An empty entityID
// lists every entity; limit <= 0 returns the whole log.
func (s *Store) ListConflicts(ctx context.Context, entityID string, limit int) ([]model.ConflictRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryConflicts(ctx, s.db, `
		SELECT record FROM (
			SELECT seq, record FROM conflict_log
			WHERE ? = '' OR entity_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, entityID, entityID, limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryConflicts(ctx context.Context, db querier, query string, args ...any) ([]model.ConflictRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []model.ConflictRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		var rec model.ConflictRecord
		if err := unmarshalJSON(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal conflict: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

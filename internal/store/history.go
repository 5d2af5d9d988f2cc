package store

import (
	"context"
	"fmt"

	"github.com/roach88/scoresync/internal/model"
)

// AppendHistory appends a confirmed change to the edit history. An entry
// for a mutation already recorded is ignored.
func (s *Store) AppendHistory(ctx context.Context, h model.HistoryEntry) error {
	return appendHistory(ctx, s.db, h)
}

func appendHistory(ctx context.Context, db execer, h model.HistoryEntry) error {
	fields, err := marshalFields(h.ChangedFields)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.EntityID, err)
	}
	vec, err := marshalVector(h.Version)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.EntityID, err)
	}
	auth, err := marshalJSON(h.Authority)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.EntityID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO edit_history (entity_id, mutation_id, version, changed_fields, edited_at, writer, authority)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		h.EntityID,
		h.MutationID,
		vec,
		fields,
		formatTime(h.EditedAt),
		h.Writer,
		auth,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.EntityID, err)
	}
	return nil
}

// History returns an entity's edit history in append order.
func (s *Store) History(ctx context.Context, entityID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, mutation_id, version, changed_fields, edited_at, writer, authority
		FROM edit_history
		WHERE entity_id = ?
		ORDER BY seq ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", entityID, err)
	}
	defer rows.Close()

	out := []model.HistoryEntry{}
	for rows.Next() {
		var (
			h                           model.HistoryEntry
			vec, fields, editedAt, auth string
		)
		if err := rows.Scan(&h.EntityID, &h.MutationID, &vec, &fields, &editedAt, &h.Writer, &auth); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if h.Version, err = unmarshalVector(vec); err != nil {
			return nil, err
		}
		if h.ChangedFields, err = unmarshalFields(fields); err != nil {
			return nil, err
		}
		if h.EditedAt, err = parseTime(editedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(auth, &h.Authority); err != nil {
			return nil, fmt.Errorf("unmarshal authority: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

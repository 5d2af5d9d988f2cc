package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

// execer is the subset of *sql.DB and *sql.Tx used by shared write helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get returns the confirmed entity, or nil if it is not stored.
func (s *Store) Get(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, fields, version, field_meta, updated_at, lineage_id
		FROM entities
		WHERE id = ?
	`, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

// ListEntities returns all confirmed entities of a type, ordered by id.
// An empty entityType lists every entity.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, fields, version, field_meta, updated_at, lineage_id
		FROM entities
		WHERE ? = '' OR entity_type = ?
		ORDER BY id COLLATE BINARY ASC
	`, entityType, entityType)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := []*model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// Put stores a confirmed entity and notifies its subscribers after commit.
func (s *Store) Put(ctx context.Context, e *model.Entity) error {
	if err := putEntity(ctx, s.db, e); err != nil {
		return err
	}
	s.hub.publishEntity(e)
	return nil
}

func putEntity(ctx context.Context, db execer, e *model.Entity) error {
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	vec, err := marshalVector(e.Version)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	meta := e.FieldMeta
	if meta == nil {
		meta = map[string]version.FieldStamp{}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, fields, version, field_meta, updated_at, lineage_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			fields      = excluded.fields,
			version     = excluded.version,
			field_meta  = excluded.field_meta,
			updated_at  = excluded.updated_at,
			lineage_id  = excluded.lineage_id
	`,
		e.ID,
		e.Type,
		fields,
		vec,
		metaJSON,
		formatTime(e.UpdatedAt),
		e.LineageID,
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var (
		e                            model.Entity
		fields, vec, meta, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Type, &fields, &vec, &meta, &updatedAt, &e.LineageID); err != nil {
		return nil, err
	}

	var err error
	if e.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if e.Version, err = unmarshalVector(vec); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &e.FieldMeta); err != nil {
		return nil, fmt.Errorf("unmarshal field meta: %w", err)
	}
	if len(e.FieldMeta) == 0 {
		e.FieldMeta = nil
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

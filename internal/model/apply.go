package model

import (
	"time"

	"github.com/roach88/scoresync/internal/version"
)

// Apply returns the entity that results from applying m on top of e.
// e may be nil, in which case the mutation creates the entity.
//
// Application is a pure function of its inputs: the version vector is the
// merge of the entity and mutation vectors, changed fields overwrite, field
// metadata is stamped with the mutation's writer and counter. Applying the
// same mutations in the same order to the same base always yields the same
// entity.
func Apply(e *Entity, m Mutation) *Entity {
	out := e.Clone()
	if out == nil {
		out = &Entity{
			ID:     m.EntityID,
			Type:   m.EntityType,
			Fields: Object{},
		}
	}
	if out.Fields == nil {
		out.Fields = Object{}
	}
	if out.LineageID == "" {
		out.LineageID = m.EntityID
	}

	for k, v := range m.ChangedFields {
		out.Fields[k] = cloneValue(v)
	}
	out.Version = out.Version.Merge(m.BaseVersion)

	if len(m.ChangedFields) > 0 {
		if out.FieldMeta == nil {
			out.FieldMeta = make(map[string]version.FieldStamp, len(m.ChangedFields))
		}
		for k := range m.ChangedFields {
			out.FieldMeta[k] = version.FieldStamp{
				Writer:    m.Writer,
				Counter:   m.BaseVersion.Get(m.Writer),
				UpdatedAt: m.CreatedAt,
			}
		}
	}
	if m.CreatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = m.CreatedAt
	}
	return out
}

// Replay applies mutations to base in order.
func Replay(base *Entity, mutations []Mutation) *Entity {
	out := base.Clone()
	for _, m := range mutations {
		out = Apply(out, m)
	}
	return out
}

// HistoryMutation reconstructs the mutation an edit history entry records,
// so history can be replayed with Apply.
func HistoryMutation(h HistoryEntry, entityType string) Mutation {
	return Mutation{
		ID:            h.MutationID,
		EntityID:      h.EntityID,
		EntityType:    entityType,
		ChangedFields: h.ChangedFields,
		BaseVersion:   h.Version,
		CreatedAt:     h.EditedAt,
		Authority:     h.Authority,
		Writer:        h.Writer,
		Status:        StatusPending,
	}
}

// ReplayHistory rebuilds an entity from its edit history. History must be in
// append order.
func ReplayHistory(entityID, entityType string, history []HistoryEntry) *Entity {
	var out *Entity
	for _, h := range history {
		if h.EntityID != entityID {
			continue
		}
		out = Apply(out, HistoryMutation(h, entityType))
	}
	return out
}

// Diff returns the field names whose values differ between a and b,
// in sorted order. Absent fields compare as Null.
func Diff(a, b Object) []string {
	keys := make(Object, len(a)+len(b))
	for k := range a {
		keys[k] = Null{}
	}
	for k := range b {
		keys[k] = Null{}
	}
	var out []string
	for _, k := range keys.SortedKeys() {
		if !Equal(a[k], b[k]) {
			out = append(out, k)
		}
	}
	return out
}

// Age is the time elapsed since the mutation was created.
func (m Mutation) Age(now time.Time) time.Duration {
	if now.Before(m.CreatedAt) {
		return 0
	}
	return now.Sub(m.CreatedAt)
}

package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/scoresync/internal/version"
)

// Role is an actor role used to rank competing edits.
type Role string

// Known roles, highest authority first.
const (
	RoleCommittee      Role = "committee"
	RoleOfficialScorer Role = "official_scorer"
	RoleRecorder       Role = "recorder"
	RolePlayer         Role = "player"
	RoleUser           Role = "user"
)

// roleLevels is the total order of authority levels.
// Unknown roles rank with anonymous users.
var roleLevels = map[Role]int{
	RoleCommittee:      5,
	RoleOfficialScorer: 4,
	RoleRecorder:       3,
	RolePlayer:         2,
	RoleUser:           1,
}

// Level returns the authority level of a single role.
func (r Role) Level() int {
	if n, ok := roleLevels[r]; ok {
		return n
	}
	return roleLevels[RoleUser]
}

// Declared reports whether r is one of the known roles.
func (r Role) Declared() bool {
	_, ok := roleLevels[r]
	return ok
}

// Authority is the set of roles attached to the actor originating a change.
// It is used only by the resolution chain and is never part of entity state.
type Authority struct {
	Roles []Role `json:"roles"`
}

// NewAuthority builds an authority context from role names.
func NewAuthority(roles ...Role) Authority {
	return Authority{Roles: roles}
}

// Level is the highest level among the roles; zero for an empty context.
func (a Authority) Level() int {
	best := 0
	for _, r := range a.Roles {
		if n := r.Level(); n > best {
			best = n
		}
	}
	return best
}

// Known reports whether the context carries any role at all.
func (a Authority) Known() bool {
	return len(a.Roles) > 0
}

// HasAny reports whether any role of a appears in allowed.
func (a Authority) HasAny(allowed []Role) bool {
	for _, r := range a.Roles {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}

// Entity is any synchronized domain object (score card, player record,
// tournament). The local store only holds server-confirmed entities.
type Entity struct {
	ID        string                        `json:"id"`
	Type      string                        `json:"entity_type"`
	Fields    Object                        `json:"fields"`
	UpdatedAt time.Time                     `json:"updated_at"`
	Version   version.Vector                `json:"version"`
	FieldMeta map[string]version.FieldStamp `json:"field_meta,omitempty"`
	LineageID string                        `json:"lineage_id,omitempty"`
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Fields = e.Fields.Clone()
	out.Version = e.Version.Clone()
	if e.FieldMeta != nil {
		out.FieldMeta = make(map[string]version.FieldStamp, len(e.FieldMeta))
		for k, v := range e.FieldMeta {
			out.FieldMeta[k] = v
		}
	}
	return &out
}

// Field returns a field value, Null when absent.
func (e *Entity) Field(name string) Value {
	if e == nil {
		return Null{}
	}
	if v, ok := e.Fields[name]; ok {
		return v
	}
	return Null{}
}

// MutationStatus tracks a pending mutation's queue state.
type MutationStatus string

const (
	// StatusPending is queued for transmission.
	StatusPending MutationStatus = "pending"
	// StatusFailed needs manual action (retry or discard) before it is sent again.
	StatusFailed MutationStatus = "failed"
)

// Mutation is a locally queued, not yet confirmed change.
//
// BaseVersion is the causal anchor for conflict detection and must never be
// modified after creation. Rebasing onto newer server state produces a new
// Mutation with RebasedFrom pointing at the original.
type Mutation struct {
	ID            string         `json:"id"`
	EntityID      string         `json:"entity_id"`
	EntityType    string         `json:"entity_type"`
	ChangedFields Object         `json:"changed_fields"`
	BaseVersion   version.Vector `json:"base_version"`
	CreatedAt     time.Time      `json:"created_at"`
	RetryCount    int            `json:"retry_count"`
	Priority      int            `json:"priority"`
	Seq           int64          `json:"seq"`
	Authority     Authority      `json:"authority"`
	Writer        string         `json:"writer"`
	Status        MutationStatus `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	RebasedFrom   string         `json:"rebased_from,omitempty"`
}

// NewMutation builds a pending mutation. The base vector and fields are
// copied so later changes by the caller cannot move the causal anchor.
func NewMutation(id, entityID, entityType, writer string, fields Object, base version.Vector, auth Authority, createdAt time.Time) Mutation {
	return Mutation{
		ID:            id,
		EntityID:      entityID,
		EntityType:    entityType,
		ChangedFields: fields.Clone(),
		BaseVersion:   base.Clone(),
		CreatedAt:     createdAt,
		Authority:     auth,
		Writer:        writer,
		Status:        StatusPending,
	}
}

// FieldNames returns the changed field names in sorted order.
func (m Mutation) FieldNames() []string {
	return m.ChangedFields.SortedKeys()
}

// PayloadSize approximates the encoded size of the changed fields in bytes.
func (m Mutation) PayloadSize() int {
	data, err := m.ChangedFields.MarshalJSON()
	if err != nil {
		return 0
	}
	return len(data)
}

// FieldDiff is one contested field in a conflict.
type FieldDiff struct {
	Field    string `json:"field"`
	Local    Value  `json:"local"`
	Server   Value  `json:"server"`
	Resolved Value  `json:"resolved"`
}

// Resolution tags which policy settled a conflict.
type Resolution string

const (
	ResolutionIrreversibleGuard    Resolution = "irreversible_guard"
	ResolutionIrreversibleRejected Resolution = "irreversible_change_rejected"
	ResolutionAuthority            Resolution = "authority_ordering"
	ResolutionPhaseTransition      Resolution = "phase_transition"
	ResolutionHistoryMerge         Resolution = "history_merge"
	ResolutionFieldStrategy        Resolution = "field_strategy"
	ResolutionTimestamp            Resolution = "timestamp_fallback"
	ResolutionDuplicate            Resolution = "duplicate"
)

// ConflictRecord is the audit trail of one resolved conflict. Records are
// append-only and kept for disclosure, never for replay.
type ConflictRecord struct {
	ID                string         `json:"id"`
	EntityID          string         `json:"entity_id"`
	MutationID        string         `json:"mutation_id"`
	ConflictingFields []FieldDiff    `json:"conflicting_fields"`
	Resolution        Resolution     `json:"resolution"`
	Winner            string         `json:"winner"`
	Visible           bool           `json:"visible"`
	Detail            string         `json:"detail,omitempty"`
	ServerVersion     version.Vector `json:"server_version"`
	ResolvedAt        time.Time      `json:"resolved_at"`
}

// HistoryEntry is an immutable record of one applied change.
type HistoryEntry struct {
	EntityID      string         `json:"entity_id"`
	Version       version.Vector `json:"version"`
	ChangedFields Object         `json:"changed_fields"`
	EditedAt      time.Time      `json:"edited_at"`
	Writer        string         `json:"writer,omitempty"`
	MutationID    string         `json:"mutation_id,omitempty"`
	Authority     Authority      `json:"authority"`
}

// FieldNames returns the changed field names in sorted order.
func (h HistoryEntry) FieldNames() []string {
	return h.ChangedFields.SortedKeys()
}

// UnmarshalJSON decodes the typed values of a FieldDiff.
func (d *FieldDiff) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string          `json:"field"`
		Local    json.RawMessage `json:"local"`
		Server   json.RawMessage `json:"server"`
		Resolved json.RawMessage `json:"resolved"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Field = raw.Field
	for _, p := range []struct {
		dst *Value
		src json.RawMessage
	}{{&d.Local, raw.Local}, {&d.Server, raw.Server}, {&d.Resolved, raw.Resolved}} {
		if len(p.src) == 0 {
			*p.dst = Null{}
			continue
		}
		v, err := ParseValue(p.src)
		if err != nil {
			return fmt.Errorf("field diff %q: %w", raw.Field, err)
		}
		*p.dst = v
	}
	return nil
}

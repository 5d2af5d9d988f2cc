// Package detect classifies a queued mutation against the server's current
// state of the same entity.
//
// Detection is a pure function of the mutation, the server entity and the
// server's edit history. It never consults wall clocks or presence.
package detect

import (
	"slices"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

// Kind is the detector's verdict.
type Kind int

const (
	// NoConflict: the mutation is the newest causal descendant; apply directly.
	NoConflict Kind = iota
	// SupersedeSafe: the server moved on, but no field the mutation touches
	// was changed in between; apply on top of server state.
	SupersedeSafe
	// Concurrent: hand off to the resolution chain.
	Concurrent
	// Duplicate: the server already holds exactly this change.
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case NoConflict:
		return "no_conflict"
	case SupersedeSafe:
		return "supersede_safe"
	case Concurrent:
		return "concurrent"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Detection is the detector's result.
type Detection struct {
	Kind Kind
	// Ordering of the mutation's base version relative to the server's.
	Ordering version.Ordering
	// ServerChanged lists fields other writers changed between the base
	// and the server version, sorted.
	ServerChanged []string
	// Overlap is the intersection of ServerChanged with the mutation's
	// changed fields, sorted. These are the contested fields.
	Overlap []string
	// ServerAuthority is the combined authority of the writers behind the
	// overlapping server changes. Empty when history does not say.
	ServerAuthority model.Authority
	// Source names how ServerChanged was derived: "history",
	// "field_meta" or "values".
	Source string
}

// Detect classifies m against server. history is the server's edit history
// of the entity; pass nil when it is unavailable.
//
// When history is unavailable the detector falls back to per-field
// metadata on the server entity, and failing that treats every mutation
// field whose server value differs as changed.
func Detect(m model.Mutation, server *model.Entity, history []model.HistoryEntry) Detection {
	if server == nil {
		return Detection{Kind: NoConflict, Ordering: version.After}
	}

	d := Detection{Ordering: m.BaseVersion.Compare(server.Version)}

	switch d.Ordering {
	case version.After:
		d.Kind = NoConflict
		return d

	case version.Equal:
		// Equal vectors with equal values: the server already has it.
		// Equal vectors with different values is treated as concurrent so a
		// real edit is never silently dropped.
		differ := differing(m, server)
		if len(differ) == 0 {
			d.Kind = Duplicate
			return d
		}
		d.Kind = Concurrent
		d.ServerChanged = differ
		d.Overlap = differ
		d.Source = "values"
		return d
	}

	d.ServerChanged, d.Source = serverChanged(m, server, history)
	d.Overlap = intersect(m.FieldNames(), d.ServerChanged)
	if history != nil && len(d.Overlap) > 0 {
		d.ServerAuthority = authorityOf(m, history, d.Overlap)
	}

	if d.Ordering == version.Before && len(d.Overlap) == 0 {
		d.Kind = SupersedeSafe
		return d
	}
	d.Kind = Concurrent
	return d
}

// serverChanged returns the fields changed by other writers since m's base.
func serverChanged(m model.Mutation, server *model.Entity, history []model.HistoryEntry) ([]string, string) {
	if history != nil {
		set := make(map[string]bool)
		for _, h := range intervening(m, history) {
			for f := range h.ChangedFields {
				set[f] = true
			}
		}
		return sortedSet(set), "history"
	}

	if len(server.FieldMeta) > 0 {
		set := make(map[string]bool)
		for f, stamp := range server.FieldMeta {
			if stamp.Writer == m.Writer {
				continue
			}
			if stamp.Counter > m.BaseVersion.Get(stamp.Writer) {
				set[f] = true
			}
		}
		return sortedSet(set), "field_meta"
	}

	return differing(m, server), "values"
}

// intervening returns history entries m's base has not seen, written by
// someone else. The mutation's own earlier edits precede it in local FIFO
// order and never count against it.
func intervening(m model.Mutation, history []model.HistoryEntry) []model.HistoryEntry {
	var out []model.HistoryEntry
	for _, h := range history {
		if h.EntityID != "" && h.EntityID != m.EntityID {
			continue
		}
		if h.MutationID != "" && (h.MutationID == m.ID || h.MutationID == m.RebasedFrom) {
			continue
		}
		if h.Writer != "" && h.Writer == m.Writer {
			continue
		}
		if m.BaseVersion.Dominates(h.Version) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// authorityOf unions the roles of intervening writers that touched fields.
func authorityOf(m model.Mutation, history []model.HistoryEntry, fields []string) model.Authority {
	var roles []model.Role
	for _, h := range intervening(m, history) {
		touched := false
		for _, f := range fields {
			if _, ok := h.ChangedFields[f]; ok {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		for _, r := range h.Authority.Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return model.Authority{Roles: roles}
}

// differing returns m's fields whose value differs from the server's.
func differing(m model.Mutation, server *model.Entity) []string {
	var out []string
	for _, f := range m.FieldNames() {
		if !model.Equal(m.ChangedFields[f], server.Field(f)) {
			out = append(out, f)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, f := range a {
		if slices.Contains(b, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Package resolve settles concurrent edits with an ordered chain of
// domain-aware policies.
//
// Each policy is a pure function over a Conflict that either returns a
// Decision or passes to the next policy. The chain is, in order:
// irreversible-state guard, authority ordering, phase-transition validator,
// history-aware merge, per-field strategy merge, timestamp fallback. The
// last one always decides, so the chain always terminates with a decision.
package resolve

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/scoresync/internal/detect"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
)

// Side identifies one party of a conflict.
type Side int

const (
	Server Side = iota
	Local
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "server"
}

// Conflict is the input of the resolution chain.
type Conflict struct {
	Mutation  model.Mutation
	Server    *model.Entity
	Detection detect.Detection
	Policy    *policy.Policy
	// Now stamps the conflict record.
	Now time.Time
}

// contested returns the fields both sides changed.
func (c Conflict) contested() []string {
	return c.Detection.Overlap
}

// Decision is a policy's verdict.
type Decision struct {
	Resolution model.Resolution
	// Winner takes every contested field not listed in Fields.
	Winner Side
	// Fields overrides the winner for individual fields, contested or not.
	Fields map[string]Side
	// Values carries combinator outputs that replace both sides' values.
	Values map[string]model.Value
	// Reject discards the whole local mutation.
	Reject bool
	// Visible marks the conflict for user disclosure.
	Visible bool
	Detail  string
}

// Policy is one link of the chain.
type Policy func(Conflict) (Decision, bool)

// Chain is the resolution order.
var Chain = []Policy{
	IrreversibleGuard,
	AuthorityOrdering,
	PhaseTransition,
	HistoryMerge,
	FieldStrategy,
	TimestampFallback,
}

// Result is the outcome of resolving a conflict.
type Result struct {
	Decision Decision
	// Resolved is the server's fields with the resolution applied.
	Resolved model.Object
	// Push holds the fields the local side still has to send to the server.
	// Empty when the server state already is the resolved state.
	Push   model.Object
	Record model.ConflictRecord
}

// Resolve runs the chain and builds the resolved field set and conflict
// record.
func Resolve(c Conflict) (Result, error) {
	var d Decision
	for _, p := range Chain {
		if dec, ok := p(c); ok {
			d = dec
			break
		}
	}
	return build(c, d)
}

func build(c Conflict, d Decision) (Result, error) {
	r := Result{
		Decision: d,
		Resolved: c.Server.Fields.Clone(),
		Push:     model.Object{},
	}
	contested := c.contested()

	var diffs []model.FieldDiff
	if !d.Reject {
		for _, f := range c.Mutation.FieldNames() {
			local := c.Mutation.ChangedFields[f]
			side, override := d.Fields[f]
			isContested := slices.Contains(contested, f)
			if !override {
				side = Local
				if isContested {
					side = d.Winner
				}
			}

			value := local
			if side == Server {
				value = c.Server.Field(f)
			}
			if v, ok := d.Values[f]; ok {
				value = v
			}

			r.Resolved[f] = value
			if !model.Equal(value, c.Server.Field(f)) {
				r.Push[f] = value
			}
			if isContested || override {
				diffs = append(diffs, model.FieldDiff{
					Field:    f,
					Local:    local,
					Server:   c.Server.Field(f),
					Resolved: value,
				})
			}
		}
	} else {
		for _, f := range c.Mutation.FieldNames() {
			diffs = append(diffs, model.FieldDiff{
				Field:    f,
				Local:    c.Mutation.ChangedFields[f],
				Server:   c.Server.Field(f),
				Resolved: c.Server.Field(f),
			})
		}
	}

	id, err := model.ConflictID(c.Mutation.ID, c.Server.Version)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", c.Mutation.ID, err)
	}
	r.Record = model.ConflictRecord{
		ID:                id,
		EntityID:          c.Mutation.EntityID,
		MutationID:        c.Mutation.ID,
		ConflictingFields: diffs,
		Resolution:        d.Resolution,
		Winner:            winnerLabel(d, diffs),
		Visible:           d.Visible,
		Detail:            d.Detail,
		ServerVersion:     c.Server.Version.Clone(),
		ResolvedAt:        c.Now,
	}
	return r, nil
}

// winnerLabel names the side whose values prevailed across the diffs:
// "local", "server", or "merged" when both contributed or a combinator ran.
func winnerLabel(d Decision, diffs []model.FieldDiff) string {
	if d.Reject {
		return Server.String()
	}
	if len(d.Values) > 0 || d.Resolution == model.ResolutionHistoryMerge {
		return "merged"
	}
	local, server := false, false
	for _, diff := range diffs {
		if model.Equal(diff.Resolved, diff.Local) {
			local = true
		}
		if model.Equal(diff.Resolved, diff.Server) {
			server = true
		}
	}
	switch {
	case local && !server:
		return Local.String()
	case server && !local:
		return Server.String()
	case local && server:
		return "merged"
	default:
		return d.Winner.String()
	}
}

func fieldList(fields []string) string {
	return strings.Join(fields, ",")
}

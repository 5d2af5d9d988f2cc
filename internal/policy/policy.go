package policy

import (
	"slices"
	"strings"

	"github.com/roach88/scoresync/internal/model"
)

// Criticality orders entity types for sync priority.
type Criticality int

const (
	CriticalityProfile Criticality = 1
	CriticalityStatus  Criticality = 2
	CriticalityScore   Criticality = 3
)

// ParseCriticality maps the declared name to a level; unknown names rank as
// profile.
func ParseCriticality(s string) Criticality {
	switch s {
	case "score":
		return CriticalityScore
	case "status":
		return CriticalityStatus
	default:
		return CriticalityProfile
	}
}

// String returns the declared name.
func (c Criticality) String() string {
	switch c {
	case CriticalityScore:
		return "score"
	case CriticalityStatus:
		return "status"
	default:
		return "profile"
	}
}

// Strategy is a per-field merge strategy.
type Strategy string

const (
	PreferLatest Strategy = "prefer-latest-timestamp"
	PreferLocal  Strategy = "prefer-local"
	PreferServer Strategy = "prefer-server"
	Concat       Strategy = "concat"
	Max          Strategy = "max"
	Min          Strategy = "min"
)

// Guard declares irreversible values of a status field and the roles
// permitted to set or clear them.
type Guard struct {
	Field  string       `json:"field"`
	Values []string     `json:"values"`
	Roles  []model.Role `json:"roles"`
}

// Irreversible reports whether v is one of the guarded values.
func (g Guard) Irreversible(v model.Value) bool {
	s, ok := v.(model.String)
	if !ok {
		return false
	}
	return slices.Contains(g.Values, string(s))
}

// Permits reports whether the authority context may set or clear a guarded
// value.
func (g Guard) Permits(a model.Authority) bool {
	return a.HasAny(g.Roles)
}

// Level is the lowest authority level among the permitted roles; the level a
// competing edit needs to override an authorized guarded value.
func (g Guard) Level() int {
	if len(g.Roles) == 0 {
		return 0
	}
	lvl := g.Roles[0].Level()
	for _, r := range g.Roles[1:] {
		lvl = min(lvl, r.Level())
	}
	return lvl
}

// Machine is a phase field governed by a directed transition graph. State
// order defines the lifecycle weight.
type Machine struct {
	Field       string              `json:"field"`
	States      []string            `json:"states"`
	Transitions map[string][]string `json:"transitions"`
}

// Legal reports whether from -> to is an edge of the graph.
func (m *Machine) Legal(from, to string) bool {
	if m == nil {
		return false
	}
	return slices.Contains(m.Transitions[from], to)
}

// Weight is the one-based lifecycle position of state, zero when unknown.
func (m *Machine) Weight(state string) int {
	if m == nil {
		return 0
	}
	return slices.Index(m.States, state) + 1
}

// Policy is the resolution policy of one entity type.
type Policy struct {
	EntityType      string              `json:"entity_type"`
	Criticality     Criticality         `json:"criticality"`
	DefaultStrategy Strategy            `json:"default_strategy"`
	Fields          map[string]Strategy `json:"fields,omitempty"`
	Priority        []string            `json:"priority,omitempty"`
	Guards          []Guard             `json:"guards,omitempty"`
	Phase           *Machine            `json:"phase,omitempty"`
}

// StrategyFor returns the merge strategy of a field.
func (p *Policy) StrategyFor(field string) Strategy {
	if s, ok := p.Fields[field]; ok {
		return s
	}
	if p.DefaultStrategy != "" {
		return p.DefaultStrategy
	}
	return PreferLatest
}

// IsPriority reports whether a field is kept in minimal sync. A pattern
// ending in "*" matches by prefix.
func (p *Policy) IsPriority(field string) bool {
	for _, pat := range p.Priority {
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if strings.HasPrefix(field, prefix) {
				return true
			}
			continue
		}
		if pat == field {
			return true
		}
	}
	return false
}

// Guard returns the guard of a field, nil when the field is not guarded.
func (p *Policy) Guard(field string) *Guard {
	for i := range p.Guards {
		if p.Guards[i].Field == field {
			return &p.Guards[i]
		}
	}
	return nil
}

// Set holds the policies of all declared entity types.
type Set struct {
	policies map[string]*Policy
}

// NewSet builds a set from policies keyed by their entity type.
func NewSet(policies ...*Policy) *Set {
	s := &Set{policies: make(map[string]*Policy, len(policies))}
	for _, p := range policies {
		s.policies[p.EntityType] = p
	}
	return s
}

// For returns the policy of an entity type. Undeclared types get a profile
// policy that merges by latest timestamp.
func (s *Set) For(entityType string) *Policy {
	if s != nil {
		if p, ok := s.policies[entityType]; ok {
			return p
		}
	}
	return &Policy{
		EntityType:      entityType,
		Criticality:     CriticalityProfile,
		DefaultStrategy: PreferLatest,
	}
}

// Types returns the declared entity types in sorted order.
func (s *Set) Types() []string {
	types := make([]string, 0, len(s.policies))
	for t := range s.policies {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

package policy

import (
	"fmt"
	"slices"
)

// Validation error codes (E200-E299)
const (
	ErrUnknownStrategy   = "E201" // strategy name not recognized
	ErrPhaseNoStates     = "E202" // phase machine declares no states
	ErrPhaseUnknownState = "E203" // transition references an undeclared state
	ErrPhaseDuplicate    = "E204" // state declared twice
	ErrGuardNoRoles      = "E205" // guard permits nobody
	ErrGuardOnPhase      = "E206" // the phase field cannot also be guarded
)

// ValidationError represents a policy validation error.
type ValidationError struct {
	EntityType string `json:"entity_type"`
	Field      string `json:"field"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.EntityType, e.Field, e.Message)
}

var strategies = []Strategy{PreferLatest, PreferLocal, PreferServer, Concat, Max, Min}

// Validate checks a compiled set for semantic errors the schema cannot
// express. Returns all errors found (does not fail-fast), ordered by entity
// type.
func Validate(s *Set) []ValidationError {
	var errs []ValidationError
	for _, typ := range s.Types() {
		errs = append(errs, validatePolicy(s.policies[typ])...)
	}
	return errs
}

func validatePolicy(p *Policy) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			EntityType: p.EntityType,
			Field:      field,
			Message:    fmt.Sprintf(format, args...),
			Code:       code,
		})
	}

	if !slices.Contains(strategies, p.DefaultStrategy) {
		add("default_strategy", ErrUnknownStrategy, "unknown strategy %q", p.DefaultStrategy)
	}
	for _, field := range sortedKeys(p.Fields) {
		if s := p.Fields[field]; !slices.Contains(strategies, s) {
			add("fields."+field, ErrUnknownStrategy, "unknown strategy %q", s)
		}
	}

	for _, g := range p.Guards {
		if len(g.Roles) == 0 {
			add("guarded."+g.Field, ErrGuardNoRoles, "at least one permitted role is required")
		}
		if p.Phase != nil && p.Phase.Field == g.Field {
			add("guarded."+g.Field, ErrGuardOnPhase, "field %q is governed by the phase machine", g.Field)
		}
	}

	if m := p.Phase; m != nil {
		if len(m.States) == 0 {
			add("phase.states", ErrPhaseNoStates, "at least one state is required")
		}
		seen := make(map[string]bool, len(m.States))
		for _, st := range m.States {
			if seen[st] {
				add("phase.states", ErrPhaseDuplicate, "duplicate state %q", st)
			}
			seen[st] = true
		}
		for _, from := range sortedKeys(m.Transitions) {
			if !seen[from] {
				add("phase.transitions."+from, ErrPhaseUnknownState, "undeclared state %q", from)
			}
			for _, to := range m.Transitions[from] {
				if !seen[to] {
					add("phase.transitions."+from, ErrPhaseUnknownState, "undeclared state %q", to)
				}
			}
		}
	}

	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

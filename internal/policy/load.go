package policy

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/scoresync/internal/model"
)

//go:embed schema.cue
var schemaCUE []byte

//go:embed tournament.cue
var tournamentCUE []byte

// Default returns the embedded tournament policy.
func Default() (*Set, error) {
	return Parse("tournament.cue", tournamentCUE)
}

// Load reads and compiles a policy file.
func Load(path string) (*Set, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles CUE source into a policy set. The source is unified with the
// embedded schema before it is read, so type errors carry CUE positions.
// Semantic checks (unknown phase states and the like) run afterwards; see
// Validate.
func Parse(name string, src []byte) (*Set, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err, "schema.cue", schema)
	}

	raw := ctx.CompileBytes(src, cue.Filename(name))
	if err := raw.Err(); err != nil {
		return nil, formatCUEError(err, name, raw)
	}

	v := schema.Unify(raw)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, name, raw)
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "at least one entity policy is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err, name, raw)
	}

	var policies []*Policy
	for iter.Next() {
		p, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, formatCUEError(err, name, raw)
		}
		policies = append(policies, p)
	}

	set := NewSet(policies...)
	if errs := Validate(set); len(errs) > 0 {
		return nil, errs[0]
	}
	return set, nil
}

// entityDecl mirrors #Entity for decoding.
type entityDecl struct {
	Criticality     string               `json:"criticality"`
	DefaultStrategy string               `json:"default_strategy"`
	Fields          map[string]string    `json:"fields"`
	Priority        []string             `json:"priority"`
	Guarded         map[string]guardDecl `json:"guarded"`
	Phase           *Machine             `json:"phase"`
}

type guardDecl struct {
	Values []string `json:"values"`
	Roles  []string `json:"roles"`
}

func compileEntity(name string, v cue.Value) (*Policy, error) {
	var decl entityDecl
	if err := v.Decode(&decl); err != nil {
		return nil, err
	}

	p := &Policy{
		EntityType:      name,
		Criticality:     ParseCriticality(decl.Criticality),
		DefaultStrategy: Strategy(decl.DefaultStrategy),
		Priority:        decl.Priority,
		Phase:           decl.Phase,
	}
	if p.DefaultStrategy == "" {
		p.DefaultStrategy = PreferLatest
	}

	if len(decl.Fields) > 0 {
		p.Fields = make(map[string]Strategy, len(decl.Fields))
		for field, s := range decl.Fields {
			p.Fields[field] = Strategy(s)
		}
	}

	fields := make([]string, 0, len(decl.Guarded))
	for field := range decl.Guarded {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	for _, field := range fields {
		g := decl.Guarded[field]
		guard := Guard{Field: field, Values: g.Values}
		for _, r := range g.Roles {
			guard.Roles = append(guard.Roles, model.Role(r))
		}
		p.Guards = append(p.Guards, guard)
	}

	return p, nil
}

// CompileError is a policy compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError converts a CUE error into a CompileError. The position is
// the first one inside file, else any position the error carries, else the
// position of the nearest declaration along the error's path in src.
// Disjunction failures in particular carry no position of their own.
func formatCUEError(err error, file string, src cue.Value) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: "cue", Message: err.Error()}
	}
	first := errs[0]

	ce := &CompileError{Field: "cue", Message: first.Error()}
	path := errors.Path(first)
	if len(path) > 0 {
		ce.Field = strings.Join(path, ".")
		format, args := first.Msg()
		ce.Message = fmt.Sprintf(format, args...)
	}

	var fallback token.Pos
	for _, e := range errs {
		for _, pos := range errors.Positions(e) {
			if !pos.IsValid() {
				continue
			}
			if pos.Filename() == file {
				ce.Pos = pos
				return ce
			}
			if !fallback.IsValid() {
				fallback = pos
			}
		}
	}

	if pos := declPos(src, path); pos.IsValid() {
		ce.Pos = pos
		return ce
	}
	ce.Pos = fallback
	return ce
}

// declPos returns the position of the deepest existing value along path.
func declPos(v cue.Value, path []string) token.Pos {
	if !v.Exists() {
		return token.NoPos
	}
	for n := len(path); n > 0; n-- {
		sels := make([]cue.Selector, n)
		for i, label := range path[:n] {
			sels[i] = cue.Str(label)
		}
		if fv := v.LookupPath(cue.MakePath(sels...)); fv.Exists() && fv.Pos().IsValid() {
			return fv.Pos()
		}
	}
	return token.NoPos
}

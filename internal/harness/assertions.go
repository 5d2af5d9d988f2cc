package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/scoresync/internal/engine"
	"github.com/roach88/scoresync/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	// Full trace for context
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			line, err := model.MarshalCanonical(event.canonical())
			if err != nil {
				line = []byte(event.Op)
			}
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}

	return buf.String()
}

func evaluateAssertion(ctx context.Context, w *world, a Assertion) error {
	var err error
	switch a.Type {
	case AssertServerState:
		err = assertServerState(w, a)
	case AssertDeviceState:
		err = assertDeviceState(ctx, w, a)
	case AssertPending:
		err = assertPending(ctx, w, a)
	case AssertConflict:
		err = assertConflict(ctx, w, a)
	case AssertApplied:
		err = assertApplied(w, a)
	case AssertHistory:
		err = assertHistory(ctx, w, a)
	case AssertFailure:
		err = assertFailure(w, a)
	case AssertEditors:
		err = assertEditors(w, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}

	if ae, ok := err.(*AssertionError); ok {
		w.mu.Lock()
		ae.Trace = append([]TraceEvent(nil), w.result.Trace...)
		w.mu.Unlock()
	}
	return err
}

// assertServerState checks the store of record's entity against a subset of
// fields.
func assertServerState(w *world, a Assertion) error {
	ent := w.server.Entities()[a.Entity]
	if ent == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("entity %s on the server", a.Entity),
			Actual:   "entity not found",
		}
	}
	return matchFields(a, ent.Fields)
}

// assertDeviceState checks what the device shows for an entity: its
// confirmed state with its own pending edits on top.
func assertDeviceState(ctx context.Context, w *world, a Assertion) error {
	ent, err := w.devices[a.Device].engine.View(ctx, a.Entity)
	if err != nil {
		return fmt.Errorf("view %s on %s: %w", a.Entity, a.Device, err)
	}
	if ent == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("entity %s on %s", a.Entity, a.Device),
			Actual:   "entity not found",
		}
	}
	return matchFields(a, ent.Fields)
}

// matchFields compares expected fields with subset semantics: fields the
// assertion does not name are ignored.
func matchFields(a Assertion, actual model.Object) error {
	expected, err := model.ObjectFromMap(a.Fields)
	if err != nil {
		return fmt.Errorf("assertion fields: %w", err)
	}
	for _, name := range expected.SortedKeys() {
		if !model.Equal(expected[name], actual[name]) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s.%s = %s", a.Entity, name, render(expected[name])),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Entity, name, render(actual[name])),
			}
		}
	}
	return nil
}

func render(v model.Value) string {
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func assertPending(ctx context.Context, w *world, a Assertion) error {
	n, err := w.devices[a.Device].engine.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d pending on %s", *a.Count, a.Device),
			Actual:   fmt.Sprintf("%d pending", n),
		}
	}
	return nil
}

// assertConflict counts the device's conflict records of an entity that
// match every filter the assertion sets. Without a count, at least one
// must match.
func assertConflict(ctx context.Context, w *world, a Assertion) error {
	recs, err := w.devices[a.Device].engine.Conflicts(ctx, a.Entity, 0)
	if err != nil {
		return err
	}

	matched := 0
	for _, rec := range recs {
		if a.Resolution != "" && string(rec.Resolution) != a.Resolution {
			continue
		}
		if a.Winner != "" && rec.Winner != a.Winner {
			continue
		}
		if a.Visible != nil && rec.Visible != *a.Visible {
			continue
		}
		matched++
	}

	if a.Count != nil {
		if matched != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d matching conflicts for %s on %s", *a.Count, a.Entity, a.Device),
				Actual:   fmt.Sprintf("%d matching of %d recorded", matched, len(recs)),
			}
		}
		return nil
	}
	if matched == 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("a %s conflict for %s on %s", describeConflict(a), a.Entity, a.Device),
			Actual:   fmt.Sprintf("none of %d recorded", len(recs)),
		}
	}
	return nil
}

func describeConflict(a Assertion) string {
	var parts []string
	if a.Resolution != "" {
		parts = append(parts, a.Resolution)
	}
	if a.Winner != "" {
		parts = append(parts, "winner="+a.Winner)
	}
	if a.Visible != nil {
		parts = append(parts, fmt.Sprintf("visible=%t", *a.Visible))
	}
	if len(parts) == 0 {
		return "matching"
	}
	return strings.Join(parts, " ")
}

func assertApplied(w *world, a Assertion) error {
	id, ok := w.refs[a.Ref]
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("mutation %s applied", a.Ref),
			Actual:   "mutation was never enqueued",
		}
	}
	if !w.server.Applied(id) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("mutation %s applied", a.Ref),
			Actual:   "not applied by the server",
		}
	}
	return nil
}

// assertHistory counts the server's edit history of an entity, or the
// device's when the assertion names one.
func assertHistory(ctx context.Context, w *world, a Assertion) error {
	var (
		n     int
		where = "server"
	)
	if a.Device != "" {
		where = a.Device
		history, err := w.devices[a.Device].store.History(ctx, a.Entity)
		if err != nil {
			return err
		}
		n = len(history)
	} else {
		history, err := w.server.History(ctx, a.Entity, nil)
		if err != nil {
			return err
		}
		n = len(history)
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d history entries for %s on %s", *a.Count, a.Entity, where),
			Actual:   fmt.Sprintf("%d entries", n),
		}
	}
	return nil
}

// assertFailure checks the failures surfaced to the device's UI.
func assertFailure(w *world, a Assertion) error {
	matched := 0
	var seen []string
	for _, f := range w.devices[a.Device].surfaced() {
		seen = append(seen, string(f.Code))
		if f.Code != engine.ErrorCode(a.Code) {
			continue
		}
		if a.Entity != "" && f.EntityID != a.Entity {
			continue
		}
		if a.Ref != "" && f.MutationID != w.refs[a.Ref] {
			continue
		}
		matched++
	}

	want := 1
	if a.Count != nil {
		want = *a.Count
	}
	if (a.Count == nil && matched == 0) || (a.Count != nil && matched != want) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s failures on %s", want, a.Code, a.Device),
			Actual:   fmt.Sprintf("%d matching, surfaced %v", matched, seen),
		}
	}
	return nil
}

// assertEditors checks who the device sees editing an entity.
func assertEditors(w *world, a Assertion) error {
	want := slices.Clone(a.Clients)
	slices.Sort(want)
	got := w.devices[a.Device].presence.Editors(a.Entity)
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s sees %v editing %s", a.Device, want, a.Entity),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

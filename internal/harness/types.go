package harness

// TraceEvent is one observable fact of a scenario run. Attrs holds
// canonical-JSON-compatible values keyed by name; Op is the event kind.
type TraceEvent struct {
	Op     string         `json:"op"`
	Device string         `json:"device,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// canonical flattens the event into one object for canonical JSON.
func (e TraceEvent) canonical() map[string]any {
	out := make(map[string]any, len(e.Attrs)+2)
	for k, v := range e.Attrs {
		out[k] = v
	}
	out["op"] = e.Op
	if e.Device != "" {
		out["device"] = e.Device
	}
	return out
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every step outcome, conflict and surfaced failure in
	// order, followed by the final server and device state.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event.
func (r *Result) AddTrace(op, device string, attrs map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{Op: op, Device: device, Attrs: attrs})
}

// Ops returns the trace event kinds in order, for quick assertions.
func (r *Result) Ops() []string {
	ops := make([]string, len(r.Trace))
	for i, e := range r.Trace {
		ops[i] = e.Op
	}
	return ops
}

// Count returns the number of trace events of a kind on a device. An empty
// device matches every device.
func (r *Result) Count(op, device string) int {
	n := 0
	for _, e := range r.Trace {
		if e.Op == op && (device == "" || e.Device == device) {
			n++
		}
	}
	return n
}

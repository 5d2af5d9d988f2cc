package version

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	// Equal means both vectors have identical components.
	Equal Ordering = iota
	// Before means the receiver causally precedes the argument.
	Before
	// After means the receiver causally follows the argument.
	After
	// Concurrent means neither vector precedes the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Vector maps writer client ids to counters.
// A nil Vector is valid and equal to the empty vector.
type Vector map[string]uint64

// Get returns the component for clientID, zero if absent.
func (v Vector) Get(clientID string) uint64 {
	return v[clientID]
}

// Clone returns an independent copy. Clone of nil is an empty, non-nil vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Increment returns a copy of v with clientID's component advanced by one.
// The receiver is not modified.
func (v Vector) Increment(clientID string) Vector {
	out := v.Clone()
	out[clientID]++
	return out
}

// Merge returns the component-wise maximum of v and other.
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for k, n := range other {
		if n > out[k] {
			out[k] = n
		}
	}
	return out
}

// Compare reports the causal relationship of v to other.
func (v Vector) Compare(other Vector) Ordering {
	less, greater := false, false

	for k, n := range v {
		m := other[k]
		switch {
		case n < m:
			less = true
		case n > m:
			greater = true
		}
	}
	for k, m := range other {
		if _, seen := v[k]; seen {
			continue
		}
		if m > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Less reports whether v strictly precedes other (v < other).
func (v Vector) Less(other Vector) bool {
	return v.Compare(other) == Before
}

// Dominates reports whether v >= other component-wise.
func (v Vector) Dominates(other Vector) bool {
	ord := v.Compare(other)
	return ord == After || ord == Equal
}

// Equal reports component-wise equality, treating absent as zero.
func (v Vector) Equal(other Vector) bool {
	return v.Compare(other) == Equal
}

// Clients returns the client ids with a non-zero component, sorted.
func (v Vector) Clients() []string {
	ids := make([]string, 0, len(v))
	for k, n := range v {
		if n > 0 {
			ids = append(ids, k)
		}
	}
	slices.Sort(ids)
	return ids
}

// String renders the vector deterministically, e.g. "{a:2,b:1}".
func (v Vector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range v.Clients() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", id, v[id])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON writes zero components out; json sorts map keys.
func (v Vector) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint64, len(v))
	for k, n := range v {
		if n > 0 {
			m[k] = n
		}
	}
	return json.Marshal(m)
}

// ParseVector decodes the JSON form produced by MarshalJSON.
func ParseVector(data string) (Vector, error) {
	if data == "" || data == "null" {
		return Vector{}, nil
	}
	var v Vector
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("parse vector: %w", err)
	}
	if v == nil {
		v = Vector{}
	}
	return v, nil
}

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{"both empty", Vector{}, Vector{}, Equal},
		{"nil vs empty", nil, Vector{}, Equal},
		{"zero component equals absent", Vector{"a": 0}, Vector{}, Equal},
		{"equal", Vector{"a": 1, "b": 2}, Vector{"a": 1, "b": 2}, Equal},
		{"strictly before", Vector{"a": 1}, Vector{"a": 2}, Before},
		{"before via missing component", Vector{"a": 1}, Vector{"a": 1, "b": 1}, Before},
		{"after", Vector{"a": 3, "b": 1}, Vector{"a": 2, "b": 1}, After},
		{"concurrent", Vector{"a": 2, "b": 1}, Vector{"a": 1, "b": 2}, Concurrent},
		{"concurrent disjoint", Vector{"a": 1}, Vector{"b": 1}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVector_CompareIsAntisymmetric(t *testing.T) {
	vectors := []Vector{
		{}, {"a": 1}, {"a": 2}, {"b": 1}, {"a": 1, "b": 1}, {"a": 2, "b": 1}, {"a": 1, "b": 2},
	}
	mirror := map[Ordering]Ordering{Equal: Equal, Before: After, After: Before, Concurrent: Concurrent}

	for _, a := range vectors {
		for _, b := range vectors {
			assert.Equal(t, mirror[a.Compare(b)], b.Compare(a), "a=%s b=%s", a, b)
		}
	}
}

func TestVector_IncrementDoesNotMutate(t *testing.T) {
	v := Vector{"a": 1}
	w := v.Increment("a")

	assert.Equal(t, uint64(1), v.Get("a"))
	assert.Equal(t, uint64(2), w.Get("a"))
	assert.True(t, v.Less(w))
}

func TestVector_Merge(t *testing.T) {
	a := Vector{"a": 3, "b": 1}
	b := Vector{"b": 4, "c": 2}

	m := a.Merge(b)
	assert.Equal(t, Vector{"a": 3, "b": 4, "c": 2}, m)
	assert.True(t, m.Dominates(a))
	assert.True(t, m.Dominates(b))
	assert.Equal(t, Vector{"a": 3, "b": 1}, a, "merge must not modify receiver")
}

func TestVector_String(t *testing.T) {
	assert.Equal(t, "{a:2,b:1}", Vector{"b": 1, "a": 2, "z": 0}.String())
	assert.Equal(t, "{}", Vector(nil).String())
}

func TestVector_JSONRoundTrip(t *testing.T) {
	v := Vector{"dev-a": 2, "dev-b": 7, "gone": 0}
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"dev-a":2,"dev-b":7}`, string(data))

	back, err := ParseVector(string(data))
	require.NoError(t, err)
	assert.True(t, back.Equal(v))
}

func TestParseVector_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "{}"} {
		v, err := ParseVector(in)
		require.NoError(t, err)
		assert.NotNil(t, v)
		assert.Empty(t, v)
	}
}

func TestParseVector_Invalid(t *testing.T) {
	_, err := ParseVector(`{"a":-1}`)
	assert.Error(t, err)
}

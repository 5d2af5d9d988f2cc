package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"nil equals null", nil, Null{}, true},
		{"same string", String("a"), String("a"), true},
		{"different types", String("1"), Int(1), false},
		{"arrays", Array{Int(1), Int(2)}, Array{Int(1), Int(2)}, true},
		{"array order", Array{Int(1), Int(2)}, Array{Int(2), Int(1)}, false},
		{"objects", Object{"a": Int(1)}, Object{"a": Int(1)}, true},
		{"object extra key", Object{"a": Int(1)}, Object{"a": Int(1), "b": Null{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestFromAnyRejectsFractions(t *testing.T) {
	v, err := FromAny(float64(4))
	require.NoError(t, err)
	assert.Equal(t, Int(4), v)

	_, err = FromAny(4.5)
	assert.Error(t, err)
}

func TestObjectFromMap(t *testing.T) {
	obj, err := ObjectFromMap(map[string]any{
		"strokes": 4,
		"notes":   "wind",
		"holes":   []any{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, Object{
		"strokes": Int(4),
		"notes":   String("wind"),
		"holes":   Array{Int(1), Int(2)},
	}, obj)

	empty, err := ObjectFromMap(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseScalar(t *testing.T) {
	assert.Equal(t, Int(5), ParseScalar("5"))
	assert.Equal(t, Int(-2), ParseScalar("-2"))
	assert.Equal(t, Bool(true), ParseScalar("true"))
	assert.Equal(t, Null{}, ParseScalar("null"))
	assert.Equal(t, String("1.5"), ParseScalar("1.5"))
	assert.Equal(t, String("disqualified"), ParseScalar("disqualified"))
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{
		"status":  String("active"),
		"strokes": Int(3),
		"cleared": Null{},
		"tags":    Array{String("a"), Bool(false)},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"cleared":null,"status":"active","strokes":3,"tags":["a",false]}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestParseValueRejectsFloat(t *testing.T) {
	_, err := ParseValue([]byte("3.25"))
	assert.Error(t, err)
}

func TestSortedKeysUTF16Order(t *testing.T) {
	// U+1F600 encodes to a surrogate pair starting 0xD83D, which sorts
	// before U+FB01 in UTF-16 but after it in UTF-8.
	obj := Object{"\uFB01": Int(1), "\U0001F600": Int(2)}
	assert.Equal(t, []string{"\U0001F600", "\uFB01"}, obj.SortedKeys())
}

func TestObjectCloneIsDeep(t *testing.T) {
	obj := Object{"inner": Object{"a": Int(1)}}
	clone := obj.Clone()
	clone["inner"].(Object)["a"] = Int(2)

	assert.Equal(t, Int(1), obj["inner"].(Object)["a"])
}

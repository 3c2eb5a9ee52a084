package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []int{1, 2, 3}, "[1,2,3]"},
		{"float", 1.5, "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	out, err := Marshal(map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"a":2,"b":1},"zebra":1}`, string(out))
}

func TestMarshalStructTags(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out, err := Marshal(payload{Name: "x", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"name":"x"}`, string(out))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before U+E000 in UTF-16 but after it in UTF-8.
	out, err := Marshal(map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshalNFC(t *testing.T) {
	// "e" followed by a combining acute accent normalises to U+00E9.
	out, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalLineSeparators(t *testing.T) {
	out, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(out))
}

func TestMarshalLiteralBackslashU2028(t *testing.T) {
	// A literal backslash followed by u2028 is text, not an escape.
	out, err := Marshal(`\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(out))
}

func TestMarshalUnsupported(t *testing.T) {
	_, err := Marshal(make(chan int))
	assert.Error(t, err)
}

func TestNormalizeNumbers(t *testing.T) {
	tree, err := Normalize(map[string]any{"n": 3})
	require.NoError(t, err)
	obj := tree.(map[string]any)
	assert.Equal(t, json.Number("3"), obj["n"])
}

func TestFields(t *testing.T) {
	type increment struct {
		N int `json:"n"`
	}

	fields, err := Fields(increment{N: 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": json.Number("5")}, fields)

	wrapped, err := Fields("raw")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "raw"}, wrapped)
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{"b": []any{1, "two", true}, "a": map[string]any{"y": 1, "x": 2}}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

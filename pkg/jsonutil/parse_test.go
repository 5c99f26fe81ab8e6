package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = map[string]any{
	"updated_probabilities": []any{
		map[string]any{"issue": "blocked fuel filter", "probability": 2.4},
		map[string]any{"issue": "weak battery", "probability": 0.5},
	},
	"next_test": map[string]any{
		"name":     "check fuel pressure",
		"outcomes": map[string]any{"type_of_outcome": "number"},
		"result":   nil,
		"urgent":   false,
	},
}

func TestParseObjectRoundTrip(t *testing.T) {
	raw, err := json.Marshal(sample)
	require.NoError(t, err)

	got, err := ParseObject(string(raw))
	require.NoError(t, err)
	assert.Equal(t, sample, got)
}

func TestParseObjectFencedMatchesUnwrapped(t *testing.T) {
	raw, err := json.Marshal(sample)
	require.NoError(t, err)

	plain, err := ParseObject(string(raw))
	require.NoError(t, err)

	for _, wrapped := range []string{
		"```json\n" + string(raw) + "\n```",
		"```\n" + string(raw) + "\n```",
		"Here is the result:\n```JSON\n" + string(raw) + "\n```\nLet me know.",
	} {
		got, err := ParseObject(wrapped)
		require.NoError(t, err, wrapped)
		assert.Equal(t, plain, got)
	}
}

func TestParseObjectStrategies(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name:  "prose around object",
			input: `Sure! {"a": 1, "b": "two"} hope this helps`,
			want:  map[string]any{"a": 1.0, "b": "two"},
		},
		{
			name:  "truncated after a valid prefix",
			input: `{"a": 1} {"b": {"c": 2}`,
			want:  map[string]any{"a": 1.0},
		},
		{
			name:  "truncated inside fence",
			input: "```json\n{\"steps\": [\"one\"]} {\"tools\": [\"x\"}\n```",
			want:  map[string]any{"steps": []any{"one"}},
		},
		{
			name:  "python literals and trailing comma",
			input: `{"ok": True, "missing": None, "bad": False, "list": [1, 2,],}`,
			want:  map[string]any{"ok": true, "missing": nil, "bad": false, "list": []any{1.0, 2.0}},
		},
		{
			name:  "single quotes only",
			input: `{'issue': 'flat tyre', 'probability': 3}`,
			want:  map[string]any{"issue": "flat tyre", "probability": 3.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObject(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseObjectFailures(t *testing.T) {
	for _, input := range []string{
		"",
		"no json here",
		`[1, 2, 3]`,
		`"just a string"`,
		`{"never": "closed"`,
	} {
		_, err := ParseObject(input)
		assert.ErrorIs(t, err, ErrParse, input)
	}
}

func TestParseObjectSkipsNonObjectArray(t *testing.T) {
	got, err := ParseObject(`[{"a": 1}]`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, got)
}

func TestParseInto(t *testing.T) {
	var out struct {
		Steps      []string `json:"steps"`
		Difficulty int      `json:"difficulty"`
	}
	err := ParseInto("```json\n{\"steps\": [\"drain\", \"refill\"], \"difficulty\": 4}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"drain", "refill"}, out.Steps)
	assert.Equal(t, 4, out.Difficulty)
}

func TestCompactIsStable(t *testing.T) {
	a := Compact(map[string]any{"z": 1, "a": "<b>"})
	b := Compact(map[string]any{"a": "<b>", "z": 1})
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"<b>","z":1}`, a)
}

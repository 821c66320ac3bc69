package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserCascadeStages(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		stage Stage
		check func(t *testing.T, p Payload)
	}{
		{
			name:  "strict",
			in:    `{"content":"Hi"}`,
			stage: StageStrict,
			check: func(t *testing.T, p Payload) { assert.Equal(t, "Hi", p["content"]) },
		},
		{
			name:  "strict with data prefix",
			in:    `data: {"content":"Hi"}`,
			stage: StageStrict,
			check: func(t *testing.T, p Payload) { assert.Equal(t, "Hi", p["content"]) },
		},
		{
			name:  "partial keeps complete members",
			in:    `{"event":"response.output_text.delta","data":{"delta":"ok","sequence_number":4`,
			stage: StagePartial,
			check: func(t *testing.T, p Payload) {
				assert.Equal(t, "response.output_text.delta", p["event"])
				data, ok := p["data"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "ok", data["delta"])
				assert.NotContains(t, data, "sequence_number")
			},
		},
		{
			name:  "string cut mid-value keeps its text",
			in:    `{"choices":[{"delta":{"content":"lo wor`,
			stage: StageRepaired,
			check: func(t *testing.T, p Payload) {
				choices, ok := p["choices"].([]any)
				require.True(t, ok)
				require.Len(t, choices, 1)
				assert.Equal(t, map[string]any{"delta": map[string]any{"content": "lo wor"}}, choices[0])
			},
		},
		{
			name:  "repair closes string and brace",
			in:    `{"content":"partial`,
			stage: StageRepaired,
			check: func(t *testing.T, p Payload) { assert.Equal(t, "partial", p["content"]) },
		},
		{
			name:  "partial keeps complete array elements",
			in:    `{"choices":[{"text":"a b"},`,
			stage: StagePartial,
			check: func(t *testing.T, p Payload) {
				choices, ok := p["choices"].([]any)
				require.True(t, ok)
				require.Len(t, choices, 1)
			},
		},
		{
			name:  "regex extraction",
			in:    `{"event":"response.output_text.delta" "data":{"delta":"x\"y"}}`,
			stage: StageExtracted,
			check: func(t *testing.T, p Payload) {
				assert.Equal(t, "response.output_text.delta", p["event"])
				assert.Equal(t, map[string]any{"delta": `x"y`}, p["data"])
			},
		},
		{
			name:  "regex extraction of error message",
			in:    `{"event":"error" "data":{"message":"boom"}}`,
			stage: StageExtracted,
			check: func(t *testing.T, p Payload) {
				assert.Equal(t, "error", p["event"])
				assert.Equal(t, map[string]any{"message": "boom"}, p["data"])
			},
		},
	}

	p := NewParser()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, stage, err := p.Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.stage, stage)
			tc.check(t, got)
		})
	}
}

func TestParserFailure(t *testing.T) {
	p := NewParser()
	for _, in := range []string{"", "data: ", `{"a" "b"`, "not json at all", `}}}{`, "[1,2,3]"} {
		_, stage, err := p.Parse(in)
		require.ErrorIs(t, err, ErrParseFailure, "input %q", in)
		assert.Equal(t, StageFailed, stage)
	}
}

func TestParserNeverPanics(t *testing.T) {
	p := NewParser()
	inputs := []string{
		`{"a":`, `{"a":[`, `{"a":tru`, `{"a":-`, `{"a":"\`, `{"a":"\u12`, `{{{{`, `[[[`,
		`{"a":1e`, `{"":{"":{"":`, "{\"a\":\"\x00\"}", `{"delta":"`, `"delta":"x"`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _, _, _ = p.Parse(in) }, "input %q", in)
	}
}

func TestParserPlainText(t *testing.T) {
	p := NewParser(WithPlainText())
	got, stage, err := p.Parse(" there")
	require.NoError(t, err)
	assert.Equal(t, StagePlain, stage)
	assert.Equal(t, " there", got["content"])

	got, stage, err = p.Parse(`{"delta":"Hi"}`)
	require.NoError(t, err)
	assert.Equal(t, StageStrict, stage)
	assert.Equal(t, "Hi", got["delta"])
}

func TestRepairBrackets(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":{"b":[1,2`, `{"a":{"b":[1,2]}}`, true},
		{`{"a":"x`, `{"a":"x"}`, true},
		{`{"a":`, `{"a":null}`, true},
		{`{"a":1}`, "", false},
		{`{"a":1}}`, "", false},
	}
	for _, tc := range cases {
		got, ok := repairBrackets(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

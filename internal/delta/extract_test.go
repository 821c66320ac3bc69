package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/sse"
)

func mustParse(t *testing.T, raw string) sse.Payload {
	t.Helper()
	p, _, err := sse.NewParser().Parse(raw)
	require.NoError(t, err)
	return p
}

func TestExtractShapes(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		text    string
		matcher string
	}{
		{"nested event delta", `{"event":"response.output_text.delta","data":{"delta":"Hi","item_id":"m1"}}`, "Hi", "data_delta"},
		{"chat completion", `{"choices":[{"delta":{"content":"Hel"}}]}`, "Hel", "choice_delta_content"},
		{"completion text", `{"choices":[{"text":"lo"}]}`, "lo", "choice_text"},
		{"flat content", `{"content":"flat"}`, "flat", "content"},
		{"deep delta value", `{"x":{"y":[{"delta":{"value":"deep"}}]}}`, "deep", "deep_search"},
		{"deep content", `{"b":{"content":"second"},"a":{"content":"first"}}`, "first", "deep_search"},
		{"anthropic text delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"yo"}}`, "yo", "deep_search"},
		{"data delta wins over content", `{"data":{"delta":"a"},"content":"b"}`, "a", "data_delta"},
		{"choice content wins over deep", `{"choices":[{"delta":{"content":"c"}}],"delta":"d"}`, "c", "choice_delta_content"},
	}
	e := NewExtractor()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, name := e.ExtractNamed(mustParse(t, tc.raw))
			assert.Equal(t, tc.text, d.Text)
			assert.Equal(t, tc.matcher, name)
			assert.False(t, d.Done)
			assert.Nil(t, d.Err)
		})
	}
}

func TestExtractErrorEvent(t *testing.T) {
	e := NewExtractor()
	d := e.Extract(mustParse(t, `{"event":"error","data":{"message":"rate limited","code":429}}`))
	require.NotNil(t, d.Err)
	assert.Equal(t, reliability.KindRateLimit, d.Err.Kind)
	assert.True(t, d.Err.Retryable)
	assert.Equal(t, "429", d.Err.Code)
	assert.Equal(t, "rate limited", d.Err.Message)
	assert.Empty(t, d.Text)

	d = e.Extract(mustParse(t, `{"error":{"message":"bad key","type":"invalid_api_key","code":null}}`))
	require.NotNil(t, d.Err)
	assert.Equal(t, reliability.KindServer, d.Err.Kind)
	assert.False(t, d.Err.Retryable)

	d = e.Extract(mustParse(t, `{"event":"error","data":{"message":"internal","content":"ignored"}}`))
	require.NotNil(t, d.Err)
	assert.Empty(t, d.Text)
}

func TestExtractWarningAndCompletion(t *testing.T) {
	e := NewExtractor()

	d := e.Extract(mustParse(t, `{"event":"warning","data":{"message":"context trimmed"}}`))
	assert.Equal(t, "[Note: context trimmed]", d.Text)
	assert.True(t, d.Warning)
	assert.False(t, d.Done)

	d = e.Extract(mustParse(t, `{"event":"response.completed","data":{"response":{"output":[{"content":[{"text":"whole"}]}]}}}`))
	assert.True(t, d.Done)
	assert.Empty(t, d.Text)

	d = e.Extract(mustParse(t, `{"event":"response.output_text.done","data":{"text":"Hello"}}`))
	assert.Equal(t, "Hello", d.Final)
	assert.False(t, d.Done)
}

func TestExtractNoMatchIsNoop(t *testing.T) {
	d, name := NewExtractor().ExtractNamed(mustParse(t, `{"id":"chatcmpl-1","usage":{"tokens":3}}`))
	assert.True(t, d.Empty())
	assert.Empty(t, name)
}

func TestExtractFrame(t *testing.T) {
	e := NewExtractor()
	assert.True(t, e.ExtractFrame(sse.Frame{Done: true}, nil).Done)

	d := e.ExtractFrame(sse.Frame{Event: "error"}, sse.Payload{"message": "boom"})
	require.NotNil(t, d.Err)
	assert.Equal(t, "boom", d.Err.Message)

	d = e.ExtractFrame(sse.Frame{Event: "response.output_text.delta"}, sse.Payload{"delta": "x"})
	assert.Equal(t, "x", d.Text)
}

func TestCustomMatchers(t *testing.T) {
	e := NewExtractor(Matcher{Name: "answer", Match: func(p sse.Payload) (Delta, bool) {
		s, ok := p["answer"].(string)
		return Delta{Text: s}, ok
	}})
	assert.Equal(t, "42", e.Extract(sse.Payload{"answer": "42"}).Text)
	assert.True(t, e.Extract(sse.Payload{"content": "x"}).Empty())
}

package sse

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Payload is one decoded frame. Producers do not agree on a schema, so the
// value is kept loosely typed and probed by the delta extractor.
type Payload map[string]any

// Stage records which step of the recovery cascade produced a payload.
type Stage string

const (
	StageStrict    Stage = "strict"
	StagePartial   Stage = "partial"
	StageRepaired  Stage = "repaired"
	StageExtracted Stage = "extracted"
	StagePlain     Stage = "plain"
	StageFailed    Stage = "failed"
)

// ErrParseFailure is returned when no stage could make sense of a frame.
// Callers drop the frame and keep streaming.
var ErrParseFailure = errors.New("sse: unparseable frame")

var strictJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithPlainText makes text that does not look like JSON parse as
// {"content": text}. Used for line-oriented producers that interleave raw
// text with JSON objects.
func WithPlainText() ParserOption {
	return func(p *Parser) { p.plainText = true }
}

// Parser turns frame data into a Payload, degrading through strict, partial,
// repaired and regex-extracted parses before giving up.
type Parser struct {
	plainText bool
}

func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse never panics; the worst outcome is an error wrapping ErrParseFailure.
func (p *Parser) Parse(data string) (payload Payload, stage Stage, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, stage, err = nil, StageFailed, fmt.Errorf("%w: recovered: %v", ErrParseFailure, r)
		}
	}()

	text := strings.TrimSpace(data)
	if strings.HasPrefix(text, "data:") {
		text = strings.TrimSpace(strings.TrimPrefix(text, "data:"))
	}
	if text == "" {
		return nil, StageFailed, fmt.Errorf("%w: empty frame", ErrParseFailure)
	}
	if p.plainText && !looksLikeJSON(text) {
		return Payload{"content": data}, StagePlain, nil
	}

	if out, ok := parseStrict(text); ok {
		return out, StageStrict, nil
	}
	partial, cutString, partialOK := parsePartial(text)
	if partialOK && !cutString {
		return partial, StagePartial, nil
	}
	// A string cut at the end of input still carries text; repair keeps it
	// where the partial decoder would drop the whole member.
	if repaired, ok := repairBrackets(text); ok {
		if out, ok := parseStrict(repaired); ok {
			return out, StageRepaired, nil
		}
	}
	if partialOK {
		return partial, StagePartial, nil
	}
	if out, ok := extractKnownFields(text); ok {
		return out, StageExtracted, nil
	}
	return nil, StageFailed, fmt.Errorf("%w: %q", ErrParseFailure, truncateForError(text))
}

func parseStrict(text string) (Payload, bool) {
	var v any
	if err := strictJSON.UnmarshalFromString(text, &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Payload(m), true
}

func looksLikeJSON(text string) bool {
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}

func truncateForError(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

package delta

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ent0n29/chatstream/internal/sse"
)

// Matcher recognises one payload shape.
type Matcher struct {
	Name  string
	Match func(p sse.Payload) (Delta, bool)
}

// Extractor resolves a payload to a Delta by trying its matchers in order;
// the first match wins.
type Extractor struct {
	matchers []Matcher
}

// NewExtractor uses DefaultMatchers when none are given.
func NewExtractor(matchers ...Matcher) *Extractor {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Extractor{matchers: matchers}
}

// DefaultMatchers returns the built-in resolution order. Tagged envelopes
// come first: a completed or error envelope may embed the whole response
// text, which the shape probes would otherwise pick up as a delta.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: "error_event", Match: matchError},
		{Name: "warning_event", Match: matchWarning},
		{Name: "completed_event", Match: matchCompleted},
		{Name: "text_done_event", Match: matchTextDone},
		{Name: "data_delta", Match: matchDataDelta},
		{Name: "choice_delta_content", Match: matchChoiceDeltaContent},
		{Name: "choice_text", Match: matchChoiceText},
		{Name: "content", Match: matchContent},
		{Name: "deep_search", Match: matchDeep},
	}
}

// Extract returns an empty, non-terminal Delta when nothing matches.
func (e *Extractor) Extract(p sse.Payload) Delta {
	d, _ := e.ExtractNamed(p)
	return d
}

// ExtractNamed also reports which matcher fired, or "" for none.
func (e *Extractor) ExtractNamed(p sse.Payload) (Delta, string) {
	if p == nil {
		return Delta{}, ""
	}
	for _, m := range e.matchers {
		if d, ok := m.Match(p); ok {
			return d, m.Name
		}
	}
	return Delta{}, ""
}

// ExtractFrame handles the sentinel and lifts an SSE "event:" line into the
// payload when the payload carries no tag of its own.
func (e *Extractor) ExtractFrame(f sse.Frame, p sse.Payload) Delta {
	d, _ := e.ExtractFrameNamed(f, p)
	return d
}

// ExtractFrameNamed is ExtractFrame that also reports the matcher that won.
// The SSE event name of the frame stands in for a missing payload tag.
func (e *Extractor) ExtractFrameNamed(f sse.Frame, p sse.Payload) (Delta, string) {
	if f.Done {
		return Delta{Done: true}, "sentinel"
	}
	if f.Event != "" && eventTag(p) == "" && p != nil {
		tagged := make(sse.Payload, len(p)+1)
		for k, v := range p {
			tagged[k] = v
		}
		tagged["event"] = f.Event
		p = tagged
	}
	return e.ExtractNamed(p)
}

func eventTag(p sse.Payload) string {
	if ev, ok := p["event"].(string); ok && ev != "" {
		return ev
	}
	if ty, ok := p["type"].(string); ok {
		return ty
	}
	return ""
}

func matchError(p sse.Payload) (Delta, bool) {
	tag := eventTag(p)
	var src any
	switch {
	case tag == "error" || tag == "response.failed":
		src = p["data"]
		if src == nil {
			src = p["error"]
		}
		if src == nil {
			src = map[string]any(p)
		}
	case p["error"] != nil && p["error"] != false:
		src = p["error"]
	default:
		return Delta{}, false
	}

	code, message := errorFields(src)
	if message == "" {
		message = "upstream reported an error"
	}
	info := NewErrorInfo(code, message)
	return Delta{Err: &info}, true
}

func errorFields(src any) (code, message string) {
	switch v := src.(type) {
	case string:
		return "", v
	case map[string]any:
		if nested, ok := v["error"].(map[string]any); ok {
			return errorFields(nested)
		}
		message, _ = v["message"].(string)
		if message == "" {
			message, _ = v["error"].(string)
		}
		code = scalarString(v["code"])
		if code == "" {
			code = scalarString(v["status"])
		}
		if code == "" {
			code = scalarString(v["type"])
		}
		return code, message
	default:
		return "", ""
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func matchWarning(p sse.Payload) (Delta, bool) {
	if eventTag(p) != "warning" {
		return Delta{}, false
	}
	_, msg := errorFields(p["data"])
	if msg == "" {
		msg, _ = p["message"].(string)
	}
	if msg == "" {
		return Delta{}, true
	}
	return Delta{Text: "[Note: " + msg + "]", Warning: true}, true
}

func matchCompleted(p sse.Payload) (Delta, bool) {
	switch eventTag(p) {
	case "response.completed", "completed", "done":
		return Delta{Done: true}, true
	}
	return Delta{}, false
}

func matchTextDone(p sse.Payload) (Delta, bool) {
	if eventTag(p) != "response.output_text.done" {
		return Delta{}, false
	}
	if data, ok := p["data"].(map[string]any); ok {
		if text, ok := data["text"].(string); ok {
			return Delta{Final: text}, true
		}
	}
	if text, ok := p["text"].(string); ok {
		return Delta{Final: text}, true
	}
	return Delta{}, true
}

func matchDataDelta(p sse.Payload) (Delta, bool) {
	data, ok := p["data"].(map[string]any)
	if !ok {
		return Delta{}, false
	}
	s, ok := data["delta"].(string)
	if !ok {
		return Delta{}, false
	}
	return Delta{Text: s}, true
}

func firstChoice(p sse.Payload) (map[string]any, bool) {
	choices, ok := p["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, false
	}
	c, ok := choices[0].(map[string]any)
	return c, ok
}

func matchChoiceDeltaContent(p sse.Payload) (Delta, bool) {
	c, ok := firstChoice(p)
	if !ok {
		return Delta{}, false
	}
	d, ok := c["delta"].(map[string]any)
	if !ok {
		return Delta{}, false
	}
	s, ok := d["content"].(string)
	if !ok {
		return Delta{}, false
	}
	return Delta{Text: s}, true
}

func matchChoiceText(p sse.Payload) (Delta, bool) {
	c, ok := firstChoice(p)
	if !ok {
		return Delta{}, false
	}
	s, ok := c["text"].(string)
	if !ok {
		return Delta{}, false
	}
	return Delta{Text: s}, true
}

func matchContent(p sse.Payload) (Delta, bool) {
	s, ok := p["content"].(string)
	if !ok {
		return Delta{}, false
	}
	return Delta{Text: s}, true
}

func matchDeep(p sse.Payload) (Delta, bool) {
	s, ok := findText(map[string]any(p), 0)
	if !ok {
		return Delta{}, false
	}
	return Delta{Text: s}, true
}

const maxSearchDepth = 32

// findText walks the value depth-first. Object keys are visited in sorted
// order so the result does not depend on map iteration.
func findText(v any, depth int) (string, bool) {
	if depth > maxSearchDepth {
		return "", false
	}
	switch x := v.(type) {
	case map[string]any:
		if d, ok := x["delta"]; ok {
			if s, ok := textOf(d); ok {
				return s, true
			}
		}
		if s, ok := x["content"].(string); ok && s != "" {
			return s, true
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := findText(x[k], depth+1); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range x {
			if s, ok := findText(item, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}

func textOf(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case map[string]any:
		for _, k := range []string{"value", "content", "text"} {
			if s, ok := x[k].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// Describe is a short label for logs.
func (d Delta) Describe() string {
	switch {
	case d.Err != nil:
		return "error:" + string(d.Err.Kind)
	case d.Done:
		return "done"
	case d.Warning:
		return "warning"
	case d.Final != "":
		return "final"
	case d.Text != "":
		return "text(" + strconv.Itoa(len(d.Text)) + ")"
	default:
		return "noop"
	}
}

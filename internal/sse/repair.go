package sse

import (
	"regexp"
	"strings"
)

// repairBrackets closes whatever the text left open: an unterminated string
// gets its quote, a dangling ',' is dropped, a dangling ':' gets null, and
// missing '}'/']' are appended in nesting order. Text with more closers than
// openers is not repairable.
func repairBrackets(text string) (string, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}
	if !inString && len(stack) == 0 {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(text) + len(stack) + 6)
	b.WriteString(text)
	if inString {
		if escaped {
			// A lone trailing backslash would escape our closing quote.
			s := b.String()
			b.Reset()
			b.WriteString(s[:len(s)-1])
		}
		b.WriteByte('"')
	}
	repaired := strings.TrimRight(b.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(repaired, ","):
		repaired = strings.TrimSuffix(repaired, ",")
	case strings.HasSuffix(repaired, ":"):
		repaired += "null"
	}
	b.Reset()
	b.WriteString(repaired)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), true
}

const quotedValue = `"((?:[^"\\]|\\.)*)"`

var (
	eventPattern   = regexp.MustCompile(`"event"\s*:\s*` + quotedValue)
	messagePattern = regexp.MustCompile(`"message"\s*:\s*` + quotedValue)
	fieldPatterns  = []struct {
		key     string
		pattern *regexp.Regexp
	}{
		{"delta", regexp.MustCompile(`"delta"\s*:\s*` + quotedValue)},
		{"text", regexp.MustCompile(`"text"\s*:\s*` + quotedValue)},
		{"content", regexp.MustCompile(`"content"\s*:\s*` + quotedValue)},
	}
)

// extractKnownFields pulls well-known string fields straight out of the raw
// text and synthesises the smallest payload carrying them. This is a last
// resort and can pick a field from an unrelated nested object.
func extractKnownFields(text string) (Payload, bool) {
	event, _ := firstMatch(eventPattern, text)

	if event == "error" || event == "warning" {
		if msg, ok := firstMatch(messagePattern, text); ok {
			return Payload{"event": event, "data": map[string]any{"message": msg}}, true
		}
	}

	for _, fp := range fieldPatterns {
		val, ok := firstMatch(fp.pattern, text)
		if !ok {
			continue
		}
		if fp.key == "delta" {
			out := Payload{"data": map[string]any{"delta": val}}
			if event != "" {
				out["event"] = event
			}
			return out, true
		}
		return Payload{"content": val}, true
	}

	if event != "" {
		return Payload{"event": event}, true
	}
	return nil, false
}

func firstMatch(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	var out string
	if err := strictJSON.UnmarshalFromString(`"`+m[1]+`"`, &out); err != nil {
		return m[1], true
	}
	return out, true
}

package sse

import (
	"errors"
	"strconv"
	"strings"
)

var errTruncated = errors.New("truncated input")

// parsePartial decodes an object that was cut off mid-stream. Every member
// whose value was fully received is kept; a member whose value was still in
// flight is dropped, except for nested containers which keep their own
// complete members. Syntax errors anywhere else fail the stage. cutString
// reports that the dropped value was a string, i.e. text was lost.
func parsePartial(text string) (p Payload, cutString bool, ok bool) {
	d := &partialDecoder{s: text}
	d.skipSpace()
	if d.i >= len(d.s) || d.s[d.i] != '{' {
		return nil, false, false
	}
	v, err := d.value()
	if err != nil && !errors.Is(err, errTruncated) {
		return nil, false, false
	}
	m, isObj := v.(map[string]any)
	if !isObj || len(m) == 0 {
		return nil, d.cutString, false
	}
	return Payload(m), d.cutString, true
}

type partialDecoder struct {
	s         string
	i         int
	cutString bool
}

func (d *partialDecoder) skipSpace() {
	for d.i < len(d.s) {
		switch d.s[d.i] {
		case ' ', '\t', '\n', '\r':
			d.i++
		default:
			return
		}
	}
}

func (d *partialDecoder) value() (any, error) {
	d.skipSpace()
	if d.i >= len(d.s) {
		return nil, errTruncated
	}
	switch c := d.s[d.i]; {
	case c == '{':
		return d.object()
	case c == '[':
		return d.array()
	case c == '"':
		v, err := d.str()
		if errors.Is(err, errTruncated) {
			d.cutString = true
		}
		return v, err
	case c == 't':
		return d.literal("true", true)
	case c == 'f':
		return d.literal("false", false)
	case c == 'n':
		return d.literal("null", nil)
	case c == '-' || (c >= '0' && c <= '9'):
		return d.number()
	default:
		return nil, errors.New("unexpected character " + strconv.QuoteRune(rune(c)))
	}
}

func (d *partialDecoder) object() (any, error) {
	d.i++ // {
	m := map[string]any{}
	first := true
	for {
		d.skipSpace()
		if d.i >= len(d.s) {
			return m, errTruncated
		}
		if d.s[d.i] == '}' {
			d.i++
			return m, nil
		}
		if !first {
			if d.s[d.i] != ',' {
				return m, errors.New("expected ',' in object")
			}
			d.i++
			d.skipSpace()
			if d.i >= len(d.s) {
				return m, errTruncated
			}
		}
		first = false
		if d.s[d.i] != '"' {
			return m, errors.New("expected object key")
		}
		k, err := d.str()
		if err != nil {
			return m, err
		}
		key := k.(string)
		d.skipSpace()
		if d.i >= len(d.s) {
			return m, errTruncated
		}
		if d.s[d.i] != ':' {
			return m, errors.New("expected ':' after key")
		}
		d.i++
		v, err := d.value()
		if err != nil {
			if errors.Is(err, errTruncated) && isContainer(v) {
				m[key] = v
			}
			return m, err
		}
		m[key] = v
	}
}

func (d *partialDecoder) array() (any, error) {
	d.i++ // [
	arr := []any{}
	first := true
	for {
		d.skipSpace()
		if d.i >= len(d.s) {
			return arr, errTruncated
		}
		if d.s[d.i] == ']' {
			d.i++
			return arr, nil
		}
		if !first {
			if d.s[d.i] != ',' {
				return arr, errors.New("expected ',' in array")
			}
			d.i++
		}
		first = false
		v, err := d.value()
		if err != nil {
			if errors.Is(err, errTruncated) && isContainer(v) {
				arr = append(arr, v)
			}
			return arr, err
		}
		arr = append(arr, v)
	}
}

func (d *partialDecoder) str() (any, error) {
	start := d.i
	d.i++ // opening quote
	escaped := false
	for d.i < len(d.s) {
		c := d.s[d.i]
		d.i++
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			var out string
			if err := strictJSON.UnmarshalFromString(d.s[start:d.i], &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	return nil, errTruncated
}

func (d *partialDecoder) number() (any, error) {
	start := d.i
	for d.i < len(d.s) && strings.IndexByte("+-0123456789.eE", d.s[d.i]) >= 0 {
		d.i++
	}
	if d.i >= len(d.s) {
		// A number running into end of input may still be growing.
		return nil, errTruncated
	}
	f, err := strconv.ParseFloat(d.s[start:d.i], 64)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *partialDecoder) literal(word string, v any) (any, error) {
	rest := d.s[d.i:]
	if strings.HasPrefix(rest, word) {
		d.i += len(word)
		return v, nil
	}
	if len(rest) < len(word) && strings.HasPrefix(word, rest) {
		d.i = len(d.s)
		return nil, errTruncated
	}
	return nil, errors.New("invalid literal")
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

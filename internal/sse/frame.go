package sse

import (
	"bytes"
	"strings"
)

// DoneSentinel is the literal payload that marks an explicit end of stream.
const DoneSentinel = "[DONE]"

// Dialect selects how a byte stream is cut into frames.
type Dialect string

const (
	// DialectSSE frames are "data:"/"event:" lines terminated by a blank line.
	DialectSSE Dialect = "sse"
	// DialectLines frames are single newline-delimited lines (NDJSON).
	DialectLines Dialect = "lines"
)

// ParseDialect maps a config value onto a Dialect, defaulting to SSE.
func ParseDialect(v string) Dialect {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lines", "ndjson", "jsonl":
		return DialectLines
	default:
		return DialectSSE
	}
}

// Frame is one candidate protocol unit cut out of the stream.
type Frame struct {
	Event string
	Data  string
	// Done is set for the [DONE] sentinel frame.
	Done bool
	// Flushed is set when the frame came from the end-of-input carry-over
	// rather than from a terminated segment.
	Flushed bool
}

// Splitter cuts raw chunks into frames. Bytes after the last terminator are
// carried over to the next Push. A Splitter belongs to a single stream and is
// not safe for concurrent use.
type Splitter struct {
	dialect Dialect
	buf     []byte
}

func NewSplitter(dialect Dialect) *Splitter {
	if dialect == "" {
		dialect = DialectSSE
	}
	return &Splitter{dialect: dialect}
}

// Push appends chunk to the carry-over and returns every frame that is now
// complete, in stream order.
func (s *Splitter) Push(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	s.buf = append(s.buf, chunk...)
	if bytes.IndexByte(s.buf, '\r') >= 0 {
		s.buf = bytes.ReplaceAll(s.buf, []byte("\r\n"), []byte("\n"))
	}

	sep := s.terminator()
	var out []Frame
	for {
		idx := bytes.Index(s.buf, sep)
		if idx < 0 {
			break
		}
		segment := string(s.buf[:idx])
		s.buf = s.buf[idx+len(sep):]
		out = append(out, s.segmentFrames(segment)...)
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out
}

// Flush runs the carry-over through one best-effort extraction pass at end of
// input. A carry-over holding only the sentinel yields a Done frame.
func (s *Splitter) Flush() []Frame {
	rest := string(s.buf)
	s.buf = nil
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	var frames []Frame
	if s.dialect == DialectLines {
		for _, line := range strings.Split(rest, "\n") {
			if f, ok := lineFrame(line); ok {
				frames = append(frames, f)
			}
		}
	} else {
		frames = blockFrames(rest)
	}
	for i := range frames {
		frames[i].Flushed = true
	}
	return frames
}

// Buffered reports how many bytes are waiting for a terminator.
func (s *Splitter) Buffered() int { return len(s.buf) }

func (s *Splitter) terminator() []byte {
	if s.dialect == DialectLines {
		return []byte("\n")
	}
	return []byte("\n\n")
}

func (s *Splitter) segmentFrames(segment string) []Frame {
	if s.dialect == DialectLines {
		if f, ok := lineFrame(segment); ok {
			return []Frame{f}
		}
		return nil
	}
	return blockFrames(segment)
}

func lineFrame(line string) (Frame, bool) {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") || strings.HasPrefix(trimmed, "event:") {
		return Frame{}, false
	}
	if strings.HasPrefix(trimmed, "data:") {
		line = strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " ")
		trimmed = strings.TrimSpace(line)
	}
	if trimmed == DoneSentinel {
		return Frame{Done: true}, true
	}
	if trimmed == "" {
		return Frame{}, false
	}
	return Frame{Data: line}, true
}

// blockFrames interprets one blank-line-delimited block. Multiple data lines
// are joined with "\n" unless every one of them opens a JSON value on its
// own, which is how producers that forget the blank line look on the wire.
func blockFrames(block string) []Frame {
	var (
		event string
		data  []string
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found {
			data = append(data, strings.TrimSpace(line))
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			event = strings.TrimSpace(value)
		case "id", "retry":
		default:
			data = append(data, strings.TrimSpace(line))
		}
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) > 1 && allStandalone(data) {
		out := make([]Frame, 0, len(data))
		for _, d := range data {
			out = append(out, dataFrame(event, d))
		}
		return out
	}
	return []Frame{dataFrame(event, strings.Join(data, "\n"))}
}

func dataFrame(event, data string) Frame {
	if strings.TrimSpace(data) == DoneSentinel {
		return Frame{Done: true}
	}
	return Frame{Event: event, Data: data}
}

func allStandalone(lines []string) bool {
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == DoneSentinel {
			continue
		}
		if !strings.HasPrefix(t, "{") && !strings.HasPrefix(t, "[") {
			return false
		}
	}
	return true
}

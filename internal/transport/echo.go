package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ent0n29/chatstream/internal/sse"
	"github.com/ent0n29/chatstream/internal/stream"
)

// Echo answers locally with a chat completion stream that repeats the last
// message of the request one word per frame. The relay falls back to it when
// no upstream URL is configured.
type Echo struct {
	Delay time.Duration
}

func NewEcho(delay time.Duration) *Echo { return &Echo{Delay: delay} }

func (e *Echo) Open(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	words := strings.Fields(buildEchoReply(req.Payload))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		frame, err := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]any{"content": w}}},
		})
		if err != nil {
			return nil, err
		}
		buf.WriteString("data: ")
		buf.Write(frame)
		buf.WriteString("\n\n")
	}
	buf.WriteString("data: " + sse.DoneSentinel + "\n\n")

	// One frame per read so Delay paces the words.
	return (&Replay{Data: buf.Bytes(), ChunkSize: frameSize(buf.Bytes()), Delay: e.Delay}).Open(ctx, req)
}

func buildEchoReply(payload any) string {
	base := strings.TrimSpace(lastMessage(payload))
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}

// lastMessage digs the content of the final chat message out of any payload
// shaped like a chat completion request.
func lastMessage(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var body struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Messages) == 0 {
		return ""
	}
	return body.Messages[len(body.Messages)-1].Content
}

// frameSize is the longest frame in data, so every read carries at most one
// whole frame plus the start of the next.
func frameSize(data []byte) int {
	longest := 1
	for _, f := range bytes.SplitAfter(data, []byte("\n\n")) {
		longest = max(longest, len(f))
	}
	return longest
}

var _ stream.Transport = (*Echo)(nil)

package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/observability"
	"github.com/ent0n29/chatstream/internal/policy"
	"github.com/ent0n29/chatstream/internal/protocol"
	"github.com/ent0n29/chatstream/internal/session"
	"github.com/ent0n29/chatstream/internal/stream"
)

type fakeUpstream struct {
	mu       sync.Mutex
	requests []CompletionRequest
	open     func() io.ReadCloser
}

func (f *fakeUpstream) Open(_ context.Context, req stream.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req.Payload.(CompletionRequest))
	f.mu.Unlock()
	return f.open(), nil
}

func (f *fakeUpstream) request(i int) CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func scripted(body string) func() io.ReadCloser {
	return func() io.ReadCloser { return io.NopCloser(strings.NewReader(body)) }
}

type harness struct {
	sessions *session.Manager
	metrics  *observability.Metrics
	session  *session.Session
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func startHarness(t *testing.T, upstream *fakeUpstream) *harness {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	engine := stream.New(upstream, stream.Options{RenderInterval: time.Millisecond, Redact: policy.Redact})
	orch := NewOrchestrator(sessions, engine, metrics, zap.NewNop(), Config{Model: "demo-model"})

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		sessions: sessions,
		metrics:  metrics,
		session:  sessions.Create("u1", "tutor"),
		inbound:  make(chan any, 8),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() { h.done <- orch.RunConnection(ctx, h.session, h.inbound, h.outbound) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	ready := h.next(t)
	require.IsType(t, protocol.SystemEvent{}, ready)
	assert.Equal(t, "session_ready", ready.(protocol.SystemEvent).Code)
	return h
}

func (h *harness) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

// turnEnd skips snapshots up to the turn end, returning the snapshots seen.
func (h *harness) turnEnd(t *testing.T) (protocol.AssistantTurnEnd, []any) {
	t.Helper()
	var seen []any
	for {
		msg := h.next(t)
		if end, ok := msg.(protocol.AssistantTurnEnd); ok {
			return end, seen
		}
		seen = append(seen, msg)
	}
}

func (h *harness) say(text string) {
	h.inbound <- protocol.ChatSend{Type: protocol.TypeChatSend, SessionID: h.session.ID, Text: text}
}

func TestTurnCompletesAndRecordsHistory(t *testing.T) {
	upstream := &fakeUpstream{open: scripted(
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
			"data: [DONE]\n\n",
	)}
	h := startHarness(t, upstream)

	h.say("hi")
	end, seen := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonCompleted, end.Reason)
	assert.Equal(t, "Hello", end.Text)
	assert.NotEmpty(t, end.MessageID)
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1].(protocol.AssistantTextSnapshot)
	assert.Equal(t, "Hello", last.Text)
	assert.Equal(t, end.MessageID, last.MessageID)

	first := upstream.request(0)
	assert.Equal(t, "demo-model", first.Model)
	assert.True(t, first.Stream)
	assert.Equal(t, []session.Turn{{Role: session.RoleUser, Content: "hi"}}, first.Messages)

	h.say("again")
	_, _ = h.turnEnd(t)
	second := upstream.request(1)
	assert.Equal(t, []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "Hello"},
		{Role: session.RoleUser, Content: "again"},
	}, second.Messages)

	s, err := h.sessions.Get(h.session.ID)
	require.NoError(t, err)
	assert.Empty(t, s.ActiveMessageID)
	assert.Len(t, s.History, 4)
}

func TestUpstreamErrorSendsErrorEvent(t *testing.T) {
	upstream := &fakeUpstream{open: scripted(
		"data: {\"content\":\"partial\"}\n\n" +
			"event: error\ndata: {\"error\":{\"code\":\"429\",\"message\":\"slow down\"}}\n\n",
	)}
	h := startHarness(t, upstream)

	h.say("hi")
	var errEvent protocol.ErrorEvent
	for {
		msg := h.next(t)
		if e, ok := msg.(protocol.ErrorEvent); ok {
			errEvent = e
			break
		}
	}
	assert.Equal(t, "rate_limit", errEvent.Kind)
	assert.True(t, errEvent.Retryable)
	assert.Equal(t, "upstream", errEvent.Source)

	end, _ := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonErrored, end.Reason)
	assert.True(t, strings.HasPrefix(end.Text, "partial"), end.Text)

	s, err := h.sessions.Get(h.session.ID)
	require.NoError(t, err)
	assert.Empty(t, s.History)
}

func TestErrorDetailIsRedacted(t *testing.T) {
	upstream := &fakeUpstream{open: scripted(
		"event: error\ndata: {\"error\":{\"code\":\"401\",\"message\":\"Incorrect API key provided: sk-live-0123456789abcdef\"}}\n\n",
	)}
	h := startHarness(t, upstream)

	h.say("hi")
	var errEvent protocol.ErrorEvent
	for {
		msg := h.next(t)
		if e, ok := msg.(protocol.ErrorEvent); ok {
			errEvent = e
			break
		}
	}
	assert.NotContains(t, errEvent.Detail, "sk-live-0123456789abcdef")
	assert.Contains(t, errEvent.Detail, "[REDACTED_KEY]")

	end, seen := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonErrored, end.Reason)
	assert.NotContains(t, end.Text, "sk-live-0123456789abcdef")
	assert.Contains(t, end.Text, "[REDACTED_KEY]")
	for _, msg := range seen {
		if snap, ok := msg.(protocol.AssistantTextSnapshot); ok {
			assert.NotContains(t, snap.Text, "sk-live-0123456789abcdef")
		}
	}
}

func TestCancelControlEndsTurn(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	upstream := &fakeUpstream{open: func() io.ReadCloser { return pr }}
	h := startHarness(t, upstream)

	h.say("hi")
	_, err := pw.Write([]byte("data: {\"content\":\"Hel\"}\n\n"))
	require.NoError(t, err)
	snap := h.next(t)
	require.IsType(t, protocol.AssistantTextSnapshot{}, snap)

	h.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.session.ID, Action: protocol.ActionCancel}
	end, _ := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonCancelled, end.Reason)
	assert.Equal(t, "Hel", end.Text)

	require.Eventually(t, func() bool {
		s, err := h.sessions.Get(h.session.ID)
		return err == nil && s.CancelCount == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionEvents.WithLabelValues("cancel")))
}

func TestNewSendSupersedesActiveTurn(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	calls := 0
	upstream := &fakeUpstream{}
	upstream.open = func() io.ReadCloser {
		calls++
		if calls == 1 {
			return pr
		}
		return io.NopCloser(strings.NewReader("data: {\"content\":\"second\"}\n\ndata: [DONE]\n\n"))
	}
	h := startHarness(t, upstream)

	h.say("first")
	_, err := pw.Write([]byte("data: {\"content\":\"one\"}\n\n"))
	require.NoError(t, err)
	_ = h.next(t)

	h.say("second")
	first, _ := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonCancelled, first.Reason)
	second, _ := h.turnEnd(t)
	assert.Equal(t, protocol.ReasonCompleted, second.Reason)
	assert.Equal(t, "second", second.Text)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionEvents.WithLabelValues("superseded")))
}

func TestUnsupportedControlAction(t *testing.T) {
	h := startHarness(t, &fakeUpstream{open: scripted("")})

	h.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.session.ID, Action: "rewind"}
	msg := h.next(t)
	require.IsType(t, protocol.ErrorEvent{}, msg)
	assert.Equal(t, "unsupported_action", msg.(protocol.ErrorEvent).Code)
}

func TestEndedSessionRejectsSend(t *testing.T) {
	h := startHarness(t, &fakeUpstream{open: scripted("")})
	_, err := h.sessions.End(h.session.ID)
	require.NoError(t, err)

	h.say("hi")
	msg := h.next(t)
	require.IsType(t, protocol.ErrorEvent{}, msg)
	assert.Equal(t, "session_unavailable", msg.(protocol.ErrorEvent).Code)
}

func TestClosedInboundReturns(t *testing.T) {
	h := startHarness(t, &fakeUpstream{open: scripted("")})
	close(h.inbound)
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return")
	}
}

func TestSlowWriterDropsSnapshotsNotTurnEnd(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	o := NewOrchestrator(session.NewManager(time.Minute), nil, metrics, nil, Config{CriticalSendTimeout: 50 * time.Millisecond})
	out := make(chan any, 1)

	o.send(out, protocol.AssistantTextSnapshot{Type: protocol.TypeAssistantTextSnapshot, Text: "a"})
	o.send(out, protocol.AssistantTextSnapshot{Type: protocol.TypeAssistantTextSnapshot, Text: "ab"})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboundMessages.WithLabelValues("assistant_text_snapshot", "dropped")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-out
	}()
	o.send(out, protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd, Reason: protocol.ReasonCompleted})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboundMessages.WithLabelValues("assistant_turn_end", "delivered")))
}

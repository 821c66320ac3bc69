// Package chat drives one websocket connection: it turns client messages into
// upstream streams and relays the throttled text back as protocol messages.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/observability"
	"github.com/ent0n29/chatstream/internal/policy"
	"github.com/ent0n29/chatstream/internal/protocol"
	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/session"
	"github.com/ent0n29/chatstream/internal/stream"
)

const defaultCriticalSendTimeout = 600 * time.Millisecond

// Streamer starts one assistant response. *stream.Engine satisfies it.
type Streamer interface {
	Start(ctx context.Context, req stream.Request, h stream.Handlers) *stream.Handle
}

// CompletionRequest is the upstream body for a chat completion stream.
type CompletionRequest struct {
	Model    string         `json:"model,omitempty"`
	Stream   bool           `json:"stream"`
	Messages []session.Turn `json:"messages"`
}

type Config struct {
	Model string
	// CriticalSendTimeout bounds how long turn-end and error messages wait
	// for a slow socket writer.
	CriticalSendTimeout time.Duration
}

type Orchestrator struct {
	sessions        *session.Manager
	engine          Streamer
	metrics         *observability.Metrics
	logger          *zap.Logger
	model           string
	criticalTimeout time.Duration
}

func NewOrchestrator(
	sessions *session.Manager,
	engine Streamer,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CriticalSendTimeout <= 0 {
		cfg.CriticalSendTimeout = defaultCriticalSendTimeout
	}
	return &Orchestrator{
		sessions:        sessions,
		engine:          engine,
		metrics:         metrics,
		logger:          logger.Named("chat"),
		model:           cfg.Model,
		criticalTimeout: cfg.CriticalSendTimeout,
	}
}

// RunConnection serves one socket until inbound is closed or ctx ends. At most
// one response streams at a time; a new chat_send cancels the active one first.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "session_ready",
	})

	var active *stream.Handle
	stopActive := func(event string) {
		if active == nil {
			return
		}
		select {
		case <-active.Done():
		default:
			active.Cancel()
			<-active.Done()
			_ = o.sessions.Cancel(s.ID)
			o.metrics.SessionEvents.WithLabelValues(event).Inc()
		}
		active = nil
	}
	defer stopActive("disconnect_cancel")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.ChatSend:
				stopActive("superseded")
				h, err := o.startTurn(ctx, s.ID, m.Text, outbound)
				if err != nil {
					o.logger.Warn("turn rejected", zap.String("session_id", s.ID), zap.Error(err))
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Kind:      string(reliability.KindServer),
						Code:      "session_unavailable",
						Source:    "session",
						Detail:    err.Error(),
					})
					continue
				}
				active = h
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionCancel:
					stopActive("cancel")
				default:
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Kind:      string(reliability.KindMalformed),
						Code:      "unsupported_action",
						Source:    "client",
						Detail:    fmt.Sprintf("unsupported action %q", m.Action),
					})
				}
			}
		}
	}
}

func (o *Orchestrator) startTurn(ctx context.Context, sessionID, text string, outbound chan<- any) (*stream.Handle, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusActive {
		return nil, session.ErrEnded
	}

	user := session.Turn{Role: session.RoleUser, Content: text}
	req := stream.Request{
		MessageID: stream.NewMessageID(),
		Payload: CompletionRequest{
			Model:    o.model,
			Stream:   true,
			Messages: append(s.History, user),
		},
	}
	if err := o.sessions.StartMessage(sessionID, req.MessageID); err != nil {
		return nil, err
	}

	t := &turn{o: o, sessionID: sessionID, user: user, outbound: outbound}
	return o.engine.Start(ctx, req, stream.Handlers{
		OnDelta:    t.snapshot,
		OnError:    t.fail,
		OnComplete: t.complete,
	}), nil
}

// turn relays the callbacks of one stream. The last snapshot is kept so the
// turn end of a failed or cancelled stream carries the text the client saw.
type turn struct {
	o         *Orchestrator
	sessionID string
	user      session.Turn
	outbound  chan<- any

	mu   sync.Mutex
	last string
}

func (t *turn) snapshot(text, messageID string) {
	t.mu.Lock()
	t.last = text
	t.mu.Unlock()

	t.o.send(t.outbound, protocol.AssistantTextSnapshot{
		Type:      protocol.TypeAssistantTextSnapshot,
		SessionID: t.sessionID,
		MessageID: messageID,
		Text:      text,
	})
}

func (t *turn) complete(finalText, messageID string) {
	_ = t.o.sessions.FinishMessage(t.sessionID, messageID, t.user, session.Turn{
		Role:    session.RoleAssistant,
		Content: finalText,
	})
	t.o.send(t.outbound, protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: t.sessionID,
		MessageID: messageID,
		Reason:    protocol.ReasonCompleted,
		Text:      finalText,
	})
}

func (t *turn) fail(info delta.ErrorInfo, messageID string) {
	t.mu.Lock()
	text := t.last
	t.mu.Unlock()

	_ = t.o.sessions.FinishMessage(t.sessionID, messageID)

	reason := protocol.ReasonErrored
	if info.Kind == reliability.KindCancelled {
		reason = protocol.ReasonCancelled
	} else {
		detail := policy.Redact(info.Message)
		t.o.send(t.outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: t.sessionID,
			MessageID: messageID,
			Kind:      string(info.Kind),
			Code:      info.Code,
			Source:    "upstream",
			Retryable: info.Retryable,
			Detail:    detail,
		})
	}
	t.o.send(t.outbound, protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: t.sessionID,
		MessageID: messageID,
		Reason:    reason,
		Text:      text,
	})
}

// send delivers critical messages with a bounded wait and drops snapshots
// when the writer is behind; a later snapshot or the turn end supersedes them.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		o.metrics.ObserveOutboundMessage(msgType, result)
	}

	if !critical {
		select {
		case outbound <- msg:
			record("delivered")
		default:
			record("dropped")
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}

	timer := time.NewTimer(o.criticalTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
		o.logger.Warn("critical message dropped", zap.String("type", msgType))
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AssistantTurnEnd:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.AssistantTextSnapshot:
		return string(m.Type), false
	default:
		return fmt.Sprintf("%T", msg), false
	}
}

package protocol

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatSend              MessageType = "chat_send"
	TypeClientControl         MessageType = "client_control"
	TypeAssistantTextSnapshot MessageType = "assistant_text_snapshot"
	TypeAssistantTurnEnd      MessageType = "assistant_turn_end"
	TypeSystemEvent           MessageType = "system_event"
	TypeErrorEvent            MessageType = "error_event"
)

// Client control actions.
const (
	ActionCancel = "cancel"
)

// Turn end reasons mirror the terminal message statuses.
const (
	ReasonCompleted = "completed"
	ReasonErrored   = "errored"
	ReasonCancelled = "cancelled"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ChatSend struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
}

// AssistantTextSnapshot carries the full accumulated text so far, not a delta.
// Clients replace what they show with Text.
type AssistantTextSnapshot struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Reason    string      `json:"reason"`
	Text      string      `json:"text"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id,omitempty"`
	Kind      string      `json:"kind"`
	Code      string      `json:"code,omitempty"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatSend:
		var msg ChatSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid chat_send")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

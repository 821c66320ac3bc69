package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	DemoID string `json:"demo_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	DemoID          string    `json:"demo_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Role names follow the chat completion message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of the conversation history sent upstream.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// DefaultHistoryLimit bounds the turns kept per session.
const DefaultHistoryLimit = 40

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

type Session struct {
	ID              string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	DemoID          string    `json:"demo_id"`
	Status          Status    `json:"status"`
	ActiveMessageID string    `json:"active_message_id"`
	CancelCount     int       `json:"cancel_count"`
	History         []Turn    `json:"history,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Manager is an in-memory session registry. A user holds at most one session
// per demo; creating another replaces the index entry.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	historyLimit      int
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		historyLimit:      DefaultHistoryLimit,
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetHistoryLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.historyLimit = n
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, demoID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		DemoID:         demoID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userKey(userID, demoID)] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Lookup returns the active session a user holds for a demo.
func (m *Manager) Lookup(userID, demoID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userKey(userID, demoID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.sessions[id]), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// StartMessage records the message id of the turn currently streaming.
func (m *Manager) StartMessage(sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrEnded
	}
	s.ActiveMessageID = messageID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// FinishMessage clears the active message when it still matches messageID and
// appends turns to the history, dropping the oldest beyond the limit.
func (m *Manager) FinishMessage(sessionID, messageID string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.ActiveMessageID == messageID {
		s.ActiveMessageID = ""
	}
	s.History = append(s.History, turns...)
	if over := len(s.History) - m.historyLimit; over > 0 {
		s.History = append([]Turn(nil), s.History[over:]...)
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.CancelCount++
	s.ActiveMessageID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.endLocked(s, time.Now().UTC())
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.ActiveMessageID = ""
	s.LastActivityAt = now
	if s.UserID == "" {
		return
	}
	key := userKey(s.UserID, s.DemoID)
	if m.sessionByUser[key] == s.ID {
		delete(m.sessionByUser, key)
	}
}

func userKey(userID, demoID string) string {
	return userID + "\x00" + demoID
}

func clone(s *Session) *Session {
	c := *s
	c.History = append([]Turn(nil), s.History...)
	return &c
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-live/kokoro/internal/clock"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	defaultInactivityTimeout = 2 * time.Minute
	defaultEndedRetention    = 10 * time.Minute
)

var ErrNotFound = errors.New("session not found")

// Session is the registry record for one browser conversation. The live
// orchestrator state is mirrored into ConnectionState.
type Session struct {
	ID                string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	Status            Status     `json:"status"`
	PersonaID         string     `json:"persona_id"`
	ConnectionState   string     `json:"connection_state"`
	TurnCount         int        `json:"turn_count"`
	InterruptionCount int        `json:"interruption_count"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

type Option func(*Manager)

// WithClock replaces wall time, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithEndedRetention sets how long ended sessions stay readable before Sweep drops them.
func WithEndedRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

type Manager struct {
	clk               clock.Clock
	inactivityTimeout time.Duration
	retention         time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	onExpire func(*Session)
}

func NewManager(inactivityTimeout time.Duration, opts ...Option) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = defaultInactivityTimeout
	}
	m := &Manager{
		clk:               clock.Real(),
		inactivityTimeout: inactivityTimeout,
		retention:         defaultEndedRetention,
		sessions:          make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExpireHook registers a callback run, outside the lock, for every session
// the janitor ends for inactivity.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, personaID string) *Session {
	now := m.clk.Now().UTC()
	s := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		PersonaID:       personaID,
		Status:          StatusActive,
		ConnectionState: "idle",
		StartedAt:       now,
		LastActivityAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
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

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) SetConnectionState(sessionID, state string) error {
	return m.update(sessionID, func(s *Session) { s.ConnectionState = state })
}

// RecordTurn counts one finalized transcript entry.
func (m *Manager) RecordTurn(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.TurnCount++ })
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.InterruptionCount++ })
}

// End marks the session ended. Ending twice keeps the first EndedAt.
func (m *Manager) End(sessionID string) (*Session, error) {
	var out *Session
	err := m.update(sessionID, func(s *Session) {
		m.endLocked(s, s.LastActivityAt)
		out = clone(s)
	})
	return out, err
}

// update applies fn under the write lock and bumps LastActivityAt.
func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.clk.Now().UTC()
	fn(s)
	return nil
}

func (m *Manager) endLocked(s *Session, at time.Time) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.EndedAt = &at
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

// StartJanitor sweeps the registry every interval until ctx ends.
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
				m.Sweep()
			}
		}
	}()
}

// Sweep ends sessions idle past the inactivity timeout and forgets sessions
// that ended longer ago than the retention window. It returns the number of
// sessions it ended.
func (m *Manager) Sweep() int {
	now := m.clk.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusEnded:
			if s.EndedAt != nil && now.Sub(*s.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
		case now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			m.endLocked(s, now)
			s.LastActivityAt = now
			expired = append(expired, clone(s))
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return len(expired)
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		at := *s.EndedAt
		c.EndedAt = &at
	}
	return &c
}

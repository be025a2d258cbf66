package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrWindowOutOfRange = errors.New("memory window out of range")
)

// Session is the explicit per-browser-session state handle: the UI
// selections (model, persona, window size), the stats counters and the
// topic marker the memory window derives from. All mutation goes through
// the Manager; handlers only ever see copies.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Persona        string    `json:"persona"`
	ModelID        string    `json:"model_id"`
	MemoryWindow   int       `json:"memory_window"`
	TopicSeq       int64     `json:"topic_seq"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Duration reports elapsed session time for the stats panel.
func (s *Session) Duration(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	windowMin         int
	windowMax         int
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration, windowMin, windowMax int) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if windowMin <= 0 {
		windowMin = 1
	}
	if windowMax < windowMin {
		windowMax = windowMin
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		windowMin:         windowMin,
		windowMax:         windowMax,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, personaID, modelID string, memoryWindow int) (*Session, error) {
	if memoryWindow < m.windowMin || memoryWindow > m.windowMax {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrWindowOutOfRange, memoryWindow, m.windowMin, m.windowMax)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Persona:        personaID,
		ModelID:        modelID,
		MemoryWindow:   memoryWindow,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
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
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// UpdateSettings changes the UI selections mid-session. Empty fields are
// left as-is; memoryWindow 0 means unchanged.
func (m *Manager) UpdateSettings(sessionID, personaID, modelID string, memoryWindow int) (*Session, error) {
	if memoryWindow != 0 && (memoryWindow < m.windowMin || memoryWindow > m.windowMax) {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrWindowOutOfRange, memoryWindow, m.windowMin, m.windowMax)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if personaID != "" {
		s.Persona = personaID
	}
	if modelID != "" {
		s.ModelID = modelID
	}
	if memoryWindow != 0 {
		s.MemoryWindow = memoryWindow
	}
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// RecordTurn bumps the stats counters after a successful inference call.
func (m *Manager) RecordTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.TurnCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// NewTopic moves the topic marker so the next prompt window starts
// empty. The displayed transcript is untouched.
func (m *Manager) NewTopic(sessionID string, lastSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if lastSeq > s.TopicSeq {
		s.TopicSeq = lastSeq
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// ResetHistory zeroes the stats and topic marker after a full
// clear-history, which also discards the stored transcript.
func (m *Manager) ResetHistory(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.TurnCount = 0
	s.TopicSeq = 0
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
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
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
		s.Status = StatusEnded
		s.LastActivityAt = now
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

func clone(s *Session) *Session {
	c := *s
	return &c
}

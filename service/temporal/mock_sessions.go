package temporal

import (
	"context"
	"sync"
	"time"
)

// MockSessions is an in-memory Sessions for testing.
type MockSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	inputs   map[string]EnrichAddressInput
	startErr error
}

// NewMockSessions creates a new MockSessions.
func NewMockSessions() *MockSessions {
	return &MockSessions{
		sessions: make(map[string]*Session),
		inputs:   make(map[string]EnrichAddressInput),
	}
}

// StartSession records a running session, or returns the one already running.
func (m *MockSessions) StartSession(ctx context.Context, input EnrichAddressInput) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}

	id := sessionID(input.Address)
	if s, ok := m.sessions[id]; ok && s.Status == StatusRunning {
		return s, nil
	}
	now := time.Now().UTC()
	s := &Session{ID: id, RunID: "run-" + id, Status: StatusRunning, StartedAt: &now}
	m.sessions[id] = s
	m.inputs[id] = input
	return s, nil
}

// SessionStatus returns the recorded session.
func (m *MockSessions) SessionStatus(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Complete marks a session finished with result.
func (m *MockSessions) Complete(id string, result *EnrichAddressResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		now := time.Now().UTC()
		s.Status = StatusCompleted
		s.ClosedAt = &now
		s.Result = result
	}
}

// Input returns the input a session was started with.
func (m *MockSessions) Input(id string) (EnrichAddressInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inputs[id]
	return in, ok
}

// SetStartError makes StartSession fail.
func (m *MockSessions) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

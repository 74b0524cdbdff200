package topoff

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory SettingsStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]*Settings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]*Settings)}
}

func (m *MemoryStore) Get(_ context.Context, orgID string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[orgID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clone(s)
	cp.LastTopoffAt = nil
	cp.ConsecutiveFailures = 0
	if cur, ok := m.settings[s.OrgID]; ok {
		cp.LastTopoffAt = cur.LastTopoffAt
	}
	m.settings[s.OrgID] = cp
	return nil
}

func (m *MemoryStore) update(orgID string, fn func(s *Settings)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[orgID]
	if !ok {
		return ErrSettingsNotFound
	}
	fn(s)
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, orgID string, at time.Time) error {
	return m.update(orgID, func(s *Settings) { s.LastTopoffAt = &at; s.UpdatedAt = at })
}

func (m *MemoryStore) IncrementFailures(_ context.Context, orgID string) (int, error) {
	var n int
	err := m.update(orgID, func(s *Settings) {
		s.ConsecutiveFailures++
		n = s.ConsecutiveFailures
	})
	return n, err
}

func (m *MemoryStore) ResetFailures(_ context.Context, orgID string) error {
	return m.update(orgID, func(s *Settings) { s.ConsecutiveFailures = 0 })
}

func (m *MemoryStore) Disable(_ context.Context, orgID string) error {
	return m.update(orgID, func(s *Settings) { s.Enabled = false })
}

func clone(s *Settings) *Settings {
	cp := *s
	if s.LastTopoffAt != nil {
		t := *s.LastTopoffAt
		cp.LastTopoffAt = &t
	}
	return &cp
}

var _ SettingsStore = (*MemoryStore)(nil)

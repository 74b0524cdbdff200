package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory tenant store for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]*Tenant // by ID
	customers map[string]string  // stripe customer → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]*Tenant),
		customers: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.StripeCustomerID != "" {
		if _, exists := m.customers[t.StripeCustomerID]; exists {
			return ErrCustomerTaken
		}
		m.customers[t.StripeCustomerID] = t.ID
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByStripeCustomerID(_ context.Context, customerID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.customers[customerID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if t.StripeCustomerID != old.StripeCustomerID {
		if owner, exists := m.customers[t.StripeCustomerID]; exists && t.StripeCustomerID != "" && owner != t.ID {
			return ErrCustomerTaken
		}
		delete(m.customers, old.StripeCustomerID)
		if t.StripeCustomerID != "" {
			m.customers[t.StripeCustomerID] = t.ID
		}
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return []*Tenant{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

var _ Store = (*MemoryStore)(nil)

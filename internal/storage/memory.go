package storage

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store.  It backs the standalone CLI (seeded
// from the config file) and tests.  Safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	tenants   map[string]Tenant
	providers map[string]ProviderConfig
	forges    map[string]ForgeConfig // keyed by tenant id
}

// Compile-time check that Memory satisfies Store.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[string]Tenant),
		providers: make(map[string]ProviderConfig),
		forges:    make(map[string]ForgeConfig),
	}
}

// PutTenant adds or replaces a tenant.
func (m *Memory) PutTenant(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

// PutProvider adds or replaces a provider configuration.
func (m *Memory) PutProvider(p ProviderConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
	return nil
}

// PutForgeConfig adds or replaces a tenant's forge configuration.
func (m *Memory) PutForgeConfig(f ForgeConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forges[f.TenantID] = f
}

func (m *Memory) GetTenant(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) ListTenantProviders(_ context.Context, tenantID string) ([]ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderConfig
	for _, p := range m.providers {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetProvider(_ context.Context, id string) (ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) GetTenantForgeConfig(_ context.Context, tenantID string) (ForgeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forges[tenantID]
	if !ok {
		return ForgeConfig{}, fmt.Errorf("forge config for tenant %s: %w", tenantID, ErrNotFound)
	}
	return f, nil
}

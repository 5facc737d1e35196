package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Tenant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetTenant(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	m.PutTenant(Tenant{ID: "tenant-1", Name: "acme"})
	got, err := m.GetTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
}

func TestMemory_Providers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutProvider(ProviderConfig{ID: "p1", TenantID: "tenant-1", Type: "local"}))
	require.NoError(t, m.PutProvider(ProviderConfig{ID: "p2", TenantID: "tenant-2", Type: "aws"}))

	got, err := m.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Type)

	_, err = m.GetProvider(ctx, "p3")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := m.ListTenantProviders(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)
}

func TestMemory_PutProviderValidates(t *testing.T) {
	m := NewMemory()

	err := m.PutProvider(ProviderConfig{ID: "p1", TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")
}

func TestMemory_ForgeConfig(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetTenantForgeConfig(ctx, "tenant-1")
	require.ErrorIs(t, err, ErrNotFound)

	m.PutForgeConfig(ForgeConfig{TenantID: "tenant-1", URL: "https://github.com/acme"})
	got, err := m.GetTenantForgeConfig(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme", got.URL)
}

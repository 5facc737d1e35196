// Package storage defines the contract through which nimbus reads
// tenants, provider configurations, and forge configuration.  The
// interface is implemented by an integrating application; the in-memory
// implementation in this package backs the standalone CLI and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Tenant is the ownership boundary under which machines and providers
// are scoped.
type Tenant struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// ProviderConfig selects and parameterizes a provider backend.  Type is
// the backend discriminator ("local", "aws", "hetzner", "gcp",
// "azure").  Credentials and Config are opaque maps validated only by
// the backend that consumes them.
type ProviderConfig struct {
	ID          string            `yaml:"id" json:"id"`
	TenantID    string            `yaml:"tenant_id" json:"tenant_id"`
	Type        string            `yaml:"type" json:"type"`
	Credentials map[string]string `yaml:"credentials" json:"-"`
	Config      map[string]string `yaml:"config" json:"config"`
}

// ForgeConfig holds the git-forge settings for a tenant.  Runner
// registration itself happens outside this system; the record is read
// so provisioned runners can be pointed at the right forge.
type ForgeConfig struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	URL      string `yaml:"url" json:"url"`
	Token    string `yaml:"token" json:"-"`
}

// Store is the read contract nimbus consumes.  Every public entry
// point takes a Store explicitly; there is no process-wide singleton.
type Store interface {
	GetTenant(ctx context.Context, id string) (Tenant, error)
	ListTenantProviders(ctx context.Context, tenantID string) ([]ProviderConfig, error)
	GetProvider(ctx context.Context, id string) (ProviderConfig, error)
	GetTenantForgeConfig(ctx context.Context, tenantID string) (ForgeConfig, error)
}

// Validate checks the fields every backend needs before dispatch.
func (c ProviderConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider config: id is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("provider config %s: tenant_id is required", c.ID)
	}
	if c.Type == "" {
		return fmt.Errorf("provider config %s: type is required", c.ID)
	}
	return nil
}

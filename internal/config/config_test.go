package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nimbus-ci/nimbus/internal/installer"
	"github.com/nimbus-ci/nimbus/internal/storage"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config that passes Validate().
func validConfig() *Config {
	return &Config{
		Tenants: []storage.Tenant{
			{ID: "tenant-1", Name: "acme"},
		},
		Providers: []storage.ProviderConfig{
			{ID: "prov-1", TenantID: "tenant-1", Type: "local"},
		},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	require.NoError(s.T(), validConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_AppliesDefaults() {
	cfg := validConfig()
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.Equal(s.T(), installer.DefaultRunnerVersion, cfg.Installers.Runner.Version)
	assert.Equal(s.T(), installer.DefaultCurieVersion, cfg.Installers.Curie.Version)
	assert.Equal(s.T(), installer.DefaultGeranosVersion, cfg.Installers.Geranos.Version)
}

func (s *ConfigValidationSuite) TestValidate_DuplicateTenant() {
	cfg := validConfig()
	cfg.Tenants = append(cfg.Tenants, storage.Tenant{ID: "tenant-1"})

	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "duplicate id")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedProviderType() {
	cfg := validConfig()
	cfg.Providers[0].Type = "digitalocean"

	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_ProviderWithUnknownTenant() {
	cfg := validConfig()
	cfg.Providers[0].TenantID = "tenant-9"

	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "unknown tenant")
}

func (s *ConfigValidationSuite) TestValidate_ForgeWithUnknownTenant() {
	cfg := validConfig()
	cfg.Forges = []storage.ForgeConfig{{TenantID: "tenant-9", URL: "https://github.com/acme"}}

	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "unknown tenant")
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Tenants)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
metrics:
  port: 9090
tenants:
  - id: tenant-1
    name: acme
providers:
  - id: prov-1
    tenant_id: tenant-1
    type: local
forges:
  - tenant_id: tenant-1
    url: https://github.com/acme
    token: secret
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "local", cfg.Providers[0].Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NIMBUS_LOG_LEVEL", "warn")
	t.Setenv("NIMBUS_METRICS_PORT", "9191")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func TestNewStore_SeedsFromConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Forges = []storage.ForgeConfig{{TenantID: "tenant-1", URL: "https://github.com/acme"}}
	require.NoError(t, cfg.Validate())

	store, err := cfg.NewStore()
	require.NoError(t, err)

	ctx := context.Background()
	tenant, err := store.GetTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.Name)

	prov, err := store.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "local", prov.Type)

	forge, err := store.GetTenantForgeConfig(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme", forge.URL)
}

func TestNewRegistry_WiresAllBackends(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := cfg.NewRegistry(logger, telemetry.Nop{})

	for _, typ := range []string{"local", "aws", "hetzner", "gcp", "azure"} {
		assert.NotPanics(t, func() { registry.MustGet(typ) }, typ)
	}
	assert.Panics(t, func() { registry.MustGet("digitalocean") })
}

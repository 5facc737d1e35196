// Package config handles loading, validating, and applying
// configuration for nimbus.  Configuration is read from a YAML file
// and can be overridden by environment variables and CLI flags.  The
// file also seeds the in-memory storage backing the standalone CLI:
// tenants, provider configurations, and forge settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/installer"
	"github.com/nimbus-ci/nimbus/internal/provider"
	"github.com/nimbus-ci/nimbus/internal/provider/cloud"
	"github.com/nimbus-ci/nimbus/internal/provider/local"
	"github.com/nimbus-ci/nimbus/internal/setup"
	"github.com/nimbus-ci/nimbus/internal/storage"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Installers InstallersConfig `yaml:"installers"`

	// Tenants, Providers, and Forges seed the in-memory store used by
	// the standalone CLI.  An integrating application supplies its own
	// storage.Store instead.
	Tenants   []storage.Tenant         `yaml:"tenants"`
	Providers []storage.ProviderConfig `yaml:"providers"`
	Forges    []storage.ForgeConfig    `yaml:"forges"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level" env:"NIMBUS_LOG_LEVEL"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format" env:"NIMBUS_LOG_FORMAT"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry / metrics
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics export.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled" env:"NIMBUS_OTEL_ENABLED"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint" env:"NIMBUS_OTEL_ENDPOINT"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure" env:"NIMBUS_OTEL_INSECURE"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout" env:"NIMBUS_OTEL_STDOUT"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Port, when > 0, serves /metrics and /healthz on this port for
	// the duration of the command.  Default: 0 (disabled).
	Port int `yaml:"port" env:"NIMBUS_METRICS_PORT"`
}

// ---------------------------------------------------------------------------
// Installers
// ---------------------------------------------------------------------------

// InstallerConfig pins one tool's version and optionally overrides its
// release endpoint.
type InstallerConfig struct {
	Version    string `yaml:"version"`
	ReleaseURL string `yaml:"release_url"`
}

// InstallersConfig holds per-tool installer settings.
type InstallersConfig struct {
	Runner  InstallerConfig `yaml:"runner"`
	Curie   InstallerConfig `yaml:"curie"`
	Geranos InstallerConfig `yaml:"geranos"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path, then applies environment
// overrides.  A missing file is not an error: env vars and flags can
// supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// supportedProviderTypes are the backend discriminators the registry
// knows how to wire.
var supportedProviderTypes = map[string]bool{
	"local":   true,
	"aws":     true,
	"hetzner": true,
	"gcp":     true,
	"azure":   true,
}

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
	if c.Installers.Runner.Version == "" {
		c.Installers.Runner.Version = installer.DefaultRunnerVersion
	}
	if c.Installers.Curie.Version == "" {
		c.Installers.Curie.Version = installer.DefaultCurieVersion
	}
	if c.Installers.Geranos.Version == "" {
		c.Installers.Geranos.Version = installer.DefaultGeranosVersion
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	tenantIDs := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if tenantIDs[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		tenantIDs[t.ID] = true
	}

	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if !supportedProviderTypes[p.Type] {
			return fmt.Errorf("providers[%d]: type %q is not supported (supported: local, aws, hetzner, gcp, azure)", i, p.Type)
		}
		if !tenantIDs[p.TenantID] {
			return fmt.Errorf("providers[%d]: unknown tenant %q", i, p.TenantID)
		}
	}

	for i, f := range c.Forges {
		if !tenantIDs[f.TenantID] {
			return fmt.Errorf("forges[%d]: unknown tenant %q", i, f.TenantID)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStore creates an in-memory store seeded from the config file.
func (c *Config) NewStore() (*storage.Memory, error) {
	store := storage.NewMemory()
	for _, t := range c.Tenants {
		store.PutTenant(t)
	}
	for _, p := range c.Providers {
		if err := store.PutProvider(p); err != nil {
			return nil, err
		}
	}
	for _, f := range c.Forges {
		store.PutForgeConfig(f)
	}
	return store, nil
}

// NewRegistry wires every supported provider backend.  The local
// backend carries the full setup pipeline; the cloud backends are
// placeholders.
func (c *Config) NewRegistry(logger *slog.Logger, emitter telemetry.Emitter) *provider.Registry {
	conn := connection.New(logger)

	orchestrator := setup.New(setup.Config{
		Connection: conn,
		Runner: installer.NewGitHubRunner(installer.GitHubRunnerConfig{
			Version:    c.Installers.Runner.Version,
			ReleaseURL: c.Installers.Runner.ReleaseURL,
		}, emitter, logger.WithGroup("installer.runner")),
		VMManager: installer.NewCurie(installer.CurieConfig{
			Version:    c.Installers.Curie.Version,
			ReleaseURL: c.Installers.Curie.ReleaseURL,
		}, emitter, logger.WithGroup("installer.curie")),
		ImagePuller: installer.NewGeranos(installer.GeranosConfig{
			Version:    c.Installers.Geranos.Version,
			ReleaseURL: c.Installers.Geranos.ReleaseURL,
		}, emitter, logger.WithGroup("installer.geranos")),
		Logger: logger.WithGroup("setup"),
	})

	registry := provider.NewRegistry()
	registry.Register("local", local.New(local.Config{
		Connection:   conn,
		Orchestrator: orchestrator,
		Logger:       logger.WithGroup("provider.local"),
	}))
	registry.Register("aws", cloud.NewAWS())
	registry.Register("hetzner", cloud.NewPlaceholder("hetzner"))
	registry.Register("gcp", cloud.NewPlaceholder("gcp"))
	registry.Register("azure", cloud.NewPlaceholder("azure"))
	return registry
}

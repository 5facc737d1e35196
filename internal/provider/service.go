package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/storage"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// Service is the tenant-facing entry point to the provider contract.
// It resolves provider configurations through the storage contract,
// enforces ownership before any backend dispatch, gates termination
// behind CanTerminate, and wraps operations in telemetry spans.
type Service struct {
	store    storage.Store
	registry *Registry
	emitter  telemetry.Emitter
	logger   *slog.Logger
}

// ServiceConfig wires a Service.  All dependencies are explicit; there
// is no process-wide default.
type ServiceConfig struct {
	Store    storage.Store
	Registry *Registry
	Emitter  telemetry.Emitter
	Logger   *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		emitter:  cfg.Emitter,
		logger:   cfg.Logger,
	}
}

// resolveConfig loads the provider configuration and checks it belongs
// to the requesting tenant.  Runs before any backend call.
func (s *Service) resolveConfig(ctx context.Context, tenantID, providerID string) (storage.ProviderConfig, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return storage.ProviderConfig{}, err
	}
	cfg, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return storage.ProviderConfig{}, err
	}
	if cfg.TenantID != tenantID {
		return storage.ProviderConfig{}, &OwnershipError{
			TenantID: tenantID,
			OwnerID:  cfg.TenantID,
			Resource: "provider configuration " + providerID,
		}
	}
	return cfg, nil
}

// Provision creates a machine through the tenant's provider
// configuration.
func (s *Service) Provision(ctx context.Context, tenantID, providerID string, specs Specs) (machine.Machine, error) {
	cfg, err := s.resolveConfig(ctx, tenantID, providerID)
	if err != nil {
		return machine.Machine{}, err
	}

	var m machine.Machine
	err = telemetry.Span(ctx, s.emitter, telemetry.CategoryProvider, "provision", telemetry.Metadata{
		"tenant_id":     tenantID,
		"provider_type": cfg.Type,
	}, func(ctx context.Context) (telemetry.Metadata, error) {
		var provErr error
		m, provErr = s.registry.MustGet(cfg.Type).Provision(ctx, cfg, specs)
		if provErr != nil {
			return nil, provErr
		}
		return telemetry.Metadata{"machine_id": m.ID}, nil
	})
	if err != nil {
		return machine.Machine{}, err
	}

	s.logger.Info("machine provisioned",
		slog.String("machineID", m.ID),
		slog.String("tenantID", tenantID),
		slog.String("providerType", cfg.Type),
		slog.String("state", string(m.State)),
	)
	return m, nil
}

// Terminate destroys a machine.  The backend's CanTerminate gate runs
// first; a gated machine is never passed to Terminate.
func (s *Service) Terminate(ctx context.Context, tenantID string, m machine.Machine) error {
	if m.TenantID != tenantID {
		return &OwnershipError{TenantID: tenantID, OwnerID: m.TenantID, Resource: "machine " + m.ID}
	}
	cfg, err := s.resolveConfig(ctx, tenantID, m.ProviderID)
	if err != nil {
		return err
	}

	backend := s.registry.MustGet(cfg.Type)
	if err := backend.CanTerminate(m); err != nil {
		return fmt.Errorf("machine %s cannot be terminated: %w", m.ID, err)
	}

	return telemetry.Span(ctx, s.emitter, telemetry.CategoryProvider, "terminate", telemetry.Metadata{
		"tenant_id":     tenantID,
		"machine_id":    m.ID,
		"provider_type": cfg.Type,
	}, func(ctx context.Context) (telemetry.Metadata, error) {
		return nil, backend.Terminate(ctx, cfg, m)
	})
}

// ListMachines queries the tenant's machines through the backend's own
// discovery mechanism.
func (s *Service) ListMachines(ctx context.Context, tenantID, providerID string) ([]machine.Machine, error) {
	cfg, err := s.resolveConfig(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}
	return s.registry.MustGet(cfg.Type).ListMachines(ctx, cfg, tenantID)
}

// GetMachine looks up one machine.  The provider configuration must be
// supplied explicitly: nimbus does not infer a machine's owning
// provider from its id.
func (s *Service) GetMachine(ctx context.Context, tenantID, providerID, machineID string) (machine.Machine, error) {
	cfg, err := s.resolveConfig(ctx, tenantID, providerID)
	if err != nil {
		return machine.Machine{}, err
	}
	m, err := s.registry.MustGet(cfg.Type).GetMachine(ctx, cfg, machineID)
	if err != nil {
		return machine.Machine{}, err
	}
	if m.TenantID != tenantID {
		return machine.Machine{}, &OwnershipError{TenantID: tenantID, OwnerID: m.TenantID, Resource: "machine " + machineID}
	}
	return m, nil
}

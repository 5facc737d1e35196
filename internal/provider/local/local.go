// Package local implements the provider contract against the host the
// process runs on.  It is the reference backend: provisioning creates
// a machine record for the local host and synchronously runs the full
// setup pipeline, so a successful Provision returns a machine already
// in the ready state.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/provider"
	"github.com/nimbus-ci/nimbus/internal/setup"
	"github.com/nimbus-ci/nimbus/internal/storage"
)

// Config wires the local backend.
type Config struct {
	Connection   *connection.Connection
	Orchestrator *setup.Orchestrator
	Logger       *slog.Logger
}

// Backend is the local provider.
type Backend struct {
	conn         *connection.Connection
	orchestrator *setup.Orchestrator
	logger       *slog.Logger
}

// Compile-time check that Backend satisfies the provider contract.
var _ provider.Provider = (*Backend)(nil)

// New creates the local backend.
func New(cfg Config) *Backend {
	return &Backend{
		conn:         cfg.Connection,
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
	}
}

// Provision creates a machine for the local host and runs setup to
// completion.  OS and arch default to the host's when the specs leave
// them empty.
func (b *Backend) Provision(ctx context.Context, cfg storage.ProviderConfig, specs provider.Specs) (machine.Machine, error) {
	os := specs.OS
	if os == "" {
		os = hostOS()
	}
	arch := specs.Arch
	if arch == "" {
		arch = hostArch()
	}

	id := "machine-" + uuid.NewString()
	m, err := machine.New(id, cfg.TenantID, cfg.ID, os, arch, machine.StateProvisioning)
	if err != nil {
		return machine.Machine{}, err
	}
	m.Labels = specs.Labels
	m.SSHPublicKey = specs.SSHPublicKey
	m.ProviderMetadata["type"] = "local"

	// macOS hosts go through the tool/image install phase; Linux
	// machines jump straight from provisioning to ready.
	if os == machine.OSMacOS {
		m = m.WithState(machine.StateImageInstalling)
	}
	if specs.ImageID != "" {
		imageType := specs.ImageType
		if imageType == "" {
			imageType = machine.ImageTypeNone
		}
		m.Image = &machine.Image{ID: specs.ImageID, Type: imageType, State: machine.ImageProvisioning}
	}

	b.logger.Info("provisioning local machine",
		slog.String("machineID", m.ID),
		slog.String("os", string(os)),
		slog.String("arch", string(arch)),
	)

	m, err = b.orchestrator.Run(ctx, m)
	if err != nil {
		return machine.Machine{}, err
	}

	if specs.SetupScript != "" {
		if _, err := b.conn.Exec(ctx, m, specs.SetupScript, connection.ExecOptions{}); err != nil {
			return machine.Machine{}, fmt.Errorf("running setup script: %w", err)
		}
	}

	if m.Image != nil {
		m.Image.State = machine.ImageReady
		m.Image.InstalledAt = time.Now().UTC()
	}
	return m, nil
}

// Terminate is a no-op: local machines hold no remote resources.
func (b *Backend) Terminate(_ context.Context, _ storage.ProviderConfig, m machine.Machine) error {
	b.logger.Info("terminating local machine", slog.String("machineID", m.ID))
	return nil
}

// CanTerminate always permits termination.
func (b *Backend) CanTerminate(machine.Machine) error { return nil }

// ListMachines returns no results: local machines are not externally
// discoverable and no registry of them is kept.
func (b *Backend) ListMachines(context.Context, storage.ProviderConfig, string) ([]machine.Machine, error) {
	return nil, nil
}

// GetMachine always reports not found, for the same reason.
func (b *Backend) GetMachine(_ context.Context, _ storage.ProviderConfig, machineID string) (machine.Machine, error) {
	return machine.Machine{}, fmt.Errorf("machine %s: %w", machineID, provider.ErrMachineNotFound)
}

func hostOS() machine.OS {
	if runtime.GOOS == "darwin" {
		return machine.OSMacOS
	}
	return machine.OSLinux
}

func hostArch() machine.Arch {
	if runtime.GOARCH == "arm64" {
		return machine.ArchARM64
	}
	return machine.ArchX8664
}

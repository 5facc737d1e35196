// Package setup sequences the preparation of a freshly provisioned
// machine: XDG directory creation, then each tool installer applicable
// to the machine's operating system, in a fixed order.  On success the
// machine is returned with its state advanced to ready.
package setup

import (
	"context"
	"log/slog"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/installer"
	"github.com/nimbus-ci/nimbus/internal/machine"
)

// Config wires an Orchestrator.
type Config struct {
	Connection *connection.Connection

	// Runner is installed on every platform; VMManager and
	// ImagePuller only on macOS, in that order.
	Runner      installer.Installer
	VMManager   installer.Installer
	ImagePuller installer.Installer

	Logger *slog.Logger
}

// Orchestrator runs machine setup.  Steps execute strictly
// sequentially -- the shared cache and install directories make naive
// parallelism unsafe, and no locking exists to permit it.
type Orchestrator struct {
	conn        *connection.Connection
	runner      installer.Installer
	vmManager   installer.Installer
	imagePuller installer.Installer
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		conn:        cfg.Connection,
		runner:      cfg.Runner,
		vmManager:   cfg.VMManager,
		imagePuller: cfg.ImagePuller,
		logger:      cfg.Logger,
	}
}

// Run prepares the machine and returns it in the ready state.  The
// sequence short-circuits on the first failure, and the failing step's
// error is returned unmodified so callers can match on its identity.
//
// The image puller does not depend on anything the VM manager
// installs, but the ordering is fixed for deterministic telemetry
// ordering.
func (o *Orchestrator) Run(ctx context.Context, m machine.Machine) (machine.Machine, error) {
	if err := o.prepareDirs(ctx, m); err != nil {
		return m, err
	}

	runnerPath, err := o.runner.Install(ctx, o.conn, m)
	if err != nil {
		return m, err
	}
	o.logger.Info("runner agent installed",
		slog.String("machineID", m.ID),
		slog.String("path", runnerPath),
	)

	if m.OS == machine.OSMacOS {
		for _, inst := range []installer.Installer{o.vmManager, o.imagePuller} {
			path, err := inst.Install(ctx, o.conn, m)
			if err != nil {
				return m, err
			}
			o.logger.Info("tool installed",
				slog.String("machineID", m.ID),
				slog.String("tool", inst.Name()),
				slog.String("path", path),
			)
		}
	}

	return m.WithState(machine.StateReady), nil
}

// prepareDirs resolves and creates the machine's three XDG home
// directories under the nimbus namespace.
func (o *Orchestrator) prepareDirs(ctx context.Context, m machine.Machine) error {
	resolvers := []func(context.Context, machine.Machine, ...string) (string, error){
		o.conn.XDGDataHome,
		o.conn.XDGCacheHome,
		o.conn.XDGStateHome,
	}
	for _, resolve := range resolvers {
		dir, err := resolve(ctx, m)
		if err != nil {
			return err
		}
		if err := o.conn.MkdirAll(ctx, m, dir); err != nil {
			return err
		}
	}
	return nil
}

// Package installer implements idempotent installation of the
// versioned external tools a runner machine needs.  Every installer
// follows the same sequence against a pinned version: applicability
// gate, install-directory resolution, idempotency probe, release asset
// resolution, download/materialize, then chmod and self-verification.
// The three instances cover the three packaging formats in play: the
// runner agent ships as a tarball, the VM manager as a signed macOS
// .pkg, and the image puller as a raw binary.
package installer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// Installer installs one versioned tool onto a machine via a
// Connection and returns the install path of the tool's entry binary.
// Install is idempotent: a second invocation against a machine that
// already has the binary performs no network download.
type Installer interface {
	Name() string
	Install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error)
}

// archTokens maps an architecture to the asset-name tokens that may
// identify it upstream.
func archTokens(arch machine.Arch) []string {
	switch arch {
	case machine.ArchARM64:
		return []string{"arm64"}
	case machine.ArchX8664:
		return []string{"x86_64", "amd64"}
	default:
		return nil
	}
}

// instrument wraps one full install sequence in a telemetry span with
// {tenant_id, machine_id, os, arch} metadata, adding install_path on
// success.  The installer's error passes through unmodified.
func instrument(
	ctx context.Context,
	e telemetry.Emitter,
	op string,
	m machine.Machine,
	fn func(ctx context.Context) (string, error),
) (string, error) {
	var installPath string
	err := telemetry.Span(ctx, e, telemetry.CategoryMachine, op, telemetry.Metadata{
		"tenant_id":  m.TenantID,
		"machine_id": m.ID,
		"os":         string(m.OS),
		"arch":       string(m.Arch),
	}, func(ctx context.Context) (telemetry.Metadata, error) {
		p, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		installPath = p
		return telemetry.Metadata{"install_path": p}, nil
	})
	if err != nil {
		return "", err
	}
	return installPath, nil
}

// toolDirs resolves and creates the tool's install directory (and bin
// subdirectory when requested) under the machine's XDG data home.
func toolDirs(
	ctx context.Context,
	conn *connection.Connection,
	m machine.Machine,
	tool string,
	withBin bool,
) (installDir, binDir string, err error) {
	installDir, err = conn.XDGDataHome(ctx, m, tool)
	if err != nil {
		return "", "", err
	}
	if err := conn.MkdirAll(ctx, m, installDir); err != nil {
		return "", "", err
	}
	if !withBin {
		return installDir, "", nil
	}
	binDir = installDir + "/bin"
	if err := conn.MkdirAll(ctx, m, binDir); err != nil {
		return "", "", err
	}
	return installDir, binDir, nil
}

// markExecutable sets the executable bit on the binary.
func markExecutable(ctx context.Context, conn *connection.Connection, m machine.Machine, binPath string) error {
	if _, err := conn.Exec(ctx, m, "chmod +x "+connection.Quote(binPath), connection.ExecOptions{}); err != nil {
		return fmt.Errorf("chmod +x %s: %w", binPath, err)
	}
	return nil
}

// verify runs the installed binary with its help/version flag.  A
// non-zero exit is a VerifyError, distinct from a download failure, so
// operators can tell "never arrived" from "arrived broken".
func verify(ctx context.Context, conn *connection.Connection, m machine.Machine, tool, binPath, flag string) error {
	cmd := connection.Quote(binPath) + " " + flag
	if _, err := conn.Exec(ctx, m, cmd, connection.ExecOptions{}); err != nil {
		return &VerifyError{Tool: tool, Path: binPath, Err: err}
	}
	return nil
}

// logSkip notes that the binary is already present.
func logSkip(logger *slog.Logger, m machine.Machine, binPath string) {
	logger.Debug("binary already installed, skipping download",
		slog.String("machineID", m.ID),
		slog.String("path", binPath),
	)
}

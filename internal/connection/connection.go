// Package connection presents one command-execution and
// path-resolution interface over a machine, regardless of whether the
// machine is reached via local process execution or a remote shell.
// The transport is selected per call by inspecting the machine's
// provider metadata, so the same setup logic runs unchanged against
// any target.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/nimbus-ci/nimbus/internal/machine"
)

// ErrNotImplemented is returned by the remote shell transport.  It is
// a deliberate, distinguishable placeholder: call sites and tests can
// tell "not yet built" from "failed at runtime" with errors.Is.
var ErrNotImplemented = errors.New("connection: remote shell transport not implemented")

// DefaultExecTimeout bounds local command execution when the caller
// does not override it.
const DefaultExecTimeout = 5 * time.Minute

// Sentinel tokens printed by the existence probes.  Explicit
// if/then/else tokens are used instead of &&/|| so the probe works on
// any POSIX sh, not just shells with identical short-circuit
// semantics.
const (
	tokenExists  = "__nimbus_exists__"
	tokenMissing = "__nimbus_missing__"
)

// ExecOptions tunes a single Exec call.
type ExecOptions struct {
	// Timeout bounds the command.  Zero means DefaultExecTimeout.
	Timeout time.Duration
}

// Transport executes one command on a target machine, returning merged
// stdout+stderr.  A non-zero exit is an error; no retries happen at
// this layer.
type Transport interface {
	Exec(ctx context.Context, m machine.Machine, command string, opts ExecOptions) (string, error)
}

// Connection dispatches logical operations to the transport matching a
// machine's provider metadata.
type Connection struct {
	local  Transport
	remote Transport
	logger *slog.Logger
}

// New creates a Connection with the default transports.
func New(logger *slog.Logger) *Connection {
	return &Connection{
		local:  &localTransport{logger: logger.WithGroup("exec.local")},
		remote: &remoteTransport{},
		logger: logger,
	}
}

// remoteTypes are the backend discriminators that imply a remote-shell
// transport when present in provider metadata.
var remoteTypes = map[string]bool{
	"aws":     true,
	"hetzner": true,
	"gcp":     true,
	"azure":   true,
}

// transportFor inspects the machine's provider metadata and picks the
// transport.  A "local" discriminator routes to in-process execution;
// an explicit ssh host or any recognized remote backend type routes to
// the remote shell path.
func (c *Connection) transportFor(m machine.Machine) (Transport, error) {
	typ := m.ProviderMetadata["type"]
	switch {
	case m.ProviderMetadata["ssh_host"] != "":
		return c.remote, nil
	case typ == "local":
		return c.local, nil
	case remoteTypes[typ]:
		return c.remote, nil
	default:
		return nil, fmt.Errorf("connection: no transport for machine %s (provider metadata type %q)", m.ID, typ)
	}
}

// Exec runs command on the machine via `sh -c` and returns merged
// stdout+stderr.  Any non-zero exit surfaces as an error.
func (c *Connection) Exec(ctx context.Context, m machine.Machine, command string, opts ExecOptions) (string, error) {
	t, err := c.transportFor(m)
	if err != nil {
		return "", err
	}
	return t.Exec(ctx, m, command, opts)
}

// FileExists probes whether path exists as a regular file on the
// target.
func (c *Connection) FileExists(ctx context.Context, m machine.Machine, p string) (bool, error) {
	return c.probe(ctx, m, "-f", p)
}

// DirExists probes whether path exists as a directory on the target.
func (c *Connection) DirExists(ctx context.Context, m machine.Machine, p string) (bool, error) {
	return c.probe(ctx, m, "-d", p)
}

func (c *Connection) probe(ctx context.Context, m machine.Machine, testFlag, p string) (bool, error) {
	cmd := fmt.Sprintf("if [ %s %s ]; then echo %s; else echo %s; fi",
		testFlag, Quote(p), tokenExists, tokenMissing)
	out, err := c.Exec(ctx, m, cmd, ExecOptions{})
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(out) {
	case tokenExists:
		return true, nil
	case tokenMissing:
		return false, nil
	default:
		return false, fmt.Errorf("connection: unexpected probe output %q", strings.TrimSpace(out))
	}
}

// MkdirAll creates path (and parents) on the target.
func (c *Connection) MkdirAll(ctx context.Context, m machine.Machine, p string) error {
	if _, err := c.Exec(ctx, m, "mkdir -p "+Quote(p), ExecOptions{}); err != nil {
		return fmt.Errorf("mkdir -p %s: %w", p, err)
	}
	return nil
}

// XDGDataHome resolves the machine's XDG data directory under the
// nimbus namespace, joining any subpath elements after resolution.
func (c *Connection) XDGDataHome(ctx context.Context, m machine.Machine, sub ...string) (string, error) {
	return c.xdgHome(ctx, m, "XDG_DATA_HOME", "$HOME/.local/share", sub)
}

// XDGCacheHome resolves the machine's XDG cache directory under the
// nimbus namespace.
func (c *Connection) XDGCacheHome(ctx context.Context, m machine.Machine, sub ...string) (string, error) {
	return c.xdgHome(ctx, m, "XDG_CACHE_HOME", "$HOME/.cache", sub)
}

// XDGStateHome resolves the machine's XDG state directory under the
// nimbus namespace.
func (c *Connection) XDGStateHome(ctx context.Context, m machine.Machine, sub ...string) (string, error) {
	return c.xdgHome(ctx, m, "XDG_STATE_HOME", "$HOME/.local/state", sub)
}

// xdgHome evaluates the XDG fallback expression on the target machine,
// not the calling process: local and remote targets may have different
// home directories and environments.
func (c *Connection) xdgHome(ctx context.Context, m machine.Machine, envVar, fallback string, sub []string) (string, error) {
	expr := fmt.Sprintf(`echo "${%s:-%s}/nimbus"`, envVar, fallback)
	out, err := c.Exec(ctx, m, expr, ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("resolving %s on machine %s: %w", envVar, m.ID, err)
	}
	home := strings.TrimSpace(out)
	if home == "" {
		return "", fmt.Errorf("connection: %s resolved to an empty path on machine %s", envVar, m.ID)
	}
	return path.Join(append([]string{home}, sub...)...), nil
}

// Quote wraps s in single quotes for safe interpolation into a shell
// command, doubling internal single quotes.  Applied uniformly to
// every path regardless of transport.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

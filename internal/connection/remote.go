package connection

import (
	"context"
	"fmt"

	"github.com/nimbus-ci/nimbus/internal/machine"
)

// remoteTransport is the reserved remote-shell (SSH) execution path.
// It is not implemented: every call fails with ErrNotImplemented so
// callers see an explicit placeholder rather than a silent no-op.
type remoteTransport struct{}

var _ Transport = (*remoteTransport)(nil)

func (t *remoteTransport) Exec(_ context.Context, m machine.Machine, _ string, _ ExecOptions) (string, error) {
	return "", fmt.Errorf("exec on machine %s: %w", m.ID, ErrNotImplemented)
}

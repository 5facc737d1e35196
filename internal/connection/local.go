package connection

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/nimbus-ci/nimbus/internal/machine"
)

// localTransport executes commands as local child processes via
// `sh -c`, with stdout and stderr merged and a bounded timeout.
type localTransport struct {
	logger *slog.Logger
}

var _ Transport = (*localTransport)(nil)

func (t *localTransport) Exec(ctx context.Context, m machine.Machine, command string, opts ExecOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.Debug("exec",
		slog.String("machineID", m.ID),
		slog.String("command", command),
	)

	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("exec %q timed out after %s: %w", command, timeout, ctxErr)
		}
		return "", fmt.Errorf("exec %q: %w (output: %s)", command, err, string(out))
	}
	return string(out), nil
}

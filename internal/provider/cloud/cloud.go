// Package cloud holds the reserved cloud provider backends.  None of
// them drives a real cloud API yet: every lifecycle call fails with
// provider.ErrNotImplemented so callers see an explicit placeholder.
// The one piece of real logic is the AWS termination gate, which is a
// pure function of the machine record and is enforced already.
package cloud

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/provider"
	"github.com/nimbus-ci/nimbus/internal/storage"
)

// Placeholder is a reserved backend variant.  Registering it keeps the
// discriminator valid in stored configurations while the real driver
// is built.
type Placeholder struct {
	typ string
}

var _ provider.Provider = (*Placeholder)(nil)

// NewPlaceholder creates a placeholder backend for the given type
// discriminator.
func NewPlaceholder(typ string) *Placeholder {
	return &Placeholder{typ: typ}
}

func (p *Placeholder) notImplemented() error {
	return fmt.Errorf("%s backend: %w", p.typ, provider.ErrNotImplemented)
}

func (p *Placeholder) Provision(context.Context, storage.ProviderConfig, provider.Specs) (machine.Machine, error) {
	return machine.Machine{}, p.notImplemented()
}

func (p *Placeholder) Terminate(context.Context, storage.ProviderConfig, machine.Machine) error {
	return p.notImplemented()
}

func (p *Placeholder) CanTerminate(machine.Machine) error {
	return p.notImplemented()
}

func (p *Placeholder) ListMachines(context.Context, storage.ProviderConfig, string) ([]machine.Machine, error) {
	return nil, p.notImplemented()
}

func (p *Placeholder) GetMachine(context.Context, storage.ProviderConfig, string) (machine.Machine, error) {
	return machine.Machine{}, p.notImplemented()
}

// AWSMinimumAllocation is the minimum billing period for EC2 Mac
// dedicated hosts.  Terminating earlier than this still incurs the
// full charge, so the gate refuses it.
const AWSMinimumAllocation = 24 * time.Hour

// AWS is the reserved EC2 backend.  Lifecycle calls are placeholders,
// but the termination gate is live: it enforces the dedicated-host
// minimum allocation period independently of the orchestrating caller.
type AWS struct {
	*Placeholder
}

var _ provider.Provider = (*AWS)(nil)

// NewAWS creates the AWS backend.
func NewAWS() *AWS {
	return &AWS{Placeholder: NewPlaceholder("aws")}
}

// CanTerminate permits termination only once the machine has been
// allocated for at least AWSMinimumAllocation.
func (a *AWS) CanTerminate(m machine.Machine) error {
	elapsed := time.Since(m.CreatedAt)
	if elapsed >= AWSMinimumAllocation {
		return nil
	}
	remaining := AWSMinimumAllocation - elapsed
	return &provider.MinimumAllocationError{
		Period:         AWSMinimumAllocation,
		HoursRemaining: int(math.Ceil(remaining.Hours())),
	}
}

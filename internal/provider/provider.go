// Package provider defines the capability contract every provisioning
// backend must satisfy, the registry that maps a provider
// configuration's type discriminator to its backend, and the service
// that enforces tenant ownership before any backend dispatch.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/storage"
)

// ErrNotImplemented is returned by placeholder cloud backends.  Like
// the connection transport sentinel, it distinguishes "not yet built"
// from a runtime failure.
var ErrNotImplemented = errors.New("provider: not implemented")

// ErrMachineNotFound is returned by GetMachine when the backend cannot
// discover the machine.
var ErrMachineNotFound = errors.New("provider: machine not found")

// Specs describes the machine a caller wants provisioned.  OS and Arch
// may be left empty for the local backend, which auto-detects them
// from the host; remote backends require both.
type Specs struct {
	OS           machine.OS
	Arch         machine.Arch
	Labels       []string
	SSHPublicKey string
	ImageID      string
	ImageType    machine.ImageType
	SetupScript  string
}

// Provider is the contract every backend variant satisfies.
//
// Provision must return a Machine in the provisioning state minimally
// populated with provider metadata; the local backend additionally
// runs full setup synchronously and returns the machine already ready.
// Terminate must only be invoked after CanTerminate returns nil;
// backends with a minimum-allocation billing constraint enforce this
// independently as a safety net.  ListMachines and GetMachine are
// query-only: no local machine registry exists, the backend's own
// discovery mechanism is the source of truth.
type Provider interface {
	Provision(ctx context.Context, cfg storage.ProviderConfig, specs Specs) (machine.Machine, error)
	Terminate(ctx context.Context, cfg storage.ProviderConfig, m machine.Machine) error
	CanTerminate(m machine.Machine) error
	ListMachines(ctx context.Context, cfg storage.ProviderConfig, tenantID string) ([]machine.Machine, error)
	GetMachine(ctx context.Context, cfg storage.ProviderConfig, machineID string) (machine.Machine, error)
}

// MinimumAllocationError reports that a machine is still inside its
// provider's minimum billing allocation period and cannot be
// terminated yet.
type MinimumAllocationError struct {
	Period         time.Duration
	HoursRemaining int
}

func (e *MinimumAllocationError) Error() string {
	return fmt.Sprintf("machine is inside its %s minimum allocation period (%dh remaining)",
		e.Period, e.HoursRemaining)
}

// OwnershipError reports that a machine or provider configuration does
// not belong to the requesting tenant.  It is raised before any
// backend dispatch.
type OwnershipError struct {
	TenantID string
	OwnerID  string
	Resource string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s is owned by tenant %s, not %s", e.Resource, e.OwnerID, e.TenantID)
}

// Registry maps backend type discriminators to Provider
// implementations.
type Registry struct {
	backends map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Provider)}
}

// Register adds a backend under its type discriminator.
func (r *Registry) Register(typ string, p Provider) {
	r.backends[typ] = p
}

// MustGet returns the backend for the discriminator.  An unregistered
// discriminator is a fatal configuration error: the composition root
// failed to wire a backend the stored configuration references, so we
// fail fast rather than return a recoverable error.
func (r *Registry) MustGet(typ string) Provider {
	p, ok := r.backends[typ]
	if !ok {
		panic(fmt.Sprintf("provider: no backend registered for type %q", typ))
	}
	return p
}

// Types returns the registered discriminators.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.backends))
	for typ := range r.backends {
		out = append(out, typ)
	}
	return out
}

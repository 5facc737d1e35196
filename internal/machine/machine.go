// Package machine defines the Machine entity: one ephemeral CI runner
// instance and its lifecycle state.  Machine is a pure value type --
// it performs no I/O and holds no references to the backend that
// created it.  The owning provider backend is the only component
// allowed to advance State.
package machine

import (
	"fmt"
	"time"
)

// OS identifies the operating system a machine runs.
type OS string

const (
	OSMacOS OS = "macos"
	OSLinux OS = "linux"
)

// Arch identifies the CPU architecture of a machine.
type Arch string

const (
	ArchARM64 Arch = "arm64"
	ArchX8664 Arch = "x86_64"
)

// State is a machine lifecycle state.  Progression is linear:
//
//	provisioning → image_installing → ready → running → stopping → terminated
//
// image_installing is only entered when an image/tool install phase is
// required (macOS); Linux machines with pre-built images may jump from
// provisioning straight to ready.
type State string

const (
	StateProvisioning    State = "provisioning"
	StateImageInstalling State = "image_installing"
	StateReady           State = "ready"
	StateRunning         State = "running"
	StateStopping        State = "stopping"
	StateTerminated      State = "terminated"
)

// ImageType identifies the kind of software image attached to a machine.
type ImageType string

const (
	ImageTypeAMI    ImageType = "ami"
	ImageTypeDocker ImageType = "docker"
	ImageTypeNone   ImageType = "none"
)

// ImageState tracks software-image readiness independently of the
// machine state.
type ImageState string

const (
	ImageProvisioning ImageState = "provisioning"
	ImageReady        ImageState = "ready"
)

// Image is the optional sub-record tracking a machine's software image.
type Image struct {
	ID          string     `json:"id"`
	Type        ImageType  `json:"type"`
	State       ImageState `json:"state"`
	InstalledAt time.Time  `json:"installed_at"`
}

// Machine is the unit of compute under management: one CI runner
// instance.  A Machine is exclusively owned by the provider backend
// that created it; other components borrow it by value and return an
// updated copy.
type Machine struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ProviderID string `json:"provider_id"`

	OS    OS    `json:"os"`
	Arch  Arch  `json:"arch"`
	State State `json:"state"`

	IPAddress    string `json:"ip_address,omitempty"`
	SSHPublicKey string `json:"ssh_public_key,omitempty"`

	// Labels is an ordered set of free-form tags used for
	// scheduling/matching (e.g. "macos", "xcode-15").
	Labels []string `json:"labels,omitempty"`

	Image *Image `json:"image,omitempty"`

	// CreatedAt is set once at provisioning and never mutated.
	CreatedAt time.Time `json:"created_at"`

	// ProviderMetadata is an open key-value bag holding
	// backend-specific handles (instance id, host id, connection
	// parameters).  It is the only place provider-specific state
	// lives and is never interpreted generically: each backend parses
	// its own slice into a typed structure on receipt.
	ProviderMetadata map[string]string `json:"provider_metadata,omitempty"`
}

// New constructs a Machine in the given state, filling optional fields
// with empty defaults.  The identity fields (id, tenant, provider, os,
// arch, state) are required; construction without any of them fails.
func New(id, tenantID, providerID string, os OS, arch Arch, state State) (Machine, error) {
	switch {
	case id == "":
		return Machine{}, fmt.Errorf("machine: id is required")
	case tenantID == "":
		return Machine{}, fmt.Errorf("machine: tenant id is required")
	case providerID == "":
		return Machine{}, fmt.Errorf("machine: provider id is required")
	case os == "":
		return Machine{}, fmt.Errorf("machine: os is required")
	case arch == "":
		return Machine{}, fmt.Errorf("machine: arch is required")
	case state == "":
		return Machine{}, fmt.Errorf("machine: state is required")
	}

	return Machine{
		ID:               id,
		TenantID:         tenantID,
		ProviderID:       providerID,
		OS:               os,
		Arch:             arch,
		State:            state,
		CreatedAt:        time.Now().UTC(),
		ProviderMetadata: map[string]string{},
	}, nil
}

// Ready reports whether the machine can accept or is executing work.
func (m Machine) Ready() bool {
	return m.State == StateReady || m.State == StateRunning
}

// Running reports whether the machine is currently executing a job.
func (m Machine) Running() bool {
	return m.State == StateRunning
}

// Terminated reports whether the machine is on its way out or gone.
// Both stopping and terminated are non-reusable terminal-bound states.
func (m Machine) Terminated() bool {
	return m.State == StateStopping || m.State == StateTerminated
}

// WithState returns a copy of the machine with State replaced.
func (m Machine) WithState(s State) Machine {
	m.State = s
	return m
}

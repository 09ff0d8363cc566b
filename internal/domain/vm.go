package domain

import "time"

// VMStatus is the lifecycle state of a pool VM.
type VMStatus string

const (
	// VMProvisioning means a provider create call is in flight (or was, when
	// the row was left behind by a dead process).
	VMProvisioning VMStatus = "provisioning"
	// VMReady means the VM is booted, reachable, and has no task bound.
	VMReady VMStatus = "ready"
	// VMAssigned means exactly one task is bound to this VM.
	VMAssigned VMStatus = "assigned"
	// VMDestroying means a provider destroy call is in flight.
	VMDestroying VMStatus = "destroying"
	// VMDestroyed is terminal; the row is kept for audit but leaves capacity
	// accounting.
	VMDestroyed VMStatus = "destroyed"
	// VMError is terminal for scheduling purposes; the error reaper retries
	// destruction until the provider confirms the instance is gone.
	VMError VMStatus = "error"
)

// Active reports whether the state counts against a slot's maxPoolSize.
func (s VMStatus) Active() bool {
	switch s {
	case VMProvisioning, VMReady, VMAssigned:
		return true
	}
	return false
}

// Terminal reports whether the state can never be left again by normal
// transitions. VMError can still be moved to VMDestroyed by the error reaper.
func (s VMStatus) Terminal() bool {
	return s == VMDestroyed || s == VMError
}

// VM is a row in the vms table. Identity is the provider-assigned instance
// id; during provisioning a temporary label-based id holds the row's place
// so capacity accounting covers the in-flight create call.
type VM struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Provider  string     `json:"provider"` // slot name, not provider kind
	IP        string     `json:"ip,omitempty"`
	SSHPort   int        `json:"ssh_port,omitempty"`
	Status    VMStatus   `json:"status"`
	TaskID    string     `json:"task_id,omitempty"`
	ImageRef  string     `json:"image_ref,omitempty"`
	Region    string     `json:"region,omitempty"`
	Plan      string     `json:"plan,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	IdleSince *time.Time `json:"idle_since,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// ShortID returns the first 8 characters of the id for display.
func (v *VM) ShortID() string {
	return ShortID(v.ID)
}

// ShortID truncates an opaque identifier for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

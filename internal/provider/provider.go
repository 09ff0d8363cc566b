// Package provider defines the contract between the VM pool and the backing
// virtualization backends. The pool never talks to a cloud API directly; it
// consumes this surface and implementations preserve its behavioral
// contract regardless of how regions, ports, and images map onto the
// backend.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an instance is absent on the provider.
// Destroy paths treat it as success; everywhere else it is a real failure.
var ErrNotFound = errors.New("instance not found")

// Instance is a provider-side VM. IP may be empty immediately after
// CreateInstance; WaitForReady blocks until the instance reports active
// with a non-loopback address.
type Instance struct {
	ID      string
	IP      string
	SSHPort int
	Status  string
}

// CreateSpec carries the slot parameters for a create call.
type CreateSpec struct {
	Region     string
	Plan       string
	SnapshotID string
	Label      string
	SSHKeyIDs  []string
}

// Provider is the capability set a backend must implement.
type Provider interface {
	// CreateInstance starts provisioning. It may return before the instance
	// has an IP assigned.
	CreateInstance(ctx context.Context, spec CreateSpec) (*Instance, error)
	// WaitForReady blocks until the instance is active with a routable IP,
	// or the timeout elapses.
	WaitForReady(ctx context.Context, id string, timeout time.Duration) (*Instance, error)
	// GetInstance fetches current instance state, or ErrNotFound.
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListInstances enumerates instances, optionally filtered by label
	// prefix. Used by reconcile to find leaked resources.
	ListInstances(ctx context.Context, labelFilter string) ([]*Instance, error)
	// DestroyInstance tears the instance down. Destroying an absent
	// instance returns ErrNotFound.
	DestroyInstance(ctx context.Context, id string) error
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
}

// Snapshotter is implemented by providers that support image capture.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, id, name string) (string, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Routable reports whether ip is a usable non-loopback address.
func Routable(ip string) bool {
	return ip != "" && ip != "127.0.0.1" && ip != "::1" && ip != "0.0.0.0"
}

// Package pool manages the fleet of agent VMs across the configured
// provider slots: capacity control, warm reuse, pre-warming, and the
// reapers that reclaim idle, stale, and orphaned machines.
//
// # Design rationale
//
// Provisioning a VM takes tens of seconds to minutes, so released machines
// are held warm (ready with an idle timestamp) and handed to the next task
// instead of being destroyed. Capacity is bounded per slot; acquisition
// fills the highest-priority slot first and overflows to later slots.
//
// # Persistence model
//
// All pool state lives in the store. In-process timers only reduce reap
// latency; the persistent scans (ReapIdle, ReapStaleProvisioning,
// ReleaseOrphans) are authoritative and make the pool recoverable after a
// process crash.
//
// # Invariants
//
//   - For each slot, rows in provisioning/ready/assigned never exceed
//     maxPoolSize; a provisioning placeholder row is inserted before the
//     provider call so in-flight creates are counted.
//   - A VM row has a task id exactly when its status is assigned.
//   - idle_since is non-null only on ready rows, and is cleared on any
//     acquire or destroy.
//
// # Failure behaviour
//
// Transient provider errors never remove a VM from accounting unless it is
// explicitly destroyed. A failed destroy routes the row through the error
// state, where the error reaper retries until the provider confirms the
// instance is gone.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/store"
)

// ErrPoolAtCapacity is returned when every slot is at maxPoolSize.
var ErrPoolAtCapacity = errors.New("vm pool at capacity")

const (
	// StaleTaskMax is the heartbeat gap after which an in-flight task is
	// considered dead and eligible for force-fail.
	StaleTaskMax = 10 * time.Minute
	// StaleProvisionMax is how long a row may sit in provisioning before
	// the reaper assumes its creating process died.
	StaleProvisionMax = 10 * time.Minute
	// DefaultWaitTimeout bounds Provider.WaitForReady.
	DefaultWaitTimeout = 300 * time.Second
	// provisionAttempts bounds acquire's provision-with-retry; transient
	// create failures are common in local virtualization.
	provisionAttempts = 2

	// labelPrefix marks provider instances owned by this installation.
	labelPrefix = "hal-"
)

// Manager is the VM pool. Safe for concurrent use; correctness rests on
// short store transactions, not long-held locks.
type Manager struct {
	store     *store.Store
	providers *provider.Registry
	slots     []domain.Slot

	group       singleflight.Group
	waitTimeout time.Duration

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New builds a pool manager. Slots keep configured order for priority
// tie-breaks.
func New(s *store.Store, reg *provider.Registry, slots []domain.Slot) *Manager {
	ordered := make([]domain.Slot, len(slots))
	copy(ordered, slots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Manager{
		store:       s,
		providers:   reg,
		slots:       ordered,
		waitTimeout: DefaultWaitTimeout,
		timers:      make(map[string]*time.Timer),
	}
}

// Slots returns the configured slots in priority order.
func (m *Manager) Slots() []domain.Slot { return m.slots }

// SetWaitTimeout overrides the wait-for-ready budget (tests use a short
// one).
func (m *Manager) SetWaitTimeout(d time.Duration) { m.waitTimeout = d }

func (m *Manager) slot(name string) *domain.Slot {
	for i := range m.slots {
		if m.slots[i].Name == name {
			return &m.slots[i]
		}
	}
	return nil
}

func (m *Manager) providerFor(slot *domain.Slot) (provider.Provider, error) {
	p, err := m.providers.Get(slot.Provider)
	if err != nil {
		return nil, fmt.Errorf("slot %s: %w", slot.Name, err)
	}
	return p, nil
}

func (m *Manager) totalCapacity() int {
	total := 0
	for i := range m.slots {
		total += m.slots[i].MaxPoolSize
	}
	return total
}

// safeGo runs f on its own goroutine with panic recovery, so background
// pool maintenance can never crash the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in pool maintenance", "panic", r)
			}
		}()
		f()
	}()
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/observability"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/store"
)

// Release returns a VM to the warm pool after its task finished. Slots
// with a non-positive idle timeout do not keep machines warm, so the VM
// is destroyed inline instead.
func (m *Manager) Release(ctx context.Context, vmID string) error {
	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return err
	}
	slot := m.slot(vm.Provider)
	if slot == nil || !slot.KeepsWarm() {
		return m.Destroy(ctx, vmID)
	}

	if err := m.store.ReleaseVMToIdle(vmID); err != nil {
		return fmt.Errorf("release vm %s: %w", domain.ShortID(vmID), err)
	}
	logging.Op().Info("vm released to warm pool", "vm", domain.ShortID(vmID),
		"slot", slot.Name, "idle_timeout", slot.IdleTimeout)
	m.scheduleIdleReap(vmID, slot.IdleTimeout)
	return nil
}

// Destroy tears down a VM end to end: the row goes through destroying, the
// provider destroy is issued, and the row lands in destroyed on success or
// error on failure. A provider not-found means the instance is already
// gone and counts as success.
func (m *Manager) Destroy(ctx context.Context, vmID string) error {
	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return err
	}
	if vm.Status == domain.VMDestroyed {
		return nil
	}
	slot := m.slot(vm.Provider)
	if slot == nil {
		return fmt.Errorf("vm %s references unknown slot %q", vm.ShortID(), vm.Provider)
	}
	p, err := m.providerFor(slot)
	if err != nil {
		return err
	}

	m.cancelIdleReap(vmID)
	if err := m.store.SetVMDestroying(vmID); err != nil {
		return err
	}
	destroyCtx, span := observability.StartSpan(ctx, "provider.destroy_instance",
		observability.AttrVMID.String(vmID), observability.AttrSlot.String(slot.Name))
	err = p.DestroyInstance(destroyCtx, vmID)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		observability.SetSpanError(span, err)
		span.End()
		m.store.SetVMError(vmID, err.Error())
		return fmt.Errorf("destroy instance %s: %w", vm.ShortID(), err)
	}
	span.End()
	if err := m.store.SetVMDestroyed(vmID); err != nil {
		return err
	}
	metrics.Default().VMsDestroyed.WithLabelValues(slot.Name).Inc()
	logging.Op().Info("vm destroyed", "vm", vm.ShortID(), "slot", slot.Name)
	return nil
}

// scheduleIdleReap arms an in-process timer that destroys the VM when its
// idle timeout elapses. The timer is advisory only; the persistent ReapIdle
// scan covers VMs whose timer died with the process.
func (m *Manager) scheduleIdleReap(vmID string, after time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[vmID]; ok {
		t.Stop()
	}
	m.timers[vmID] = time.AfterFunc(after, func() {
		m.timerMu.Lock()
		delete(m.timers, vmID)
		m.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		vm, err := m.store.GetVM(vmID)
		if err != nil || vm.Status != domain.VMReady || vm.TaskID != "" {
			return
		}
		logging.Op().Info("idle timeout elapsed", "vm", domain.ShortID(vmID))
		if err := m.Destroy(ctx, vmID); err != nil {
			logging.Op().Warn("idle reap destroy failed", "vm", domain.ShortID(vmID), "error", err)
		} else {
			metrics.Default().VMsReaped.WithLabelValues("idle").Inc()
		}
	})
}

func (m *Manager) cancelIdleReap(vmID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[vmID]; ok {
		t.Stop()
		delete(m.timers, vmID)
	}
}

// ReapIdle destroys warm VMs that have outlived their slot's idle timeout.
// This is the persistent counterpart to the advisory timers.
func (m *Manager) ReapIdle(ctx context.Context) (int, error) {
	vms, err := m.store.ListIdleVMs()
	if err != nil {
		return 0, err
	}
	reaped := 0
	now := time.Now()
	for _, vm := range vms {
		slot := m.slot(vm.Provider)
		if slot == nil {
			continue
		}
		// A zero idle timeout means the slot never keeps machines warm;
		// anything stranded ready there is already overdue.
		if slot.KeepsWarm() && vm.IdleSince != nil && now.Sub(*vm.IdleSince) < slot.IdleTimeout {
			continue
		}
		if err := m.Destroy(ctx, vm.ID); err != nil {
			logging.Op().Warn("idle reap failed", "vm", vm.ShortID(), "error", err)
			continue
		}
		metrics.Default().VMsReaped.WithLabelValues("idle").Inc()
		reaped++
	}
	return reaped, nil
}

// ReapStaleProvisioning destroys VMs stuck in provisioning longer than
// StaleProvisionMax, which happens when the process that was creating them
// died mid-provision.
func (m *Manager) ReapStaleProvisioning(ctx context.Context) (int, error) {
	vms, err := m.store.ListStaleProvisioning(time.Now().Add(-StaleProvisionMax))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, vm := range vms {
		logging.Op().Warn("reaping stale provisioning vm", "vm", vm.ShortID(),
			"age", time.Since(vm.UpdatedAt).Round(time.Second))
		if err := m.Destroy(ctx, vm.ID); err != nil {
			logging.Op().Warn("stale provisioning reap failed", "vm", vm.ShortID(), "error", err)
			continue
		}
		metrics.Default().VMsReaped.WithLabelValues("stale_provisioning").Inc()
		reaped++
	}
	return reaped, nil
}

// ReapErrorVMs retries the provider destroy for VMs parked in the error
// state. The row is marked destroyed whether or not the provider call
// succeeds this round; a still-live instance will be picked up again by
// Reconcile against the provider listing.
func (m *Manager) ReapErrorVMs(ctx context.Context) (int, error) {
	vms, err := m.store.ListVMsByStatus(domain.VMError, domain.VMDestroying)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, vm := range vms {
		slot := m.slot(vm.Provider)
		if slot != nil {
			if p, perr := m.providerFor(slot); perr == nil {
				if derr := p.DestroyInstance(ctx, vm.ID); derr != nil && !errors.Is(derr, provider.ErrNotFound) {
					logging.Op().Warn("error reap destroy failed", "vm", vm.ShortID(), "error", derr)
				}
			}
		}
		if err := m.store.SetVMDestroyed(vm.ID); err != nil {
			continue
		}
		metrics.Default().VMsReaped.WithLabelValues("error").Inc()
		reaped++
	}
	return reaped, nil
}

const staleTaskResult = "Stale task (process died)"

// ReleaseOrphans reclaims assigned VMs whose task is terminal or gone, and
// force-fails in-flight tasks whose heartbeat stopped more than
// StaleTaskMax ago. Reclaimed VMs go back to the warm pool when their slot
// keeps machines warm, otherwise they are destroyed.
func (m *Manager) ReleaseOrphans(ctx context.Context) (int, error) {
	released := 0

	orphans, err := m.store.ListOrphanedVMs()
	if err != nil {
		return 0, err
	}
	for _, vm := range orphans {
		logging.Op().Warn("releasing orphaned vm", "vm", vm.ShortID(), "task", domain.ShortID(vm.TaskID))
		if err := m.reclaim(ctx, vm); err != nil {
			logging.Op().Warn("orphan release failed", "vm", vm.ShortID(), "error", err)
			continue
		}
		released++
	}

	stale, err := m.store.ListStaleAssignedVMs(time.Now().Add(-StaleTaskMax))
	if err != nil {
		return released, err
	}
	for _, vm := range stale {
		slot := m.slot(vm.Provider)
		idle := slot != nil && slot.KeepsWarm()
		logging.Op().Warn("force-failing stale task", "task", domain.ShortID(vm.TaskID), "vm", vm.ShortID())
		if err := m.store.FailTaskReleaseVM(vm.TaskID, staleTaskResult, vm.ID, idle); err != nil {
			logging.Op().Warn("stale task release failed", "vm", vm.ShortID(), "error", err)
			continue
		}
		if idle {
			m.scheduleIdleReap(vm.ID, slot.IdleTimeout)
		} else if err := m.finishDestroy(ctx, vm); err != nil {
			logging.Op().Warn("stale task vm destroy failed", "vm", vm.ShortID(), "error", err)
		}
		released++
	}

	if released > 0 {
		metrics.Default().OrphansReleased.Add(float64(released))
	}
	return released, nil
}

// reclaim returns an orphaned VM to the warm pool or destroys it,
// depending on whether its slot keeps machines warm.
func (m *Manager) reclaim(ctx context.Context, vm *domain.VM) error {
	slot := m.slot(vm.Provider)
	if slot == nil || !slot.KeepsWarm() {
		return m.Destroy(ctx, vm.ID)
	}
	if err := m.store.ReleaseVMToIdle(vm.ID); err != nil {
		return err
	}
	m.scheduleIdleReap(vm.ID, slot.IdleTimeout)
	return nil
}

// finishDestroy completes the provider-side destroy for a row already moved
// to destroying inside a store transaction.
func (m *Manager) finishDestroy(ctx context.Context, vm *domain.VM) error {
	slot := m.slot(vm.Provider)
	if slot == nil {
		return m.store.SetVMDestroyed(vm.ID)
	}
	p, err := m.providerFor(slot)
	if err != nil {
		return err
	}
	if err := p.DestroyInstance(ctx, vm.ID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		m.store.SetVMError(vm.ID, err.Error())
		return err
	}
	if err := m.store.SetVMDestroyed(vm.ID); err != nil {
		return err
	}
	metrics.Default().VMsDestroyed.WithLabelValues(slot.Name).Inc()
	return nil
}

// EnsureWarm tops each slot up to its minReady count of unassigned warm
// VMs. Provisioning placeholders count toward the target so concurrent
// passes do not over-provision.
func (m *Manager) EnsureWarm(ctx context.Context) error {
	var firstErr error
	for i := range m.slots {
		slot := &m.slots[i]
		if slot.MinReady <= 0 {
			continue
		}
		warm, err := m.store.CountUnassignedWarm(slot.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		active, err := m.store.CountActiveVMs(slot.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for warm < slot.MinReady && active < slot.MaxPoolSize {
			vm, err := m.ProvisionForSlot(ctx, slot)
			if err != nil {
				logging.Op().Warn("warm top-up provision failed", "slot", slot.Name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			if _, err := m.WaitForVM(ctx, vm); err != nil {
				logging.Op().Warn("warm top-up wait failed", "vm", vm.ShortID(), "error", err)
				if derr := m.Destroy(ctx, vm.ID); derr != nil {
					logging.Op().Warn("warm top-up destroy failed", "vm", vm.ShortID(), "error", derr)
				}
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			warm++
			active++
		}
	}
	return firstErr
}

// ReconcileResult summarizes one pass against the providers.
type ReconcileResult struct {
	Updated   int
	Destroyed int
}

// Reconcile is the full maintenance pass: compare store rows against live
// provider listings, then run every reaper and top the warm pool back up.
// Rows whose instance disappeared are marked destroyed; live instances
// carrying this installation's label but unknown to the store are destroyed
// so leaked capacity is never billed silently; provisioning rows whose
// instance came up while nobody was waiting are promoted to ready.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}

	for i := range m.slots {
		slot := &m.slots[i]
		p, err := m.providerFor(slot)
		if err != nil {
			return res, err
		}
		instances, err := p.ListInstances(ctx, labelPrefix)
		if err != nil {
			logging.Op().Warn("reconcile listing failed", "slot", slot.Name, "error", err)
			continue
		}
		live := make(map[string]*provider.Instance, len(instances))
		for _, inst := range instances {
			live[inst.ID] = inst
		}

		vms, err := m.store.ListVMsByStatus(domain.VMProvisioning, domain.VMReady,
			domain.VMAssigned, domain.VMDestroying, domain.VMError)
		if err != nil {
			return res, err
		}
		for _, vm := range vms {
			if vm.Provider != slot.Name {
				continue
			}
			if vm.Status == domain.VMProvisioning {
				// Placeholder rows still carry their label id; the create
				// may be in flight in another goroutine, so only the stale
				// provisioning reaper may touch them.
				if strings.HasPrefix(vm.ID, labelPrefix) {
					continue
				}
				inst, ok := live[vm.ID]
				if ok && inst.Status == "running" && inst.IP != "" {
					// The creating process died between adopting the
					// instance and marking it ready.
					if err := m.store.MarkVMReady(vm.ID, inst.IP, inst.SSHPort); err != nil {
						logging.Op().Warn("reconcile promote failed", "vm", vm.ShortID(), "error", err)
						continue
					}
					logging.Op().Info("promoted orphaned provisioning vm", "vm", vm.ShortID(), "slot", slot.Name)
					m.scheduleIdleReap(vm.ID, slot.IdleTimeout)
					res.Updated++
					continue
				}
				if ok {
					continue
				}
				// Not live: fall through to the vanished handling below.
			}
			if _, ok := live[vm.ID]; ok {
				continue
			}
			logging.Op().Warn("vm vanished from provider", "vm", vm.ShortID(), "slot", slot.Name)
			if vm.TaskID != "" {
				err = m.store.FailTaskReleaseVM(vm.TaskID, "VM disappeared from provider", vm.ID, false)
				if err == nil {
					err = m.store.SetVMDestroyed(vm.ID)
				}
			} else {
				err = m.store.SetVMDestroyed(vm.ID)
			}
			if err != nil {
				logging.Op().Warn("reconcile update failed", "vm", vm.ShortID(), "error", err)
				continue
			}
			res.Updated++
		}

		// Instances we own by label but have no row for: leaked capacity.
		// The listing is already filtered to our label prefix.
		for id := range live {
			if _, err := m.store.GetVM(id); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				continue
			}
			logging.Op().Warn("destroying untracked instance", "instance", domain.ShortID(id), "slot", slot.Name)
			if derr := p.DestroyInstance(ctx, id); derr != nil && !errors.Is(derr, provider.ErrNotFound) {
				logging.Op().Warn("untracked destroy failed", "instance", domain.ShortID(id), "error", derr)
				continue
			}
			res.Destroyed++
		}
	}

	// The reapers run on every pass so one Reconcile call leaves the pool
	// fully settled: stale tasks force-failed, orphaned and expired VMs
	// reclaimed, then the warm pool topped back up.
	if _, err := m.ReleaseOrphans(ctx); err != nil {
		logging.Op().Warn("orphan release during reconcile failed", "error", err)
	}
	if _, err := m.ReapIdle(ctx); err != nil {
		logging.Op().Warn("idle reap during reconcile failed", "error", err)
	}
	if _, err := m.ReapStaleProvisioning(ctx); err != nil {
		logging.Op().Warn("stale provisioning reap during reconcile failed", "error", err)
	}
	if _, err := m.ReapErrorVMs(ctx); err != nil {
		logging.Op().Warn("error reap during reconcile failed", "error", err)
	}
	if err := m.EnsureWarm(ctx); err != nil {
		logging.Op().Warn("warm top-up during reconcile failed", "error", err)
	}
	metrics.Default().ReconcilePasses.Inc()
	return res, nil
}

package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/observability"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/store"
)

// PickSlot returns the first slot (by ascending priority, configured order
// on ties) whose active VM count is below maxPoolSize. This is the "fill
// local first, overflow to cloud" policy.
func (m *Manager) PickSlot() (*domain.Slot, error) {
	for i := range m.slots {
		slot := &m.slots[i]
		n, err := m.store.CountActiveVMs(slot.Name)
		if err != nil {
			return nil, fmt.Errorf("count active vms for %s: %w", slot.Name, err)
		}
		if n < slot.MaxPoolSize {
			return slot, nil
		}
	}
	return nil, fmt.Errorf("%w (total max: %d)", ErrPoolAtCapacity, m.totalCapacity())
}

func newLabel(slot *domain.Slot) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return labelPrefix + slot.Name + "-" + hex.EncodeToString(buf)
}

// Provision picks a slot and provisions a VM into it.
func (m *Manager) Provision(ctx context.Context) (*domain.VM, error) {
	slot, err := m.PickSlot()
	if err != nil {
		return nil, err
	}
	return m.ProvisionForSlot(ctx, slot)
}

// ProvisionForSlot creates a VM in the given slot. The insert happens
// before the provider call so the row holds the slot's capacity while the
// create is in flight; on success the row's identity is swapped to the
// provider-assigned id, on failure the row is marked error.
func (m *Manager) ProvisionForSlot(ctx context.Context, slot *domain.Slot) (*domain.VM, error) {
	p, err := m.providerFor(slot)
	if err != nil {
		return nil, err
	}

	label := newLabel(slot)
	vm := &domain.VM{
		ID:       label,
		Label:    label,
		Provider: slot.Name,
		Status:   domain.VMProvisioning,
		ImageRef: slot.SnapshotID,
		Region:   slot.Region,
		Plan:     slot.Plan,
	}
	if err := m.store.CreateVM(vm); err != nil {
		return nil, fmt.Errorf("insert provisioning row: %w", err)
	}

	logging.Op().Info("provisioning vm", "slot", slot.Name, "label", label)
	start := time.Now()
	createCtx, span := observability.StartSpan(ctx, "provider.create_instance",
		observability.AttrSlot.String(slot.Name))
	inst, err := p.CreateInstance(createCtx, provider.CreateSpec{
		Region:     slot.Region,
		Plan:       slot.Plan,
		SnapshotID: slot.SnapshotID,
		Label:      label,
		SSHKeyIDs:  slot.SSHKeyIDs,
	})
	if err != nil {
		observability.SetSpanError(span, err)
		span.End()
		m.store.SetVMError(label, err.Error())
		return nil, fmt.Errorf("create instance in %s: %w", slot.Name, err)
	}
	span.SetAttributes(observability.AttrVMID.String(inst.ID))
	span.End()

	if err := m.store.RenameVM(label, inst.ID, inst.IP, inst.SSHPort); err != nil {
		return nil, fmt.Errorf("adopt instance %s: %w", inst.ID, err)
	}
	vm.ID = inst.ID
	vm.IP = inst.IP
	vm.SSHPort = inst.SSHPort

	metrics.Default().VMsProvisioned.WithLabelValues(slot.Name).Inc()
	metrics.ObserveDuration(metrics.Default().ProvisionDuration, start)
	logging.Op().Info("vm provisioned", "slot", slot.Name, "vm", domain.ShortID(inst.ID), "ip", inst.IP)
	return vm, nil
}

// WaitForVM blocks until the provider reports the VM active with a routable
// address, then promotes the row to ready. On error the row stays in
// provisioning; the caller is expected to destroy it.
func (m *Manager) WaitForVM(ctx context.Context, vm *domain.VM) (*domain.VM, error) {
	slot := m.slot(vm.Provider)
	if slot == nil {
		return nil, fmt.Errorf("vm %s references unknown slot %q", vm.ShortID(), vm.Provider)
	}
	p, err := m.providerFor(slot)
	if err != nil {
		return nil, err
	}

	waitCtx, span := observability.StartSpan(ctx, "provider.wait_ready",
		observability.AttrVMID.String(vm.ID), observability.AttrSlot.String(slot.Name))
	inst, err := p.WaitForReady(waitCtx, vm.ID, m.waitTimeout)
	if err != nil {
		observability.SetSpanError(span, err)
		span.End()
		return nil, fmt.Errorf("wait for vm %s: %w", vm.ShortID(), err)
	}
	span.End()
	if err := m.store.MarkVMReady(vm.ID, inst.IP, inst.SSHPort); err != nil {
		return nil, err
	}
	vm.Status = domain.VMReady
	vm.IP = inst.IP
	vm.SSHPort = inst.SSHPort
	return vm, nil
}

// Acquire hands a ready VM to the task: housekeeping, warm reuse when a
// ready unassigned VM exists, otherwise provision-with-retry, then the
// atomic task-binding transaction. A warm-pool top-up is triggered in the
// background before returning.
func (m *Manager) Acquire(ctx context.Context, taskID string) (*domain.VM, error) {
	// Pre-acquire housekeeping, in order. Failures are logged, not fatal:
	// a broken reaper must not block scheduling.
	if _, err := m.ReleaseOrphans(ctx); err != nil {
		logging.Op().Warn("release orphans failed", "error", err)
	}
	if _, err := m.ReapStaleProvisioning(ctx); err != nil {
		logging.Op().Warn("reap stale provisioning failed", "error", err)
	}
	if _, err := m.ReapIdle(ctx); err != nil {
		logging.Op().Warn("reap idle failed", "error", err)
	}

	for {
		vm, err := m.store.FindReadyVM()
		switch {
		case err == nil:
			metrics.Default().WarmHits.Inc()
			logging.Op().Info("reusing warm vm", "vm", vm.ShortID(), "slot", vm.Provider)
		case errors.Is(err, store.ErrNotFound):
			vm, err = m.provisionWithRetry(ctx)
			if err != nil {
				return nil, err
			}
			metrics.Default().ColdProvisions.Inc()
		default:
			return nil, fmt.Errorf("scan for ready vm: %w", err)
		}

		m.cancelIdleReap(vm.ID)
		if err := m.store.BindVMToTask(vm.ID, taskID); err != nil {
			if errors.Is(err, store.ErrVMTaken) {
				// Lost the bind race to a concurrent acquire; scan again.
				logging.Op().Info("vm taken by concurrent acquire, rescanning", "vm", vm.ShortID())
				continue
			}
			return nil, fmt.Errorf("bind vm %s to task: %w", vm.ShortID(), err)
		}
		vm.Status = domain.VMAssigned
		vm.TaskID = taskID
		vm.IdleSince = nil

		safeGo(func() { m.triggerEnsureWarm() })
		return vm, nil
	}
}

// provisionWithRetry provisions and waits for a fresh VM, retrying once on
// failure. A failed attempt's VM is destroyed before the retry so it never
// lingers in ready.
func (m *Manager) provisionWithRetry(ctx context.Context) (*domain.VM, error) {
	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		vm, err := m.Provision(ctx)
		if err != nil {
			if errors.Is(err, ErrPoolAtCapacity) {
				return nil, err
			}
			lastErr = err
		} else {
			vm, err = m.WaitForVM(ctx, vm)
			if err == nil {
				return vm, nil
			}
			lastErr = err
			if derr := m.Destroy(ctx, vm.ID); derr != nil {
				logging.Op().Warn("destroy failed provision attempt", "vm", vm.ShortID(), "error", derr)
			}
		}
		if attempt < provisionAttempts {
			metrics.Default().ProvisionRetries.Inc()
			logging.Op().Warn("provision attempt failed, retrying",
				"attempt", attempt, "error", lastErr)
		}
	}
	return nil, fmt.Errorf("provision failed after %d attempts: %w", provisionAttempts, lastErr)
}

func (m *Manager) triggerEnsureWarm() {
	// singleflight collapses concurrent top-up triggers into one pass.
	m.group.Do("ensure-warm", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.waitTimeout+time.Minute)
		defer cancel()
		if err := m.EnsureWarm(ctx); err != nil {
			logging.Op().Warn("warm pool top-up failed", "error", err)
		}
		return nil, nil
	})
}

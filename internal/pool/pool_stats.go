package pool

import (
	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/metrics"
)

// SlotStatus is a point-in-time occupancy snapshot of one slot.
type SlotStatus struct {
	Slot         domain.Slot
	Provisioning int
	Ready        int
	Assigned     int
	Error        int
}

// Active returns the count charged against the slot's capacity.
func (s SlotStatus) Active() int {
	return s.Provisioning + s.Ready + s.Assigned
}

// Status reports occupancy per slot and refreshes the pool gauge.
func (m *Manager) Status() ([]SlotStatus, error) {
	vms, err := m.store.ListVMsByStatus(
		domain.VMProvisioning, domain.VMReady, domain.VMAssigned, domain.VMError)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*SlotStatus, len(m.slots))
	out := make([]SlotStatus, len(m.slots))
	for i := range m.slots {
		out[i] = SlotStatus{Slot: m.slots[i]}
		byName[m.slots[i].Name] = &out[i]
	}
	for _, vm := range vms {
		st, ok := byName[vm.Provider]
		if !ok {
			continue
		}
		switch vm.Status {
		case domain.VMProvisioning:
			st.Provisioning++
		case domain.VMReady:
			st.Ready++
		case domain.VMAssigned:
			st.Assigned++
		case domain.VMError:
			st.Error++
		}
	}

	g := metrics.Default().PoolVMs
	for i := range out {
		name := out[i].Slot.Name
		g.WithLabelValues(name, string(domain.VMProvisioning)).Set(float64(out[i].Provisioning))
		g.WithLabelValues(name, string(domain.VMReady)).Set(float64(out[i].Ready))
		g.WithLabelValues(name, string(domain.VMAssigned)).Set(float64(out[i].Assigned))
		g.WithLabelValues(name, string(domain.VMError)).Set(float64(out[i].Error))
	}
	return out, nil
}

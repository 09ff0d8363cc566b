package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/store"
)

// fakeProvider is an in-memory Provider for pool tests.
type fakeProvider struct {
	mu          sync.Mutex
	seq         int
	failCreates int
	instances   map[string]*provider.Instance
	destroyed   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{instances: make(map[string]*provider.Instance)}
}

func (f *fakeProvider) CreateInstance(ctx context.Context, spec provider.CreateSpec) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates > 0 {
		f.failCreates--
		return nil, errors.New("create failed")
	}
	f.seq++
	inst := &provider.Instance{
		ID:      fmt.Sprintf("i-%d", f.seq),
		IP:      fmt.Sprintf("10.0.0.%d", f.seq),
		SSHPort: 22,
		Status:  "running",
	}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeProvider) WaitForReady(ctx context.Context, id string, timeout time.Duration) (*provider.Instance, error) {
	return f.GetInstance(ctx, id)
}

func (f *fakeProvider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return inst, nil
}

func (f *fakeProvider) ListInstances(ctx context.Context, labelFilter string) ([]*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeProvider) DestroyInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return provider.ErrNotFound
	}
	delete(f.instances, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeProvider) StartInstance(ctx context.Context, id string) error { return nil }
func (f *fakeProvider) StopInstance(ctx context.Context, id string) error  { return nil }

func testSlot(max int, idle time.Duration) domain.Slot {
	return domain.Slot{
		Name:        "local",
		Provider:    "fake",
		SnapshotID:  "img-1",
		MaxPoolSize: max,
		IdleTimeout: idle,
	}
}

func newTestPool(t *testing.T, fp *fakeProvider, slots ...domain.Slot) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	reg := provider.NewRegistry(map[string]provider.Provider{"fake": fp})
	return New(s, reg, slots), s
}

func createTask(t *testing.T, s *store.Store, id string) {
	t.Helper()
	err := s.CreateTask(&domain.Task{
		ID:      id,
		Slug:    "slug-" + id,
		RepoURL: "https://github.com/acme/widgets",
		Status:  domain.TaskPending,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestAcquireProvisionsWhenPoolEmpty(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")

	vm, err := m.Acquire(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if vm.Status != domain.VMAssigned || vm.TaskID != "task-1" {
		t.Fatalf("vm not assigned: %+v", vm)
	}
	if !strings.HasPrefix(vm.ID, "i-") {
		t.Fatalf("row kept placeholder id %q after provision", vm.ID)
	}
	task, _ := s.GetTask("task-1")
	if task.VMID != vm.ID {
		t.Fatalf("task vm_id = %q, want %q", task.VMID, vm.ID)
	}
}

func TestAcquireReusesWarmVM(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	createTask(t, s, "task-2")

	vm1, err := m.Acquire(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	exit := 0
	s.FinishTask("task-1", domain.TaskCompleted, "ok", &exit)
	if err := m.Release(context.Background(), vm1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	vm2, err := m.Acquire(context.Background(), "task-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if vm2.ID != vm1.ID {
		t.Fatalf("warm vm not reused: got %s, want %s", vm2.ID, vm1.ID)
	}
	if fp.seq != 1 {
		t.Fatalf("provisioned %d instances, want 1", fp.seq)
	}
}

func TestPickSlotAtCapacity(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(1, time.Hour))
	createTask(t, s, "task-1")

	if _, err := m.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.PickSlot()
	if !errors.Is(err, ErrPoolAtCapacity) {
		t.Fatalf("want ErrPoolAtCapacity, got %v", err)
	}
	if !strings.Contains(err.Error(), "at capacity (total max: 1)") {
		t.Fatalf("capacity message = %q", err.Error())
	}
}

func TestPickSlotOverflowsByPriority(t *testing.T) {
	fp := newFakeProvider()
	local := testSlot(1, time.Hour)
	cloud := domain.Slot{Name: "cloud", Provider: "fake", SnapshotID: "img-2", MaxPoolSize: 2, Priority: 1}
	m, s := newTestPool(t, fp, cloud, local)

	slot, err := m.PickSlot()
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if slot.Name != "local" {
		t.Fatalf("want priority slot local first, got %s", slot.Name)
	}

	createTask(t, s, "task-1")
	if _, err := m.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	slot, err = m.PickSlot()
	if err != nil {
		t.Fatalf("pick after fill: %v", err)
	}
	if slot.Name != "cloud" {
		t.Fatalf("full local slot did not overflow to cloud, got %s", slot.Name)
	}
}

func TestProvisionRetriesOnCreateFailure(t *testing.T) {
	fp := newFakeProvider()
	fp.failCreates = 1
	m, s := newTestPool(t, fp, testSlot(3, time.Hour))
	createTask(t, s, "task-1")

	vm, err := m.Acquire(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("acquire with one create failure: %v", err)
	}
	if vm.Status != domain.VMAssigned {
		t.Fatalf("vm status = %s", vm.Status)
	}
	failed, err := s.ListVMsByStatus(domain.VMError)
	if err != nil {
		t.Fatalf("list error vms: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed attempt rows = %d, want 1", len(failed))
	}
}

func TestProvisionGivesUpAfterBoundedRetries(t *testing.T) {
	fp := newFakeProvider()
	fp.failCreates = 10
	m, s := newTestPool(t, fp, testSlot(5, time.Hour))
	createTask(t, s, "task-1")

	if _, err := m.Acquire(context.Background(), "task-1"); err == nil {
		t.Fatal("acquire succeeded with provider down")
	}
	task, _ := s.GetTask("task-1")
	if task.Status != domain.TaskPending {
		t.Fatalf("task transitioned without a vm: %s", task.Status)
	}
}

func TestReleaseKeepsWarmOrDestroys(t *testing.T) {
	t.Run("warm slot idles the vm", func(t *testing.T) {
		fp := newFakeProvider()
		m, s := newTestPool(t, fp, testSlot(2, time.Hour))
		createTask(t, s, "task-1")
		vm, _ := m.Acquire(context.Background(), "task-1")
		exit := 0
		s.FinishTask("task-1", domain.TaskCompleted, "ok", &exit)

		if err := m.Release(context.Background(), vm.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
		got, _ := s.GetVM(vm.ID)
		if got.Status != domain.VMReady || got.IdleSince == nil {
			t.Fatalf("vm not idled: %+v", got)
		}
	})

	t.Run("zero idle timeout destroys inline", func(t *testing.T) {
		fp := newFakeProvider()
		m, s := newTestPool(t, fp, testSlot(2, 0))
		createTask(t, s, "task-1")
		vm, _ := m.Acquire(context.Background(), "task-1")
		exit := 0
		s.FinishTask("task-1", domain.TaskCompleted, "ok", &exit)

		if err := m.Release(context.Background(), vm.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
		got, _ := s.GetVM(vm.ID)
		if got.Status != domain.VMDestroyed {
			t.Fatalf("vm status = %s, want destroyed", got.Status)
		}
		if len(fp.destroyed) != 1 {
			t.Fatalf("provider destroys = %d, want 1", len(fp.destroyed))
		}
	})
}

func TestDestroyIdempotent(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")

	if err := m.Destroy(context.Background(), vm.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	// Second destroy: provider reports not found, row already destroyed.
	if err := m.Destroy(context.Background(), vm.ID); err != nil {
		t.Fatalf("repeat destroy: %v", err)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMDestroyed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestReapIdle(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Minute))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")
	exit := 0
	s.FinishTask("task-1", domain.TaskCompleted, "ok", &exit)
	m.Release(context.Background(), vm.ID)

	// Fresh idle vm survives.
	n, err := m.ReapIdle(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh reap = %d, %v", n, err)
	}

	// Backdate idle_since past the slot timeout.
	old := time.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE vms SET idle_since = ? WHERE id = ?`, old, vm.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	n, err = m.ReapIdle(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("stale reap = %d, %v", n, err)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMDestroyed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestReapStaleProvisioning(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))

	err := s.CreateVM(&domain.VM{
		ID: "hal-local-dead", Label: "hal-local-dead",
		Provider: "local", Status: domain.VMProvisioning,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	old := time.Now().Add(-20 * time.Minute).UTC().Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE vms SET updated_at = ? WHERE id = ?`, old, "hal-local-dead"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := m.ReapStaleProvisioning(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reap = %d, %v", n, err)
	}
	got, _ := s.GetVM("hal-local-dead")
	if got.Status != domain.VMDestroyed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestReleaseOrphansReturnsVMOfTerminalTask(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")

	// Task finished but the process died before releasing the VM.
	exit := 0
	s.FinishTask("task-1", domain.TaskCompleted, "ok", &exit)

	n, err := m.ReleaseOrphans(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("release orphans = %d, %v", n, err)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMReady || got.TaskID != "" {
		t.Fatalf("orphan not returned to pool: %+v", got)
	}
}

func TestReleaseOrphansForceFailsStaleHeartbeat(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")
	s.SetTaskStatus("task-1", domain.TaskRunning)

	old := time.Now().Add(-20 * time.Minute).UTC().Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, old, "task-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := m.ReleaseOrphans(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("release orphans = %d, %v", n, err)
	}
	task, _ := s.GetTask("task-1")
	if task.Status != domain.TaskFailed || task.Result != "Stale task (process died)" {
		t.Fatalf("stale task not force-failed: %+v", task)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMReady {
		t.Fatalf("vm status = %s, want ready", got.Status)
	}
}

func TestEnsureWarmTopsUpToMinReady(t *testing.T) {
	fp := newFakeProvider()
	slot := testSlot(3, time.Hour)
	slot.MinReady = 2
	m, s := newTestPool(t, fp, slot)

	if err := m.EnsureWarm(context.Background()); err != nil {
		t.Fatalf("ensure warm: %v", err)
	}
	ready, err := s.ListVMsByStatus(domain.VMReady)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready = %d, want 2", len(ready))
	}
	// Idempotent: a second pass provisions nothing.
	if err := m.EnsureWarm(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if fp.seq != 2 {
		t.Fatalf("provisioned %d, want 2", fp.seq)
	}
}

func TestReconcileMarksVanishedVMs(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")
	s.SetTaskStatus("task-1", domain.TaskRunning)

	// The instance disappears behind the store's back.
	fp.mu.Lock()
	delete(fp.instances, vm.ID)
	fp.mu.Unlock()

	res, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMDestroyed {
		t.Fatalf("vanished vm status = %s", got.Status)
	}
	task, _ := s.GetTask("task-1")
	if task.Status != domain.TaskFailed {
		t.Fatalf("task on vanished vm = %s, want failed", task.Status)
	}
}

func TestReconcileForceFailsStaleTask(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))
	createTask(t, s, "task-1")
	vm, _ := m.Acquire(context.Background(), "task-1")
	s.SetTaskStatus("task-1", domain.TaskRunning)

	// The orchestrator died; the VM is still live but the heartbeat is old.
	old := time.Now().Add(-15 * time.Minute).UTC().Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, old, "task-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	task, _ := s.GetTask("task-1")
	if task.Status != domain.TaskFailed || task.Result != "Stale task (process died)" {
		t.Fatalf("stale task survived reconcile: %+v", task)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMReady || got.TaskID != "" {
		t.Fatalf("vm not reclaimed: %+v", got)
	}
}

func TestReconcilePromotesLiveProvisioning(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, time.Hour))

	// Provision adopted the instance but the process died before the row
	// was promoted to ready.
	vm, err := m.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	before, _ := s.GetVM(vm.ID)
	if before.Status != domain.VMProvisioning {
		t.Fatalf("precondition: status = %s", before.Status)
	}

	res, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}
	got, _ := s.GetVM(vm.ID)
	if got.Status != domain.VMReady || got.TaskID != "" || got.IP == "" {
		t.Fatalf("provisioning row not promoted: %+v", got)
	}
}

func TestReapIdleDestroysStrandedZeroTimeoutVM(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(2, 0))

	// A VM left ready in a slot that never keeps machines warm, e.g. after
	// a failed release-time destroy.
	now := time.Now()
	err := s.CreateVM(&domain.VM{
		ID: "i-9", Label: "hal-local-9", Provider: "local",
		Status: domain.VMReady, IP: "10.0.0.9", SSHPort: 22, IdleSince: &now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := m.ReapIdle(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reap = %d, %v", n, err)
	}
	got, _ := s.GetVM("i-9")
	if got.Status != domain.VMDestroyed {
		t.Fatalf("status = %s, want destroyed", got.Status)
	}
}

func TestStatusCountsBySlot(t *testing.T) {
	fp := newFakeProvider()
	m, s := newTestPool(t, fp, testSlot(3, time.Hour))
	createTask(t, s, "task-1")
	m.Acquire(context.Background(), "task-1")

	vm2, err := m.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := m.WaitForVM(context.Background(), vm2); err != nil {
		t.Fatalf("wait: %v", err)
	}

	stats, err := m.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("slots = %d", len(stats))
	}
	st := stats[0]
	if st.Assigned != 1 || st.Ready != 1 {
		t.Fatalf("counts = %+v, want 1 assigned / 1 ready", st)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hal9999/hal/internal/agent"
	"github.com/hal9999/hal/internal/config"
	"github.com/hal9999/hal/internal/credentials"
	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/pool"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/store"
	"github.com/hal9999/hal/internal/tasks"
)

type stubProvider struct {
	mu        sync.Mutex
	seq       int
	instances map[string]*provider.Instance
}

func newStubProvider() *stubProvider {
	return &stubProvider{instances: make(map[string]*provider.Instance)}
}

func (f *stubProvider) CreateInstance(ctx context.Context, spec provider.CreateSpec) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	inst := &provider.Instance{ID: fmt.Sprintf("i-%d", f.seq), IP: "10.0.0.9", SSHPort: 22, Status: "running"}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *stubProvider) WaitForReady(ctx context.Context, id string, timeout time.Duration) (*provider.Instance, error) {
	return f.GetInstance(ctx, id)
}

func (f *stubProvider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return inst, nil
}

func (f *stubProvider) ListInstances(ctx context.Context, labelFilter string) ([]*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *stubProvider) DestroyInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return provider.ErrNotFound
	}
	delete(f.instances, id)
	return nil
}

func (f *stubProvider) StartInstance(ctx context.Context, id string) error { return nil }
func (f *stubProvider) StopInstance(ctx context.Context, id string) error  { return nil }

func testOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *pool.Manager) {
	t.Helper()
	dataDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Slots = []domain.Slot{{
		Name: "local", Provider: "stub", SnapshotID: "img-1",
		MaxPoolSize: 2, IdleTimeout: time.Hour,
	}}

	s, err := store.Open(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := provider.NewRegistry(map[string]provider.Provider{"stub": newStubProvider()})
	pm := pool.New(s, reg, cfg.Slots)
	tm := tasks.NewManager(s)
	catalog, err := agent.NewCatalog("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	o := New(cfg, s, tm, pm, catalog, credentials.NewOracle(s))
	return o, s, pm
}

func TestRecoverFailsTaskStuckInSetup(t *testing.T) {
	o, s, pm := testOrchestrator(t)

	task, err := o.tasks.Create("https://github.com/acme/widgets", "fix it", "claude", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	vm, err := pm.Acquire(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// The process died after binding, before the agent launched.
	o.tasks.MarkAssigned(task.ID)

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	gotVM, _ := s.GetVM(vm.ID)
	if gotVM.Status != domain.VMReady || gotVM.TaskID != "" {
		t.Fatalf("vm not released: %+v", gotVM)
	}
}

func TestRecoverFailsRunningTaskWithDeadVM(t *testing.T) {
	o, s, _ := testOrchestrator(t)

	task, err := o.tasks.Create("https://github.com/acme/widgets", "fix it", "claude", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o.tasks.MarkRunning(task.ID)
	// Running with no VM bound: the binding never survived the crash.

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestRecoverLeavesTerminalTasksAlone(t *testing.T) {
	o, s, _ := testOrchestrator(t)

	task, _ := o.tasks.Create("https://github.com/acme/widgets", "fix it", "claude", "")
	o.tasks.MarkRunning(task.ID)
	o.tasks.Complete(task.ID, "3 files changed", 0)

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != domain.TaskCompleted || got.Result != "3 files changed" {
		t.Fatalf("terminal task disturbed: %+v", got)
	}
}

func TestRecoverForceFailsStaleRunningTask(t *testing.T) {
	o, s, pm := testOrchestrator(t)

	task, err := o.tasks.Create("https://github.com/acme/widgets", "fix it", "claude", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	vm, err := pm.Acquire(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	o.tasks.MarkRunning(task.ID)

	// The VM is still live, but the heartbeat stopped long ago: the
	// process that was polling this task died.
	old := time.Now().Add(-15 * time.Minute).UTC().Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, old, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if got.Result != "Stale task (process died)" {
		t.Fatalf("result = %q", got.Result)
	}
	gotVM, _ := s.GetVM(vm.ID)
	if gotVM.Status != domain.VMReady || gotVM.TaskID != "" {
		t.Fatalf("vm not released: %+v", gotVM)
	}
}

func TestSubmitRejectsUnknownAgent(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	if _, err := o.StartTask("https://github.com/acme/widgets", "fix it", Options{Agent: "nope"}); err == nil {
		t.Fatal("unknown agent accepted")
	}
}

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hal9999/hal/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertVM(t *testing.T, s *Store, id string, status domain.VMStatus) *domain.VM {
	t.Helper()
	vm := &domain.VM{
		ID:       id,
		Label:    id,
		Provider: "local",
		Status:   status,
		IP:       "10.0.0.1",
		SSHPort:  22,
	}
	if err := s.CreateVM(vm); err != nil {
		t.Fatalf("create vm: %v", err)
	}
	return vm
}

func insertTask(t *testing.T, s *Store, id string, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:      id,
		Slug:    "slug-" + id,
		RepoURL: "https://github.com/acme/widgets",
		Context: "fix the bug",
		Agent:   "claude",
		Status:  status,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestVMRoundTrip(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)

	got, err := s.GetVM("vm-1")
	if err != nil {
		t.Fatalf("get vm: %v", err)
	}
	if got.Status != domain.VMProvisioning || got.IP != "10.0.0.1" || got.SSHPort != 22 {
		t.Fatalf("unexpected vm: %+v", got)
	}
	if _, err := s.GetVM("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRenameVM(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "hal-local-abcd", domain.VMProvisioning)

	if err := s.RenameVM("hal-local-abcd", "i-123", "192.168.1.5", 22); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := s.GetVM("hal-local-abcd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old id still resolves: %v", err)
	}
	got, err := s.GetVM("i-123")
	if err != nil {
		t.Fatalf("get renamed: %v", err)
	}
	if got.IP != "192.168.1.5" {
		t.Fatalf("ip not updated: %q", got.IP)
	}
	if err := s.RenameVM("gone", "x", "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename of missing row: %v", err)
	}
}

func TestMarkVMReadySetsIdleSince(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)

	if err := s.MarkVMReady("vm-1", "10.0.0.2", 22); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	got, _ := s.GetVM("vm-1")
	if got.Status != domain.VMReady {
		t.Fatalf("status = %s", got.Status)
	}
	if got.IdleSince == nil {
		t.Fatal("idle_since not set on ready vm")
	}
}

func TestBindVMToTaskAtomic(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	s.MarkVMReady("vm-1", "10.0.0.2", 22)
	insertTask(t, s, "task-1", domain.TaskPending)

	if err := s.BindVMToTask("vm-1", "task-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	vm, _ := s.GetVM("vm-1")
	if vm.Status != domain.VMAssigned || vm.TaskID != "task-1" {
		t.Fatalf("vm not bound: %+v", vm)
	}
	if vm.IdleSince != nil {
		t.Fatal("idle_since survives binding")
	}
	task, _ := s.GetTask("task-1")
	if task.VMID != "vm-1" {
		t.Fatalf("task vm_id = %q", task.VMID)
	}
	if err := s.BindVMToTask("gone", "task-1"); !errors.Is(err, ErrVMTaken) {
		t.Fatalf("bind of missing vm: %v", err)
	}
}

func TestBindVMToTaskLosesRaceToFirstBinder(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	s.MarkVMReady("vm-1", "10.0.0.2", 22)
	insertTask(t, s, "task-c", domain.TaskPending)
	insertTask(t, s, "task-d", domain.TaskPending)

	// Both acquirers scanned the same warm VM; only the first bind wins.
	if _, err := s.FindReadyVM(); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, err := s.FindReadyVM(); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if err := s.BindVMToTask("vm-1", "task-c"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := s.BindVMToTask("vm-1", "task-d"); !errors.Is(err, ErrVMTaken) {
		t.Fatalf("second bind did not lose the race: %v", err)
	}

	vm, _ := s.GetVM("vm-1")
	if vm.TaskID != "task-c" {
		t.Fatalf("vm bound to %q, want task-c", vm.TaskID)
	}
	loser, _ := s.GetTask("task-d")
	if loser.VMID != "" {
		t.Fatalf("losing task recorded vm_id %q", loser.VMID)
	}
	winner, _ := s.GetTask("task-c")
	if winner.VMID != "vm-1" {
		t.Fatalf("winning task vm_id = %q", winner.VMID)
	}
}

func TestTerminalVMStatesClearTaskBinding(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   func(*Store) error
	}{
		{"destroying", func(s *Store) error { return s.SetVMDestroying("vm-1") }},
		{"destroyed", func(s *Store) error { return s.SetVMDestroyed("vm-1") }},
		{"error", func(s *Store) error { return s.SetVMError("vm-1", "boom") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := openTestStore(t)
			insertVM(t, s, "vm-1", domain.VMProvisioning)
			s.MarkVMReady("vm-1", "10.0.0.2", 22)
			insertTask(t, s, "task-1", domain.TaskPending)
			s.BindVMToTask("vm-1", "task-1")

			if err := tc.op(s); err != nil {
				t.Fatalf("transition: %v", err)
			}
			vm, _ := s.GetVM("vm-1")
			if vm.TaskID != "" {
				t.Fatalf("task binding survived transition to %s", vm.Status)
			}
			if vm.IdleSince != nil {
				t.Fatal("idle_since survived transition")
			}
		})
	}
}

func TestFindReadyVMPrefersMostRecentlyIdled(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-old", domain.VMProvisioning)
	s.MarkVMReady("vm-old", "10.0.0.2", 22)
	time.Sleep(10 * time.Millisecond)
	insertVM(t, s, "vm-new", domain.VMProvisioning)
	s.MarkVMReady("vm-new", "10.0.0.3", 22)

	got, err := s.FindReadyVM()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "vm-new" {
		t.Fatalf("want most recently idled, got %s", got.ID)
	}
}

func TestFindReadyVMSkipsAssigned(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	s.MarkVMReady("vm-1", "10.0.0.2", 22)
	insertTask(t, s, "task-1", domain.TaskPending)
	s.BindVMToTask("vm-1", "task-1")

	if _, err := s.FindReadyVM(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assigned vm offered as warm: %v", err)
	}
}

func TestCountActiveVMs(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	insertVM(t, s, "vm-2", domain.VMProvisioning)
	s.MarkVMReady("vm-2", "10.0.0.3", 22)
	insertVM(t, s, "vm-3", domain.VMProvisioning)
	s.SetVMDestroyed("vm-3")

	n, err := s.CountActiveVMs("local")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("active = %d, want 2 (destroyed must not count)", n)
	}
}

func TestTaskTerminalStatusSticky(t *testing.T) {
	s := openTestStore(t)
	insertTask(t, s, "task-1", domain.TaskPending)

	exit := 0
	if err := s.FinishTask("task-1", domain.TaskCompleted, "done", &exit); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.SetTaskStatus("task-1", domain.TaskRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal task accepted transition: %v", err)
	}
	if err := s.FinishTask("task-1", domain.TaskFailed, "late", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal task re-finished: %v", err)
	}
	got, _ := s.GetTask("task-1")
	if got.Status != domain.TaskCompleted || got.Result != "done" {
		t.Fatalf("terminal state overwritten: %+v", got)
	}
}

func TestSetTaskStatusStampsStartedAtOnce(t *testing.T) {
	s := openTestStore(t)
	insertTask(t, s, "task-1", domain.TaskPending)

	s.SetTaskStatus("task-1", domain.TaskRunning)
	first, _ := s.GetTask("task-1")
	if first.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
	time.Sleep(10 * time.Millisecond)
	s.SetTaskStatus("task-1", domain.TaskRunning)
	second, _ := s.GetTask("task-1")
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Fatal("started_at overwritten on repeat transition")
	}
}

func TestTouchTaskMovesHeartbeat(t *testing.T) {
	s := openTestStore(t)
	insertTask(t, s, "task-1", domain.TaskRunning)
	before, _ := s.GetTask("task-1")

	time.Sleep(10 * time.Millisecond)
	if err := s.TouchTask("task-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := s.GetTask("task-1")
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatal("updated_at did not advance")
	}
}

func TestGetTaskBySlugOrID(t *testing.T) {
	s := openTestStore(t)
	insertTask(t, s, "aaaa-bbbb-cccc", domain.TaskPending)

	for _, ref := range []string{"slug-aaaa-bbbb-cccc", "aaaa-bbbb-cccc", "aaaa"} {
		got, err := s.GetTaskBySlugOrID(ref)
		if err != nil {
			t.Fatalf("resolve %q: %v", ref, err)
		}
		if got.ID != "aaaa-bbbb-cccc" {
			t.Fatalf("resolve %q returned %s", ref, got.ID)
		}
	}
	if _, err := s.GetTaskBySlugOrID("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing ref: %v", err)
	}
}

func TestListOrphanedVMs(t *testing.T) {
	s := openTestStore(t)

	// Assigned VM whose task completed.
	insertVM(t, s, "vm-done", domain.VMProvisioning)
	s.MarkVMReady("vm-done", "10.0.0.2", 22)
	insertTask(t, s, "task-done", domain.TaskPending)
	s.BindVMToTask("vm-done", "task-done")
	exit := 0
	s.FinishTask("task-done", domain.TaskCompleted, "ok", &exit)

	// Assigned VM with a live task.
	insertVM(t, s, "vm-live", domain.VMProvisioning)
	s.MarkVMReady("vm-live", "10.0.0.3", 22)
	insertTask(t, s, "task-live", domain.TaskPending)
	s.BindVMToTask("vm-live", "task-live")
	s.SetTaskStatus("task-live", domain.TaskRunning)

	orphans, err := s.ListOrphanedVMs()
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "vm-done" {
		t.Fatalf("orphans = %+v, want only vm-done", orphans)
	}
}

func TestListStaleAssignedVMs(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	s.MarkVMReady("vm-1", "10.0.0.2", 22)
	insertTask(t, s, "task-1", domain.TaskPending)
	s.BindVMToTask("vm-1", "task-1")
	s.SetTaskStatus("task-1", domain.TaskRunning)

	stale, err := s.ListStaleAssignedVMs(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh heartbeat reported stale: %+v", stale)
	}

	// Backdate the heartbeat past the cutoff.
	old := encodeTime(time.Now().Add(-20 * time.Minute))
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, old, "task-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	stale, err = s.ListStaleAssignedVMs(time.Now().Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "vm-1" {
		t.Fatalf("stale = %+v, want vm-1", stale)
	}
}

func TestFailTaskReleaseVM(t *testing.T) {
	s := openTestStore(t)
	insertVM(t, s, "vm-1", domain.VMProvisioning)
	s.MarkVMReady("vm-1", "10.0.0.2", 22)
	insertTask(t, s, "task-1", domain.TaskPending)
	s.BindVMToTask("vm-1", "task-1")
	s.SetTaskStatus("task-1", domain.TaskRunning)

	if err := s.FailTaskReleaseVM("task-1", "Stale task (process died)", "vm-1", true); err != nil {
		t.Fatalf("fail+release: %v", err)
	}
	task, _ := s.GetTask("task-1")
	if task.Status != domain.TaskFailed || task.Result != "Stale task (process died)" {
		t.Fatalf("task not force-failed: %+v", task)
	}
	vm, _ := s.GetVM("vm-1")
	if vm.Status != domain.VMReady || vm.TaskID != "" || vm.IdleSince == nil {
		t.Fatalf("vm not returned to warm pool: %+v", vm)
	}
}

func TestConfigKV(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetConfigValue("GITHUB_TOKEN", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfigValue("GITHUB_TOKEN", "def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.GetConfigValue("GITHUB_TOKEN")
	if err != nil || v != "def" {
		t.Fatalf("get = %q, %v", v, err)
	}
	if err := s.DeleteConfigValue("GITHUB_TOKEN"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConfigValue("GITHUB_TOKEN"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key still resolves: %v", err)
	}
}

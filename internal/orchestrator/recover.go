package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/events"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/remote"
	"github.com/hal9999/hal/internal/store"
	"github.com/hal9999/hal/internal/wrapper"
)

// Recover puts the world back together after a process restart: reconcile
// the pool against the providers, then resolve every in-flight task. Tasks
// stuck in assigned never finished setup and are failed; running tasks
// with a live VM get their poll loop respawned, skipping setup.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if _, err := o.pool.Reconcile(ctx); err != nil {
		logging.Op().Warn("reconcile during recover failed", "error", err)
	}

	inflight, err := o.tasks.InFlight()
	if err != nil {
		return err
	}
	for _, t := range inflight {
		switch t.Status {
		case domain.TaskAssigned:
			logging.Op().Warn("recovering task stuck in setup", "task", t.Slug)
			o.failRecovered(ctx, t, "Setup interrupted by restart")
		case domain.TaskRunning:
			o.recoverRunning(ctx, t)
		}
	}
	return nil
}

func (o *Orchestrator) recoverRunning(ctx context.Context, t *domain.Task) {
	vm, err := o.liveVM(t)
	if err != nil {
		logging.Op().Warn("recovering task with dead vm", "task", t.Slug, "error", err)
		o.failRecovered(ctx, t, "VM lost while agent was running")
		return
	}
	logging.Op().Info("resuming poll for running task", "task", t.Slug, "vm", vm.ShortID())
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("resumed task goroutine panicked", "task", t.Slug, "panic", r)
			}
		}()
		o.resumeTask(context.Background(), t, vm)
	}()
}

// liveVM returns the task's VM when it is still usable.
func (o *Orchestrator) liveVM(t *domain.Task) (*domain.VM, error) {
	if t.VMID == "" {
		return nil, store.ErrNotFound
	}
	vm, err := o.store.GetVM(t.VMID)
	if err != nil {
		return nil, err
	}
	if vm.Status != domain.VMAssigned || vm.TaskID != t.ID {
		return nil, errors.New("vm no longer bound to task")
	}
	return vm, nil
}

// resumeTask re-enters the poll loop for a task whose agent is already
// running. The local log offset is recovered from the bytes fetched before
// the restart.
func (o *Orchestrator) resumeTask(ctx context.Context, t *domain.Task, vm *domain.VM) {
	start := time.Now()
	ew, err := events.NewWriter(o.cfg.EventsDir(), t.ID)
	if err != nil {
		logging.Op().Error("reopen event stream failed", "task", t.Slug, "error", err)
		return
	}
	defer ew.Close()
	lw, err := events.NewLogWriter(o.cfg.LogsDir(), t.ID)
	if err != nil {
		logging.Op().Error("reopen log file failed", "task", t.Slug, "error", err)
		return
	}
	defer lw.Close()

	o.tracker.SetPhase(t.ID, events.PhaseAgentRun, "agent running (resumed)")
	defer o.tracker.Remove(t.ID)

	runner := remote.NewRunner(o.cfg.SSH.User, vm.IP, vm.SSHPort, o.cfg.SSH.KeyPath)
	out := o.resumePollAndCollect(ctx, t, runner, ew, lw)
	o.finish(ctx, t, vm, ew, lw, out, start)
}

// resumePollAndCollect re-enters the poll loop with the offset seeded from
// the bytes that reached the local log before the restart, so no output
// byte is fetched twice. The agent's remaining budget accounts for the
// time already spent before the crash.
func (o *Orchestrator) resumePollAndCollect(ctx context.Context, t *domain.Task,
	runner wrapper.Runner, ew *events.Writer, lw *events.LogWriter) outcome {

	var offset int64
	if fi, err := os.Stat(events.LogPath(o.cfg.LogsDir(), t.ID)); err == nil {
		offset = fi.Size()
	}

	agentCfg, err := o.catalog.Get(t.Agent)
	if err != nil {
		return failOutcome(err)
	}
	budget := agentCfg.EffectiveTimeout()
	if t.StartedAt != nil {
		budget -= time.Since(*t.StartedAt)
	}
	if budget < o.pollInterval {
		budget = o.pollInterval
	}
	return o.pollLoop(ctx, t, runner, ew, lw, offset, budget)
}

func (o *Orchestrator) failRecovered(ctx context.Context, t *domain.Task, reason string) {
	metrics.Default().TasksFailed.Inc()
	if err := o.tasks.Fail(t.ID, reason, nil); err != nil {
		logging.Op().Warn("force-fail failed", "task", t.Slug, "error", err)
		return
	}
	if ew, err := events.NewWriter(o.cfg.EventsDir(), t.ID); err == nil {
		ew.Emit(events.TaskEnd(string(domain.TaskFailed), nil, reason, ""))
		ew.Close()
	}
	if lw, err := events.NewLogWriter(o.cfg.LogsDir(), t.ID); err == nil {
		lw.Finalize(1)
		lw.Close()
	}
	if t.VMID != "" {
		if err := o.pool.Release(ctx, t.VMID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.Op().Warn("release vm during recover failed", "vm", domain.ShortID(t.VMID), "error", err)
		}
	}
}

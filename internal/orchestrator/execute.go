package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hal9999/hal/internal/credentials"
	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/events"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/observability"
	"github.com/hal9999/hal/internal/remote"
	"github.com/hal9999/hal/internal/wrapper"
)

// executeTask runs the full setup→poll→collect pipeline for one task. The
// VM is released in the deferred block whatever happens, and the log and
// event streams are always finalized.
func (o *Orchestrator) executeTask(ctx context.Context, t *domain.Task, opts Options) {
	ctx, span := observability.StartSpan(ctx, "task.execute",
		observability.AttrTaskID.String(t.ID),
		observability.AttrTaskSlug.String(t.Slug),
		observability.AttrRepoURL.String(t.RepoURL),
		observability.AttrAgent.String(t.Agent),
	)
	defer span.End()

	metrics.Default().TasksStarted.Inc()
	start := time.Now()

	ew, err := events.NewWriter(o.cfg.EventsDir(), t.ID)
	if err != nil {
		opLog(ctx).Error("open event stream failed", "task", t.Slug, "error", err)
		o.tasks.Fail(t.ID, "Internal error: "+err.Error(), nil)
		return
	}
	defer ew.Close()
	lw, err := events.NewLogWriter(o.cfg.LogsDir(), t.ID)
	if err != nil {
		opLog(ctx).Error("open log file failed", "task", t.Slug, "error", err)
		o.tasks.Fail(t.ID, "Internal error: "+err.Error(), nil)
		return
	}
	defer lw.Close()

	ew.Emit(events.TaskStart(t.RepoURL, t.Context, t.Agent))
	o.tracker.SetPhase(t.ID, events.PhaseVMAcquire, "acquiring vm")
	defer o.tracker.Remove(t.ID)

	vm, runner, err := o.setup(ctx, t, opts, ew)
	if err != nil {
		o.finish(ctx, t, vm, ew, lw, failOutcome(err), start)
		return
	}

	outcome := o.pollAndCollect(ctx, t, opts, runner, ew, lw)
	o.finish(ctx, t, vm, ew, lw, outcome, start)
}

// outcome is what the poll/collect pipeline decided about the task.
type outcome struct {
	failed   bool
	result   string
	exitCode *int
	prURL    string
}

func failOutcome(err error) outcome {
	return outcome{failed: true, result: err.Error()}
}

// opLog returns the operational logger stamped with the current trace and
// span ids, so daemon log lines can be joined to their task spans.
func opLog(ctx context.Context) *slog.Logger {
	sc := observability.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return logging.Op()
	}
	return logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
}

// phaseSpan runs one setup phase under its own span, recording the error.
func phaseSpan(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	return nil
}

// setup performs the external side of the setup phase and launches the
// agent. On success the task is marked running.
func (o *Orchestrator) setup(ctx context.Context, t *domain.Task, opts Options, ew *events.Writer) (*domain.VM, *remote.Runner, error) {
	agentCfg, err := o.catalog.Get(t.Agent)
	if err != nil {
		return nil, nil, err
	}

	ew.Emit(events.Phase(events.PhaseVMAcquire))
	acquireCtx, span := observability.StartSpan(ctx, "task.vm_acquire")
	vm, err := o.pool.Acquire(acquireCtx, t.ID)
	if err != nil {
		observability.SetSpanError(span, err)
		span.End()
		return nil, nil, fmt.Errorf("acquire vm: %w", err)
	}
	span.SetAttributes(observability.AttrVMID.String(vm.ID), observability.AttrSlot.String(vm.Provider))
	span.End()

	if err := o.tasks.MarkAssigned(t.ID); err != nil {
		return vm, nil, err
	}
	ew.Emit(events.VMAcquired(vm.ID, vm.Provider, vm.IP))
	runner := remote.NewRunner(o.cfg.SSH.User, vm.IP, vm.SSHPort, o.cfg.SSH.KeyPath)

	o.tracker.SetPhase(t.ID, events.PhaseSSHWait, "waiting for ssh")
	ew.Emit(events.Phase(events.PhaseSSHWait))
	err = phaseSpan(ctx, "task.ssh_wait", func(ctx context.Context) error {
		if err := runner.Probe(ctx, remote.DefaultProbeBudget); err != nil {
			return err
		}
		return wrapper.CleanWorkspace(ctx, runner)
	})
	if err != nil {
		return vm, runner, err
	}

	o.tracker.SetPhase(t.ID, events.PhaseClone, "cloning "+t.RepoURL)
	ew.Emit(events.Phase(events.PhaseClone))
	githubToken := o.creds.Get(credentials.KeyGithubToken)
	err = phaseSpan(ctx, "task.clone", func(ctx context.Context) error {
		return wrapper.Clone(ctx, runner, t.RepoURL, githubToken)
	})
	if err != nil {
		return vm, runner, err
	}

	if agentCfg.InstallScript != "" {
		o.tracker.SetPhase(t.ID, events.PhaseAgentInstall, "installing "+agentCfg.Name)
		ew.Emit(events.Phase(events.PhaseAgentInstall))
		err = phaseSpan(ctx, "task.agent_install", func(ctx context.Context) error {
			return wrapper.Install(ctx, runner, agentCfg.InstallScript)
		})
		if err != nil {
			return vm, runner, err
		}
	}

	branch := t.Branch
	if branch == "" {
		branch = wrapper.DefaultBranch(t.ID)
	}
	workdir := wrapper.Workdir(t.RepoURL)
	o.tracker.SetPhase(t.ID, events.PhaseBranchSetup, "branch "+branch)
	ew.Emit(events.Phase(events.PhaseBranchSetup))
	var baseBranch string
	err = phaseSpan(ctx, "task.branch_setup", func(ctx context.Context) error {
		base, err := wrapper.SetupBranch(ctx, runner, workdir, branch)
		if err != nil {
			return err
		}
		baseBranch = base
		return nil
	})
	if err != nil {
		return vm, runner, err
	}
	if err := o.tasks.SetBranch(t.ID, branch); err != nil {
		return vm, runner, err
	}

	tokens := o.creds.GetAll(agentCfg.EnvKeys...)
	if githubToken != "" {
		tokens[credentials.KeyGithubToken] = githubToken
	}
	script := wrapper.Build(wrapper.Params{
		Agent:      agentCfg,
		Context:    t.Context,
		Workdir:    workdir,
		Tokens:     tokens,
		Branch:     branch,
		BaseBranch: baseBranch,
		NoPR:       opts.NoPR,
		PlanFirst:  opts.PlanFirst,
	})

	o.tracker.SetPhase(t.ID, events.PhaseAgentLaunch, "launching "+agentCfg.Name)
	ew.Emit(events.Phase(events.PhaseAgentLaunch))
	err = phaseSpan(ctx, "task.agent_launch", func(ctx context.Context) error {
		if err := wrapper.Upload(ctx, runner, script); err != nil {
			return err
		}
		return wrapper.Launch(ctx, runner)
	})
	if err != nil {
		return vm, runner, err
	}
	if err := o.tasks.MarkRunning(t.ID); err != nil {
		return vm, runner, err
	}
	ew.Emit(events.Phase(events.PhaseAgentRun))
	o.tracker.SetPhase(t.ID, events.PhaseAgentRun, "agent running")
	return vm, runner, nil
}

// finish transitions the task to its terminal state, finalizes the log and
// event streams, releases the VM, and records metrics.
func (o *Orchestrator) finish(ctx context.Context, t *domain.Task, vm *domain.VM,
	ew *events.Writer, lw *events.LogWriter, out outcome, start time.Time) {

	exitForLog := 1
	if out.exitCode != nil {
		exitForLog = *out.exitCode
	}
	if err := lw.Finalize(exitForLog); err != nil {
		logging.Op().Warn("finalize log failed", "task", t.Slug, "error", err)
	}

	if out.prURL != "" {
		o.tasks.SetPRURL(t.ID, out.prURL)
	}
	if out.failed {
		metrics.Default().TasksFailed.Inc()
		o.tasks.Fail(t.ID, out.result, out.exitCode)
		ew.Emit(events.TaskEnd(string(domain.TaskFailed), out.exitCode, out.result, out.prURL))
	} else {
		metrics.Default().TasksCompleted.Inc()
		o.tasks.Complete(t.ID, out.result, *out.exitCode)
		ew.Emit(events.TaskEnd(string(domain.TaskCompleted), out.exitCode, "", out.prURL))
	}
	metrics.ObserveDuration(metrics.Default().TaskDuration, start)

	if vm != nil {
		if err := o.pool.Release(ctx, vm.ID); err != nil {
			logging.Op().Warn("release vm failed", "vm", vm.ShortID(), "error", err)
		}
	}
}

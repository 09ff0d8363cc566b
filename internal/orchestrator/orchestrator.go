// Package orchestrator drives a task through its whole life: acquire a VM,
// set the workspace up over SSH, launch the agent detached, poll for
// output, collect artifacts, and release the VM. The process may die at
// any suspension point; Recover picks in-flight tasks back up from the
// store on the next start.
package orchestrator

import (
	"context"
	"time"

	"github.com/hal9999/hal/internal/agent"
	"github.com/hal9999/hal/internal/config"
	"github.com/hal9999/hal/internal/credentials"
	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/jobtracker"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/pool"
	"github.com/hal9999/hal/internal/store"
	"github.com/hal9999/hal/internal/tasks"
)

// PollInterval is the gap between poll round trips.
const PollInterval = 5 * time.Second

// Options modify one task submission.
type Options struct {
	Agent     string
	Branch    string
	NoPR      bool
	PlanFirst bool
}

// Orchestrator composes the pool, the task manager, and the wrapper
// protocol.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	tasks   *tasks.Manager
	pool    *pool.Manager
	catalog *agent.Catalog
	creds   *credentials.Oracle
	tracker *jobtracker.Tracker

	pollInterval time.Duration
}

// New wires an orchestrator from its parts.
func New(cfg *config.Config, s *store.Store, tm *tasks.Manager, pm *pool.Manager,
	catalog *agent.Catalog, creds *credentials.Oracle) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        s,
		tasks:        tm,
		pool:         pm,
		catalog:      catalog,
		creds:        creds,
		tracker:      jobtracker.New(),
		pollInterval: PollInterval,
	}
}

// SetPollInterval overrides the poll cadence (tests use a short one).
func (o *Orchestrator) SetPollInterval(d time.Duration) { o.pollInterval = d }

// Tracker exposes live per-task progress.
func (o *Orchestrator) Tracker() *jobtracker.Tracker { return o.tracker }

// StartTask creates the task row and runs it in the background.
func (o *Orchestrator) StartTask(repoURL, taskContext string, opts Options) (*domain.Task, error) {
	t, err := o.submit(repoURL, taskContext, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("task goroutine panicked", "task", t.Slug, "panic", r)
			}
		}()
		o.executeTask(context.Background(), t, opts)
	}()
	return t, nil
}

// RunTask creates the task row and blocks until the task reaches a
// terminal state, returning the final row.
func (o *Orchestrator) RunTask(ctx context.Context, repoURL, taskContext string, opts Options) (*domain.Task, error) {
	t, err := o.submit(repoURL, taskContext, opts)
	if err != nil {
		return nil, err
	}
	o.executeTask(ctx, t, opts)
	return o.tasks.Get(t.ID)
}

func (o *Orchestrator) submit(repoURL, taskContext string, opts Options) (*domain.Task, error) {
	agentName := opts.Agent
	if agentName == "" {
		agentName = o.cfg.DefaultAgent
	}
	if _, err := o.catalog.Get(agentName); err != nil {
		return nil, err
	}
	return o.tasks.Create(repoURL, taskContext, agentName, opts.Branch)
}

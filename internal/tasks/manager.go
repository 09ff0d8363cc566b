// Package tasks owns task rows: creation with generated identity, the
// monotone status transitions, and the heartbeat stamp the GC reads.
package tasks

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/store"
)

// Manager performs task CRUD and state transitions, stamping timestamps on
// every mutation.
type Manager struct {
	store *store.Store
}

// NewManager builds a task manager over the store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// newSlug produces an adjective-noun handle, e.g. "brave-mountain".
func newSlug() string {
	adj := strings.ToLower(randomdata.Adjective())
	noun := strings.ToLower(randomdata.Noun())
	return adj + "-" + noun
}

// Create inserts a pending task with a fresh UUID and a unique slug. Slug
// collisions are resolved by retrying with a short id suffix.
func (m *Manager) Create(repoURL, context, agentName, branch string) (*domain.Task, error) {
	if repoURL == "" {
		return nil, fmt.Errorf("repository URL is required")
	}
	t := &domain.Task{
		ID:      uuid.NewString(),
		Slug:    newSlug(),
		RepoURL: repoURL,
		Context: context,
		Agent:   agentName,
		Branch:  branch,
		Status:  domain.TaskPending,
	}
	err := m.store.CreateTask(t)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		t.Slug = t.Slug + "-" + domain.ShortID(t.ID)[:4]
		err = m.store.CreateTask(t)
	}
	if err != nil {
		return nil, err
	}
	logging.Op().Info("task created", "task", t.Slug, "id", domain.ShortID(t.ID), "repo", repoURL)
	return t, nil
}

// Get fetches a task by id.
func (m *Manager) Get(id string) (*domain.Task, error) {
	return m.store.GetTask(id)
}

// Resolve fetches a task by slug, id, or id prefix.
func (m *Manager) Resolve(ref string) (*domain.Task, error) {
	return m.store.GetTaskBySlugOrID(ref)
}

// List returns all tasks, newest first.
func (m *Manager) List() ([]*domain.Task, error) {
	return m.store.ListTasks()
}

// InFlight returns tasks in assigned or running state.
func (m *Manager) InFlight() ([]*domain.Task, error) {
	return m.store.ListTasksByStatus(domain.TaskAssigned, domain.TaskRunning)
}

// MarkAssigned records that setup has begun for the task.
func (m *Manager) MarkAssigned(id string) error {
	return m.store.SetTaskStatus(id, domain.TaskAssigned)
}

// MarkRunning records that the agent was launched; started_at is stamped on
// the first call only.
func (m *Manager) MarkRunning(id string) error {
	return m.store.SetTaskStatus(id, domain.TaskRunning)
}

// Touch stamps the heartbeat. Called on every poll round trip.
func (m *Manager) Touch(id string) error {
	return m.store.TouchTask(id)
}

// SetBranch records the feature branch chosen during setup.
func (m *Manager) SetBranch(id, branch string) error {
	return m.store.SetTaskBranch(id, branch)
}

// SetPRURL records the collected pull-request URL.
func (m *Manager) SetPRURL(id, url string) error {
	return m.store.SetTaskPRURL(id, url)
}

// Complete finishes the task successfully.
func (m *Manager) Complete(id, result string, exitCode int) error {
	logging.Op().Info("task completed", "id", domain.ShortID(id), "exit", exitCode)
	return m.store.FinishTask(id, domain.TaskCompleted, result, &exitCode)
}

// Fail finishes the task with a failure result. exitCode may be nil when
// the agent never produced one.
func (m *Manager) Fail(id, result string, exitCode *int) error {
	logging.Op().Warn("task failed", "id", domain.ShortID(id), "result", result)
	return m.store.FinishTask(id, domain.TaskFailed, result, exitCode)
}

package domain

import "time"

// TaskStatus is the lifecycle state of a task. Transitions are monotone
// toward a terminal state; a completed or failed task never changes again.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// InFlight reports whether the task holds (or may hold) a VM.
func (s TaskStatus) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning
}

// Task is a row in the tasks table. ID is a generated UUID; Slug is a
// human-friendly unique adjective-noun name used for display and lookup.
type Task struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	RepoURL     string     `json:"repo_url"`
	Context     string     `json:"context"`
	Agent       string     `json:"agent,omitempty"`
	Status      TaskStatus `json:"status"`
	VMID        string     `json:"vm_id,omitempty"`
	Result      string     `json:"result,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	PRURL       string     `json:"pr_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ShortID returns the slug when set, else the truncated id.
func (t *Task) ShortID() string {
	if t.Slug != "" {
		return t.Slug
	}
	return ShortID(t.ID)
}

// Image is a row in the images table recording a snapshot or golden image
// reference seen in the slot configuration.
type Image struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Ref       string    `json:"ref"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

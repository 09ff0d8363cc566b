package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/domain"
)

const taskColumns = `id, slug, repo_url, context, agent, status, vm_id, result,
	exit_code, branch, pr_url, created_at, updated_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var (
		t           domain.Task
		agent       sql.NullString
		vmID        sql.NullString
		result      sql.NullString
		exitCode    sql.NullInt64
		branch      sql.NullString
		prURL       sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Slug, &t.RepoURL, &t.Context, &agent, &t.Status, &vmID,
		&result, &exitCode, &branch, &prURL, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Agent = agent.String
	t.VMID = vmID.String
	t.Result = result.String
	if exitCode.Valid {
		n := int(exitCode.Int64)
		t.ExitCode = &n
	}
	t.Branch = branch.String
	t.PRURL = prURL.String
	t.CreatedAt = decodeTime(createdAt)
	t.UpdatedAt = decodeTime(updatedAt)
	t.StartedAt = decodeTimePtr(startedAt)
	t.CompletedAt = decodeTimePtr(completedAt)
	return &t, nil
}

// CreateTask inserts a new task row stamped with the current time.
func (s *Store) CreateTask(t *domain.Task) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, slug, repo_url, context, agent, status, vm_id, result, exit_code,
		 branch, pr_url, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Slug, t.RepoURL, t.Context, nullString(t.Agent), t.Status,
		nullString(t.VMID), nullString(t.Result), nullInt(t.ExitCode),
		nullString(t.Branch), nullString(t.PRURL),
		encodeTime(now), encodeTime(now), encodeTimePtr(t.StartedAt),
		encodeTimePtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskBySlugOrID resolves a task by slug, full id, or unique id prefix.
func (s *Store) GetTaskBySlugOrID(ref string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE slug = ? OR id = ? OR id LIKE ? ORDER BY created_at DESC LIMIT 1`,
		ref, ref, ref+"%")
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]*domain.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`)
}

// ListTasksByStatus returns tasks in any of the given states.
func (s *Store) ListTasksByStatus(statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, st)
	}
	q += `) ORDER BY created_at`
	return s.queryTasks(q, args...)
}

func (s *Store) queryTasks(q string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus transitions the task. Terminal states are sticky: the update
// is refused once the task has completed or failed.
func (s *Store) SetTaskStatus(id string, status domain.TaskStatus) error {
	now := time.Now()
	q := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{status, encodeTime(now)}
	if status == domain.TaskRunning {
		q += `, started_at = COALESCE(started_at, ?)`
		args = append(args, encodeTime(now))
	}
	q += ` WHERE id = ? AND status NOT IN (?, ?)`
	args = append(args, id, domain.TaskCompleted, domain.TaskFailed)
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTask stamps updated_at with the current time. Every poll round-trip
// calls this; it is the heartbeat GC uses to tell live pollers from dead ones.
func (s *Store) TouchTask(id string) error {
	res, err := s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`,
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskBranch records the feature branch chosen during setup.
func (s *Store) SetTaskBranch(id, branch string) error {
	_, err := s.db.Exec(`UPDATE tasks SET branch = ?, updated_at = ? WHERE id = ?`,
		branch, encodeTime(time.Now()), id)
	return err
}

// SetTaskPRURL records the pull-request URL collected from the VM.
func (s *Store) SetTaskPRURL(id, url string) error {
	_, err := s.db.Exec(`UPDATE tasks SET pr_url = ?, updated_at = ? WHERE id = ?`,
		url, encodeTime(time.Now()), id)
	return err
}

// FinishTask moves the task to a terminal state with its result and exit
// code. completed_at is written once and never overwritten afterwards.
func (s *Store) FinishTask(id string, status domain.TaskStatus, result string, exitCode *int) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, result = ?, exit_code = ?,
		completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, nullString(result), nullInt(exitCode), encodeTime(now), encodeTime(now),
		id, domain.TaskCompleted, domain.TaskFailed)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTaskReleaseVM force-fails a stale task and returns its VM to the pool
// in one transaction. When idle is false the VM is put in destroying so the
// caller can complete the provider-side destroy.
func (s *Store) FailTaskReleaseVM(taskID, result, vmID string, idle bool) error {
	now := encodeTime(time.Now())
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE tasks SET status = ?, result = ?,
		completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		domain.TaskFailed, result, now, now, taskID,
		domain.TaskCompleted, domain.TaskFailed); err != nil {
		return fmt.Errorf("force-fail task %s: %w", taskID, err)
	}
	if vmID != "" {
		var q string
		if idle {
			q = `UPDATE vms SET status = ?, task_id = NULL, idle_since = ?, updated_at = ? WHERE id = ?`
			if _, err := tx.Exec(q, domain.VMReady, now, now, vmID); err != nil {
				return fmt.Errorf("release vm %s: %w", vmID, err)
			}
		} else {
			q = `UPDATE vms SET status = ?, task_id = NULL, idle_since = NULL, updated_at = ? WHERE id = ?`
			if _, err := tx.Exec(q, domain.VMDestroying, now, vmID); err != nil {
				return fmt.Errorf("detach vm %s: %w", vmID, err)
			}
		}
	}
	return tx.Commit()
}

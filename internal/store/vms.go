package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/domain"
)

// ErrVMTaken is returned by BindVMToTask when the VM was bound to another
// task (or left the ready state) between the caller's scan and the bind.
var ErrVMTaken = errors.New("vm no longer available for binding")

const vmColumns = `id, label, provider, ip, ssh_port, status, task_id,
	image_ref, region, plan, created_at, updated_at, idle_since, last_error`

func scanVM(row interface{ Scan(...any) error }) (*domain.VM, error) {
	var (
		vm        domain.VM
		ip        sql.NullString
		sshPort   sql.NullInt64
		taskID    sql.NullString
		imageRef  sql.NullString
		region    sql.NullString
		plan      sql.NullString
		createdAt string
		updatedAt string
		idleSince sql.NullString
		lastError sql.NullString
	)
	err := row.Scan(&vm.ID, &vm.Label, &vm.Provider, &ip, &sshPort, &vm.Status,
		&taskID, &imageRef, &region, &plan, &createdAt, &updatedAt, &idleSince, &lastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	vm.IP = ip.String
	vm.SSHPort = int(sshPort.Int64)
	vm.TaskID = taskID.String
	vm.ImageRef = imageRef.String
	vm.Region = region.String
	vm.Plan = plan.String
	vm.CreatedAt = decodeTime(createdAt)
	vm.UpdatedAt = decodeTime(updatedAt)
	vm.IdleSince = decodeTimePtr(idleSince)
	vm.LastError = lastError.String
	return &vm, nil
}

// CreateVM inserts a new VM row stamped with the current time.
func (s *Store) CreateVM(vm *domain.VM) error {
	now := time.Now()
	vm.CreatedAt = now
	vm.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO vms
		(id, label, provider, ip, ssh_port, status, task_id, image_ref, region, plan,
		 created_at, updated_at, idle_since, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.Label, vm.Provider, nullString(vm.IP), vm.SSHPort, vm.Status,
		nullString(vm.TaskID), nullString(vm.ImageRef), nullString(vm.Region),
		nullString(vm.Plan), encodeTime(now), encodeTime(now),
		encodeTimePtr(vm.IdleSince), nullString(vm.LastError))
	if err != nil {
		return fmt.Errorf("insert vm %s: %w", vm.ID, err)
	}
	return nil
}

// GetVM fetches one VM by id.
func (s *Store) GetVM(id string) (*domain.VM, error) {
	row := s.db.QueryRow(`SELECT `+vmColumns+` FROM vms WHERE id = ?`, id)
	return scanVM(row)
}

// RenameVM swaps a provisioning row's temporary identity for the real
// provider-assigned id and records the network address, atomically.
func (s *Store) RenameVM(oldID, newID, ip string, sshPort int) error {
	res, err := s.db.Exec(`UPDATE vms SET id = ?, ip = ?, ssh_port = ?, updated_at = ?
		WHERE id = ?`,
		newID, nullString(ip), sshPort, encodeTime(time.Now()), oldID)
	if err != nil {
		return fmt.Errorf("rename vm %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVMs returns all VM rows, newest first.
func (s *Store) ListVMs() ([]*domain.VM, error) {
	return s.queryVMs(`SELECT ` + vmColumns + ` FROM vms ORDER BY created_at DESC`)
}

// ListVMsByStatus returns VMs in any of the given states.
func (s *Store) ListVMsByStatus(statuses ...domain.VMStatus) ([]*domain.VM, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + vmColumns + ` FROM vms WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, st)
	}
	q += `) ORDER BY created_at`
	return s.queryVMs(q, args...)
}

func (s *Store) queryVMs(q string, args ...any) ([]*domain.VM, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vms []*domain.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// CountActiveVMs counts rows charged against a slot's capacity:
// provisioning, ready, and assigned.
func (s *Store) CountActiveVMs(slotName string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vms
		WHERE provider = ? AND status IN (?, ?, ?)`,
		slotName, domain.VMProvisioning, domain.VMReady, domain.VMAssigned).Scan(&n)
	return n, err
}

// FindReadyVM returns one reusable warm VM (ready, no task), preferring the
// most recently idled, or ErrNotFound.
func (s *Store) FindReadyVM() (*domain.VM, error) {
	row := s.db.QueryRow(`SELECT ` + vmColumns + ` FROM vms
		WHERE status = ? AND task_id IS NULL
		ORDER BY idle_since DESC LIMIT 1`, domain.VMReady)
	return scanVM(row)
}

// MarkVMReady transitions a VM to ready with its network address filled in
// and an idle timestamp set (a ready VM with no task is by definition idle).
func (s *Store) MarkVMReady(id, ip string, sshPort int) error {
	now := time.Now()
	return s.updateVM(id, `UPDATE vms SET status = ?, ip = ?, ssh_port = ?,
		task_id = NULL, idle_since = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		domain.VMReady, nullString(ip), sshPort, encodeTime(now), encodeTime(now), id)
}

// BindVMToTask performs the task-binding transaction: the VM becomes
// assigned to the task and the task records its VM, atomically. The update
// is a compare-and-swap on (ready, unbound) so two acquirers that scanned
// the same warm VM cannot both win; the loser gets ErrVMTaken and is
// expected to rescan.
func (s *Store) BindVMToTask(vmID, taskID string) error {
	now := encodeTime(time.Now())
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE vms SET status = ?, task_id = ?, idle_since = NULL,
		updated_at = ? WHERE id = ? AND status = ? AND task_id IS NULL`,
		domain.VMAssigned, taskID, now, vmID, domain.VMReady)
	if err != nil {
		return fmt.Errorf("bind vm %s: %w", vmID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVMTaken
	}
	if _, err := tx.Exec(`UPDATE tasks SET vm_id = ?, updated_at = ? WHERE id = ?`,
		vmID, now, taskID); err != nil {
		return fmt.Errorf("bind task %s: %w", taskID, err)
	}
	return tx.Commit()
}

// ReleaseVMToIdle returns an assigned VM to the warm pool.
func (s *Store) ReleaseVMToIdle(id string) error {
	now := time.Now()
	return s.updateVM(id, `UPDATE vms SET status = ?, task_id = NULL, idle_since = ?,
		updated_at = ? WHERE id = ?`,
		domain.VMReady, encodeTime(now), encodeTime(now), id)
}

// SetVMDestroying marks the VM as having a destroy call in flight. The task
// binding is dropped so the row never violates the assigned⇔task invariant.
func (s *Store) SetVMDestroying(id string) error {
	return s.updateVM(id, `UPDATE vms SET status = ?, task_id = NULL, idle_since = NULL,
		updated_at = ? WHERE id = ?`,
		domain.VMDestroying, encodeTime(time.Now()), id)
}

// SetVMDestroyed finalizes a destroy.
func (s *Store) SetVMDestroyed(id string) error {
	return s.updateVM(id, `UPDATE vms SET status = ?, task_id = NULL, idle_since = NULL,
		updated_at = ? WHERE id = ?`,
		domain.VMDestroyed, encodeTime(time.Now()), id)
}

// SetVMError records a provider failure. The row leaves scheduling but stays
// visible to the error reaper.
func (s *Store) SetVMError(id, msg string) error {
	return s.updateVM(id, `UPDATE vms SET status = ?, task_id = NULL, idle_since = NULL,
		last_error = ?, updated_at = ? WHERE id = ?`,
		domain.VMError, msg, encodeTime(time.Now()), id)
}

func (s *Store) updateVM(id, q string, args ...any) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("update vm %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdleVMs returns warm-pool members: ready with a non-null idle_since.
func (s *Store) ListIdleVMs() ([]*domain.VM, error) {
	return s.queryVMs(`SELECT `+vmColumns+` FROM vms
		WHERE status = ? AND idle_since IS NOT NULL ORDER BY idle_since`, domain.VMReady)
}

// ListStaleProvisioning returns VMs stuck in provisioning since before the
// cutoff, left behind by a dead process.
func (s *Store) ListStaleProvisioning(cutoff time.Time) ([]*domain.VM, error) {
	return s.queryVMs(`SELECT `+vmColumns+` FROM vms
		WHERE status = ? AND updated_at < ?`, domain.VMProvisioning, encodeTime(cutoff))
}

// CountUnassignedWarm counts ready-or-provisioning VMs with no task for a
// slot, the population ensureWarm tops up against minReady.
func (s *Store) CountUnassignedWarm(slotName string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vms
		WHERE provider = ? AND task_id IS NULL AND status IN (?, ?)`,
		slotName, domain.VMReady, domain.VMProvisioning).Scan(&n)
	return n, err
}

// ListOrphanedVMs returns assigned VMs whose bound task is already terminal
// or whose task row does not exist.
func (s *Store) ListOrphanedVMs() ([]*domain.VM, error) {
	return s.queryVMs(`SELECT `+vmPrefixed("v")+` FROM vms v
		LEFT JOIN tasks t ON v.task_id = t.id
		WHERE v.status = ? AND (t.id IS NULL OR t.status IN (?, ?))`,
		domain.VMAssigned, domain.TaskCompleted, domain.TaskFailed)
}

// ListStaleAssignedVMs returns assigned VMs whose bound task is nominally
// in flight but whose heartbeat (tasks.updated_at) is older than the cutoff.
func (s *Store) ListStaleAssignedVMs(cutoff time.Time) ([]*domain.VM, error) {
	return s.queryVMs(`SELECT `+vmPrefixed("v")+` FROM vms v
		JOIN tasks t ON v.task_id = t.id
		WHERE v.status = ? AND t.status IN (?, ?) AND t.updated_at < ?`,
		domain.VMAssigned, domain.TaskRunning, domain.TaskAssigned, encodeTime(cutoff))
}

func vmPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.label, ` + alias + `.provider, ` + alias + `.ip, ` +
		alias + `.ssh_port, ` + alias + `.status, ` + alias + `.task_id, ` +
		alias + `.image_ref, ` + alias + `.region, ` + alias + `.plan, ` +
		alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.idle_since, ` +
		alias + `.last_error`
}

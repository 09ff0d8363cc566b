package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the database at path and runs schema
// migration. The parent directory is created with 0755.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer plus WAL readers; more connections only add
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply %s: %w", p, err)
		}
	}
	return s.ensureSchema()
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vms (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			ip TEXT,
			ssh_port INTEGER,
			status TEXT NOT NULL,
			task_id TEXT,
			image_ref TEXT,
			region TEXT,
			plan TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			idle_since TEXT,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_status ON vms(status)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_task_id ON vms(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_provider ON vms(provider)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			repo_url TEXT NOT NULL,
			context TEXT NOT NULL,
			agent TEXT,
			status TEXT NOT NULL,
			vm_id TEXT,
			result TEXT,
			exit_code INTEGER,
			branch TEXT,
			pr_url TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_vm_id ON tasks(vm_id)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			ref TEXT NOT NULL,
			label TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(provider, ref)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// Package store is the durable state layer: VMs, tasks, and images in a
// single embedded SQLite database opened in WAL mode.
//
// The orchestrator is a single process; SQLite serializes writes internally
// and WAL keeps readers unblocked, so the store exposes plain methods plus a
// small number of multi-row transactions (task↔VM binding, stale force-fail)
// that must be atomic.
package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a row the caller expected is absent.
var ErrNotFound = errors.New("row not found")

// Store wraps the embedded database. Safe for concurrent use; writes
// serialize on SQLite's internal lock.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Timestamps are stored as RFC3339Nano UTC text. SQLite has no native time
// type and lexicographic order of this encoding matches time order.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := decodeTime(ns.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

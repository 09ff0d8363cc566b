package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends envelopes to a per-task JSONL file. seq starts at 0 and
// increases by one per event; a finalized stream carries exactly one
// task_start and one task_end.
type Writer struct {
	mu      sync.Mutex
	taskID  string
	file    *os.File
	seq     int64
	ended   bool
	started bool
}

// NewWriter opens (appending) the event file for a task under dir.
func NewWriter(dir, taskID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, taskID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &Writer{taskID: taskID, file: f}, nil
}

// Emit appends one event. A second task_end (or anything after one) is
// dropped so a finalized stream stays finalized.
func (w *Writer) Emit(ev TaskEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ended {
		return nil
	}
	if ev.Type == TypeTaskStart {
		if w.started {
			return nil
		}
		w.started = true
	}

	env := Envelope{
		TaskID:    w.taskID,
		Timestamp: time.Now().UTC(),
		Seq:       w.seq,
		Event:     ev,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	w.seq++
	if ev.Type == TypeTaskEnd {
		w.ended = true
	}
	return nil
}

// Close closes the file. Emit after Close returns an error from the OS.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll loads every envelope from a task's event file.
func ReadAll(dir, taskID string) ([]Envelope, error) {
	path := filepath.Join(dir, taskID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var envs []Envelope
	dec := json.NewDecoder(f)
	for dec.More() {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return envs, fmt.Errorf("decode event %d: %w", len(envs), err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

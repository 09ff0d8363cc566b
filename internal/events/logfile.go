package events

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Sentinel contract: the last line a reader will ever see for a finalized
// task is "---HAL9999-DONE exit=<N>---" surrounded by newlines.
const sentinelFormat = "\n---HAL9999-DONE exit=%d---\n"

var sentinelPattern = regexp.MustCompile(`^---HAL9999-DONE exit=(-?\d+)---$`)

// IsSentinel reports whether a log line is the done sentinel.
func IsSentinel(line []byte) bool {
	return sentinelPattern.Match(bytes.TrimRight(line, "\r\n"))
}

// LogWriter appends agent output to the per-task log file and finalizes it
// with the sentinel line. One writer per task.
type LogWriter struct {
	mu        sync.Mutex
	file      *os.File
	finalized bool
}

// NewLogWriter opens (appending) the log file for a task under dir.
func NewLogWriter(dir, taskID string) (*LogWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(dir, taskID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &LogWriter{file: f}, nil
}

// Write appends a chunk of output. Writes after finalization are dropped.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return len(p), nil
	}
	return w.file.Write(p)
}

// Finalize writes the sentinel line. Idempotent: only the first call emits
// it, so the log contains at most one sentinel.
func (w *LogWriter) Finalize(exitCode int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil
	}
	if _, err := fmt.Fprintf(w.file, sentinelFormat, exitCode); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	w.finalized = true
	return nil
}

// Close closes the file without finalizing.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// LogPath returns the log file path for a task.
func LogPath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".log")
}

// Tail streams a task log to w, starting from the beginning. Every byte is
// delivered exactly once, ending with the sentinel line. With follow set it
// keeps waiting for new data until the sentinel arrives or ctx is
// cancelled; detaching the reader never affects the remote agent.
func Tail(ctx context.Context, path string, w io.Writer, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var pending []byte
	for {
		chunk, err := r.ReadBytes('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err == nil {
			// Full line available.
			if IsSentinel(pending) {
				if _, werr := w.Write(pending); werr != nil {
					return werr
				}
				return nil
			}
			if _, werr := w.Write(pending); werr != nil {
				return werr
			}
			pending = pending[:0]
			continue
		}
		if err != io.EOF {
			return err
		}
		if !follow {
			if len(pending) > 0 {
				if _, werr := w.Write(pending); werr != nil {
					return werr
				}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

package events

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWriterSeqMonotone(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "task-1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	w.Emit(TaskStart("https://github.com/acme/widgets", "fix it", "claude"))
	w.Emit(Phase(PhaseClone))
	w.Emit(Output("stdout", "hello"))
	exit := 0
	w.Emit(TaskEnd("completed", &exit, "", ""))

	envs, err := ReadAll(dir, "task-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 4 {
		t.Fatalf("events = %d, want 4", len(envs))
	}
	for i, env := range envs {
		if env.Seq != int64(i) {
			t.Fatalf("seq[%d] = %d", i, env.Seq)
		}
		if env.TaskID != "task-1" {
			t.Fatalf("taskId = %q", env.TaskID)
		}
	}
}

func TestWriterDropsDuplicateStartAndEnd(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, "task-1")
	defer w.Close()

	w.Emit(TaskStart("r", "c", "a"))
	w.Emit(TaskStart("r", "c", "a"))
	exit := 1
	w.Emit(TaskEnd("failed", &exit, "boom", ""))
	w.Emit(TaskEnd("failed", &exit, "boom again", ""))
	w.Emit(Output("stdout", "after the end"))

	envs, _ := ReadAll(dir, "task-1")
	starts, ends := 0, 0
	for _, env := range envs {
		switch env.Event.Type {
		case TypeTaskStart:
			starts++
		case TypeTaskEnd:
			ends++
		case TypeOutput:
			t.Fatal("output emitted after task_end")
		}
	}
	if starts != 1 || ends != 1 {
		t.Fatalf("starts=%d ends=%d, want exactly one of each", starts, ends)
	}
}

func TestLogWriterFinalizeIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLogWriter(dir, "task-1")
	if err != nil {
		t.Fatalf("new log writer: %v", err)
	}
	defer w.Close()

	w.Write([]byte("agent output\n"))
	if err := w.Finalize(0); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := w.Finalize(1); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	w.Write([]byte("late bytes\n"))

	data, err := os.ReadFile(LogPath(dir, "task-1"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Count(string(data), "---HAL9999-DONE") != 1 {
		t.Fatalf("sentinel count != 1:\n%s", data)
	}
	if strings.Contains(string(data), "late bytes") {
		t.Fatal("write after finalize reached the log")
	}
	if !strings.Contains(string(data), "---HAL9999-DONE exit=0---") {
		t.Fatalf("wrong sentinel:\n%s", data)
	}
}

func TestIsSentinel(t *testing.T) {
	cases := map[string]bool{
		"---HAL9999-DONE exit=0---\n":   true,
		"---HAL9999-DONE exit=-1---\n":  true,
		"---HAL9999-DONE exit=137---":   true,
		"---HAL9999-DONE exit=abc---\n": false,
		"some agent output\n":           false,
		"":                              false,
	}
	for line, want := range cases {
		if got := IsSentinel([]byte(line)); got != want {
			t.Errorf("IsSentinel(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestTailStopsAtSentinel(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewLogWriter(dir, "task-1")
	w.Write([]byte("line one\nline two\n"))
	w.Finalize(0)
	w.Close()

	var buf bytes.Buffer
	if err := Tail(context.Background(), LogPath(dir, "task-1"), &buf, false); err != nil {
		t.Fatalf("tail: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "line one\n") || !strings.Contains(out, "line two\n") {
		t.Fatalf("missing output:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "---HAL9999-DONE exit=0---") {
		t.Fatalf("tail did not end at sentinel:\n%q", out)
	}
}

func TestTailFollowDeliversBytesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLogWriter(dir, "task-1")
	if err != nil {
		t.Fatalf("new log writer: %v", err)
	}
	w.Write([]byte("early\n"))

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- Tail(context.Background(), LogPath(dir, "task-1"), &buf, true)
	}()

	time.Sleep(700 * time.Millisecond)
	w.Write([]byte("late\n"))
	w.Finalize(3)
	w.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop after sentinel")
	}

	out := buf.String()
	for _, want := range []string{"early\n", "late\n", "---HAL9999-DONE exit=3---"} {
		if strings.Count(out, strings.TrimRight(want, "\n")) != 1 {
			t.Fatalf("%q not delivered exactly once:\n%s", want, out)
		}
	}
}

func TestConcurrentTailersSeeSameStream(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewLogWriter(dir, "task-1")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}
	w.Finalize(0)
	w.Close()

	var a, b bytes.Buffer
	if err := Tail(context.Background(), LogPath(dir, "task-1"), &a, false); err != nil {
		t.Fatalf("tail a: %v", err)
	}
	if err := Tail(context.Background(), LogPath(dir, "task-1"), &b, false); err != nil {
		t.Fatalf("tail b: %v", err)
	}
	if a.String() != b.String() {
		t.Fatal("concurrent readers saw different streams")
	}
}

package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/events"
	"github.com/hal9999/hal/internal/wrapper"
)

// fakeRunner answers the wrapper protocol in memory. The agent is "done"
// once an interrupt round trip succeeds.
type fakeRunner struct {
	mu             sync.Mutex
	interruptFails int
	interrupts     int
	done           bool
}

func (r *fakeRunner) Run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case strings.Contains(cmd, "pkill"):
		r.interrupts++
		if r.interruptFails > 0 {
			r.interruptFails--
			return "", errors.New("ssh: connection reset by peer")
		}
		r.done = true
		return "", nil
	case strings.HasPrefix(cmd, "test -f"):
		if r.done {
			return "HAL:DONE\n0\n", nil
		}
		return "HAL:WAITING\n0\n", nil
	case strings.HasPrefix(cmd, "cat "+wrapper.DonePath):
		return "timeout\n", nil
	default:
		return "", nil
	}
}

func (r *fakeRunner) RunWithStdin(ctx context.Context, cmd string, stdin io.Reader, timeout time.Duration) error {
	return nil
}

func TestPollLoopRetriesInterruptUntilDone(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	o.SetPollInterval(5 * time.Millisecond)

	dir := t.TempDir()
	ew, err := events.NewWriter(dir, "t1")
	if err != nil {
		t.Fatalf("event writer: %v", err)
	}
	defer ew.Close()
	lw, err := events.NewLogWriter(dir, "t1")
	if err != nil {
		t.Fatalf("log writer: %v", err)
	}
	defer lw.Close()

	// The first two interrupt round trips fail; the loop must keep
	// retrying instead of polling forever.
	runner := &fakeRunner{interruptFails: 2}
	task := &domain.Task{ID: "t1", Slug: "slug-t1", Agent: "claude"}

	out := o.pollLoop(context.Background(), task, runner, ew, lw, 0, 0)

	if !out.failed {
		t.Fatal("timed-out task not failed")
	}
	if !strings.Contains(out.result, "timed out") {
		t.Fatalf("result = %q", out.result)
	}
	if runner.interrupts != 3 {
		t.Fatalf("interrupt attempts = %d, want 3", runner.interrupts)
	}
}

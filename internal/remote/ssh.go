// Package remote invokes commands on agent VMs over the OpenSSH client.
// Agent VMs live on ephemeral IPs with freshly generated host keys, so host
// key checking is disabled and every call runs in batch mode with a hard
// connect timeout.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hal9999/hal/internal/logging"
)

// ErrTimeout is returned when a remote command exceeds its budget.
var ErrTimeout = errors.New("remote command timed out")

const (
	// ConnectTimeout is the per-connection SSH handshake budget.
	ConnectTimeout = 10 * time.Second
	// DefaultProbeBudget bounds how long a VM gets to start answering SSH.
	DefaultProbeBudget = 180 * time.Second
	// ProbeBackoff is the delay between failed probe attempts.
	ProbeBackoff = 5 * time.Second
)

// Runner executes commands on one remote host.
type Runner struct {
	User    string
	Host    string
	Port    int
	KeyPath string
}

// NewRunner builds a runner for user@host. Port 0 means 22.
func NewRunner(user, host string, port int, keyPath string) *Runner {
	return &Runner{User: user, Host: host, Port: port, KeyPath: keyPath}
}

func (r *Runner) args(command string) []string {
	args := []string{
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(ConnectTimeout.Seconds())),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if r.Port > 0 && r.Port != 22 {
		args = append(args, "-p", strconv.Itoa(r.Port))
	}
	if r.KeyPath != "" {
		args = append(args, "-i", r.KeyPath)
	}
	target := r.Host
	if r.User != "" {
		target = r.User + "@" + r.Host
	}
	return append(args, target, command)
}

// Run executes a command, returning its stdout. The timeout covers the whole
// round trip including connection setup.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ssh", r.args(command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, firstLine(command))
	}
	if err != nil {
		return stdout.String(), fmt.Errorf("ssh %s: %s: %w",
			r.Host, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// RunWithStdin executes a command with the given reader piped to its stdin.
// Used to upload the wrapper script without stealing the launch command's
// stdin: the upload is its own round trip.
func (r *Runner) RunWithStdin(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ssh", r.args(command)...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, firstLine(command))
	}
	if err != nil {
		return fmt.Errorf("ssh %s (stdin): %s: %w",
			r.Host, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Probe retries a no-op command until the host answers or the budget runs
// out. Fresh VMs commonly take tens of seconds before sshd accepts
// connections.
func (r *Runner) Probe(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	attempt := 0
	for {
		attempt++
		_, err := r.Run(ctx, "true", ConnectTimeout+5*time.Second)
		if err == nil {
			logging.Op().Debug("ssh reachable", "host", r.Host, "attempts", attempt)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: ssh not reachable on %s after %s (%d attempts)",
				ErrTimeout, r.Host, budget, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ProbeBackoff):
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

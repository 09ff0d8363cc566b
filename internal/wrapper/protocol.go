package wrapper

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Runner is the remote execution surface the protocol needs; *remote.Runner
// satisfies it in production.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)
	RunWithStdin(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) error
}

// Per-phase remote budgets.
const (
	CleanupTimeout = 30 * time.Second
	CloneTimeout   = 120 * time.Second
	InstallTimeout = 300 * time.Second
	UploadTimeout  = 30 * time.Second
	LaunchTimeout  = 15 * time.Second
	ProbeTimeout   = 15 * time.Second
	FetchTimeout   = 30 * time.Second
)

// Upload ships the script to the VM base64-encoded through a stdin pipe.
// The upload is its own round trip so the launch command's stdin stays
// free for the detach redirection.
func Upload(ctx context.Context, r Runner, script string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	cmd := "mkdir -p " + Dir + " && base64 -d > " + ScriptPath + " && chmod +x " + ScriptPath
	if err := r.RunWithStdin(ctx, cmd, strings.NewReader(encoded), UploadTimeout); err != nil {
		return fmt.Errorf("upload wrapper: %w", err)
	}
	return nil
}

// Launch starts the wrapper detached. The explicit </dev/null and exit 0
// are load-bearing: without them OpenSSH keeps the session open waiting on
// the inherited descriptors.
func Launch(ctx context.Context, r Runner) error {
	cmd := "cd " + Dir + " && nohup ./run.sh </dev/null >/dev/null 2>&1 & exit 0"
	if _, err := r.Run(ctx, cmd, LaunchTimeout); err != nil {
		return fmt.Errorf("launch wrapper: %w", err)
	}
	return nil
}

// PollState is the result of one poll round trip.
type PollState struct {
	Done    bool
	LogSize int64
}

const pollCommand = "test -f " + DonePath + " && echo HAL:DONE || echo HAL:WAITING; " +
	"stat -c%s " + OutputPath + " 2>/dev/null || echo 0"

// Poll issues the single probe round trip: sentinel presence plus current
// output.log size.
func Poll(ctx context.Context, r Runner) (PollState, error) {
	out, err := r.Run(ctx, pollCommand, ProbeTimeout)
	if err != nil {
		return PollState{}, err
	}
	return parsePoll(out)
}

func parsePoll(out string) (PollState, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return PollState{}, fmt.Errorf("malformed poll reply: %q", out)
	}
	var st PollState
	switch strings.TrimSpace(lines[0]) {
	case "HAL:DONE":
		st.Done = true
	case "HAL:WAITING":
	default:
		return PollState{}, fmt.Errorf("malformed poll reply: %q", out)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return PollState{}, fmt.Errorf("malformed log size in poll reply: %q", lines[1])
	}
	st.LogSize = size
	return st, nil
}

// FetchDelta reads output.log bytes [offset, offset+n) from the VM.
func FetchDelta(ctx context.Context, r Runner, offset, n int64) (string, error) {
	cmd := fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, OutputPath, n)
	return r.Run(ctx, cmd, FetchTimeout)
}

// Interrupt kills the wrapper and forces the sentinel, used when the agent
// exceeds its wall-clock budget. The returned error lets the caller retry:
// a transient SSH failure here would otherwise leave the agent running with
// no done file ever written.
func Interrupt(ctx context.Context, r Runner) error {
	cmd := "pkill -f run.sh; echo timeout > " + DonePath
	if _, err := r.Run(ctx, cmd, ProbeTimeout); err != nil {
		return fmt.Errorf("interrupt agent: %w", err)
	}
	return nil
}

// ReadExitCode reads the done file. Non-integer content (including the
// "timeout" marker written by Interrupt) coerces to exit code 1.
func ReadExitCode(ctx context.Context, r Runner) (int, string, error) {
	out, err := r.Run(ctx, "cat "+DonePath, FetchTimeout)
	if err != nil {
		return 0, "", fmt.Errorf("read done file: %w", err)
	}
	raw := strings.TrimSpace(out)
	code, perr := strconv.Atoi(raw)
	if perr != nil {
		return 1, raw, nil
	}
	return code, raw, nil
}

// ReadFile reads an on-VM file, returning "" when it does not exist.
func ReadFile(ctx context.Context, r Runner, path string) (string, error) {
	out, err := r.Run(ctx, "cat "+path+" 2>/dev/null || true", FetchTimeout)
	if err != nil {
		return "", err
	}
	return out, nil
}

// CleanWorkspace wipes /workspace so a warm VM starts from a blank slate.
func CleanWorkspace(ctx context.Context, r Runner) error {
	_, err := r.Run(ctx, "rm -rf /workspace/* /workspace/.hal && mkdir -p /workspace", CleanupTimeout)
	if err != nil {
		return fmt.Errorf("clean workspace: %w", err)
	}
	return nil
}

// Clone checks the repository out on the VM. The token, when present, rides
// in the URL for this step only.
func Clone(ctx context.Context, r Runner, repoURL, token string) error {
	url := AuthenticatedCloneURL(repoURL, token)
	cmd := "git clone --depth 50 " + shq(url) + " " + Workdir(repoURL)
	if _, err := r.Run(ctx, cmd, CloneTimeout); err != nil {
		return fmt.Errorf("clone repository: %w", err)
	}
	return nil
}

// Install runs the agent's idempotent install script. Only PATH crosses the
// wire; no secrets are forwarded to this step.
func Install(ctx context.Context, r Runner, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := r.Run(ctx, script, InstallTimeout); err != nil {
		return fmt.Errorf("agent install: %w", err)
	}
	return nil
}

// SetupBranch detects the remote default branch, creates the feature
// branch, and sets the commit identity. Returns the detected base branch.
func SetupBranch(ctx context.Context, r Runner, workdir, branch string) (string, error) {
	cmd := "cd " + workdir + " && " +
		"git remote show origin 2>/dev/null | sed -n 's/.*HEAD branch: //p'; " +
		"cd " + workdir + " && git checkout -b " + shq(branch) + " >/dev/null 2>&1 && " +
		"git config user.name " + shq(commitName) + " && git config user.email " + shq(commitEmail)
	out, err := r.Run(ctx, cmd, CleanupTimeout)
	if err != nil {
		return "", fmt.Errorf("branch setup: %w", err)
	}
	base := strings.TrimSpace(out)
	if base == "" {
		base = "main"
	}
	return base, nil
}

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/wrapper"
)

// collect pulls the sentinel and result artifacts off the VM and decides
// the task's terminal state. All artifact pulls are best-effort; only a
// failure to read the done file fails the collect itself.
func (o *Orchestrator) collect(ctx context.Context, t *domain.Task, runner wrapper.Runner) outcome {
	exitCode, raw, err := wrapper.ReadExitCode(ctx, runner)
	if err != nil {
		return failOutcome(fmt.Errorf("collect results: %w", err))
	}
	if raw != "" && raw != fmt.Sprintf("%d", exitCode) {
		logging.Op().Warn("non-numeric done sentinel", "task", t.Slug, "content", raw)
	}

	if plan, err := wrapper.ReadFile(ctx, runner, wrapper.PlanPath); err == nil && strings.TrimSpace(plan) != "" {
		o.savePlan(t.ID, plan)
	}

	result := ""
	if stat, err := wrapper.ReadFile(ctx, runner, wrapper.ResultDir+"/diff-stat.txt"); err == nil {
		result = strings.TrimSpace(stat)
	}
	if result == "" {
		result = fmt.Sprintf("exit code %d", exitCode)
	}

	prURL := ""
	if url, err := wrapper.ReadFile(ctx, runner, wrapper.ResultDir+"/pr-url.txt"); err == nil {
		prURL = strings.TrimSpace(url)
	}

	return outcome{
		failed:   exitCode != 0,
		result:   result,
		exitCode: &exitCode,
		prURL:    prURL,
	}
}

// savePlan writes the plan artifact into the local artifact store.
func (o *Orchestrator) savePlan(taskID, plan string) {
	dir := o.cfg.PlansDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Op().Warn("create plans dir failed", "error", err)
		return
	}
	path := filepath.Join(dir, taskID+".md")
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		logging.Op().Warn("save plan failed", "task", domain.ShortID(taskID), "error", err)
	}
}

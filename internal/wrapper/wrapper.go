// Package wrapper generates the self-contained bash script that runs the
// coding agent on a VM, and speaks the file protocol the script leaves
// behind. The orchestrator and the script communicate only through files
// under /workspace/.hal: run.sh, output.log, done, plan.md, and result/.
package wrapper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hal9999/hal/internal/agent"
)

// On-VM paths. Everything the protocol touches lives under Dir.
const (
	Dir        = "/workspace/.hal"
	ScriptPath = Dir + "/run.sh"
	OutputPath = Dir + "/output.log"
	DonePath   = Dir + "/done"
	PlanPath   = Dir + "/plan.md"
	ResultDir  = Dir + "/result"
)

// Git identity for the fallback commit.
const (
	commitName  = "hal"
	commitEmail = "hal@localhost"
)

// Params is everything the script generator needs. Two equal Params values
// always produce byte-identical scripts; credential keys are emitted in
// sorted order to keep the output deterministic.
type Params struct {
	Agent      *agent.Config
	Context    string
	Workdir    string
	Tokens     map[string]string
	Branch     string
	BaseBranch string
	NoPR       bool
	PlanFirst  bool
}

// planContext wraps the task context with instructions to produce a plan
// without touching the repo.
func planContext(taskContext string) string {
	return "Write a detailed implementation plan for the following task to the file " +
		PlanPath + ". Do NOT modify any repository files. Task: " + taskContext
}

// executeContext wraps the task context with a pointer at the plan.
func executeContext(taskContext string) string {
	return "Implement the following task. A plan you wrote earlier is at " +
		PlanPath + "; follow it where it still makes sense. Task: " + taskContext
}

// Build renders the wrapper script.
//
// The script never runs under `set -e`: the done file must be written even
// when the agent or any cleanup step fails. Credentials travel in a
// heredoc that is written to a temp file, sourced, deleted, and scrubbed
// from the on-disk copy of run.sh before the agent starts.
func Build(p Params) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("# agent wrapper, generated per task\n")
	b.WriteString("mkdir -p " + ResultDir + "\n")
	b.WriteString(": > " + OutputPath + "\n\n")

	writeCredentialBlock(&b, p.Tokens)

	agentCmd := p.Agent.BuildCommand(p.Context, p.Workdir)
	b.WriteString("cd " + p.Workdir + "\n\n")

	if p.PlanFirst && p.Agent.SupportsPlanFirst {
		planCmd := p.Agent.BuildCommand(planContext(p.Context), p.Workdir)
		execCmd := p.Agent.BuildCommand(executeContext(p.Context), p.Workdir)
		b.WriteString("( " + planCmd + " ) >> " + OutputPath + " 2>&1\n")
		b.WriteString("AGENT_EXIT=$?\n")
		b.WriteString("if [ -s " + PlanPath + " ]; then\n")
		b.WriteString("  git checkout -- . 2>/dev/null\n")
		b.WriteString("  git clean -fd 2>/dev/null\n")
		b.WriteString("  ( " + execCmd + " ) >> " + OutputPath + " 2>&1\n")
		b.WriteString("  AGENT_EXIT=$?\n")
		b.WriteString("else\n")
		b.WriteString("  echo 'no plan produced, falling back to single run' >> " + OutputPath + "\n")
		b.WriteString("  ( " + agentCmd + " ) >> " + OutputPath + " 2>&1\n")
		b.WriteString("  AGENT_EXIT=$?\n")
		b.WriteString("fi\n\n")
	} else {
		b.WriteString("( " + agentCmd + " ) >> " + OutputPath + " 2>&1\n")
		b.WriteString("AGENT_EXIT=$?\n\n")
	}

	// Fallback commit and push: the agent may have left uncommitted work.
	b.WriteString("if [ -n \"$(git status --porcelain 2>/dev/null)\" ]; then\n")
	b.WriteString("  git add -A >> " + OutputPath + " 2>&1\n")
	b.WriteString("  git -c user.name=" + shq(commitName) + " -c user.email=" + shq(commitEmail) +
		" commit -m 'Automated changes' >> " + OutputPath + " 2>&1\n")
	b.WriteString("fi\n")
	b.WriteString("git push -u origin " + shq(p.Branch) + " >> " + OutputPath + " 2>&1\n\n")

	if !p.NoPR {
		prCmd := "gh pr create --fill"
		// The clone's checkout is not always the repo's default branch;
		// target the base detected during branch setup.
		if p.BaseBranch != "" {
			prCmd += " --base " + shq(p.BaseBranch)
		}
		b.WriteString(prCmd + " --head " + shq(p.Branch) + " >> " + OutputPath + " 2>&1\n")
		b.WriteString("gh pr view --json url -q .url > " + ResultDir + "/pr-url.txt 2>/dev/null\n\n")
	}

	b.WriteString("git diff --stat HEAD 2>/dev/null | head -20 > " + ResultDir + "/diff-stat.txt\n")
	b.WriteString("git diff HEAD > " + ResultDir + "/diff.patch 2>/dev/null\n\n")

	b.WriteString("echo \"$AGENT_EXIT\" > " + DonePath + "\n")
	return b.String()
}

// writeCredentialBlock emits the sensitive-env heredoc: written to a temp
// file, sourced, deleted, then the block itself is cut out of run.sh so a
// later reader of the script sees no secrets.
func writeCredentialBlock(b *strings.Builder, tokens map[string]string) {
	b.WriteString("# HAL_CREDS_BEGIN\n")
	b.WriteString("cat > " + Dir + "/.env <<'HAL_ENV_EOF'\n")
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shq(tokens[k]) + "\n")
	}
	b.WriteString("HAL_ENV_EOF\n")
	b.WriteString("# HAL_CREDS_END\n")
	b.WriteString(". " + Dir + "/.env\n")
	b.WriteString("rm -f " + Dir + "/.env\n")
	b.WriteString("sed -i '/^# HAL_CREDS_BEGIN$/,/^# HAL_CREDS_END$/d' " + ScriptPath + " 2>/dev/null\n\n")
}

// shq single-quotes s for POSIX sh.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// AuthenticatedCloneURL rewrites a github.com HTTPS URL to carry the token
// for the clone step. Non-GitHub and non-HTTPS URLs pass through unchanged.
func AuthenticatedCloneURL(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://github.com/") {
		return repoURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}

// RepoName extracts the checkout directory name from a repository URL.
func RepoName(repoURL string) string {
	name := strings.TrimSuffix(repoURL, "/")
	name = strings.TrimSuffix(name, ".git")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "repo"
	}
	return name
}

// Workdir returns the on-VM checkout path for a repository.
func Workdir(repoURL string) string {
	return "/workspace/" + RepoName(repoURL)
}

// DefaultBranch returns the feature branch used when the caller gave none.
func DefaultBranch(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("hal/%s", short)
}

// Package events owns the per-task append-only artifacts: the text log file
// ending in a sentinel line, and the JSONL structured event stream with a
// monotone sequence number. Exactly one writer exists per task; readers may
// tail concurrently.
package events

import "time"

// Event types.
const (
	TypeTaskStart  = "task_start"
	TypeVMAcquired = "vm_acquired"
	TypePhase      = "phase"
	TypeOutput     = "output"
	TypeTaskEnd    = "task_end"
)

// Phase names, in setup order.
const (
	PhaseVMAcquire    = "vm_acquire"
	PhaseSSHWait      = "ssh_wait"
	PhaseClone        = "clone"
	PhaseAgentInstall = "agent_install"
	PhaseBranchSetup  = "branch_setup"
	PhaseAgentLaunch  = "agent_launch"
	PhaseAgentRun     = "agent_run"
)

// TaskEvent is the tagged union carried in an envelope. Type selects which
// fields are meaningful.
type TaskEvent struct {
	Type string `json:"type"`

	// task_start
	RepoURL string `json:"repoUrl,omitempty"`
	Context string `json:"context,omitempty"`
	Agent   string `json:"agent,omitempty"`

	// vm_acquired
	VMID     string `json:"vmId,omitempty"`
	Provider string `json:"provider,omitempty"`
	IP       string `json:"ip,omitempty"`

	// phase
	Name string `json:"name,omitempty"`

	// output
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// task_end
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`
}

// Envelope is one line of the JSONL stream.
type Envelope struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
	Event     TaskEvent `json:"event"`
}

// TaskStart builds a task_start event.
func TaskStart(repoURL, context, agent string) TaskEvent {
	return TaskEvent{Type: TypeTaskStart, RepoURL: repoURL, Context: context, Agent: agent}
}

// VMAcquired builds a vm_acquired event.
func VMAcquired(vmID, provider, ip string) TaskEvent {
	return TaskEvent{Type: TypeVMAcquired, VMID: vmID, Provider: provider, IP: ip}
}

// Phase builds a phase event.
func Phase(name string) TaskEvent {
	return TaskEvent{Type: TypePhase, Name: name}
}

// Output builds an output event for a chunk of agent output.
func Output(stream, text string) TaskEvent {
	return TaskEvent{Type: TypeOutput, Stream: stream, Text: text}
}

// TaskEnd builds a task_end event. exitCode may be nil when the task failed
// before the agent ran.
func TaskEnd(status string, exitCode *int, errMsg, prURL string) TaskEvent {
	return TaskEvent{Type: TypeTaskEnd, Status: status, ExitCode: exitCode, Error: errMsg, PRURL: prURL}
}

// Package jobtracker keeps in-memory progress for tasks the current
// process is actively polling. It is advisory: the store is the source of
// truth, the tracker just answers "what phase is this task in right now"
// without a database read.
package jobtracker

import (
	"sync"
	"time"
)

// Progress is the live view of one in-flight task.
type Progress struct {
	TaskID      string    `json:"task_id"`
	Phase       string    `json:"phase"`
	Message     string    `json:"message"`
	LogBytes    int64     `json:"log_bytes"`
	UpdatedAt   time.Time `json:"updated_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Tracker maintains progress entries for tasks polled by this process.
type Tracker struct {
	mu       sync.RWMutex
	progress map[string]*Progress
	ttl      time.Duration
}

// defaultTTL keeps finished entries visible briefly after the poller exits.
const defaultTTL = 30 * time.Minute

// New creates a tracker and starts its cleanup loop.
func New() *Tracker {
	t := &Tracker{
		progress: make(map[string]*Progress),
		ttl:      defaultTTL,
	}
	go t.cleanupLoop()
	return t
}

// SetPhase records the task's current phase.
func (t *Tracker) SetPhase(taskID, phase, message string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[taskID]
	if !ok {
		p = &Progress{TaskID: taskID}
		t.progress[taskID] = p
	}
	p.Phase = phase
	p.Message = message
	p.UpdatedAt = now
	p.HeartbeatAt = now
}

// Heartbeat stamps the task's liveness and the bytes of agent output seen
// so far. Called on every poll round trip.
func (t *Tracker) Heartbeat(taskID string, logBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.progress[taskID]; ok {
		p.LogBytes = logBytes
		p.HeartbeatAt = time.Now()
	}
}

// Get returns a copy of the task's progress, or nil when untracked.
func (t *Tracker) Get(taskID string) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[taskID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Remove drops the entry once the task reaches a terminal state.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	delete(t.progress, taskID)
	t.mu.Unlock()
}

// ListActive returns every tracked entry.
func (t *Tracker) ListActive() []*Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Progress, 0, len(t.progress))
	for _, p := range t.progress {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		now := time.Now()
		for id, p := range t.progress {
			if now.Sub(p.HeartbeatAt) > t.ttl {
				delete(t.progress, id)
			}
		}
		t.mu.Unlock()
	}
}

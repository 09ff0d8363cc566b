package domain

import "time"

// Slot describes one configured provider backend with its capacity and
// warm-pool parameters. The slot list is fixed for a process lifetime and
// ordered by Priority; ties preserve configured order.
type Slot struct {
	Name        string        `json:"name"`
	Provider    string        `json:"provider"` // provider kind: "tart", "ec2", ...
	SnapshotID  string        `json:"snapshot_id"`
	Region      string        `json:"region,omitempty"`
	Plan        string        `json:"plan,omitempty"`
	MaxPoolSize int           `json:"max_pool_size"`
	Priority    int           `json:"priority"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	MinReady    int           `json:"min_ready"`
	SSHKeyIDs   []string      `json:"ssh_key_ids,omitempty"`
}

// KeepsWarm reports whether released VMs are held in the warm pool rather
// than destroyed immediately.
func (s *Slot) KeepsWarm() bool {
	return s.IdleTimeout > 0
}

package jobtracker

import "testing"

func TestSetPhaseAndHeartbeat(t *testing.T) {
	tr := New()
	tr.SetPhase("t1", "clone", "cloning repo")

	p := tr.Get("t1")
	if p == nil || p.Phase != "clone" || p.Message != "cloning repo" {
		t.Fatalf("progress = %+v", p)
	}

	tr.Heartbeat("t1", 4096)
	p2 := tr.Get("t1")
	if p2.LogBytes != 4096 {
		t.Fatalf("log bytes = %d", p2.LogBytes)
	}
	if p2.HeartbeatAt.Before(p.HeartbeatAt) {
		t.Fatal("heartbeat did not advance")
	}
}

func TestHeartbeatIgnoresUntracked(t *testing.T) {
	tr := New()
	tr.Heartbeat("ghost", 10)
	if tr.Get("ghost") != nil {
		t.Fatal("heartbeat created an entry")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	tr := New()
	tr.SetPhase("t1", "clone", "")
	p := tr.Get("t1")
	p.Phase = "mutated"
	if tr.Get("t1").Phase != "clone" {
		t.Fatal("caller mutated tracker state")
	}
}

func TestRemoveAndListActive(t *testing.T) {
	tr := New()
	tr.SetPhase("a", "vm_acquire", "")
	tr.SetPhase("b", "agent_run", "")

	if got := len(tr.ListActive()); got != 2 {
		t.Fatalf("active = %d", got)
	}
	tr.Remove("a")
	active := tr.ListActive()
	if len(active) != 1 || active[0].TaskID != "b" {
		t.Fatalf("active after remove = %+v", active)
	}
	if tr.Get("a") != nil {
		t.Fatal("removed entry still visible")
	}
}

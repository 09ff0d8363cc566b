package remote

import (
	"strings"
	"testing"
)

func TestArgsBatchModeAndHostKeys(t *testing.T) {
	r := NewRunner("admin", "10.0.0.5", 22, "")
	args := strings.Join(r.args("true"), " ")

	for _, want := range []string{
		"ConnectTimeout=10",
		"BatchMode=yes",
		"StrictHostKeyChecking=no",
		"UserKnownHostsFile=/dev/null",
		"admin@10.0.0.5",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
	if strings.Contains(args, "-p ") {
		t.Errorf("default port 22 should not emit -p: %s", args)
	}
	if strings.Contains(args, "-i ") {
		t.Errorf("empty key path should not emit -i: %s", args)
	}
}

func TestArgsCustomPortAndKey(t *testing.T) {
	r := NewRunner("admin", "10.0.0.5", 2222, "/home/u/.ssh/id_ed25519")
	args := strings.Join(r.args("true"), " ")

	if !strings.Contains(args, "-p 2222") {
		t.Errorf("custom port missing: %s", args)
	}
	if !strings.Contains(args, "-i /home/u/.ssh/id_ed25519") {
		t.Errorf("key path missing: %s", args)
	}
}

func TestArgsCommandLast(t *testing.T) {
	r := NewRunner("admin", "host", 0, "")
	args := r.args("echo hello")
	if args[len(args)-1] != "echo hello" {
		t.Fatalf("command not last arg: %v", args)
	}
	if args[len(args)-2] != "admin@host" {
		t.Fatalf("target not before command: %v", args)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := firstLine(long); len(got) != 80 {
		t.Fatalf("len = %d", len(got))
	}
}

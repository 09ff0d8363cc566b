// Package tart implements the provider contract on the tart VM CLI for
// local macOS/Linux virtualization. Instance ids are tart VM names; the
// slot's snapshot reference is the base image to clone.
//
// tart runs each VM as a child process of `tart run`; the shim starts that
// process in its own session so VMs survive orchestrator restarts.
package tart

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/provider"
)

const (
	commandTimeout = 60 * time.Second
	ipPollInterval = 2 * time.Second
)

// Provider shells out to the tart binary.
type Provider struct {
	bin string
}

// New returns a tart provider using the given binary path ("tart" when
// empty).
func New(bin string) *Provider {
	if bin == "" {
		bin = "tart"
	}
	return &Provider{bin: bin}
}

func (p *Provider) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if isNotFound(msg) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("tart %s: %s: %w", args[0], msg, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isNotFound(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "does not exist") || strings.Contains(lower, "not found")
}

func (p *Provider) CreateInstance(ctx context.Context, spec provider.CreateSpec) (*provider.Instance, error) {
	name := spec.Label
	if _, err := p.run(ctx, "clone", spec.SnapshotID, name); err != nil {
		return nil, fmt.Errorf("clone %s: %w", spec.SnapshotID, err)
	}

	// Detach the VM process into its own session so it outlives this one.
	cmd := exec.Command(p.bin, "run", name, "--no-graphics")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		p.run(context.Background(), "delete", name)
		return nil, fmt.Errorf("start vm %s: %w", name, err)
	}
	go cmd.Wait() // reap; exit is observed via tart list

	logging.Op().Debug("tart vm started", "name", name, "base", spec.SnapshotID)
	return &provider.Instance{ID: name, SSHPort: 22, Status: "starting"}, nil
}

func (p *Provider) WaitForReady(ctx context.Context, id string, timeout time.Duration) (*provider.Instance, error) {
	deadline := time.Now().Add(timeout)
	for {
		ip, err := p.run(ctx, "ip", id)
		if err == nil && provider.Routable(ip) {
			return &provider.Instance{ID: id, IP: ip, SSHPort: 22, Status: "running"}, nil
		}
		if err != nil && err == provider.ErrNotFound {
			return nil, provider.ErrNotFound
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("vm %s has no address after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ipPollInterval):
		}
	}
}

type listEntry struct {
	Name    string `json:"Name"`
	State   string `json:"State"`
	Running bool   `json:"Running"`
}

func (p *Provider) list(ctx context.Context) ([]listEntry, error) {
	out, err := p.run(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	var entries []listEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, fmt.Errorf("parse tart list: %w", err)
	}
	return entries, nil
}

func (p *Provider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	entries, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name != id {
			continue
		}
		inst := &provider.Instance{ID: id, SSHPort: 22, Status: e.State}
		if e.Running || e.State == "running" {
			inst.Status = "running"
			if ip, err := p.run(ctx, "ip", id); err == nil {
				inst.IP = ip
			}
		}
		return inst, nil
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) ListInstances(ctx context.Context, labelFilter string) ([]*provider.Instance, error) {
	entries, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	var instances []*provider.Instance
	for _, e := range entries {
		if labelFilter != "" && !strings.HasPrefix(e.Name, labelFilter) {
			continue
		}
		status := e.State
		if e.Running {
			status = "running"
		}
		instances = append(instances, &provider.Instance{ID: e.Name, SSHPort: 22, Status: status})
	}
	return instances, nil
}

func (p *Provider) DestroyInstance(ctx context.Context, id string) error {
	// Stop is best-effort; delete is what matters.
	p.run(ctx, "stop", id)
	if _, err := p.run(ctx, "delete", id); err != nil {
		return err
	}
	return nil
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	cmd := exec.Command(p.bin, "run", id, "--no-graphics")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vm %s: %w", id, err)
	}
	go cmd.Wait()
	return nil
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	_, err := p.run(ctx, "stop", id)
	return err
}

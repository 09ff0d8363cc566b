package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/agent"
	"github.com/hal9999/hal/internal/config"
	"github.com/hal9999/hal/internal/credentials"
	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/orchestrator"
	"github.com/hal9999/hal/internal/pool"
	"github.com/hal9999/hal/internal/provider"
	"github.com/hal9999/hal/internal/provider/ec2"
	"github.com/hal9999/hal/internal/provider/tart"
	"github.com/hal9999/hal/internal/store"
	"github.com/hal9999/hal/internal/tasks"
)

// app bundles the wired components behind every subcommand.
type app struct {
	cfg   *config.Config
	store *store.Store
	tasks *tasks.Manager
	pool  *pool.Manager
	orch  *orchestrator.Orchestrator
	creds *credentials.Oracle
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildApp wires the full stack. Callers must Close it.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.SetLevelFromString(logLevel)
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

	s, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	reg, err := buildProviders(ctx, cfg.Slots)
	if err != nil {
		s.Close()
		return nil, err
	}

	tm := tasks.NewManager(s)
	pm := pool.New(s, reg, cfg.Slots)
	creds := credentials.NewOracle(s)
	catalog, err := agent.NewCatalog(cfg.AgentCatalog)
	if err != nil {
		s.Close()
		return nil, err
	}
	orch := orchestrator.New(cfg, s, tm, pm, catalog, creds)

	return &app{cfg: cfg, store: s, tasks: tm, pool: pm, orch: orch, creds: creds}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// buildProviders instantiates one provider per kind the slot list names.
func buildProviders(ctx context.Context, slots []domain.Slot) (*provider.Registry, error) {
	providers := make(map[string]provider.Provider)
	for _, slot := range slots {
		if _, ok := providers[slot.Provider]; ok {
			continue
		}
		switch slot.Provider {
		case "tart":
			providers[slot.Provider] = tart.New("tart")
		case "ec2":
			p, err := ec2.New(ctx, slot.Region)
			if err != nil {
				return nil, fmt.Errorf("init ec2 provider: %w", err)
			}
			providers[slot.Provider] = p
		default:
			return nil, fmt.Errorf("unknown provider %q in slot %s", slot.Provider, slot.Name)
		}
	}
	return provider.NewRegistry(providers), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func taskDuration(t *domain.Task) string {
	if t.StartedAt == nil {
		return ""
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt).Round(time.Second).String()
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/events"
	"github.com/hal9999/hal/internal/orchestrator"
	"github.com/hal9999/hal/internal/output"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect agent tasks",
	}
	cmd.AddCommand(
		taskSubmitCmd(),
		taskRunCmd(),
		taskListCmd(),
		taskGetCmd(),
		taskLogsCmd(),
		taskEventsCmd(),
	)
	return cmd
}

func taskOptions(agentName, branch string, noPR, planFirst bool) orchestrator.Options {
	return orchestrator.Options{Agent: agentName, Branch: branch, NoPR: noPR, PlanFirst: planFirst}
}

func taskSubmitCmd() *cobra.Command {
	var (
		agentName string
		branch    string
		noPR      bool
		planFirst bool
	)
	cmd := &cobra.Command{
		Use:   "submit <repo-url> <context>",
		Short: "Submit a task and return immediately",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.orch.StartTask(args[0], args[1], taskOptions(agentName, branch, noPR, planFirst))
			if err != nil {
				return err
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			p.Success("Task %s submitted (%s)", t.Slug, domain.ShortID(t.ID))
			return nil
		},
	}
	addTaskFlags(cmd, &agentName, &branch, &noPR, &planFirst)
	return cmd
}

func taskRunCmd() *cobra.Command {
	var (
		agentName string
		branch    string
		noPR      bool
		planFirst bool
	)
	cmd := &cobra.Command{
		Use:   "run <repo-url> <context>",
		Short: "Run a task and wait for it to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.orch.RunTask(cmd.Context(), args[0], args[1], taskOptions(agentName, branch, noPR, planFirst))
			if err != nil {
				return err
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			if err := p.PrintTaskDetail(taskDetail(t)); err != nil {
				return err
			}
			if t.Status == domain.TaskFailed {
				os.Exit(1)
			}
			return nil
		},
	}
	addTaskFlags(cmd, &agentName, &branch, &noPR, &planFirst)
	return cmd
}

func addTaskFlags(cmd *cobra.Command, agentName, branch *string, noPR, planFirst *bool) {
	cmd.Flags().StringVar(agentName, "agent", "", "Agent to run (default from config)")
	cmd.Flags().StringVar(branch, "branch", "", "Feature branch name (default hal/<task-id>)")
	cmd.Flags().BoolVar(noPR, "no-pr", false, "Skip pull request creation")
	cmd.Flags().BoolVar(planFirst, "plan-first", false, "Run a plan phase before executing")
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.tasks.List()
			if err != nil {
				return err
			}
			rows := make([]output.TaskRow, 0, len(all))
			for _, t := range all {
				rows = append(rows, output.TaskRow{
					Slug:     t.Slug,
					ID:       domain.ShortID(t.ID),
					Status:   string(t.Status),
					Agent:    t.Agent,
					Repo:     truncate(t.RepoURL, 48),
					Branch:   t.Branch,
					VM:       domain.ShortID(t.VMID),
					PRURL:    t.PRURL,
					Created:  humanTime(t.CreatedAt),
					Duration: taskDuration(t),
				})
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			return p.PrintTasks(rows)
		},
	}
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task>",
		Short: "Show one task by slug, id, or id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Resolve(args[0])
			if err != nil {
				return err
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			return p.PrintTaskDetail(taskDetail(t))
		},
	}
	return cmd
}

func taskDetail(t *domain.Task) output.TaskDetail {
	d := output.TaskDetail{
		ID:       t.ID,
		Slug:     t.Slug,
		Status:   string(t.Status),
		Agent:    t.Agent,
		Repo:     t.RepoURL,
		Context:  t.Context,
		Branch:   t.Branch,
		VM:       domain.ShortID(t.VMID),
		Result:   t.Result,
		ExitCode: t.ExitCode,
		PRURL:    t.PRURL,
		Created:  humanTime(t.CreatedAt),
	}
	if t.StartedAt != nil {
		d.Started = humanTime(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		d.Completed = humanTime(*t.CompletedAt)
	}
	return d
}

func taskLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <task>",
		Short: "Stream a task's agent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Resolve(args[0])
			if err != nil {
				return err
			}
			path := events.LogPath(a.cfg.LogsDir(), t.ID)
			return events.Tail(cmd.Context(), path, os.Stdout, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming until the task finishes")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <task>",
		Short: "Dump a task's structured event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Resolve(args[0])
			if err != nil {
				return err
			}
			envs, err := events.ReadAll(a.cfg.EventsDir(), t.ID)
			if err != nil {
				return err
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			if f := output.ParseFormat(outputFormat); f == output.FormatJSON || f == output.FormatYAML {
				return p.Print(envs)
			}
			for _, env := range envs {
				line := fmt.Sprintf("%s  #%d  %s", env.Timestamp.Local().Format("15:04:05"), env.Seq, env.Event.Type)
				switch env.Event.Type {
				case events.TypePhase:
					line += "  " + env.Event.Name
				case events.TypeVMAcquired:
					line += fmt.Sprintf("  %s (%s)", domain.ShortID(env.Event.VMID), env.Event.IP)
				case events.TypeOutput:
					line += "  " + truncate(env.Event.Text, 80)
				case events.TypeTaskEnd:
					line += "  " + env.Event.Status
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	return cmd
}

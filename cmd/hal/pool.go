package main

import (
	"github.com/spf13/cobra"

	"github.com/hal9999/hal/internal/output"
)

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and maintain the VM pool",
	}
	cmd.AddCommand(
		poolStatusCmd(),
		poolSyncCmd(),
		poolWarmCmd(),
		poolDestroyCmd(),
	)
	return cmd
}

func poolStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-slot VM occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.pool.Status()
			if err != nil {
				return err
			}
			rows := make([]output.SlotRow, 0, len(stats))
			for _, st := range stats {
				rows = append(rows, output.SlotRow{
					Slot:         st.Slot.Name,
					Provider:     st.Slot.Provider,
					Ready:        st.Ready,
					Assigned:     st.Assigned,
					Provisioning: st.Provisioning,
					Errors:       st.Error,
					Max:          st.Slot.MaxPoolSize,
					IdleTimeout:  st.Slot.IdleTimeout.String(),
				})
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			return p.PrintSlots(rows)
		},
	}
	return cmd
}

func poolSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the store against the providers and recover in-flight tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p := output.NewPrinter(output.ParseFormat(outputFormat))
			if err := a.orch.Recover(cmd.Context()); err != nil {
				return err
			}
			p.Success("Pool synced")
			return nil
		},
	}
	return cmd
}

func poolWarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Top slots up to their minimum ready VM count",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.EnsureWarm(cmd.Context()); err != nil {
				return err
			}
			output.NewPrinter(output.ParseFormat(outputFormat)).Success("Warm pool topped up")
			return nil
		},
	}
	return cmd
}

func poolDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <vm-id>",
		Short: "Destroy one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.Destroy(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.NewPrinter(output.ParseFormat(outputFormat)).Success("VM %s destroyed", args[0])
			return nil
		},
	}
	return cmd
}

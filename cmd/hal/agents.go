package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hal9999/hal/internal/agent"
	"github.com/hal9999/hal/internal/output"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the configured coding agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := agent.NewCatalog(cfg.AgentCatalog)
			if err != nil {
				return err
			}

			names := catalog.Names()
			sort.Strings(names)
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			w := p.TableWriter()
			fmt.Fprintln(w, p.Colorize(output.Bold, "AGENT\tTIMEOUT\tPLAN-FIRST\tDEFAULT"))
			for _, name := range names {
				a, err := catalog.Get(name)
				if err != nil {
					continue
				}
				def := ""
				if name == cfg.DefaultAgent {
					def = "*"
				}
				plan := ""
				if a.SupportsPlanFirst {
					plan = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					p.Colorize(output.Cyan, name), a.EffectiveTimeout(), plan, def)
			}
			return w.Flush()
		},
	}
	return cmd
}

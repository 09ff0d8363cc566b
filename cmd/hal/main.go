package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
	logLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hal",
		Short: "hal - run autonomous coding agents on disposable VMs",
		Long: "hal provisions short-lived VMs from a multi-provider pool, ships a coding\n" +
			"agent to them over SSH, and collects the results (diff, PR URL) when the\n" +
			"agent finishes.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (JSON)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, wide, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	rootCmd.AddCommand(
		taskCmd(),
		poolCmd(),
		imageCmd(),
		configCmd(),
		agentsCmd(),
		daemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

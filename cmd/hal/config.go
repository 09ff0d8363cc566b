package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hal9999/hal/internal/output"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored credentials and settings",
	}
	cmd.AddCommand(
		configSetCmd(),
		configGetCmd(),
		configUnsetCmd(),
		configListCmd(),
	)
	return cmd
}

func configSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a credential or setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key := strings.ToUpper(args[0])
			if err := a.creds.Set(key, args[1]); err != nil {
				return err
			}
			output.NewPrinter(output.ParseFormat(outputFormat)).Success("%s set", key)
			return nil
		},
	}
	return cmd
}

func configGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value (environment wins over the store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			v := a.creds.Get(strings.ToUpper(args[0]))
			if v == "" {
				return fmt.Errorf("%s is not set", strings.ToUpper(args[0]))
			}
			fmt.Println(v)
			return nil
		},
	}
	return cmd
}

func configUnsetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key := strings.ToUpper(args[0])
			if err := a.creds.Unset(key); err != nil {
				return err
			}
			output.NewPrinter(output.ParseFormat(outputFormat)).Success("%s unset", key)
			return nil
		},
	}
	return cmd
}

func configListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored keys (values are never printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.store.ListConfigKeys()
			if err != nil {
				return err
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
	return cmd
}

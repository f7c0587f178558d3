package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the agent's effective configuration"}
	cmd.AddCommand(newConfigDumpCmd())
	return cmd
}

func newConfigDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration (env/config file merged over defaults) as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(c.cfg)
			if err != nil {
				return fmt.Errorf("marshal effective config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// Command agentd is the managed endpoint agent's process entrypoint: a
// cobra command tree wrapping run/status/doctor/update, in the teacher's
// own cobra+viper CLI convention (cmd/cobra_cli.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Managed endpoint agent",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

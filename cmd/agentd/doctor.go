package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report capability presence, license state, and breaker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer()
			if err != nil {
				return err
			}
			ctx := context.Background()

			present := color.New(color.FgGreen).SprintFunc()
			absent := color.New(color.FgRed).SprintFunc()

			fmt.Println("capabilities:")
			for _, cap := range c.adapter.ListAll() {
				if c.adapter.Present(ctx, cap) {
					fmt.Printf("  %s  %s\n", present("present"), cap)
				} else {
					fmt.Printf("  %s   %s\n", absent("absent"), cap)
				}
			}

			fmt.Printf("\nlicense state: %s\n", c.license.State())

			fmt.Println("\ntool circuit breakers:")
			for _, m := range c.registry.BreakerMetrics() {
				fmt.Printf("  %-30s %s (failures=%d)\n", m.Name, m.State, m.FailureCount)
			}
			return nil
		},
	}
}

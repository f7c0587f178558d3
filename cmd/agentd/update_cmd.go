package main

import (
	"fmt"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/fleetlink/endpoint-agent/internal/update"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "update", Short: "Update engine controls"}
	cmd.AddCommand(newUpdateCheckCmd())
	cmd.AddCommand(newUpdateApplyCmd())
	return cmd
}

func newUpdateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check for an available update and render its release notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer()
			if err != nil {
				return err
			}
			c.update.Tick(update.UpdateFlagCheck)
			desc := c.update.Descriptor()
			if desc.Version == "" {
				fmt.Println("up to date")
				return nil
			}
			fmt.Printf("update available: %s (%s)\n", desc.Version, desc.Channel)
			if desc.ReleaseNotes != "" {
				renderReleaseNotes(desc.ReleaseNotes)
			}
			return nil
		},
	}
}

func newUpdateApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Force an immediate update install, bypassing auto_install/cool-down",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer()
			if err != nil {
				return err
			}
			c.update.Tick(update.UpdateFlagForced)
			fmt.Printf("update engine state: %s\n", c.update.State())
			return nil
		},
	}
}

// renderReleaseNotes renders Markdown release notes with glamour first,
// falling back to go-term-markdown's plain terminal renderer when glamour
// can't determine a style (e.g. no TTY). Both libraries are in the
// teacher's own dependency set for rendering model output; here they
// render update descriptors instead.
func renderReleaseNotes(notes string) {
	if out, err := glamour.Render(notes, "dark"); err == nil {
		fmt.Print(out)
		return
	}
	fmt.Println(string(markdown.Render(notes, 80, 0)))
}

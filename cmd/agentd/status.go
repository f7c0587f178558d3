package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fleetlink/endpoint-agent/internal/tui"
)

func newStatusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer()
			if err != nil {
				return err
			}
			snapshotFn := func() tui.Snapshot {
				sess := c.session.Snapshot()
				return tui.Snapshot{
					Connected:     sess.Connected,
					SessionID:     sess.SessionID,
					PowerState:    string(c.power.Get()),
					LicenseStatus: string(c.license.State()),
					QueueDepth:    c.session.Pending.Len(),
					UpdateState:   string(c.update.State()),
					Version:       version,
				}
			}
			if !watch {
				s := snapshotFn()
				fmt.Printf("session:  %s (%s)\n", boolWord(s.Connected, "connected", "disconnected"), s.SessionID)
				fmt.Printf("power:    %s\n", s.PowerState)
				fmt.Printf("license:  %s\n", s.LicenseStatus)
				fmt.Printf("queue:    %d\n", s.QueueDepth)
				fmt.Printf("update:   %s\n", s.UpdateState)
				fmt.Printf("version:  %s\n", s.Version)
				return nil
			}
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("status --watch requires an interactive terminal; stdout is not one")
			}
			p := tea.NewProgram(tui.NewModel(snapshotFn))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Live-updating terminal dashboard")
	return cmd
}

func boolWord(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/strand-protocol/devgate/pkg/ctl/tui"
)

// dashboardCmd launches the interactive TUI dashboard.
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Launch the interactive TUI dashboard",
	Long: `Launch an interactive terminal dashboard showing live gateway metrics:
request totals, latency percentiles, busiest endpoints and devices, devices
marked offline and recent errors. Requires the dashboard password.

Key bindings:
  Tab / Shift+Tab  Navigate between tabs
  1 / 2 / 3 / 4    Jump to Overview / Endpoints / Devices / Errors
  r                Force an immediate data refresh
  q / Ctrl+C       Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetDuration("refresh")
		p := tea.NewProgram(tui.New(client, cfg.ServerURL, refresh), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	dashboardCmd.Flags().Duration("refresh", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(dashboardCmd)
}

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health and registry status",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := client.Health()
		if err != nil {
			return fmt.Errorf("failed to get health: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(h))
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Read and reset gateway metrics",
	Long:  "Read the gateway's metrics dashboard. Requires the dashboard password.",
}

var metricsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show request, latency and device statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client.Stats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(st))
		return nil
	},
}

var metricsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a one-screen health summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.Summary()
		if err != nil {
			return fmt.Errorf("failed to get summary: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(s))
		return nil
	},
}

var metricsOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "List devices currently marked unreachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.Debug()
		if err != nil {
			return fmt.Errorf("failed to get debug info: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(d.OfflineDevices))
		return nil
	},
}

var metricsErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List the most recent failed requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.Debug()
		if err != nil {
			return fmt.Errorf("failed to get debug info: %w", err)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		errs := d.ErrorDetails
		if limit > 0 && len(errs) > limit {
			errs = errs[:limit]
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(errs))
		return nil
	},
}

var metricsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset all in-process gateway metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dryRun {
			fmt.Fprintln(cmd.OutOrStdout(), "(dry-run) would reset gateway metrics")
			return nil
		}
		if !yesFlag {
			fmt.Fprint(cmd.OutOrStdout(), "Reset all gateway metrics? Counters and history are lost. [y/N]: ")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			if strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}
		if err := client.ResetMetrics(); err != nil {
			return fmt.Errorf("failed to reset metrics: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Metrics reset.")
		return nil
	},
}

func init() {
	metricsErrorsCmd.Flags().Int("limit", 20, "maximum number of errors to show (0 for all)")
	metricsCmd.AddCommand(metricsStatsCmd)
	metricsCmd.AddCommand(metricsSummaryCmd)
	metricsCmd.AddCommand(metricsOfflineCmd)
	metricsCmd.AddCommand(metricsErrorsCmd)
	metricsCmd.AddCommand(metricsResetCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(healthCmd)
}

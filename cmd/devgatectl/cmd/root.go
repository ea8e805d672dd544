// Package cmd implements the devgatectl command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/devgate/pkg/ctl/api"
	"github.com/strand-protocol/devgate/pkg/ctl/config"
	"github.com/strand-protocol/devgate/pkg/ctl/output"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	serverURL    string
	token        string
	password     string
	dryRun       bool // --dry-run: print actions without executing them
	yesFlag      bool // --yes: skip confirmation prompts for destructive operations

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	client    api.APIClient
	formatter output.Formatter

	// injected marks a client supplied by SetClient.
	injected bool
)

// rootCmd is the base command for devgatectl.
var rootCmd = &cobra.Command{
	Use:   "devgatectl",
	Short: "devgate CLI: inspect gateway metrics and reach devices through the gateway",
	Long: `devgatectl is the operator-facing CLI for a devgate gateway.
It reads the metrics dashboard, resets counters, lists the caller's devices,
runs connection tests and proxies one-off REST calls to a device.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}
		if token != "" {
			cfg.Token = token
		}
		if password != "" {
			cfg.DashboardPassword = password
		}

		if !injected {
			client = api.NewHTTPClient(cfg.ServerURL, cfg.Token, cfg.DashboardPassword, cfg.Timeout)
		}
		formatter = output.NewFormatter(cfg.OutputFormat)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient allows tests to inject a mock client.
func SetClient(c api.APIClient) {
	client = c
	injected = c != nil
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.devgate/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "devgate server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "caller session token")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "metrics dashboard password")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print actions that would be taken without executing them")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "skip confirmation prompts for destructive operations")
}

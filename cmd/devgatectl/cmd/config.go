package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/devgate/pkg/ctl/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit the devgatectl config file",
}

// configView is the printable config; credentials are masked.
type configView struct {
	ServerURL         string `yaml:"server_url" json:"server_url"`
	Token             string `yaml:"token" json:"token"`
	DashboardPassword string `yaml:"dashboard_password" json:"dashboard_password"`
	OutputFormat      string `yaml:"output_format" json:"output_format"`
	Timeout           string `yaml:"timeout" json:"timeout"`
}

func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "********"
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(configView{
			ServerURL:         cfg.ServerURL,
			Token:             mask(cfg.Token),
			DashboardPassword: mask(cfg.DashboardPassword),
			OutputFormat:      cfg.OutputFormat,
			Timeout:           cfg.Timeout.String(),
		}))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a config value (server_url, token, dashboard_password, output_format, timeout)",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"server_url", "token", "dashboard_password", "output_format", "timeout"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		// Start from the file so flag overrides are not persisted.
		fileCfg, err := config.Load(path)
		if err != nil {
			return err
		}
		key, value := args[0], args[1]
		switch key {
		case "server_url":
			fileCfg.ServerURL = value
		case "token":
			fileCfg.Token = value
		case "dashboard_password":
			fileCfg.DashboardPassword = value
		case "output_format":
			switch value {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("output_format must be table, json or yaml")
			}
			fileCfg.OutputFormat = value
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid timeout: %w", err)
			}
			fileCfg.Timeout = d
		default:
			return fmt.Errorf("unknown config key %q", key)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would set %s in %s\n", key, path)
			return nil
		}
		if err := config.Save(path, fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", key, path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

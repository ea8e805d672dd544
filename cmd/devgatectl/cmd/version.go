package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/strand-protocol/devgate/cmd/devgatectl/cmd.devgatectlVersion=x.y.z"
var devgatectlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show devgatectl and devgate server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "devgatectl version %s\n", devgatectlVersion)

		apiVersion, err := client.Version()
		if err != nil {
			return fmt.Errorf("failed to get server version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "devgate server: %s\n", apiVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/devgate/pkg/ctl/api"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Reach devices through the gateway",
	Long:  "List your devices, run connection tests and proxy REST calls. Requires a session token.",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the devices you own",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := client.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(devices))
		return nil
	},
}

var deviceTestCmd = &cobra.Command{
	Use:   "test <device-id>",
	Short: "Test the gateway's connection to a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid device-id: %w", err)
		}
		res, err := client.TestDevice(args[0])
		if err != nil {
			return fmt.Errorf("failed to test device: %w", err)
		}
		printResult(cmd, res)
		return resultError(res)
	},
}

var deviceCallCmd = &cobra.Command{
	Use:   "call <device-id> <method> <endpoint>",
	Short: "Proxy one REST call to a device",
	Long: `Proxy one REST call to a device through the gateway. The endpoint is
relative to the device's REST root, for example "/interface" or
"/ip/address?.proplist=address".`,
	Example: `  devgatectl device call edge-01 GET /system/resource
  devgatectl device call edge-01 POST /ip/hotspot/user/add --data '{"name":"guest"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, endpoint := args[0], args[2]
		if err := api.ValidateID(id); err != nil {
			return fmt.Errorf("invalid device-id: %w", err)
		}
		method, err := api.ValidateMethod(args[1])
		if err != nil {
			return err
		}
		if err := api.ValidateEndpoint(endpoint); err != nil {
			return err
		}
		body, err := requestBody(cmd)
		if err != nil {
			return err
		}
		if method != "GET" && dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would %s %s on device %q\n", method, endpoint, id)
			return nil
		}
		res, err := client.Call(id, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("failed to call device: %w", err)
		}
		printResult(cmd, res)
		return resultError(res)
	},
}

// requestBody reads --data or --file and checks it is JSON.
func requestBody(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	if data != "" && file != "" {
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	}
	var body []byte
	switch {
	case data != "":
		body = []byte(data)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body = b
	default:
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("request body must be valid JSON")
	}
	return body, nil
}

// printResult prints the envelope. Outside JSON output the device data
// follows as indented JSON.
func printResult(cmd *cobra.Command, res *api.CallResult) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, formatter.Format(res))
	if strings.EqualFold(cfg.OutputFormat, "json") || len(res.Data) == 0 || string(res.Data) == "null" {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(res.Data)
	}
	fmt.Fprintln(out, "data:")
	fmt.Fprintln(out, buf.String())
}

// resultError turns a failed envelope into a non-zero exit.
func resultError(res *api.CallResult) error {
	if res.Success {
		return nil
	}
	if res.Code != "" {
		return fmt.Errorf("%s: %s", res.Code, res.Error)
	}
	return fmt.Errorf("request failed with status %d", res.Status)
}

func init() {
	deviceCallCmd.Flags().String("data", "", "JSON request body")
	deviceCallCmd.Flags().String("file", "", "read the JSON request body from a file")
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceTestCmd)
	deviceCmd.AddCommand(deviceCallCmd)
	rootCmd.AddCommand(deviceCmd)
}

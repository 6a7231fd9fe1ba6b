package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fleetctrl/fleetauth/pkg/refresh"
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceTokensCmd)
	deviceCmd.AddCommand(deviceRevokeCmd)
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage enrolled devices",
	Long:  `Commands to list enrolled devices and revoke their sessions.`,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := hubStore.ListDevices(cmd.Context())
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(devices) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(devices)
		}

		if len(devices) == 0 {
			fmt.Println("No devices enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKEY THUMBPRINT\tENROLLED\tLAST SEEN")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, truncate(d.Thumbprint, 16),
				d.EnrolledAt.Format(time.RFC3339), d.LastSeenAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var deviceTokensCmd = &cobra.Command{
	Use:   "tokens <device-id>",
	Short: "List a device's refresh token chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := hubStore.ListDeviceTokens(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(tokens) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(tokens)
		}

		if len(tokens) == 0 {
			fmt.Println("No refresh tokens for this device.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tISSUED\tEXPIRES\tLAST USED")
		for _, t := range tokens {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, tokenStatus(t.Status),
				t.IssuedAt.Format(time.RFC3339), t.ExpiresAt.Format(time.RFC3339),
				formatTimePtr(t.LastUsedAt))
		}
		w.Flush()
		return nil
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke all active refresh tokens for a device",
	Long: `Revoke a device's outstanding refresh tokens. The device keeps
working until its current access token expires, then must re-enroll or
recover with its enrolled key.

Examples:
  fleetauthctl device revoke 2f1c9a4e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Fail on unknown devices rather than reporting a zero-count revoke.
		if _, err := hubStore.GetDeviceByID(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("device %s not found", args[0])
		}

		n, err := hubStore.RevokeDeviceTokens(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Revoked %d refresh token(s) for device %s\n", n, args[0])
		return nil
	},
}

func tokenStatus(status string) string {
	switch status {
	case refresh.StatusActive:
		return color.GreenString(status)
	case refresh.StatusRevoked:
		return color.RedString(status)
	default:
		return status
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fleetctrl/fleetauth/pkg/enrollment"
)

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialCreateCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialCmd.AddCommand(credentialDisableCmd)

	credentialCreateCmd.Flags().IntP("uses", "u", 1, "Number of enrollments allowed (-1 for unlimited)")
	credentialCreateCmd.Flags().Duration("valid-for", 0, "Expiry window from now (0 means no expiry)")
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage enrollment credentials",
	Long:  `Commands to create, list, and disable enrollment credentials.`,
}

var credentialCreateCmd = &cobra.Command{
	Use:   "create <label>",
	Short: "Create a new enrollment credential",
	Long: `Create an enrollment credential and print the token.

The token is shown exactly once; only its hash is stored. Hand it to
the device operator over a trusted channel.

Examples:
  fleetauthctl credential create rack-12                   # single use
  fleetauthctl credential create lab --uses 50             # 50 enrollments
  fleetauthctl credential create ci --uses -1 --valid-for 720h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]
		uses, _ := cmd.Flags().GetInt("uses")
		validFor, _ := cmd.Flags().GetDuration("valid-for")

		if uses == 0 || uses < enrollment.UnlimitedUses {
			return fmt.Errorf("uses must be positive or -1 for unlimited, got %d", uses)
		}

		var expiresAt *time.Time
		if validFor > 0 {
			t := time.Now().Add(validFor)
			expiresAt = &t
		}

		raw, cred, err := enrollment.NewCredential(label, uses, expiresAt)
		if err != nil {
			return err
		}
		if err := hubStore.CreateCredential(cmd.Context(), cred); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}

		if outputFormat != "table" {
			return formatOutput(map[string]any{
				"id":    cred.ID,
				"label": cred.Label,
				"token": raw,
				"uses":  cred.RemainingUses,
			})
		}

		fmt.Printf("Created credential %s (%s)\n", cred.ID, cred.Label)
		fmt.Printf("Enrollment token (shown once, store it now):\n\n  %s\n\n", color.New(color.FgHiYellow, color.Bold).Sprint(raw))
		if expiresAt != nil {
			fmt.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollment credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := hubStore.ListCredentials(cmd.Context())
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(creds) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(creds)
		}

		if len(creds) == 0 {
			fmt.Println("No credentials. Use 'fleetauthctl credential create' to make one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tUSES LEFT\tSTATUS\tEXPIRES\tLAST USED")
		for _, c := range creds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Label, usesLeft(c), credentialStatus(c),
				formatTimePtr(c.ExpiresAt), formatTimePtr(c.LastUsedAt))
		}
		w.Flush()
		return nil
	},
}

var credentialDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an enrollment credential",
	Long: `Disable a credential so it can no longer enroll devices.
Already-enrolled devices are unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := hubStore.DisableCredential(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("credential %s not found", args[0])
		}
		fmt.Printf("Disabled credential %s\n", args[0])
		return nil
	},
}

func usesLeft(c *enrollment.Credential) string {
	if c.Unlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", c.RemainingUses)
}

func credentialStatus(c *enrollment.Credential) string {
	switch {
	case c.Disabled:
		return color.RedString("disabled")
	case c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()):
		return color.YellowString("expired")
	case !c.Unlimited() && c.RemainingUses == 0:
		return color.YellowString("depleted")
	default:
		return color.GreenString("active")
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

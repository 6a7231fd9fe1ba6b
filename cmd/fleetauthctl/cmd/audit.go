package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetctrl/fleetauth/pkg/audit"
	"github.com/fleetctrl/fleetauth/pkg/store"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)

	auditListCmd.Flags().String("type", "", "Filter by event type (e.g. refresh.reuse_detected)")
	auditListCmd.Flags().String("actor", "", "Filter by actor (device ID)")
	auditListCmd.Flags().Duration("since", 0, "Only events newer than this (e.g. 24h)")
	auditListCmd.Flags().IntP("limit", "n", 50, "Maximum entries to show")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries, newest first",
	Long: `List audit log entries recorded by the hub.

Examples:
  fleetauthctl audit list -n 20
  fleetauthctl audit list --type refresh.reuse_detected --since 168h
  fleetauthctl audit list --actor 2f1c9a4e-... -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		actor, _ := cmd.Flags().GetString("actor")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.AuditFilter{
			Type:  audit.EventType(eventType),
			Actor: actor,
			Limit: limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		entries, err := hubStore.ListAuditEntries(cmd.Context(), filter)
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(entries) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(entries)
		}

		if len(entries) == 0 {
			fmt.Println("No audit entries match.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tSEVERITY\tACTOR\tIP\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Event.Timestamp.Format(time.RFC3339), e.Event.Type,
				e.Event.Severity, orDash(e.Event.ActorID), orDash(e.Event.IP),
				formatDetails(e.Event.Details))
		}
		w.Flush()
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return "-"
	}
	out := ""
	for k, v := range details {
		if out != "" {
			out += " "
		}
		out += k + "=" + v
	}
	return out
}

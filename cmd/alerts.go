package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kyb-monitor/internal/alert"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/notify"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and acknowledge risk alerts",
}

// -- alerts list --

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := alertFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		alerts, err := st.ListAlerts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "alerts list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if alerts == nil {
				alerts = []model.Alert{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(alerts)
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts found.")
			return nil
		}
		formatAlertsList(os.Stdout, alerts)
		return nil
	},
}

// -- alerts ack --

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>...",
	Short: "Mark alerts as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr := alert.NewManager(st, notify.Nop{})
		for _, id := range args {
			a, err := mgr.Acknowledge(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "acknowledge alert %s", id)
			}
			fmt.Fprintf(os.Stdout, "Acknowledged %s (%s, %s)\n", a.ID, a.Type, a.CounterpartyID)
		}
		return nil
	},
}

func alertFilterFromFlags(cmd *cobra.Command) (model.AlertFilter, error) {
	sev, _ := cmd.Flags().GetString("severity")
	typ, _ := cmd.Flags().GetString("type")
	cp, _ := cmd.Flags().GetString("counterparty")
	tenant, _ := cmd.Flags().GetString("tenant")
	unread, _ := cmd.Flags().GetBool("unread")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := model.AlertFilter{
		TenantID:       tenant,
		CounterpartyID: cp,
		Type:           model.AlertType(typ),
		Limit:          limit,
	}
	if sev != "" {
		s, err := model.ParseSeverity(sev)
		if err != nil {
			return filter, err
		}
		filter.Severity = s
	}
	if unread {
		f := false
		filter.IsRead = &f
	}
	return filter, nil
}

func formatAlertsList(w io.Writer, alerts []model.Alert) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOUNTERPARTY\tSOURCE\tTYPE\tSEVERITY\tSTATE\tCOUNT\tCREATED\tMESSAGE")
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(a.ID), a.CounterpartyID, a.Source, a.Type, strings.ToUpper(string(a.Severity)),
			alertState(a), a.OccurrenceCount, a.CreatedAt.Format(time.DateTime), truncate(a.Message, 60),
		)
	}
	_ = tw.Flush()
}

func alertState(a model.Alert) string {
	switch {
	case a.ResolvedAt != nil:
		return "resolved"
	case a.IsRead:
		return "read"
	}
	return "open"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	f := alertsListCmd.Flags()
	f.String("severity", "", "filter by severity (minor, major, critical)")
	f.String("type", "", "filter by alert type")
	f.String("counterparty", "", "filter by counterparty ID")
	f.String("tenant", "", "filter by tenant ID")
	f.Bool("unread", false, "only unread alerts")
	f.Int("limit", 50, "max alerts to return")
	f.Bool("json", false, "print alerts as JSON")

	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd)
	rootCmd.AddCommand(alertsCmd)
}

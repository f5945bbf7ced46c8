package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/kyb-monitor/internal/scheduler"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check <counterparty-id>",
	Short: "Check one counterparty against all its sources now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initMonitor(ctx, "check")
		if err != nil {
			return err
		}
		defer env.Close()

		outcomes, err := env.Scheduler.CheckNow(ctx, args[0])
		if err != nil {
			return err
		}

		if checkJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(outcomes)
		}
		formatOutcomes(os.Stdout, outcomes)
		return nil
	},
}

func formatOutcomes(w io.Writer, outcomes []scheduler.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATE\tSTATUS\tCACHED\tCHANGES\tSEVERITY\tSCORE\tALERT\tERROR")
	for _, o := range outcomes {
		alertID := "-"
		if o.Alert != nil {
			alertID = o.Alert.ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%d\t%s\t%s\n",
			o.Source, o.State, o.Status, o.FromCache, o.Changes,
			dash(string(o.Severity)), o.Score, alertID, dash(o.Error),
		)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print outcomes as JSON")
	rootCmd.AddCommand(checkCmd)
}

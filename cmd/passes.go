package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kyb-monitor/internal/model"
)

var passesCmd = &cobra.Command{
	Use:   "passes",
	Short: "List recent scheduling passes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		passes, err := st.ListPasses(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "passes list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(passes)
		}
		if len(passes) == 0 {
			fmt.Fprintln(os.Stderr, "No passes found.")
			return nil
		}
		formatPassesList(os.Stdout, passes)
		return nil
	},
}

func formatPassesList(w io.Writer, passes []model.PassSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tDUE\tACCEPTED\tDEFERRED\tFAILED\tSKIPPED\tERROR")
	for _, p := range passes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			shortID(p.ID), p.StartedAt.Format(time.DateTime),
			p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond),
			p.Due, p.Accepted, p.Deferred, p.Failed, p.Skipped, dash(truncate(p.Error, 40)),
		)
	}
	_ = tw.Flush()
}

func init() {
	passesCmd.Flags().Int("limit", 20, "max passes to return")
	passesCmd.Flags().Bool("json", false, "print passes as JSON")
	rootCmd.AddCommand(passesCmd)
}

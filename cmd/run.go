package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/kyb-monitor/internal/model"
)

var (
	runLoop bool
	runJSON bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scheduling pass over all due counterparties",
	Long:  "Runs one pass over every monitored counterparty/source pair that is due, or keeps running passes on the configured interval with --loop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initMonitor(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if runLoop {
			go env.Janitor(ctx)
			return env.Scheduler.Run(ctx)
		}

		summary, err := env.Scheduler.RunPass(ctx, time.Now())
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return encErr
			}
		} else {
			formatPassSummary(os.Stdout, summary)
		}
		return err
	},
}

func formatPassSummary(w io.Writer, s model.PassSummary) {
	fmt.Fprintf(w, "Pass:      %s\n", s.ID)
	fmt.Fprintf(w, "Duration:  %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Due:       %d\n", s.Due)
	fmt.Fprintf(w, "Accepted:  %d\n", s.Accepted)
	fmt.Fprintf(w, "Deferred:  %d\n", s.Deferred)
	fmt.Fprintf(w, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "Skipped:   %d\n", s.Skipped)
	if s.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.Error)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "keep running passes on the scheduler interval")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the pass summary as JSON")
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var purgeYes bool

var purgeCmd = &cobra.Command{
	Use:   "purge <counterparty-id>",
	Short: "Permanently delete a counterparty with its snapshots, diffs and alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeYes {
			return eris.New("purge is irreversible; pass --yes to confirm")
		}
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.PurgeCounterparty(ctx, args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("counterparty %s not found", args[0])
			}
			return eris.Wrap(err, "purge counterparty")
		}

		fmt.Fprintf(os.Stdout, "Purged counterparty %s\n", args[0])
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <counterparty-id> <on|off>",
	Short: "Enable or disable monitoring for a counterparty",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return eris.Errorf("expected on or off, got %q", args[1])
		}
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetMonitoring(ctx, args[0], enabled); err != nil {
			return eris.Wrap(err, "set monitoring")
		}
		fmt.Fprintf(os.Stdout, "Monitoring %s for %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the deletion")
	rootCmd.AddCommand(migrateCmd, purgeCmd, monitorCmd)
}

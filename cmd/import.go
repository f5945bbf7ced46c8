package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/fetcher"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/ratelimit"
	"github.com/sells-group/kyb-monitor/internal/source"
)

var (
	importCSVPath string
	importTenant  string
	importDryRun  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import counterparties from CSV",
	Long: `Upserts counterparties from a CSV file with the columns
id, name, country, vat_number, lei, address and optionally tenant_id,
monitoring (true/false) and sources (";"-separated source IDs). Without a
sources column every enabled source that can check the row is attached.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "open csv")
		}
		defer f.Close() //nolint:errcheck

		recCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{LazyQuotes: true})
		recs, err := fetcher.Drain(recCh, errCh)
		if err != nil {
			return eris.Wrap(err, "read csv")
		}

		// Adapters are only asked which identifier they would check.
		limiter := ratelimit.New(ratelimit.NewMemoryWindows(), ratelimit.NewMemoryCache(), nil)
		reg, err := buildRegistry(cfg.Sources, limiter, 0)
		if err != nil {
			return err
		}

		cps, err := counterpartiesFromRecords(recs, reg, sourceFrequencies(), importTenant)
		if err != nil {
			return err
		}
		if importDryRun {
			fmt.Fprintf(os.Stdout, "%d counterparties parsed, nothing written\n", len(cps))
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportCounterparties(ctx, cps)
		if err != nil {
			return eris.Wrap(err, "import counterparties")
		}

		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func sourceFrequencies() map[model.SourceID]time.Duration {
	out := make(map[model.SourceID]time.Duration)
	for id, c := range sourceConfigs(cfg.Sources) {
		if c.Enabled {
			out[id] = c.Frequency
		}
	}
	return out
}

// counterpartiesFromRecords maps CSV rows to counterparties. Row numbers
// in errors count the header as row 1.
func counterpartiesFromRecords(recs []fetcher.Record, reg *source.Registry, freq map[model.SourceID]time.Duration, tenant string) ([]model.Counterparty, error) {
	var errs []string
	seen := make(map[string]int, len(recs))
	out := make([]model.Counterparty, 0, len(recs))

	for i, rec := range recs {
		row := i + 2
		cp := model.Counterparty{
			ID:                rec["id"],
			TenantID:          rec["tenant_id"],
			Name:              rec["name"],
			Country:           strings.ToUpper(rec["country"]),
			VATNumber:         rec["vat_number"],
			LEI:               rec["lei"],
			Address:           rec["address"],
			MonitoringEnabled: true,
			Sources:           make(map[model.SourceID]model.SourceState),
		}
		if cp.TenantID == "" {
			cp.TenantID = tenant
		}
		if cp.ID == "" {
			errs = append(errs, fmt.Sprintf("row %d: id is required", row))
			continue
		}
		if prev, dup := seen[cp.ID]; dup {
			errs = append(errs, fmt.Sprintf("row %d: duplicate id %q (first on row %d)", row, cp.ID, prev))
			continue
		}
		seen[cp.ID] = row
		if cp.Name == "" {
			errs = append(errs, fmt.Sprintf("row %d: name is required", row))
		}
		if v := rec["monitoring"]; v != "" {
			on, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("row %d: monitoring must be true or false, got %q", row, v))
			}
			cp.MonitoringEnabled = on
		}

		ids, err := rowSources(rec["sources"], reg, cp)
		if err != nil {
			errs = append(errs, fmt.Sprintf("row %d: %s", row, err))
		}
		for _, id := range ids {
			cp.Sources[id] = model.SourceState{Source: id, Frequency: freq[id], Health: model.HealthUnknown}
		}
		out = append(out, cp)
	}

	if len(errs) > 0 {
		return nil, eris.Errorf("import: %d invalid rows: %s", len(errs), strings.Join(errs, "; "))
	}
	return out, nil
}

func rowSources(list string, reg *source.Registry, cp model.Counterparty) ([]model.SourceID, error) {
	if list == "" {
		var ids []model.SourceID
		for _, id := range reg.IDs() {
			a, _ := reg.Get(id)
			if _, ok := a.Identifier(cp); ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	var ids []model.SourceID
	for _, part := range strings.Split(list, ";") {
		id := model.SourceID(strings.ToLower(strings.TrimSpace(part)))
		if id == "" {
			continue
		}
		if !id.Valid() {
			return nil, eris.Errorf("unknown source %q", part)
		}
		if _, ok := reg.Get(id); !ok {
			return nil, eris.Errorf("source %q is not enabled", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	importCmd.Flags().StringVar(&importTenant, "tenant", "", "tenant ID for rows without a tenant_id column")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate the file without writing")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

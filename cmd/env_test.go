package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/ratelimit"
	"github.com/sells-group/kyb-monitor/internal/scheduler"
)

func loadTestConfig(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.SQLitePath = filepath.Join(t.TempDir(), "kyb.db")
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenStore_SQLite(t *testing.T) {
	loadTestConfig(t)

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitMonitor_DefaultSources(t *testing.T) {
	loadTestConfig(t)

	env, err := initMonitor(context.Background(), "check")
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []model.SourceID{model.SourceLEI, model.SourceSanctions, model.SourceVIES}, env.Registry.IDs())
	assert.NotNil(t, env.memCache, "no redis address falls back to memory")
	assert.NotNil(t, env.Scheduler)
	assert.Equal(t, model.SeverityMajor, env.Alerts.Threshold())

	_, err = env.Scheduler.CheckNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestInitMonitor_ValidationFails(t *testing.T) {
	loadTestConfig(t)
	cfg.Scheduler.Workers = 0

	_, err := initMonitor(context.Background(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.workers")
}

func TestInitMonitor_RedisUnreachable(t *testing.T) {
	loadTestConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := initMonitor(ctx, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestSourcePolicies_EnabledOnly(t *testing.T) {
	sc := config.SourcesConfig{
		VIES: config.SourceConfig{
			Enabled: true, RateLimit: 60, RateWindow: time.Minute,
			CacheTTL: time.Hour, StaleTTL: 24 * time.Hour, MaxWait: 5 * time.Second,
		},
		LEI: config.SourceConfig{Enabled: false, RateLimit: 10},
	}

	got := sourcePolicies(sc)
	require.Len(t, got, 1)
	assert.Equal(t, ratelimit.Policy{
		Limit:    ratelimit.Limit{Requests: 60, Window: time.Minute},
		TTL:      time.Hour,
		StaleTTL: 24 * time.Hour,
		MaxWait:  5 * time.Second,
	}, got[model.SourceVIES])
}

func TestBuildRegistry_NoneEnabled(t *testing.T) {
	_, err := buildRegistry(config.SourcesConfig{}, nil, 0)
	assert.Error(t, err)
}

func TestFormatOutcomes(t *testing.T) {
	var buf bytes.Buffer
	formatOutcomes(&buf, []scheduler.Outcome{
		{Source: model.SourceVIES, State: scheduler.StateAccepted, Status: model.StatusOK, Changes: 1, Severity: model.SeverityCritical, Score: 40, Alert: &model.Alert{ID: "a-1"}},
		{Source: model.SourceLEI, State: scheduler.StateSkipped},
	})

	out := buf.String()
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "critical")
	assert.Contains(t, out, "a-1")
	assert.Contains(t, out, "skipped")
}

func TestFormatAlertsList(t *testing.T) {
	resolved := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatAlertsList(&buf, []model.Alert{
		{ID: "0123456789abcdef", CounterpartyID: "cp-1", Source: model.SourceVIES, Type: model.AlertVATInvalidated, Severity: model.SeverityCritical, OccurrenceCount: 1, Message: "VAT number is no longer valid"},
		{ID: "a-2", CounterpartyID: "cp-2", Source: model.SourceLEI, Type: model.AlertLEIStatusChange, Severity: model.SeverityMajor, ResolvedAt: &resolved},
	})

	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.Contains(t, out, "CRITICAL")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "resolved")
}

func TestFormatPassSummary(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatPassSummary(&buf, model.PassSummary{
		ID: "p-1", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
		Due: 3, Accepted: 2, Failed: 1,
	})

	out := buf.String()
	assert.Contains(t, out, "p-1")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "Accepted:  2")
	assert.NotContains(t, out, "Error:")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "kyb.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 3, cfg.Scheduler.MaxDeferrals)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.CallTimeout)

	assert.True(t, cfg.Sources.VIES.Enabled)
	assert.Equal(t, time.Hour, cfg.Sources.VIES.CacheTTL)
	assert.Equal(t, 30, cfg.Sources.VIES.RateLimit)
	assert.Equal(t, time.Minute, cfg.Sources.VIES.RateWindow)
	assert.InDelta(t, 0.85, cfg.Sources.Sanctions.Threshold, 0.001)
	assert.Equal(t, 24*time.Hour, cfg.Sources.Sanctions.Frequency)
	assert.False(t, cfg.Sources.Insolvency.Enabled)
	assert.Equal(t, 5, cfg.Sources.Insolvency.MaxPages)
	assert.Equal(t, "https://api.gleif.org/api/v1", cfg.Sources.LEI.BaseURL)

	assert.Equal(t, "major", cfg.Alerts.Threshold)
	assert.Equal(t, 24*time.Hour, cfg.Snapshots.ReconfirmInterval)
	assert.Equal(t, "kyb:", cfg.Redis.Prefix)
	assert.Empty(t, cfg.Redis.Addr)
	assert.True(t, cfg.Notify.Log)
	assert.Equal(t, "kyb.alerts", cfg.Notify.KafkaTopic)
	assert.Equal(t, 3, cfg.Monitoring.UnavailablePasses)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/kyb
log:
  level: debug
  format: console
server:
  port: 9090
scheduler:
  workers: 4
  interval: 30s
sources:
  sanctions:
    threshold: 0.9
    lists_file: lists.yaml
  insolvency:
    enabled: true
    base_url: https://insolvency.example.org
scoring:
  critical: 50
  sources:
    lei:
      major: 10
notify:
  kafka_brokers: [localhost:9092]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.InDelta(t, 0.9, cfg.Sources.Sanctions.Threshold, 0.001)
	assert.Equal(t, "lists.yaml", cfg.Sources.Sanctions.ListsFile)
	assert.True(t, cfg.Sources.Sanctions.Enabled, "squashed defaults survive")
	assert.True(t, cfg.Sources.Insolvency.Enabled)
	assert.Equal(t, 50, cfg.Scoring.Critical)
	assert.Equal(t, 10, cfg.Scoring.Sources["lei"]["major"])
	assert.Equal(t, []string{"localhost:9092"}, cfg.Notify.KafkaBrokers)
	// Defaults still apply for unset values
	assert.Equal(t, time.Hour, cfg.Sources.VIES.Frequency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("KYB_STORE_DRIVER", "postgres")
	t.Setenv("KYB_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("KYB_SERVER_PORT", "3000")
	t.Setenv("KYB_SOURCES_VIES_CACHE_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Sources.VIES.CacheTTL)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "kyb.db"
	cfg.Server.Port = 8080
	cfg.Scheduler.Workers = 8
	cfg.Scheduler.Interval = 5 * time.Minute
	cfg.Alerts.Threshold = "major"
	cfg.Sources.VIES = SourceConfig{Enabled: true, RateLimit: 60, RateWindow: time.Minute, Frequency: time.Hour}
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "run", "check", "store"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_WorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.Workers = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.workers must be between 1 and 256")

	cfg.Scheduler.Workers = 257
	assert.Error(t, cfg.Validate("run"))

	cfg.Scheduler.Workers = 256
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidate_Sources(t *testing.T) {
	cfg := validDefaults()
	cfg.Sources.VIES.RateWindow = 0
	cfg.Sources.Insolvency.Enabled = true
	cfg.Sources.Insolvency.Frequency = time.Hour
	cfg.Alerts.Threshold = "urgent"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.vies.rate_window must be > 0")
	assert.Contains(t, err.Error(), "sources.insolvency.base_url is required")
	assert.Contains(t, err.Error(), "alerts.threshold")

	cfg = validDefaults()
	cfg.Sources.VIES.Enabled = false
	err = cfg.Validate("check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source must be enabled")
}

package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var severities = map[string]bool{"none": true, "minor": true, "major": true, "critical": true}

// Validate checks the settings a command mode depends on. Modes: serve,
// run, check, store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	switch mode {
	case "store":
	case "serve", "run", "check":
		errs = append(errs, c.validateMonitoring(mode)...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateMonitoring(mode string) []string {
	var errs []string
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Scheduler.Workers < 1 || c.Scheduler.Workers > 256 {
		errs = append(errs, "scheduler.workers must be between 1 and 256")
	}
	if c.Scheduler.MaxDeferrals < 0 {
		errs = append(errs, "scheduler.max_deferrals must be >= 0")
	}
	if mode != "check" && c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be > 0")
	}
	if !severities[strings.ToLower(c.Alerts.Threshold)] {
		errs = append(errs, fmt.Sprintf("alerts.threshold must be one of none, minor, major, critical, got %q", c.Alerts.Threshold))
	}
	if c.Sources.Sanctions.Threshold < 0 || c.Sources.Sanctions.Threshold > 1 {
		errs = append(errs, "sources.sanctions.threshold must be between 0 and 1")
	}

	enabled := 0
	for name, s := range map[string]SourceConfig{
		"vies":       c.Sources.VIES,
		"sanctions":  c.Sources.Sanctions.SourceConfig,
		"insolvency": c.Sources.Insolvency.SourceConfig,
		"lei":        c.Sources.LEI,
	} {
		if !s.Enabled {
			continue
		}
		enabled++
		if s.RateLimit < 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.rate_limit must be >= 0", name))
		}
		if s.RateLimit > 0 && s.RateWindow <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.rate_window must be > 0 when rate_limit is set", name))
		}
		if s.Frequency <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.frequency must be > 0", name))
		}
	}
	if c.Sources.Insolvency.Enabled && c.Sources.Insolvency.BaseURL == "" {
		errs = append(errs, "sources.insolvency.base_url is required when enabled")
	}
	if enabled == 0 {
		errs = append(errs, "at least one source must be enabled")
	}
	return errs
}

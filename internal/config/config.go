package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Alerts     AlertsConfig     `yaml:"alerts" mapstructure:"alerts"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Snapshots  SnapshotsConfig  `yaml:"snapshots" mapstructure:"snapshots"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SchedulerConfig configures monitoring passes.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	MaxDeferrals int           `yaml:"max_deferrals" mapstructure:"max_deferrals"`
	LockStripes  int           `yaml:"lock_stripes" mapstructure:"lock_stripes"`
	CallTimeout  time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	// BatchRate staggers items of one batch, in items per second.
	BatchRate float64 `yaml:"batch_rate" mapstructure:"batch_rate"`
}

// SourceConfig holds the settings shared by every registry adapter.
type SourceConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string        `yaml:"api_key" mapstructure:"api_key"`
	RateLimit        int           `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateWindow       time.Duration `yaml:"rate_window" mapstructure:"rate_window"`
	CacheTTL         time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	StaleTTL         time.Duration `yaml:"stale_ttl" mapstructure:"stale_ttl"`
	MaxWait          time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	Frequency        time.Duration `yaml:"frequency" mapstructure:"frequency"`
	Retries          int           `yaml:"retries" mapstructure:"retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCoolDown  time.Duration `yaml:"breaker_cool_down" mapstructure:"breaker_cool_down"`
}

// SanctionsConfig configures list screening.
type SanctionsConfig struct {
	SourceConfig    `yaml:",inline" mapstructure:",squash"`
	ListsFile       string        `yaml:"lists_file" mapstructure:"lists_file"`
	Threshold       float64       `yaml:"threshold" mapstructure:"threshold"`
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	UserAgent       string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// InsolvencyConfig configures the insolvency notice search.
type InsolvencyConfig struct {
	SourceConfig  `yaml:",inline" mapstructure:",squash"`
	MaxPages      int     `yaml:"max_pages" mapstructure:"max_pages"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
}

// SourcesConfig groups the registry adapters.
type SourcesConfig struct {
	VIES       SourceConfig     `yaml:"vies" mapstructure:"vies"`
	Sanctions  SanctionsConfig  `yaml:"sanctions" mapstructure:"sanctions"`
	Insolvency InsolvencyConfig `yaml:"insolvency" mapstructure:"insolvency"`
	LEI        SourceConfig     `yaml:"lei" mapstructure:"lei"`
}

// AlertsConfig configures the alert manager.
type AlertsConfig struct {
	Threshold string `yaml:"threshold" mapstructure:"threshold"`
}

// ScoringConfig overrides risk weights. Zero severity weights keep the
// built-in values.
type ScoringConfig struct {
	Critical    int                       `yaml:"critical" mapstructure:"critical"`
	Major       int                       `yaml:"major" mapstructure:"major"`
	Minor       int                       `yaml:"minor" mapstructure:"minor"`
	Sources     map[string]map[string]int `yaml:"sources" mapstructure:"sources"`
	WeightsFile string                    `yaml:"weights_file" mapstructure:"weights_file"`
}

// SnapshotsConfig configures snapshot acceptance and diff rules.
type SnapshotsConfig struct {
	ReconfirmInterval time.Duration `yaml:"reconfirm_interval" mapstructure:"reconfirm_interval"`
	RulesFile         string        `yaml:"rules_file" mapstructure:"rules_file"`
}

// RedisConfig enables the shared rate window and result cache. Empty Addr
// keeps both in process.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// NotifyConfig selects alert notification channels.
type NotifyConfig struct {
	Log            bool          `yaml:"log" mapstructure:"log"`
	WebhookURL     string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" mapstructure:"webhook_timeout"`
	KafkaBrokers   []string      `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic     string        `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// MonitoringConfig configures the operational watchdog.
type MonitoringConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	UnavailablePasses int           `yaml:"unavailable_passes" mapstructure:"unavailable_passes"`
	LookbackPasses    int           `yaml:"lookback_passes" mapstructure:"lookback_passes"`
	// FailureRate is the share of failed pairs across the lookback passes
	// above which an alert fires.
	FailureRate float64 `yaml:"failure_rate" mapstructure:"failure_rate"`
	WebhookURL  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KYB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "kyb.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.max_deferrals", 3)
	v.SetDefault("scheduler.lock_stripes", 256)
	v.SetDefault("scheduler.call_timeout", "15s")
	v.SetDefault("scheduler.batch_rate", 10)

	// VIES publishes a limit of 30 requests per minute.
	v.SetDefault("sources.vies.enabled", true)
	v.SetDefault("sources.vies.base_url", "https://ec.europa.eu/taxation_customs/vies/services/checkVatService")
	v.SetDefault("sources.vies.rate_limit", 30)
	v.SetDefault("sources.vies.rate_window", "1m")
	v.SetDefault("sources.vies.cache_ttl", "1h")
	v.SetDefault("sources.vies.stale_ttl", "24h")
	v.SetDefault("sources.vies.frequency", "1h")

	v.SetDefault("sources.sanctions.enabled", true)
	v.SetDefault("sources.sanctions.rate_limit", 0)
	v.SetDefault("sources.sanctions.cache_ttl", "6h")
	v.SetDefault("sources.sanctions.stale_ttl", "24h")
	v.SetDefault("sources.sanctions.frequency", "24h")
	v.SetDefault("sources.sanctions.threshold", 0.85)
	v.SetDefault("sources.sanctions.refresh_interval", "6h")
	v.SetDefault("sources.sanctions.user_agent", "kyb-monitor")

	v.SetDefault("sources.insolvency.enabled", false)
	v.SetDefault("sources.insolvency.rate_limit", 30)
	v.SetDefault("sources.insolvency.rate_window", "1m")
	v.SetDefault("sources.insolvency.cache_ttl", "12h")
	v.SetDefault("sources.insolvency.stale_ttl", "48h")
	v.SetDefault("sources.insolvency.frequency", "24h")
	v.SetDefault("sources.insolvency.max_pages", 5)
	v.SetDefault("sources.insolvency.min_similarity", 0.9)

	v.SetDefault("sources.lei.enabled", true)
	v.SetDefault("sources.lei.base_url", "https://api.gleif.org/api/v1")
	v.SetDefault("sources.lei.rate_limit", 60)
	v.SetDefault("sources.lei.rate_window", "1m")
	v.SetDefault("sources.lei.cache_ttl", "24h")
	v.SetDefault("sources.lei.stale_ttl", "72h")
	v.SetDefault("sources.lei.frequency", "168h")

	v.SetDefault("alerts.threshold", "major")
	v.SetDefault("snapshots.reconfirm_interval", "24h")
	v.SetDefault("redis.prefix", "kyb:")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.webhook_timeout", "10s")
	v.SetDefault("notify.kafka_topic", "kyb.alerts")
	v.SetDefault("monitoring.check_interval", "15m")
	v.SetDefault("monitoring.unavailable_passes", 3)
	v.SetDefault("monitoring.lookback_passes", 10)
	v.SetDefault("monitoring.failure_rate", 0.25)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

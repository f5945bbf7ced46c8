package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/kyb-monitor/internal/alert"
	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/fetcher"
	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/notify"
	"github.com/sells-group/kyb-monitor/internal/ratelimit"
	"github.com/sells-group/kyb-monitor/internal/resilience"
	"github.com/sells-group/kyb-monitor/internal/risk"
	"github.com/sells-group/kyb-monitor/internal/scheduler"
	"github.com/sells-group/kyb-monitor/internal/snapshot"
	"github.com/sells-group/kyb-monitor/internal/source"
	"github.com/sells-group/kyb-monitor/internal/source/insolvency"
	"github.com/sells-group/kyb-monitor/internal/source/lei"
	"github.com/sells-group/kyb-monitor/internal/source/sanctions"
	"github.com/sells-group/kyb-monitor/internal/source/vies"
	"github.com/sells-group/kyb-monitor/internal/store"
	"github.com/sells-group/kyb-monitor/pkg/gleif"
	insolvencyclient "github.com/sells-group/kyb-monitor/pkg/insolvency"
	viesclient "github.com/sells-group/kyb-monitor/pkg/vies"
)

const (
	cacheSweepInterval = 5 * time.Minute
	listFetchTimeout   = 2 * time.Minute
)

// monitorEnv holds everything the serve, run and check commands need.
type monitorEnv struct {
	Store     store.Store
	Limiter   *ratelimit.Service
	Registry  *source.Registry
	Alerts    *alert.Manager
	Pipeline  *scheduler.Pipeline
	Scheduler *scheduler.Scheduler

	// memCache is set when results are cached in process memory.
	memCache *ratelimit.MemoryCache
	redis    *redis.Client
	closers  []func() error
}

// Close releases resources held by the environment.
func (e *monitorEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

// Janitor sweeps expired results from the in-memory cache until ctx is
// done. It returns at once when results live in Redis.
func (e *monitorEnv) Janitor(ctx context.Context) {
	if e.memCache == nil {
		return
	}
	e.memCache.Janitor(ctx, cacheSweepInterval)
}

// initMonitor validates cfg for mode and wires the store, limiter,
// adapters, pipeline and scheduler. Callers should defer env.Close().
func initMonitor(ctx context.Context, mode string, opts ...scheduler.Option) (*monitorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	metrics.Init()

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	env := &monitorEnv{Store: st, closers: []func() error{st.Close}}
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if err := env.initLimiter(ctx, cfg.Redis); err != nil {
		env.Close()
		return nil, err
	}

	env.Registry, err = buildRegistry(cfg.Sources, env.Limiter, cfg.Scheduler.CallTimeout)
	if err != nil {
		env.Close()
		return nil, err
	}

	threshold, err := model.ParseSeverity(cfg.Alerts.Threshold)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "parse alert threshold")
	}
	notifier, closeNotifier := notify.FromConfig(cfg.Notify)
	env.closers = append(env.closers, closeNotifier)
	env.Alerts = alert.NewManager(st, notifier, alert.WithThreshold(threshold))

	rules, err := snapshot.LoadRules(cfg.Snapshots.RulesFile)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load severity rules")
	}
	weights, err := risk.WeightsFromConfig(cfg.Scoring)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load risk weights")
	}
	snaps := snapshot.NewService(st, rules, snapshot.WithReconfirmInterval(cfg.Snapshots.ReconfirmInterval))

	env.Pipeline = scheduler.NewPipeline(st, snaps, env.Alerts, weights)
	env.Scheduler = scheduler.New(st, env.Registry, env.Pipeline, cfg.Scheduler, opts...)

	zap.L().Info("monitor initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", env.redis != nil),
		zap.Int("sources", len(env.Registry.IDs())),
		zap.String("alert_threshold", string(threshold)),
	)
	return env, nil
}

// initLimiter backs the limiter with Redis when an address is configured,
// so several replicas share one quota and cache.
func (e *monitorEnv) initLimiter(ctx context.Context, rc config.RedisConfig) error {
	policies := sourcePolicies(cfg.Sources)
	if rc.Addr == "" {
		e.memCache = ratelimit.NewMemoryCache()
		e.Limiter = ratelimit.New(ratelimit.NewMemoryWindows(), e.memCache, policies)
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return eris.Wrapf(err, "ping redis %s", rc.Addr)
	}
	e.redis = client
	e.closers = append(e.closers, client.Close)
	e.Limiter = ratelimit.New(
		ratelimit.NewRedisWindows(client, rc.Prefix),
		ratelimit.NewRedisCache(client, rc.Prefix),
		policies,
	)
	return nil
}

// sourcePolicies maps each enabled source's throttle and cache settings.
func sourcePolicies(sc config.SourcesConfig) map[model.SourceID]ratelimit.Policy {
	out := make(map[model.SourceID]ratelimit.Policy)
	for id, c := range sourceConfigs(sc) {
		if !c.Enabled {
			continue
		}
		out[id] = ratelimit.Policy{
			Limit:    ratelimit.Limit{Requests: c.RateLimit, Window: c.RateWindow},
			TTL:      c.CacheTTL,
			StaleTTL: c.StaleTTL,
			MaxWait:  c.MaxWait,
		}
	}
	return out
}

func sourceConfigs(sc config.SourcesConfig) map[model.SourceID]config.SourceConfig {
	return map[model.SourceID]config.SourceConfig{
		model.SourceVIES:       sc.VIES,
		model.SourceSanctions:  sc.Sanctions.SourceConfig,
		model.SourceInsolvency: sc.Insolvency.SourceConfig,
		model.SourceLEI:        sc.LEI,
	}
}

func sourceDeps(id model.SourceID, c config.SourceConfig, limiter *ratelimit.Service, callTimeout time.Duration) source.Deps {
	bc := resilience.NewBreakerConfig(c.BreakerThreshold, c.BreakerCoolDown)
	bc.Counts = resilience.IsTransient
	bc.OnTransition = func(from, to resilience.BreakerState) {
		zap.L().Warn("circuit breaker transition",
			zap.String("source", string(id)),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return source.Deps{
		Limiter:     limiter,
		Breakers:    resilience.NewBreakers(bc),
		Retry:       resilience.NewPolicy(c.Retries, c.RetryBaseDelay, 0),
		CallTimeout: callTimeout,
	}
}

// buildRegistry creates an adapter for every enabled source.
func buildRegistry(sc config.SourcesConfig, limiter *ratelimit.Service, callTimeout time.Duration) (*source.Registry, error) {
	var adapters []source.Adapter

	if c := sc.VIES; c.Enabled {
		var opts []viesclient.Option
		if c.BaseURL != "" {
			opts = append(opts, viesclient.WithBaseURL(c.BaseURL))
		}
		adapters = append(adapters, vies.New(viesclient.NewClient(opts...), sourceDeps(model.SourceVIES, c, limiter, callTimeout)))
	}

	if c := sc.Sanctions; c.Enabled {
		lists, err := sanctions.LoadLists(c.ListsFile)
		if err != nil {
			return nil, eris.Wrap(err, "load sanctions lists")
		}
		router := fetcher.NewRouter(fetcher.HTTPOptions{
			UserAgent: c.UserAgent,
			Timeout:   listFetchTimeout,
			Retry:     resilience.NewPolicy(c.Retries, c.RetryBaseDelay, 0),
			HostRate:  rate.Limit(2),
		}, fetcher.FTPOptions{Timeout: listFetchTimeout})
		q := sanctions.NewQuerier(sanctions.Config{
			Lists:           lists,
			RefreshInterval: c.RefreshInterval,
			Threshold:       c.Threshold,
		}, router)
		adapters = append(adapters, sanctions.New(q, sourceDeps(model.SourceSanctions, c.SourceConfig, limiter, callTimeout)))
	}

	if c := sc.Insolvency; c.Enabled {
		var opts []insolvencyclient.Option
		if c.APIKey != "" {
			opts = append(opts, insolvencyclient.WithAPIKey(c.APIKey))
		}
		adapters = append(adapters, insolvency.New(
			insolvencyclient.NewClient(c.BaseURL, opts...),
			insolvency.Config{MaxPages: c.MaxPages, MinSimilarity: c.MinSimilarity},
			sourceDeps(model.SourceInsolvency, c.SourceConfig, limiter, callTimeout),
		))
	}

	if c := sc.LEI; c.Enabled {
		var opts []gleif.Option
		if c.BaseURL != "" {
			opts = append(opts, gleif.WithBaseURL(c.BaseURL))
		}
		adapters = append(adapters, lei.New(gleif.NewClient(opts...), sourceDeps(model.SourceLEI, c, limiter, callTimeout)))
	}

	if len(adapters) == 0 {
		return nil, eris.New("no sources enabled")
	}
	return source.NewRegistry(adapters...), nil
}

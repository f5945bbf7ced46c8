package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
)

// Outcome is the result of Acquire.
type Outcome int

const (
	// Proceed means a slot was reserved and the caller may issue the call.
	Proceed Outcome = iota
	// ProceedWithStale means the quota is exhausted and Decision.Stale
	// should be used instead of a network call.
	ProceedWithStale
	// Deferred means no slot opens within the wait budget and nothing is cached.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case ProceedWithStale:
		return "stale"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Decision is returned by Acquire.
type Decision struct {
	Outcome   Outcome
	Stale     *model.CheckResult
	WaitUntil time.Time
}

// Policy is the per-source throttle and cache configuration.
type Policy struct {
	Limit Limit
	// TTL is how long a cached result is served without a network call.
	TTL time.Duration
	// StaleTTL is how long past TTL a result may still serve as fallback.
	StaleTTL time.Duration
	// MaxWait bounds how long Acquire sleeps for a slot before deferring.
	MaxWait time.Duration
}

const (
	defaultTTL     = time.Hour
	defaultMaxWait = 15 * time.Second
)

func (p Policy) withDefaults() Policy {
	if p.TTL <= 0 {
		p.TTL = defaultTTL
	}
	if p.StaleTTL < 0 {
		p.StaleTTL = 0
	}
	if p.MaxWait <= 0 {
		p.MaxWait = defaultMaxWait
	}
	return p
}

// Service is the shared throttle and result cache injected into every adapter.
type Service struct {
	windows  WindowStore
	cache    Cache
	policies map[model.SourceID]Policy
	fallback Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source and sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.now = now
		s.sleep = sleep
	}
}

// WithDefaultPolicy sets the policy used for sources without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(s *Service) {
		s.fallback = p.withDefaults()
	}
}

// New creates a Service. Sources missing from policies use the default policy.
func New(windows WindowStore, cache Cache, policies map[model.SourceID]Policy, opts ...Option) *Service {
	s := &Service{
		windows:  windows,
		cache:    cache,
		policies: make(map[model.SourceID]Policy, len(policies)),
		fallback: Policy{}.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for id, p := range policies {
		s.policies[id] = p.withDefaults()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the effective policy for source.
func (s *Service) Policy(source model.SourceID) Policy {
	if p, ok := s.policies[source]; ok {
		return p
	}
	return s.fallback
}

// Acquire reserves a slot for one network call to source on behalf of key.
// When the window is full it falls back to a stale cached result, then waits
// for a slot within the policy's MaxWait, and otherwise defers.
func (s *Service) Acquire(ctx context.Context, source model.SourceID, key string) (Decision, error) {
	p := s.Policy(source)
	deadline := s.now().Add(p.MaxWait)

	for {
		now := s.now()
		ok, retryAt, err := s.windows.Reserve(ctx, string(source), p.Limit, now)
		if err != nil {
			return Decision{}, eris.Wrapf(err, "ratelimit: acquire %s", source)
		}
		if ok {
			metrics.LimiterDecisions.WithLabelValues(string(source), Proceed.String()).Inc()
			return Decision{Outcome: Proceed}, nil
		}

		if stale, found := s.lookupStale(ctx, source, key, now); found {
			metrics.LimiterDecisions.WithLabelValues(string(source), ProceedWithStale.String()).Inc()
			return Decision{Outcome: ProceedWithStale, Stale: &stale, WaitUntil: retryAt}, nil
		}

		if retryAt.After(deadline) {
			metrics.LimiterDecisions.WithLabelValues(string(source), Deferred.String()).Inc()
			zap.L().Debug("ratelimit: deferring call",
				zap.String("source", string(source)),
				zap.Time("wait_until", retryAt),
			)
			return Decision{Outcome: Deferred, WaitUntil: retryAt}, nil
		}

		if err := s.sleep(ctx, retryAt.Sub(now)); err != nil {
			return Decision{Outcome: Deferred, WaitUntil: retryAt}, err
		}
	}
}

// GetCached returns a fresh cached result for (source, key).
func (s *Service) GetCached(ctx context.Context, source model.SourceID, key string) (model.CheckResult, bool) {
	e, ok := s.get(ctx, source, key)
	if !ok || !e.Fresh(s.now()) {
		metrics.CacheLookups.WithLabelValues(string(source), "miss").Inc()
		return model.CheckResult{}, false
	}
	metrics.CacheLookups.WithLabelValues(string(source), "fresh").Inc()
	res := e.Result
	res.FromCache = true
	return res, true
}

// Put caches result under (source, key). ttl <= 0 uses the source TTL.
func (s *Service) Put(ctx context.Context, source model.SourceID, key string, result model.CheckResult, ttl time.Duration) {
	p := s.Policy(source)
	if ttl <= 0 {
		ttl = p.TTL
	}
	now := s.now()
	result.FromCache = false
	result.Stale = false
	e := Entry{
		Result:    result,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		KeepUntil: now.Add(ttl + p.StaleTTL),
	}
	if err := s.cache.Set(ctx, cacheKey(source, key), e); err != nil {
		zap.L().Warn("ratelimit: cache put failed",
			zap.String("source", string(source)),
			zap.Error(err),
		)
	}
}

func (s *Service) lookupStale(ctx context.Context, source model.SourceID, key string, now time.Time) (model.CheckResult, bool) {
	e, ok := s.get(ctx, source, key)
	if !ok || !now.Before(e.KeepUntil) {
		return model.CheckResult{}, false
	}
	metrics.CacheLookups.WithLabelValues(string(source), "stale").Inc()
	res := e.Result
	res.FromCache = true
	res.Stale = !e.Fresh(now)
	return res, true
}

func (s *Service) get(ctx context.Context, source model.SourceID, key string) (Entry, bool) {
	e, ok, err := s.cache.Get(ctx, cacheKey(source, key))
	if err != nil {
		zap.L().Warn("ratelimit: cache get failed",
			zap.String("source", string(source)),
			zap.Error(err),
		)
		return Entry{}, false
	}
	return e, ok
}

func cacheKey(source model.SourceID, key string) string {
	return string(source) + ":" + key
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

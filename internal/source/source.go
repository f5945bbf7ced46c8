// Package source defines the uniform check contract implemented by every
// registry adapter and the shared runner that validates input, consults the
// cache and rate limiter, retries transient failures and normalizes results.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/ratelimit"
	"github.com/sells-group/kyb-monitor/internal/resilience"
)

// DefaultCallTimeout bounds a single network call.
const DefaultCallTimeout = 15 * time.Second

// Adapter is the check contract shared by all registries.
type Adapter interface {
	ID() model.SourceID
	// Identifier derives the identifier this source checks for cp; false if
	// cp lacks the data the source needs.
	Identifier(cp model.Counterparty) (string, bool)
	CheckSingle(ctx context.Context, identifier string) model.CheckResult
	CheckBatch(ctx context.Context, identifiers []string, opts BatchOptions) []model.CheckResult
}

// Observation is a normalized registry response.
type Observation struct {
	NotFound bool
	Fields   map[string]string
	Raw      json.RawMessage
}

// Querier is the source-specific part of an adapter.
type Querier interface {
	ID() model.SourceID
	Identifier(cp model.Counterparty) (string, bool)
	// Normalize validates identifier and returns its canonical form, or a
	// *ValidationError. It must not touch the network.
	Normalize(identifier string) (string, error)
	// Query performs one network call for a normalized identifier.
	Query(ctx context.Context, key string) (Observation, error)
}

// Deps are the shared collaborators injected into every adapter.
type Deps struct {
	Limiter     *ratelimit.Service
	Breakers    *resilience.Breakers
	Retry       resilience.Policy
	CallTimeout time.Duration
	// Now stamps results. Default: time.Now.
	Now func() time.Time
}

// Runner turns a Querier into an Adapter.
type Runner struct {
	q           Querier
	limiter     *ratelimit.Service
	breaker     *resilience.Breaker
	retry       resilience.Policy
	callTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// NewRunner wires q to the shared limiter, breakers and retry policy.
func NewRunner(q Querier, deps Deps) *Runner {
	if deps.Breakers == nil {
		cfg := resilience.NewBreakerConfig(0, 0)
		cfg.Counts = resilience.IsTransient
		deps.Breakers = resilience.NewBreakers(cfg)
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = DefaultCallTimeout
	}
	if deps.Retry.Attempts <= 0 {
		deps.Retry = resilience.DefaultPolicy()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Retry.Retryable = retryable
	deps.Retry.OnRetry = resilience.RetryLogger(string(q.ID()), "query")

	return &Runner{
		q:           q,
		limiter:     deps.Limiter,
		breaker:     deps.Breakers.For(string(q.ID())),
		retry:       deps.Retry,
		callTimeout: deps.CallTimeout,
		now:         deps.Now,
		log:         zap.L().With(zap.String("component", "source."+string(q.ID()))),
	}
}

// ID implements Adapter.
func (r *Runner) ID() model.SourceID { return r.q.ID() }

// Identifier implements Adapter.
func (r *Runner) Identifier(cp model.Counterparty) (string, bool) { return r.q.Identifier(cp) }

// CheckSingle implements Adapter.
func (r *Runner) CheckSingle(ctx context.Context, identifier string) model.CheckResult {
	return r.check(ctx, identifier, r.callTimeout)
}

func (r *Runner) check(ctx context.Context, identifier string, timeout time.Duration) model.CheckResult {
	src := r.q.ID()
	start := r.now()
	res := model.CheckResult{Source: src, Identifier: identifier, CheckedAt: start}

	key, err := r.q.Normalize(identifier)
	if err != nil {
		return r.finish(fail(res, err), start)
	}
	res.Identifier = key

	if cached, ok := r.limiter.GetCached(ctx, src, key); ok {
		cached.Identifier = key
		return r.finish(cached, start)
	}

	attempts := 0
	out, err := resilience.RetryVal(ctx, r.retry, func(ctx context.Context) (model.CheckResult, error) {
		attempts++
		return r.attempt(ctx, key, timeout)
	})
	if err != nil {
		if StatusFor(err) == model.StatusSourceUnavailable {
			err = &SourceUnavailableError{Source: src, Attempts: attempts, Err: err}
			r.log.Warn("source check failed",
				zap.String("identifier", key),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
		return r.finish(fail(res, err), start)
	}

	out.Identifier = key
	if !out.FromCache {
		r.limiter.Put(ctx, src, key, out, 0)
	}
	return r.finish(out, start)
}

// attempt performs one rate-limited, breaker-guarded network call.
func (r *Runner) attempt(ctx context.Context, key string, timeout time.Duration) (model.CheckResult, error) {
	src := r.q.ID()
	if err := r.breaker.Allow(); err != nil {
		return model.CheckResult{}, err
	}

	d, err := r.limiter.Acquire(ctx, src, key)
	if err != nil {
		return model.CheckResult{}, err
	}
	switch d.Outcome {
	case ratelimit.ProceedWithStale:
		return *d.Stale, nil
	case ratelimit.Deferred:
		return model.CheckResult{}, &RateLimitError{Source: src, RetryAt: d.WaitUntil}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	obs, err := r.q.Query(callCtx, key)
	metrics.SourceLatency.WithLabelValues(string(src)).Observe(time.Since(began).Seconds())

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = Transient(src, err, 0)
	}
	r.breaker.Report(err)
	if err != nil {
		return model.CheckResult{}, err
	}

	res := model.CheckResult{
		Source:    src,
		Status:    model.StatusOK,
		Fields:    obs.Fields,
		Raw:       obs.Raw,
		CheckedAt: r.now(),
	}
	if obs.NotFound {
		res.Status = model.StatusNotFound
	}
	return res, nil
}

func (r *Runner) finish(res model.CheckResult, start time.Time) model.CheckResult {
	res.Latency = r.now().Sub(start)
	metrics.SourceCalls.WithLabelValues(string(r.q.ID()), string(res.Status)).Inc()
	return res
}

func fail(res model.CheckResult, err error) model.CheckResult {
	res.Status = StatusFor(err)
	res.Err = err
	res.Error = err.Error()
	var rl *RateLimitError
	if errors.As(err, &rl) {
		res.RetryAt = rl.RetryAt
	}
	return res
}

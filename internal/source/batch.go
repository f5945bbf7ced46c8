package source

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// BatchOptions tune CheckBatch.
type BatchOptions struct {
	// MaxConcurrency bounds in-flight checks. Default: 3.
	MaxConcurrency int
	// CallTimeout bounds each network call. Default: DefaultCallTimeout.
	CallTimeout time.Duration
	// InterCallDelay staggers check starts. Zero starts as fast as the pool allows.
	InterCallDelay time.Duration
	// FailFast stops dispatching once a check ends source_unavailable.
	FailFast bool
	// Guard runs on the worker goroutine before the check; the returned
	// release runs after OnResult.
	Guard func(ctx context.Context, index int) (release func())
	// OnResult runs on the worker goroutine right after each check completes.
	OnResult func(ctx context.Context, index int, res model.CheckResult)
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// CheckBatch implements Adapter. Results line up with identifiers. One
// identifier's failure never affects another's result; in fail-fast mode
// identifiers not yet started come back source_unavailable.
func (r *Runner) CheckBatch(ctx context.Context, identifiers []string, opts BatchOptions) []model.CheckResult {
	opts = opts.withDefaults()
	results := make([]model.CheckResult, len(identifiers))
	started := make([]bool, len(identifiers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrency)

	var pace *rate.Limiter
	if opts.InterCallDelay > 0 {
		pace = rate.NewLimiter(rate.Every(opts.InterCallDelay), 1)
	}

	for i, id := range identifiers {
		if gctx.Err() != nil {
			break
		}
		if pace != nil {
			if err := pace.Wait(gctx); err != nil {
				break
			}
		}
		started[i] = true
		g.Go(func() error {
			if opts.Guard != nil {
				defer opts.Guard(gctx, i)()
			}
			res := r.check(gctx, id, opts.CallTimeout)
			results[i] = res
			if opts.OnResult != nil {
				opts.OnResult(ctx, i, res)
			}
			if opts.FailFast && res.Status == model.StatusSourceUnavailable {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("batch aborted", zap.Int("size", len(identifiers)), zap.Error(err))
	}

	for i, ok := range started {
		if ok {
			continue
		}
		cause := context.Cause(gctx)
		if cause == nil {
			cause = context.Canceled
		}
		results[i] = fail(model.CheckResult{
			Source:     r.q.ID(),
			Identifier: identifiers[i],
			CheckedAt:  r.now(),
		}, &SourceUnavailableError{Source: r.q.ID(), Err: cause})
	}
	return results
}

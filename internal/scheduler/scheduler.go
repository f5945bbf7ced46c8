// Package scheduler selects due (counterparty, source) pairs, dispatches
// them to the source adapters in bounded batches and drives accepted
// results through the snapshot, scoring and alerting pipeline.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/source"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// Defaults applied to zero SchedulerConfig fields.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultWorkers      = 8
	DefaultMaxDeferrals = 3

	pageSize          = 500
	defaultRetryDelay = time.Second
)

// Scheduler runs monitoring passes.
type Scheduler struct {
	store    store.Store
	registry *source.Registry
	pipeline *Pipeline
	locks    *Locks
	cfg      config.SchedulerConfig
	workers  *semaphore.Weighted
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	hooks    []func(model.PassSummary)
	log      *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock and the sleep used between deferral rounds.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithPassHook registers fn to run after every recorded pass.
func WithPassHook(fn func(model.PassSummary)) Option {
	return func(s *Scheduler) { s.hooks = append(s.hooks, fn) }
}

// New creates a Scheduler.
func New(st store.Store, registry *source.Registry, pipeline *Pipeline, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxDeferrals < 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = source.DefaultCallTimeout
	}
	s := &Scheduler{
		store:    st,
		registry: registry,
		pipeline: pipeline,
		locks:    NewLocks(cfg.LockStripes),
		cfg:      cfg,
		workers:  semaphore.NewWeighted(int64(cfg.Workers)),
		now:      time.Now,
		sleep:    sleepCtx,
		log:      zap.L().With(zap.String("component", "scheduler")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes a pass immediately and then once per interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunPass(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler: pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunPass checks every pair due at now. Rate-limited pairs are retried
// within the pass after their earliest retry time, at most MaxDeferrals
// times each, and then count as failed.
func (s *Scheduler) RunPass(ctx context.Context, now time.Time) (model.PassSummary, error) {
	summary := model.PassSummary{ID: uuid.NewString(), StartedAt: now.UTC()}
	log := s.log.With(zap.String("pass_id", summary.ID))

	pairs, skipped, err := s.duePairs(ctx, now)
	if err != nil {
		summary.Error = err.Error()
		s.finishPass(ctx, &summary, log)
		return summary, err
	}
	summary.Due = len(pairs)
	summary.Skipped = skipped

	queue := pairs
	for round := 0; len(queue) > 0; round++ {
		s.dispatch(ctx, queue, now)

		var deferred []*pair
		for _, p := range queue {
			if p.state == StateDeferred {
				summary.Deferred++
				deferred = append(deferred, p)
			}
		}
		if len(deferred) == 0 {
			break
		}
		if round >= s.cfg.MaxDeferrals {
			for _, p := range deferred {
				s.giveUp(p, "deferral limit reached")
			}
			break
		}
		if err := s.sleep(ctx, s.waitFor(deferred)); err != nil {
			for _, p := range deferred {
				s.giveUp(p, "pass cancelled")
			}
			summary.Error = err.Error()
			break
		}
		queue = deferred
	}

	for _, p := range pairs {
		switch p.state {
		case StateAccepted:
			summary.Accepted++
		case StateFailed:
			summary.Failed++
		}
		metrics.PairOutcomes.WithLabelValues(string(p.source), string(p.state)).Inc()
	}

	if summary.Error == "" && ctx.Err() != nil {
		summary.Error = ctx.Err().Error()
	}
	s.finishPass(ctx, &summary, log)
	if summary.Error != "" {
		return summary, eris.New("scheduler: " + summary.Error)
	}
	return summary, nil
}

// CheckNow checks every configured source of one counterparty regardless
// of due time. Rate-limited sources are reported deferred with their retry
// time instead of being requeued.
func (s *Scheduler) CheckNow(ctx context.Context, counterpartyID string) ([]Outcome, error) {
	cp, err := s.store.GetCounterparty(ctx, counterpartyID)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: check %s", counterpartyID)
	}

	var pairs []*pair
	var outcomes []Outcome
	for _, id := range cp.SourceIDs() {
		adapter, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		p := &pair{cp: *cp, source: id, sourceState: cp.Sources[id], state: StateDue}
		ident, ok := adapter.Identifier(*cp)
		if !ok {
			p.moveTo(StateSkipped)
			outcomes = append(outcomes, p.report())
			continue
		}
		p.identifier = ident
		pairs = append(pairs, p)
	}

	at := s.now()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pairs {
		adapter, _ := s.registry.Get(p.source)
		g.Go(func() error {
			release := s.acquire(gctx, p)
			defer release()
			res := adapter.CheckSingle(gctx, p.identifier)
			s.handle(ctx, p, res, at)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck

	for _, p := range pairs {
		outcomes = append(outcomes, p.report())
		metrics.PairOutcomes.WithLabelValues(string(p.source), string(p.state)).Inc()
	}
	return outcomes, nil
}

// duePairs pages through monitored counterparties and returns the pairs
// due at now plus the number of due pairs lacking an identifier.
func (s *Scheduler) duePairs(ctx context.Context, now time.Time) ([]*pair, int, error) {
	var pairs []*pair
	skipped := 0
	for offset := 0; ; offset += pageSize {
		cps, err := s.store.ListCounterparties(ctx, store.CounterpartyFilter{
			MonitoredOnly: true,
			Limit:         pageSize,
			Offset:        offset,
		})
		if err != nil {
			return nil, 0, eris.Wrap(err, "scheduler: list counterparties")
		}
		for _, cp := range cps {
			for _, id := range cp.SourceIDs() {
				adapter, ok := s.registry.Get(id)
				if !ok || !cp.Sources[id].IsDue(now) {
					continue
				}
				ident, ok := adapter.Identifier(cp)
				if !ok {
					skipped++
					continue
				}
				pairs = append(pairs, &pair{
					cp:          cp,
					source:      id,
					sourceState: cp.Sources[id],
					identifier:  ident,
					state:       StateDue,
				})
			}
		}
		if len(cps) < pageSize {
			return pairs, skipped, nil
		}
	}
}

// dispatch runs one batch per source concurrently. The shared worker
// semaphore bounds in-flight checks across all sources.
func (s *Scheduler) dispatch(ctx context.Context, queue []*pair, at time.Time) {
	groups := make(map[model.SourceID][]*pair)
	var order []model.SourceID
	for _, p := range queue {
		if _, ok := groups[p.source]; !ok {
			order = append(order, p.source)
		}
		groups[p.source] = append(groups[p.source], p)
	}

	var delay time.Duration
	if s.cfg.BatchRate > 0 {
		delay = time.Duration(float64(time.Second) / s.cfg.BatchRate)
	}

	var wg sync.WaitGroup
	for _, id := range order {
		adapter, _ := s.registry.Get(id)
		group := groups[id]
		idents := make([]string, len(group))
		for i, p := range group {
			idents[i] = p.identifier
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.CheckBatch(ctx, idents, source.BatchOptions{
				MaxConcurrency: s.cfg.Workers,
				CallTimeout:    s.cfg.CallTimeout,
				InterCallDelay: delay,
				Guard: func(gctx context.Context, i int) func() {
					return s.acquire(gctx, group[i])
				},
				OnResult: func(ctx context.Context, i int, res model.CheckResult) {
					s.handle(ctx, group[i], res, at)
				},
			})
			for _, p := range group {
				if p.state == StateDue || p.state == StateChecking {
					s.giveUp(p, "not dispatched")
				}
			}
		}()
	}
	wg.Wait()
}

// acquire takes a worker slot and the pair lock and moves the pair to checking.
func (s *Scheduler) acquire(ctx context.Context, p *pair) (release func()) {
	slot := s.workers.Acquire(ctx, 1) == nil
	unlock := s.locks.Lock(p.cp.ID, p.source)
	p.moveTo(StateChecking)
	return func() {
		unlock()
		if slot {
			s.workers.Release(1)
		}
	}
}

// handle settles a checked pair and persists its source state. The caller
// holds the pair lock.
func (s *Scheduler) handle(ctx context.Context, p *pair, res model.CheckResult, at time.Time) {
	p.result = res
	st := s.currentState(ctx, p)
	st.Source = p.source
	attempt := at.UTC()
	st.LastAttemptAt = &attempt
	st.LastStatus = res.Status
	st.Health = model.HealthFor(res.Status, res.Stale)

	out := Outcome{
		CounterpartyID: p.cp.ID,
		Source:         p.source,
		Status:         res.Status,
		Health:         st.Health,
		FromCache:      res.FromCache,
		Stale:          res.Stale,
		Score:          p.cp.RiskScore,
		Error:          res.Error,
	}

	log := s.log.With(
		zap.String("counterparty_id", p.cp.ID),
		zap.String("source", string(p.source)),
		zap.String("status", string(res.Status)),
	)

	switch {
	case res.Status.Observed():
		processed, err := s.pipeline.Process(ctx, p.cp.ID, p.source, res, at)
		if err != nil {
			log.Error("scheduler: pipeline failed", zap.Error(err))
			out.Error = err.Error()
			st.ConsecutiveFailures++
			p.moveTo(StateFailed)
			break
		}
		st.LastCheckedAt = &attempt
		st.ConsecutiveFailures = 0
		out.SnapshotID = processed.Snapshot.ID
		out.Changes = processed.Changes
		out.Severity = processed.Severity
		out.Score = processed.Score
		out.Alert = processed.Alert
		p.moveTo(StateAccepted)

	case res.Status == model.StatusRateLimited:
		p.deferrals++
		p.retryAt = res.RetryAt
		if !res.RetryAt.IsZero() {
			retry := res.RetryAt.UTC()
			out.RetryAt = &retry
		}
		p.moveTo(StateDeferred)

	default:
		if ctx.Err() != nil {
			p.moveTo(StateFailed)
			out.State = p.state
			p.outcome = &out
			return
		}
		st.ConsecutiveFailures++
		log.Warn("scheduler: check failed", zap.String("error", res.Error))
		p.moveTo(StateFailed)
	}

	out.State = p.state
	p.outcome = &out

	if err := s.store.UpdateSourceState(ctx, p.cp.ID, st); err != nil {
		log.Error("scheduler: update source state", zap.Error(err))
		if out.Error == "" {
			p.outcome.Error = err.Error()
		}
		return
	}
	p.sourceState = st
}

// currentState re-reads the pair's source state so a check that finished
// since the pass started is not overwritten. The caller holds the pair lock.
func (s *Scheduler) currentState(ctx context.Context, p *pair) model.SourceState {
	cp, err := s.store.GetCounterparty(ctx, p.cp.ID)
	if err != nil {
		return p.sourceState
	}
	if st, ok := cp.Sources[p.source]; ok {
		return st
	}
	return p.sourceState
}

// giveUp fails a pair that will not be checked again in this pass.
func (s *Scheduler) giveUp(p *pair, reason string) {
	p.moveTo(StateFailed)
	if p.outcome == nil {
		p.outcome = &Outcome{CounterpartyID: p.cp.ID, Source: p.source}
	}
	p.outcome.State = StateFailed
	p.outcome.Error = reason
	s.log.Debug("pair failed",
		zap.String("counterparty_id", p.cp.ID),
		zap.String("source", string(p.source)),
		zap.Int("deferrals", p.deferrals),
		zap.String("reason", reason),
	)
}

// waitFor returns how long to wait until the earliest retry time among deferred.
func (s *Scheduler) waitFor(deferred []*pair) time.Duration {
	var earliest time.Time
	for _, p := range deferred {
		if p.retryAt.IsZero() {
			continue
		}
		if earliest.IsZero() || p.retryAt.Before(earliest) {
			earliest = p.retryAt
		}
	}
	if earliest.IsZero() {
		return defaultRetryDelay
	}
	wait := earliest.Sub(s.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) finishPass(ctx context.Context, summary *model.PassSummary, log *zap.Logger) {
	summary.FinishedAt = s.now().UTC()
	if summary.FinishedAt.Before(summary.StartedAt) {
		summary.FinishedAt = summary.StartedAt
	}
	metrics.PassDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if err := s.store.RecordPass(context.WithoutCancel(ctx), *summary); err != nil {
		log.Error("scheduler: record pass", zap.Error(err))
	}
	log.Info("pass complete",
		zap.Int("due", summary.Due),
		zap.Int("accepted", summary.Accepted),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	for _, fn := range s.hooks {
		fn(*summary)
	}
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

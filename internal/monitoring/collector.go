package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Pass metrics (within the lookback passes).
	Passes       int     `json:"passes"`
	PassErrors   int     `json:"pass_errors"`
	PairsDue     int     `json:"pairs_due"`
	PairsOK      int     `json:"pairs_accepted"`
	PairsFailed  int     `json:"pairs_failed"`
	PairsDefer   int     `json:"pairs_deferred"`
	PairFailRate float64 `json:"pair_fail_rate"`

	LastPassID string    `json:"last_pass_id,omitempty"`
	LastPassAt time.Time `json:"last_pass_at,omitempty"`

	// Health counts of monitored pairs by source.
	Health map[model.SourceID]map[model.Health]int `json:"health"`

	// Metadata.
	LookbackPasses int       `json:"lookback_passes"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Unavailable reports whether every monitored pair of src is unavailable.
func (s *MetricsSnapshot) Unavailable(src model.SourceID) bool {
	counts := s.Health[src]
	total := 0
	for _, n := range counts {
		total += n
	}
	return total > 0 && counts[model.HealthUnavailable] == total
}

// StatsReader is the part of the store the collector reads.
type StatsReader interface {
	ListPasses(ctx context.Context, limit int) ([]model.PassSummary, error)
	CountHealth(ctx context.Context) ([]store.HealthCount, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store StatsReader
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatsReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the most recent lookback passes.
func (c *Collector) Collect(ctx context.Context, lookbackPasses int) (*MetricsSnapshot, error) {
	if lookbackPasses <= 0 {
		lookbackPasses = 10
	}
	snap := &MetricsSnapshot{
		Health:         make(map[model.SourceID]map[model.Health]int),
		LookbackPasses: lookbackPasses,
		CollectedAt:    c.now().UTC(),
	}

	passes, err := c.store.ListPasses(ctx, lookbackPasses)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list passes")
	}
	snap.Passes = len(passes)
	for i, p := range passes {
		if i == 0 {
			snap.LastPassID = p.ID
			snap.LastPassAt = p.FinishedAt
		}
		if p.Error != "" {
			snap.PassErrors++
		}
		snap.PairsDue += p.Due
		snap.PairsOK += p.Accepted
		snap.PairsFailed += p.Failed
		snap.PairsDefer += p.Deferred
	}
	if finished := snap.PairsOK + snap.PairsFailed; finished > 0 {
		snap.PairFailRate = float64(snap.PairsFailed) / float64(finished)
	}

	counts, err := c.store.CountHealth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count health")
	}
	for _, hc := range counts {
		if snap.Health[hc.Source] == nil {
			snap.Health[hc.Source] = make(map[model.Health]int)
		}
		snap.Health[hc.Source][hc.Health] += hc.Count
	}

	return snap, nil
}

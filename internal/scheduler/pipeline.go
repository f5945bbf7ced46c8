package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/alert"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/risk"
	"github.com/sells-group/kyb-monitor/internal/snapshot"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// Pipeline turns an observed check result into snapshots, score changes
// and alerts.
type Pipeline struct {
	snaps   *snapshot.Service
	store   store.Store
	alerts  *alert.Manager
	weights risk.Weights
	log     *zap.Logger
}

// NewPipeline wires the accept, score and alert stages.
func NewPipeline(st store.Store, snaps *snapshot.Service, alerts *alert.Manager, weights risk.Weights) *Pipeline {
	return &Pipeline{
		snaps:   snaps,
		store:   st,
		alerts:  alerts,
		weights: weights,
		log:     zap.L().With(zap.String("component", "pipeline")),
	}
}

// Processed summarizes one Process call.
type Processed struct {
	Snapshot model.Snapshot
	Changes  int
	Severity model.Severity
	Score    int
	Alert    *model.Alert
}

// Process accepts res for the pair and then drains every unprocessed
// snapshot of the pair, including ones left behind by an earlier
// interrupted run. The caller must hold the pair lock.
func (p *Pipeline) Process(ctx context.Context, counterpartyID string, source model.SourceID, res model.CheckResult, at time.Time) (*Processed, error) {
	snap, _, err := p.snaps.Accept(ctx, counterpartyID, source, res)
	if err != nil {
		return nil, err
	}
	out, err := p.Drain(ctx, counterpartyID, source, at)
	if err != nil {
		return nil, err
	}
	out.Snapshot = snap
	return out, nil
}

// Drain scores and alerts on the pair's unprocessed snapshots oldest first.
func (p *Pipeline) Drain(ctx context.Context, counterpartyID string, source model.SourceID, at time.Time) (*Processed, error) {
	work, err := p.snaps.Pending(ctx, counterpartyID, source)
	if err != nil {
		return nil, err
	}

	out := &Processed{Severity: model.SeverityNone}
	if len(work) == 0 {
		cp, err := p.store.GetCounterparty(ctx, counterpartyID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load counterparty %s", counterpartyID)
		}
		out.Score = cp.RiskScore
		return out, nil
	}
	for _, w := range work {
		cp, err := p.store.GetCounterparty(ctx, counterpartyID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load counterparty %s", counterpartyID)
		}
		out.Score = cp.RiskScore

		delta := risk.ScoreDiff(*cp, w.Diff, p.weights)
		if len(delta.Changes) > 0 {
			score, err := p.store.ApplyContributions(ctx, counterpartyID, delta.Contributions(counterpartyID, at))
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: apply score for %s", counterpartyID)
			}
			delta.After = score
			delta.Delta = score - delta.Before
			out.Score = score
		}

		a, err := p.alerts.ProcessDiff(ctx, *cp, w.Diff, delta)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out.Alert = a
		}
		if err := p.snaps.MarkProcessed(ctx, w.Snapshot.ID, at); err != nil {
			return nil, eris.Wrapf(err, "pipeline: mark %s processed", w.Snapshot.ID)
		}

		out.Changes += len(w.Diff.Changes)
		if w.Diff.Severity.Rank() > out.Severity.Rank() {
			out.Severity = w.Diff.Severity
		}
		if len(w.Diff.Changes) > 0 {
			p.log.Info("diff processed",
				zap.String("counterparty_id", counterpartyID),
				zap.String("source", string(source)),
				zap.String("snapshot_id", w.Snapshot.ID),
				zap.String("severity", string(w.Diff.Severity)),
				zap.Int("score_before", delta.Before),
				zap.Int("score_after", out.Score),
			)
		}
	}
	return out, nil
}

package snapshot

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// DefaultReconfirmInterval is how long an unchanged observation is
// represented by the existing snapshot before a new one is written.
const DefaultReconfirmInterval = 24 * time.Hour

// Service accepts check results as snapshots and yields the work the
// scoring pipeline still has to do for a pair.
type Service struct {
	store     store.Store
	rules     *RuleTable
	reconfirm time.Duration
	log       *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithReconfirmInterval overrides DefaultReconfirmInterval. Zero writes a
// new snapshot only when the content changes.
func WithReconfirmInterval(d time.Duration) Option {
	return func(s *Service) { s.reconfirm = d }
}

// NewService creates a Service. A nil rules table uses the defaults.
func NewService(st store.Store, rules *RuleTable, opts ...Option) *Service {
	if rules == nil {
		rules = DefaultRuleTable()
	}
	s := &Service{
		store:     st,
		rules:     rules,
		reconfirm: DefaultReconfirmInterval,
		log:       zap.L().With(zap.String("component", "snapshot")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rules returns the table diffs are classified with.
func (s *Service) Rules() *RuleTable { return s.rules }

// Accept stores res as the pair's newest snapshot unless its content equals
// the latest snapshot and that snapshot is younger than the reconfirm
// interval, in which case the existing snapshot is returned with a nil
// diff. A diff is stored only when a previous snapshot exists and fields
// differ.
func (s *Service) Accept(ctx context.Context, counterpartyID string, source model.SourceID, res model.CheckResult) (model.Snapshot, *model.Diff, error) {
	if !res.Status.Observed() {
		return model.Snapshot{}, nil, eris.Errorf("snapshot: cannot accept %s result", res.Status)
	}
	at := res.CheckedAt
	if at.IsZero() {
		at = time.Now()
	}
	res = res.Clone()
	if res.Fields == nil {
		res.Fields = map[string]string{}
	}
	next := model.Snapshot{
		CounterpartyID: counterpartyID,
		Source:         source,
		ContentHash:    Hash(res.Fields),
		Fields:         res.Fields,
		Raw:            res.Raw,
		CreatedAt:      at.UTC(),
	}

	acc, err := s.store.AcceptSnapshot(ctx, next, func(prev *model.Snapshot) (bool, *model.Diff) {
		if prev == nil {
			return true, nil
		}
		if prev.ContentHash == next.ContentHash {
			if s.reconfirm <= 0 || next.CreatedAt.Sub(prev.CreatedAt) < s.reconfirm {
				return false, nil
			}
			return true, nil
		}
		return true, NewDiff(*prev, next, s.rules)
	})
	if err != nil {
		return model.Snapshot{}, nil, eris.Wrapf(err, "snapshot: accept %s/%s", counterpartyID, source)
	}

	if acc.Inserted {
		fields := []zap.Field{
			zap.String("counterparty_id", counterpartyID),
			zap.String("source", string(source)),
			zap.String("snapshot_id", acc.Snapshot.ID),
		}
		if acc.Diff != nil {
			fields = append(fields, zap.String("severity", string(acc.Diff.Severity)), zap.Int("changes", len(acc.Diff.Changes)))
		}
		s.log.Debug("snapshot accepted", fields...)
	}
	return acc.Snapshot, acc.Diff, nil
}

// Work is one unprocessed snapshot with the change set to score.
type Work struct {
	Snapshot model.Snapshot
	Diff     model.Diff
}

// Pending returns the pair's unprocessed snapshots oldest first, each with
// its stored diff, its baseline when it is the first snapshot, or an empty
// change set when it only reconfirmed unchanged content.
func (s *Service) Pending(ctx context.Context, counterpartyID string, source model.SourceID) ([]Work, error) {
	snaps, err := s.store.ListUnprocessed(ctx, counterpartyID, source)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: pending %s/%s", counterpartyID, source)
	}
	work := make([]Work, 0, len(snaps))
	for _, snap := range snaps {
		d, err := s.store.DiffForSnapshot(ctx, snap.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: diff for %s", snap.ID)
		}
		switch {
		case d != nil:
			work = append(work, Work{Snapshot: snap, Diff: *d})
		case snap.PrevSnapshotID == "":
			work = append(work, Work{Snapshot: snap, Diff: Baseline(snap, s.rules)})
		default:
			work = append(work, Work{Snapshot: snap, Diff: model.Diff{
				CounterpartyID: counterpartyID,
				Source:         source,
				PrevSnapshotID: snap.PrevSnapshotID,
				NextSnapshotID: snap.ID,
				Severity:       model.SeverityNone,
				CreatedAt:      snap.CreatedAt,
			}})
		}
	}
	return work, nil
}

// MarkProcessed records that scoring and alerting finished for a snapshot.
func (s *Service) MarkProcessed(ctx context.Context, snapshotID string, at time.Time) error {
	return s.store.MarkProcessed(ctx, snapshotID, at)
}

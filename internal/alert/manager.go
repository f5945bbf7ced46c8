// Package alert turns scored diffs into deduplicated, auto-resolving
// compliance alerts.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/notify"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// DefaultThreshold is the lowest severity that opens an alert.
const DefaultThreshold = model.SeverityMajor

// Manager creates, deduplicates and resolves alerts.
type Manager struct {
	store     store.Store
	notifier  notify.Notifier
	threshold model.Severity
	now       func() time.Time
	log       *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(sev model.Severity) Option {
	return func(m *Manager) { m.threshold = sev }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. A nil notifier discards notifications.
func NewManager(st store.Store, n notify.Notifier, opts ...Option) *Manager {
	if n == nil {
		n = notify.Nop{}
	}
	m := &Manager{
		store:     st,
		notifier:  n,
		threshold: DefaultThreshold,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "alert")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the minimum alerting severity.
func (m *Manager) Threshold() model.Severity { return m.threshold }

type group struct {
	effect   model.Effect
	severity model.Severity
	changes  []model.FieldChange
}

// ProcessDiff applies diff to the counterparty's alerts. Per alert type, a
// resolving change closes the open alert; raising or neutral changes at or
// above the threshold either add an occurrence to the open alert or open a
// new one and notify the tenant. It returns the most severe alert created
// or updated, or nil.
func (m *Manager) ProcessDiff(ctx context.Context, cp model.Counterparty, diff model.Diff, delta model.ScoreDelta) (*model.Alert, error) {
	groups := groupChanges(diff.Changes)
	types := make([]model.AlertType, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	now := m.now().UTC()
	var top *model.Alert
	for _, typ := range types {
		g := groups[typ]
		open, err := m.store.FindOpenAlert(ctx, cp.ID, diff.Source, typ)
		if err != nil {
			return nil, eris.Wrapf(err, "alert: find open %s", typ)
		}

		if g.effect == model.EffectResolve {
			if open == nil {
				continue
			}
			if err := m.store.ResolveAlert(ctx, open.ID, now); err != nil {
				return nil, eris.Wrapf(err, "alert: resolve %s", open.ID)
			}
			metrics.AlertActions.WithLabelValues(string(typ), "resolved").Inc()
			m.log.Info("alert resolved",
				zap.String("alert_id", open.ID),
				zap.String("counterparty_id", cp.ID),
				zap.String("type", string(typ)),
			)
			continue
		}

		if g.severity == model.SeverityNone || !g.severity.AtLeast(m.threshold) {
			continue
		}

		msg := message(g.changes, delta)
		var a *model.Alert
		if open != nil {
			open.Severity = model.MaxSeverity(open.Severity, g.severity)
			open.Message = msg
			open.DiffID = diff.ID
			open.SnapshotID = diff.NextSnapshotID
			open.UpdatedAt = now
			if err := m.store.RecordOccurrence(ctx, open); err != nil {
				return nil, eris.Wrapf(err, "alert: record occurrence %s", open.ID)
			}
			metrics.AlertActions.WithLabelValues(string(typ), "incremented").Inc()
			a = open
		} else {
			a = &model.Alert{
				TenantID:       cp.TenantID,
				CounterpartyID: cp.ID,
				Source:         diff.Source,
				Type:           typ,
				Severity:       g.severity,
				Message:        msg,
				DiffID:         diff.ID,
				SnapshotID:     diff.NextSnapshotID,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := m.store.InsertAlert(ctx, a); err != nil {
				return nil, eris.Wrapf(err, "alert: insert %s", typ)
			}
			metrics.AlertActions.WithLabelValues(string(typ), "created").Inc()
			m.log.Info("alert created",
				zap.String("alert_id", a.ID),
				zap.String("counterparty_id", cp.ID),
				zap.String("type", string(typ)),
				zap.String("severity", string(a.Severity)),
			)
			// Delivery failures are logged only; the alert is already stored.
			if err := m.notifier.Notify(ctx, cp.TenantID, *a); err != nil {
				m.log.Error("alert notification failed", zap.String("alert_id", a.ID), zap.Error(err))
			}
		}

		if top == nil || a.Severity.Rank() > top.Severity.Rank() {
			top = a
		}
	}
	return top, nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*model.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// List returns alerts matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	return m.store.ListAlerts(ctx, filter)
}

// Acknowledge marks an alert as read. A later adverse change opens a new alert.
func (m *Manager) Acknowledge(ctx context.Context, id string) (*model.Alert, error) {
	a, err := m.store.AcknowledgeAlert(ctx, id, m.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.AlertActions.WithLabelValues(string(a.Type), "acknowledged").Inc()
	return a, nil
}

func groupChanges(changes []model.FieldChange) map[model.AlertType]*group {
	groups := map[model.AlertType]*group{}
	for _, ch := range changes {
		g, ok := groups[ch.AlertType]
		switch {
		case !ok:
			groups[ch.AlertType] = &group{effect: ch.Effect, severity: ch.Severity, changes: []model.FieldChange{ch}}
			continue
		case effectRank(ch.Effect) > effectRank(g.effect):
			g.effect, g.severity = ch.Effect, ch.Severity
		case ch.Effect == g.effect:
			g.severity = model.MaxSeverity(g.severity, ch.Severity)
		}
		g.changes = append(g.changes, ch)
	}
	return groups
}

func effectRank(e model.Effect) int {
	switch e {
	case model.EffectRaise:
		return 2
	case model.EffectResolve:
		return 1
	}
	return 0
}

func message(changes []model.FieldChange, delta model.ScoreDelta) string {
	parts := make([]string, 0, len(changes)+1)
	for _, c := range changes {
		switch c.Kind {
		case model.ChangeAdded:
			parts = append(parts, fmt.Sprintf("%s: %s", c.Field, c.New))
		case model.ChangeRemoved:
			parts = append(parts, fmt.Sprintf("%s: cleared (was %s)", c.Field, c.Old))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s -> %s", c.Field, c.Old, c.New))
		}
	}
	if delta.Delta != 0 {
		parts = append(parts, fmt.Sprintf("risk score %d -> %d", delta.Before, delta.After))
	}
	return strings.Join(parts, "; ")
}

package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	alerts []model.Alert
	err    error
}

func (r *recorder) Notify(_ context.Context, _ string, a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func setup(t *testing.T, opts ...Option) (*Manager, store.Store, *recorder, model.Counterparty) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	cp := model.Counterparty{
		ID:                "cp-1",
		TenantID:          "tenant-1",
		Name:              "Acme GmbH",
		Country:           "DE",
		VATNumber:         "DE123456789",
		MonitoringEnabled: true,
		Sources:           map[model.SourceID]model.SourceState{model.SourceVIES: {Frequency: time.Hour}},
	}
	require.NoError(t, st.UpsertCounterparty(context.Background(), &cp))

	rec := &recorder{}
	clock := t0
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewManager(st, rec, opts...), st, rec, cp
}

func vatDiff(id, oldV, newV string, effect model.Effect) model.Diff {
	return model.Diff{
		ID:             id,
		CounterpartyID: "cp-1",
		Source:         model.SourceVIES,
		PrevSnapshotID: "prev-" + id,
		NextSnapshotID: "next-" + id,
		Severity:       model.SeverityCritical,
		Changes: []model.FieldChange{{
			Field: "active", Old: oldV, New: newV, Kind: model.ChangeModified,
			Severity: model.SeverityCritical, AlertType: model.AlertVATInvalidated, Effect: effect,
		}},
	}
}

func TestProcessDiff_CreatesAndNotifies(t *testing.T) {
	m, st, rec, cp := setup(t)
	ctx := context.Background()

	a, err := m.ProcessDiff(ctx, cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{Before: 0, After: 40, Delta: 40})
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "tenant-1", a.TenantID)
	assert.Equal(t, model.AlertVATInvalidated, a.Type)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "active: true -> false; risk score 0 -> 40", a.Message)
	assert.Equal(t, "d1", a.DiffID)
	assert.Equal(t, 1, a.OccurrenceCount)

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, a.ID, rec.alerts[0].ID)

	open, err := st.FindOpenAlert(ctx, "cp-1", model.SourceVIES, model.AlertVATInvalidated)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, a.ID, open.ID)
}

func TestProcessDiff_Dedupes(t *testing.T) {
	m, st, rec, cp := setup(t)
	ctx := context.Background()

	first, err := m.ProcessDiff(ctx, cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)
	second, err := m.ProcessDiff(ctx, cp, vatDiff("d2", "", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Len(t, rec.alerts, 1, "only new alerts notify")

	alerts, err := st.ListAlerts(ctx, model.AlertFilter{CounterpartyID: "cp-1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].OccurrenceCount)
	assert.Equal(t, "d2", alerts[0].DiffID)
}

func TestProcessDiff_AutoResolves(t *testing.T) {
	m, st, _, cp := setup(t)
	ctx := context.Background()

	created, err := m.ProcessDiff(ctx, cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)

	a, err := m.ProcessDiff(ctx, cp, vatDiff("d2", "false", "true", model.EffectResolve), model.ScoreDelta{})
	require.NoError(t, err)
	assert.Nil(t, a)

	got, err := st.GetAlert(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, t0, *got.ResolvedAt)
	assert.False(t, got.Open())

	open, err := st.FindOpenAlert(ctx, "cp-1", model.SourceVIES, model.AlertVATInvalidated)
	require.NoError(t, err)
	assert.Nil(t, open)

	// Resolving again is a no-op.
	_, err = m.ProcessDiff(ctx, cp, vatDiff("d3", "false", "true", model.EffectResolve), model.ScoreDelta{})
	assert.NoError(t, err)
}

func TestProcessDiff_BelowThreshold(t *testing.T) {
	m, st, rec, cp := setup(t)
	ctx := context.Background()

	d := model.Diff{ID: "d1", Source: model.SourceVIES, Changes: []model.FieldChange{{
		Field: "company_address", Old: "Old St 1", New: "New St 2", Kind: model.ChangeModified,
		Severity: model.SeverityMinor, AlertType: model.AlertVATDetailsChanged, Effect: model.EffectNeutral,
	}}}
	a, err := m.ProcessDiff(ctx, cp, d, model.ScoreDelta{})
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Empty(t, rec.alerts)

	// A lower threshold alerts on minor changes.
	m2 := NewManager(st, rec, WithThreshold(model.SeverityMinor))
	a, err = m2.ProcessDiff(ctx, cp, d, model.ScoreDelta{})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "company_address: Old St 1 -> New St 2", a.Message)
}

func TestProcessDiff_ReturnsMostSevere(t *testing.T) {
	m, _, rec, cp := setup(t)

	d := model.Diff{ID: "d1", Source: model.SourceVIES, Changes: []model.FieldChange{
		{Field: "active", Old: "true", New: "false", Kind: model.ChangeModified, Severity: model.SeverityCritical, AlertType: model.AlertVATInvalidated, Effect: model.EffectRaise},
		{Field: "entity_name", Old: "ACME GMBH", New: "ACME AG", Kind: model.ChangeModified, Severity: model.SeverityMajor, AlertType: model.AlertVATDetailsChanged, Effect: model.EffectNeutral},
	}}
	a, err := m.ProcessDiff(context.Background(), cp, d, model.ScoreDelta{})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, model.AlertVATInvalidated, a.Type)
	assert.Len(t, rec.alerts, 2)
}

func TestProcessDiff_AcknowledgedOpensNew(t *testing.T) {
	m, _, _, cp := setup(t)
	ctx := context.Background()

	first, err := m.ProcessDiff(ctx, cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)
	acked, err := m.Acknowledge(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, acked.IsRead)

	second, err := m.ProcessDiff(ctx, cp, vatDiff("d2", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.OccurrenceCount)
}

func TestProcessDiff_NotifyErrorIgnored(t *testing.T) {
	m, st, rec, cp := setup(t)
	rec.err = errors.New("webhook down")

	a, err := m.ProcessDiff(context.Background(), cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)
	require.NotNil(t, a)

	got, err := st.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Open())
}

func TestListAndAcknowledge(t *testing.T) {
	m, _, _, cp := setup(t)
	ctx := context.Background()

	a, err := m.ProcessDiff(ctx, cp, vatDiff("d1", "true", "false", model.EffectRaise), model.ScoreDelta{})
	require.NoError(t, err)

	unread := false
	list, err := m.List(ctx, model.AlertFilter{IsRead: &unread, Severity: model.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = m.Acknowledge(ctx, a.ID)
	require.NoError(t, err)
	list, err = m.List(ctx, model.AlertFilter{IsRead: &unread})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.Acknowledge(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCounterparty(t *testing.T, st Store, id string) *model.Counterparty {
	t.Helper()
	cp := &model.Counterparty{
		ID:                id,
		TenantID:          "tenant-1",
		Name:              "Acme GmbH",
		Country:           "DE",
		VATNumber:         "DE123456789",
		MonitoringEnabled: true,
		Sources: map[model.SourceID]model.SourceState{
			model.SourceVIES:      {Frequency: time.Hour},
			model.SourceSanctions: {Frequency: 24 * time.Hour},
		},
	}
	require.NoError(t, st.UpsertCounterparty(context.Background(), cp))
	return cp
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func acceptAlways(diff *model.Diff) AcceptFunc {
	return func(*model.Snapshot) (bool, *model.Diff) { return true, diff }
}

// --- Counterparties ---

func TestSQLite_Counterparty_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	got, err := st.GetCounterparty(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme GmbH", got.Name)
	assert.Equal(t, "DE123456789", got.VATNumber)
	assert.Empty(t, got.LEI)
	assert.True(t, got.MonitoringEnabled)
	assert.Equal(t, 0, got.RiskScore)
	require.Len(t, got.Sources, 2)
	assert.Equal(t, time.Hour, got.Sources[model.SourceVIES].Frequency)
	assert.Equal(t, model.HealthUnknown, got.Sources[model.SourceVIES].Health)
	assert.Nil(t, got.Sources[model.SourceVIES].LastCheckedAt)
}

func TestSQLite_Counterparty_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetCounterparty(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Counterparty_UpsertPrunesSources(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	cp := seedCounterparty(t, st, "cp-1")

	cp.Name = "Acme AG"
	cp.Sources = map[model.SourceID]model.SourceState{model.SourceVIES: {Frequency: 2 * time.Hour}}
	require.NoError(t, st.UpsertCounterparty(ctx, cp))

	got, err := st.GetCounterparty(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme AG", got.Name)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, 2*time.Hour, got.Sources[model.SourceVIES].Frequency)
}

func TestSQLite_Counterparty_ListFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")
	seedCounterparty(t, st, "cp-2")
	other := &model.Counterparty{ID: "cp-3", TenantID: "tenant-2", Name: "Beta", Country: "FR", MonitoringEnabled: true}
	require.NoError(t, st.UpsertCounterparty(ctx, other))
	require.NoError(t, st.SetMonitoring(ctx, "cp-2", false))

	monitored, err := st.ListCounterparties(ctx, CounterpartyFilter{TenantID: "tenant-1", MonitoredOnly: true})
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, "cp-1", monitored[0].ID)
	assert.Len(t, monitored[0].Sources, 2)

	all, err := st.ListCounterparties(ctx, CounterpartyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := st.ListCounterparties(ctx, CounterpartyFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cp-2", page[0].ID)
	assert.Len(t, page[0].Sources, 2)

	assert.ErrorIs(t, st.SetMonitoring(ctx, "missing", true), ErrNotFound)
}

func TestSQLite_Counterparty_Import(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")
	_, err := st.ApplyContributions(ctx, "cp-1", []model.Contribution{
		{Source: model.SourceVIES, AlertType: model.AlertVATInvalidated, Points: 40, UpdatedAt: t0},
	})
	require.NoError(t, err)

	n, err := st.ImportCounterparties(ctx, []model.Counterparty{
		{ID: "cp-1", TenantID: "tenant-1", Name: "Acme Renamed", Country: "DE", MonitoringEnabled: true,
			Sources: map[model.SourceID]model.SourceState{model.SourceLEI: {Frequency: time.Hour}}},
		{TenantID: "tenant-1", Name: "New Co", Country: "IT", MonitoringEnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := st.GetCounterparty(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Renamed", got.Name)
	assert.Equal(t, 40, got.RiskScore, "import keeps the score")
	assert.Len(t, got.Sources, 3, "import adds sources without pruning")

	all, err := st.ListCounterparties(ctx, CounterpartyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_UpdateSourceState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	checked := t0.Add(90 * time.Second)
	require.NoError(t, st.UpdateSourceState(ctx, "cp-1", model.SourceState{
		Source:        model.SourceVIES,
		Frequency:     time.Hour,
		LastCheckedAt: &checked,
		LastAttemptAt: &checked,
		LastStatus:    model.StatusOK,
		Health:        model.HealthHealthy,
	}))
	require.NoError(t, st.UpdateSourceState(ctx, "cp-1", model.SourceState{
		Source:              model.SourceSanctions,
		Frequency:           24 * time.Hour,
		LastAttemptAt:       &checked,
		LastStatus:          model.StatusSourceUnavailable,
		Health:              model.HealthUnavailable,
		ConsecutiveFailures: 2,
	}))

	got, err := st.GetCounterparty(ctx, "cp-1")
	require.NoError(t, err)
	vies := got.Sources[model.SourceVIES]
	require.NotNil(t, vies.LastCheckedAt)
	assert.True(t, checked.Equal(*vies.LastCheckedAt))
	assert.Equal(t, model.StatusOK, vies.LastStatus)
	assert.Equal(t, model.HealthHealthy, vies.Health)

	sanc := got.Sources[model.SourceSanctions]
	assert.Nil(t, sanc.LastCheckedAt)
	assert.Equal(t, 2, sanc.ConsecutiveFailures)

	counts, err := st.CountHealth(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []HealthCount{
		{Source: model.SourceSanctions, Health: model.HealthUnavailable, Count: 1},
		{Source: model.SourceVIES, Health: model.HealthHealthy, Count: 1},
	}, counts)
}

// --- Snapshots ---

func TestSQLite_AcceptSnapshot_FirstAndDiff(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	first, err := st.AcceptSnapshot(ctx, model.Snapshot{
		CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: "h1",
		Fields: map[string]string{"active": "true"}, Raw: []byte(`{"valid":true}`), CreatedAt: t0,
	}, func(prev *model.Snapshot) (bool, *model.Diff) {
		assert.Nil(t, prev)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Nil(t, first.Diff)
	assert.NotEmpty(t, first.Snapshot.ID)
	assert.Empty(t, first.Snapshot.PrevSnapshotID)

	diff := &model.Diff{
		Changes:  []model.FieldChange{{Field: "active", Old: "true", New: "false", Kind: model.ChangeModified, Severity: model.SeverityCritical, AlertType: model.AlertVATInvalidated, Effect: model.EffectRaise}},
		Severity: model.SeverityCritical,
	}
	second, err := st.AcceptSnapshot(ctx, model.Snapshot{
		CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: "h2",
		Fields: map[string]string{"active": "false"}, CreatedAt: t0.Add(65 * time.Minute),
	}, func(prev *model.Snapshot) (bool, *model.Diff) {
		require.NotNil(t, prev)
		assert.Equal(t, first.Snapshot.ID, prev.ID)
		assert.Equal(t, "true", prev.Fields["active"])
		return true, diff
	})
	require.NoError(t, err)
	require.NotNil(t, second.Diff)
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.PrevSnapshotID)
	assert.Equal(t, first.Snapshot.ID, second.Diff.PrevSnapshotID)
	assert.Equal(t, second.Snapshot.ID, second.Diff.NextSnapshotID)

	stored, err := st.DiffForSnapshot(ctx, second.Snapshot.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SeverityCritical, stored.Severity)
	assert.Equal(t, diff.Changes, stored.Changes)

	none, err := st.DiffForSnapshot(ctx, first.Snapshot.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	latest, err := st.LatestSnapshot(ctx, "cp-1", model.SourceVIES)
	require.NoError(t, err)
	assert.Equal(t, second.Snapshot.ID, latest.ID)
	assert.True(t, latest.CreatedAt.Equal(t0.Add(65*time.Minute)))

	list, err := st.ListSnapshots(ctx, "cp-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Snapshot.ID, list[0].ID)
	assert.JSONEq(t, `{"valid":true}`, string(list[1].Raw))
}

func TestSQLite_AcceptSnapshot_Rejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	first, err := st.AcceptSnapshot(ctx, model.Snapshot{
		CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: "h1",
		Fields: map[string]string{"active": "true"}, CreatedAt: t0,
	}, acceptAlways(nil))
	require.NoError(t, err)

	again, err := st.AcceptSnapshot(ctx, model.Snapshot{
		CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: "h1",
		Fields: map[string]string{"active": "true"}, CreatedAt: t0.Add(time.Minute),
	}, func(*model.Snapshot) (bool, *model.Diff) { return false, nil })
	require.NoError(t, err)
	assert.False(t, again.Inserted)
	assert.Equal(t, first.Snapshot.ID, again.Snapshot.ID)

	list, err := st.ListSnapshots(ctx, "cp-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_AcceptSnapshot_UnknownCounterparty(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.AcceptSnapshot(context.Background(), model.Snapshot{
		CounterpartyID: "missing", Source: model.SourceVIES, Fields: map[string]string{},
	}, acceptAlways(nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Unprocessed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	var ids []string
	for i, h := range []string{"a", "b"} {
		acc, err := st.AcceptSnapshot(ctx, model.Snapshot{
			CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: h,
			Fields: map[string]string{"v": h}, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}, acceptAlways(nil))
		require.NoError(t, err)
		ids = append(ids, acc.Snapshot.ID)
	}

	pending, err := st.ListUnprocessed(ctx, "cp-1", model.SourceVIES)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID, "oldest first")

	require.NoError(t, st.MarkProcessed(ctx, ids[0], t0))
	pending, err = st.ListUnprocessed(ctx, "cp-1", model.SourceVIES)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)

	latest, err := st.LatestSnapshot(ctx, "cp-1", model.SourceSanctions)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// --- Scores ---

func TestSQLite_ApplyContributions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	score, err := st.ApplyContributions(ctx, "cp-1", []model.Contribution{
		{Source: model.SourceVIES, AlertType: model.AlertVATInvalidated, Points: 40, UpdatedAt: t0},
		{Source: model.SourceSanctions, AlertType: model.AlertSanctionsMatch, Points: 40, UpdatedAt: t0},
		{Source: model.SourceInsolvency, AlertType: model.AlertInsolvencyFiled, Points: 40, UpdatedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, score, "clamped")

	score, err = st.ApplyContributions(ctx, "cp-1", []model.Contribution{
		{Source: model.SourceSanctions, AlertType: model.AlertSanctionsMatch, Points: 0, UpdatedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 80, score)

	got, err := st.GetCounterparty(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, 80, got.RiskScore)
	require.Len(t, got.Contributions, 2)
	assert.Equal(t, model.SourceInsolvency, got.Contributions[0].Source)

	_, err = st.ApplyContributions(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Alerts ---

func newAlert(cpID string, typ model.AlertType, sev model.Severity) *model.Alert {
	return &model.Alert{
		TenantID:       "tenant-1",
		CounterpartyID: cpID,
		Source:         model.SourceVIES,
		Type:           typ,
		Severity:       sev,
		Message:        "VAT number no longer valid",
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func TestSQLite_Alerts_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	open, err := st.FindOpenAlert(ctx, "cp-1", model.SourceVIES, model.AlertVATInvalidated)
	require.NoError(t, err)
	assert.Nil(t, open)

	a := newAlert("cp-1", model.AlertVATInvalidated, model.SeverityCritical)
	require.NoError(t, st.InsertAlert(ctx, a))
	assert.Equal(t, 1, a.OccurrenceCount)

	dup := newAlert("cp-1", model.AlertVATInvalidated, model.SeverityCritical)
	assert.Error(t, st.InsertAlert(ctx, dup), "one open alert per type")

	open, err = st.FindOpenAlert(ctx, "cp-1", model.SourceVIES, model.AlertVATInvalidated)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, a.ID, open.ID)

	open.Message = "still invalid"
	open.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, st.RecordOccurrence(ctx, open))
	assert.Equal(t, 2, open.OccurrenceCount)

	require.NoError(t, st.ResolveAlert(ctx, a.ID, t0.Add(2*time.Hour)))
	got, err := st.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.False(t, got.Open())
	assert.Equal(t, "still invalid", got.Message)

	assert.ErrorIs(t, st.RecordOccurrence(ctx, got), ErrNotFound)
	assert.NoError(t, st.InsertAlert(ctx, dup), "resolved alerts do not block new ones")
}

func TestSQLite_Alerts_ListAndAcknowledge(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")
	seedCounterparty(t, st, "cp-2")

	crit := newAlert("cp-1", model.AlertVATInvalidated, model.SeverityCritical)
	major := newAlert("cp-1", model.AlertVATDetailsChanged, model.SeverityMajor)
	major.CreatedAt = t0.Add(time.Minute)
	other := newAlert("cp-2", model.AlertVATInvalidated, model.SeverityCritical)
	other.CreatedAt = t0.Add(2 * time.Minute)
	for _, a := range []*model.Alert{crit, major, other} {
		require.NoError(t, st.InsertAlert(ctx, a))
	}

	all, err := st.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	bySeverity, err := st.ListAlerts(ctx, model.AlertFilter{Severity: model.SeverityCritical, CounterpartyID: "cp-1"})
	require.NoError(t, err)
	require.Len(t, bySeverity, 1)
	assert.Equal(t, crit.ID, bySeverity[0].ID)

	acked, err := st.AcknowledgeAlert(ctx, crit.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, acked.IsRead)

	unread := false
	open, err := st.ListAlerts(ctx, model.AlertFilter{IsRead: &unread, Type: model.AlertVATInvalidated})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, other.ID, open[0].ID)

	_, err = st.AcknowledgeAlert(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Purge ---

func TestSQLite_Purge_Cascades(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCounterparty(t, st, "cp-1")

	acc, err := st.AcceptSnapshot(ctx, model.Snapshot{
		CounterpartyID: "cp-1", Source: model.SourceVIES, ContentHash: "h", Fields: map[string]string{"active": "true"}, CreatedAt: t0,
	}, acceptAlways(nil))
	require.NoError(t, err)
	require.NoError(t, st.InsertAlert(ctx, newAlert("cp-1", model.AlertVATInvalidated, model.SeverityCritical)))
	_, err = st.ApplyContributions(ctx, "cp-1", []model.Contribution{{Source: model.SourceVIES, AlertType: model.AlertVATInvalidated, Points: 40, UpdatedAt: t0}})
	require.NoError(t, err)

	require.NoError(t, st.PurgeCounterparty(ctx, "cp-1"))
	assert.ErrorIs(t, st.PurgeCounterparty(ctx, "cp-1"), ErrNotFound)

	snaps, err := st.ListSnapshots(ctx, "cp-1", 0)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	alerts, err := st.ListAlerts(ctx, model.AlertFilter{CounterpartyID: "cp-1"})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	diff, err := st.DiffForSnapshot(ctx, acc.Snapshot.ID)
	require.NoError(t, err)
	assert.Nil(t, diff)
}

// --- Passes ---

func TestSQLite_Passes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordPass(ctx, model.PassSummary{StartedAt: t0, FinishedAt: t0.Add(time.Second), Due: 4, Accepted: 3, Failed: 1}))
	require.NoError(t, st.RecordPass(ctx, model.PassSummary{StartedAt: t0.Add(time.Minute), FinishedAt: t0.Add(61 * time.Second), Due: 1, Deferred: 1, Error: "ctx canceled"}))

	passes, err := st.ListPasses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.Equal(t, 1, passes[0].Deferred)
	assert.Equal(t, "ctx canceled", passes[0].Error)
	assert.Equal(t, 3, passes[1].Accepted)
	assert.True(t, passes[1].StartedAt.Equal(t0))
}

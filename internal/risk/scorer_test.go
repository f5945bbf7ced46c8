package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/model"
)

func change(field string, sev model.Severity, typ model.AlertType, effect model.Effect) model.FieldChange {
	return model.FieldChange{Field: field, Kind: model.ChangeModified, Severity: sev, AlertType: typ, Effect: effect}
}

func viesDiff(changes ...model.FieldChange) model.Diff {
	return model.Diff{CounterpartyID: "cp-1", Source: model.SourceVIES, PrevSnapshotID: "s1", NextSnapshotID: "s2", Changes: changes}
}

func TestScoreDiff_VATInvalidated(t *testing.T) {
	cp := model.Counterparty{ID: "cp-1"}
	d := ScoreDiff(cp, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise)), DefaultWeights())

	assert.Equal(t, 0, d.Before)
	assert.Equal(t, 40, d.After)
	assert.Equal(t, 40, d.Delta)
	assert.Equal(t, []model.ContributionChange{{Source: model.SourceVIES, AlertType: model.AlertVATInvalidated, Before: 0, After: 40}}, d.Changes)
}

func TestScoreDiff_RaiseIsIdempotent(t *testing.T) {
	cp := model.Counterparty{ID: "cp-1", Contributions: []model.Contribution{
		{Source: model.SourceVIES, AlertType: model.AlertVATInvalidated, Points: 40},
	}}
	d := ScoreDiff(cp, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise)), DefaultWeights())

	assert.Equal(t, 40, d.Before)
	assert.Equal(t, 40, d.After)
	assert.Zero(t, d.Delta)
	assert.Empty(t, d.Changes)
}

func TestScoreDiff_Symmetry(t *testing.T) {
	w := DefaultWeights()
	cp := model.Counterparty{ID: "cp-1", Contributions: []model.Contribution{
		{Source: model.SourceLEI, AlertType: model.AlertLEIDetailsChanged, Points: 3},
	}}

	up := ScoreDiff(cp, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise)), w)
	cp.Contributions = Apply(cp, up)
	down := ScoreDiff(cp, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectResolve)), w)

	assert.Equal(t, 3, up.Before)
	assert.Equal(t, 43, up.After)
	assert.Equal(t, 43, down.Before)
	assert.Equal(t, 3, down.After)
	assert.Equal(t, -up.Delta, down.Delta)
	assert.Len(t, Apply(cp, down), 1)
}

func TestScoreDiff_NeutralKeepsLargest(t *testing.T) {
	w := DefaultWeights()
	cp := model.Counterparty{ID: "cp-1", Contributions: []model.Contribution{
		{Source: model.SourceVIES, AlertType: model.AlertVATDetailsChanged, Points: 15},
	}}

	minor := ScoreDiff(cp, viesDiff(change("company_address", model.SeverityMinor, model.AlertVATDetailsChanged, model.EffectNeutral)), w)
	assert.Zero(t, minor.Delta)

	fresh := ScoreDiff(model.Counterparty{ID: "cp-1"}, viesDiff(
		change("company_address", model.SeverityMinor, model.AlertVATDetailsChanged, model.EffectNeutral),
		change("entity_name", model.SeverityMajor, model.AlertVATDetailsChanged, model.EffectNeutral),
	), w)
	assert.Equal(t, 15, fresh.After)
}

func TestScoreDiff_RaiseBeatsResolveBeatsNeutral(t *testing.T) {
	w := DefaultWeights()
	lei := func(changes ...model.FieldChange) model.Diff {
		return model.Diff{Source: model.SourceLEI, Changes: changes}
	}
	cp := model.Counterparty{ID: "cp-1", Contributions: []model.Contribution{
		{Source: model.SourceLEI, AlertType: model.AlertLEIStatusChange, Points: 15},
	}}

	resolved := ScoreDiff(cp, lei(
		change("registration_status", model.SeverityMajor, model.AlertLEIStatusChange, model.EffectNeutral),
		change("active", model.SeverityMajor, model.AlertLEIStatusChange, model.EffectResolve),
	), w)
	assert.Equal(t, 0, resolved.After)

	raised := ScoreDiff(model.Counterparty{ID: "cp-1"}, lei(
		change("active", model.SeverityMajor, model.AlertLEIStatusChange, model.EffectResolve),
		change("entity_status", model.SeverityMajor, model.AlertLEIStatusChange, model.EffectRaise),
	), w)
	assert.Equal(t, 15, raised.After)
}

func TestScoreDiff_Clamped(t *testing.T) {
	cp := model.Counterparty{ID: "cp-1", Contributions: []model.Contribution{
		{Source: model.SourceSanctions, AlertType: model.AlertSanctionsMatch, Points: 40},
		{Source: model.SourceInsolvency, AlertType: model.AlertInsolvencyFiled, Points: 40},
	}}
	d := ScoreDiff(cp, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise)), DefaultWeights())

	assert.Equal(t, 80, d.Before)
	assert.Equal(t, 100, d.After)
	assert.Equal(t, 20, d.Delta)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, 40, d.Changes[0].After, "contribution is stored unclamped")
}

func TestScoreDiff_Deterministic(t *testing.T) {
	diff := viesDiff(
		change("entity_name", model.SeverityMajor, model.AlertVATDetailsChanged, model.EffectNeutral),
		change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise),
	)
	first := ScoreDiff(model.Counterparty{ID: "cp-1"}, diff, DefaultWeights())
	require.Len(t, first.Changes, 2)
	assert.Equal(t, model.AlertVATDetailsChanged, first.Changes[0].AlertType)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ScoreDiff(model.Counterparty{ID: "cp-1"}, diff, DefaultWeights()))
	}
}

func TestScoreDiff_SourceOverride(t *testing.T) {
	w := DefaultWeights().withOverride(model.SourceVIES, model.SeverityCritical, 60)
	d := ScoreDiff(model.Counterparty{ID: "cp-1"}, viesDiff(change("active", model.SeverityCritical, model.AlertVATInvalidated, model.EffectRaise)), w)
	assert.Equal(t, 60, d.After)
	assert.Equal(t, 40, w.Points(model.SourceLEI, model.SeverityCritical))
	assert.Equal(t, 15, w.Points(model.SourceVIES, model.SeverityMajor))
}

func TestAggregateAndClamp(t *testing.T) {
	assert.Equal(t, 0, Aggregate(nil))
	assert.Equal(t, 55, Aggregate([]model.Contribution{{Points: 40}, {Points: 15}}))
	assert.Equal(t, 100, Aggregate([]model.Contribution{{Points: 80}, {Points: 40}}))
	assert.Equal(t, 0, Clamp(-5))
	assert.Equal(t, 100, Clamp(101))
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.Default[model.SeverityCritical] = 120
	w.Sources = map[model.SourceID]Table{"dun": {model.SeverityMinor: 1}, model.SourceLEI: {"urgent": 5}}
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default.critical must be between 0 and 100")
	assert.Contains(t, err.Error(), `unknown source "dun"`)
	assert.Contains(t, err.Error(), `unknown severity "urgent"`)
}

func TestWeightsFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default:\n  minor: 5\nsources:\n  sanctions:\n    critical: 70\n"), 0o600))

	w, err := WeightsFromConfig(config.ScoringConfig{
		Major:       20,
		Sources:     map[string]map[string]int{"lei": {"major": 10}},
		WeightsFile: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, w.Points(model.SourceVIES, model.SeverityCritical))
	assert.Equal(t, 20, w.Points(model.SourceVIES, model.SeverityMajor))
	assert.Equal(t, 5, w.Points(model.SourceVIES, model.SeverityMinor))
	assert.Equal(t, 10, w.Points(model.SourceLEI, model.SeverityMajor))
	assert.Equal(t, 70, w.Points(model.SourceSanctions, model.SeverityCritical))

	_, err = WeightsFromConfig(config.ScoringConfig{Critical: 200})
	assert.Error(t, err)

	_, err = WeightsFromConfig(config.ScoringConfig{WeightsFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

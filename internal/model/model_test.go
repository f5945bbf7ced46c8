package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityMajor))
	assert.True(t, SeverityMajor.AtLeast(SeverityMajor))
	assert.False(t, SeverityMinor.AtLeast(SeverityMajor))
	assert.False(t, Severity("bogus").AtLeast(SeverityMinor))

	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityMinor, SeverityCritical))
	assert.Equal(t, SeverityMajor, MaxSeverity(SeverityMajor, SeverityMinor))
	assert.Equal(t, SeverityNone, MaxSeverity("", ""))
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
}

func TestSourceState_IsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	never := SourceState{Frequency: time.Hour}
	assert.True(t, never.IsDue(now))

	checked := now.Add(-30 * time.Minute)
	recent := SourceState{Frequency: time.Hour, LastCheckedAt: &checked}
	assert.False(t, recent.IsDue(now))

	exact := now.Add(-time.Hour)
	boundary := SourceState{Frequency: time.Hour, LastCheckedAt: &exact}
	assert.True(t, boundary.IsDue(now))
}

func TestHealthFor(t *testing.T) {
	tests := []struct {
		status CheckStatus
		stale  bool
		want   Health
	}{
		{StatusOK, false, HealthHealthy},
		{StatusNotFound, false, HealthHealthy},
		{StatusOK, true, HealthDegraded},
		{StatusRateLimited, false, HealthDegraded},
		{StatusSourceUnavailable, false, HealthUnavailable},
		{StatusInvalidInput, false, HealthInvalid},
		{CheckStatus("weird"), false, HealthUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, HealthFor(tt.status, tt.stale))
		})
	}
}

func TestCounterparty_SourceIDsSorted(t *testing.T) {
	cp := Counterparty{Sources: map[SourceID]SourceState{
		SourceVIES:      {},
		SourceLEI:       {},
		SourceSanctions: {},
	}}
	assert.Equal(t, []SourceID{SourceLEI, SourceSanctions, SourceVIES}, cp.SourceIDs())
}

func TestCheckResult_CloneIsIndependent(t *testing.T) {
	orig := CheckResult{Fields: map[string]string{"active": "true"}, Raw: []byte(`{"a":1}`)}
	cp := orig.Clone()
	cp.Fields["active"] = "false"
	cp.Raw[0] = '['

	assert.Equal(t, "true", orig.Fields["active"])
	assert.Equal(t, byte('{'), orig.Raw[0])
}

func TestAlert_Open(t *testing.T) {
	now := time.Now()
	assert.True(t, Alert{}.Open())
	assert.False(t, Alert{IsRead: true}.Open())
	assert.False(t, Alert{ResolvedAt: &now}.Open())
}

func TestScoreDelta_Contributions(t *testing.T) {
	at := time.Now()
	d := ScoreDelta{Changes: []ContributionChange{
		{Source: SourceVIES, AlertType: AlertVATInvalidated, Before: 0, After: 40},
	}}
	got := d.Contributions("cp-1", at)
	require.Len(t, got, 1)
	assert.Equal(t, "cp-1", got[0].CounterpartyID)
	assert.Equal(t, 40, got[0].Points)
	assert.Equal(t, at, got[0].UpdatedAt)
}

package model

import (
	"sort"
	"time"
)

// SourceID identifies an external compliance registry.
type SourceID string

const (
	SourceVIES       SourceID = "vies"
	SourceSanctions  SourceID = "sanctions"
	SourceInsolvency SourceID = "insolvency"
	SourceLEI        SourceID = "lei"
)

// AllSources lists every supported source in dispatch order.
var AllSources = []SourceID{SourceVIES, SourceSanctions, SourceInsolvency, SourceLEI}

// Valid reports whether s is a known source.
func (s SourceID) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// Health is the user-visible status of one source for one counterparty,
// derived from the most recent CheckResult status.
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
	HealthInvalid     Health = "invalid"
)

// SourceState is the per-(counterparty, source) monitoring state.
type SourceState struct {
	Source              SourceID      `json:"source"`
	Frequency           time.Duration `json:"frequency"`
	LastCheckedAt       *time.Time    `json:"last_checked_at,omitempty"`
	LastAttemptAt       *time.Time    `json:"last_attempt_at,omitempty"`
	LastStatus          CheckStatus   `json:"last_status,omitempty"`
	Health              Health        `json:"health"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// DueAt returns when the pair is next due. A never-checked pair is due immediately.
func (s SourceState) DueAt() time.Time {
	if s.LastCheckedAt == nil {
		return time.Time{}
	}
	return s.LastCheckedAt.Add(s.Frequency)
}

// IsDue reports whether last_checked + frequency <= now.
func (s SourceState) IsDue(now time.Time) bool {
	return !s.DueAt().After(now)
}

// Counterparty is a monitored business entity owned by a tenant.
type Counterparty struct {
	ID                string                   `json:"id"`
	TenantID          string                   `json:"tenant_id"`
	Name              string                   `json:"name"`
	Country           string                   `json:"country"`
	VATNumber         string                   `json:"vat_number,omitempty"`
	LEI               string                   `json:"lei,omitempty"`
	Address           string                   `json:"address,omitempty"`
	RiskScore         int                      `json:"risk_score"`
	MonitoringEnabled bool                     `json:"monitoring_enabled"`
	Sources           map[SourceID]SourceState `json:"sources"`
	Contributions     []Contribution           `json:"contributions,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// SourceIDs returns the configured sources in a stable order.
func (c Counterparty) SourceIDs() []SourceID {
	ids := make([]SourceID, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HealthFor derives the user-visible health from a check status.
func HealthFor(status CheckStatus, stale bool) Health {
	switch status {
	case StatusOK, StatusNotFound:
		if stale {
			return HealthDegraded
		}
		return HealthHealthy
	case StatusRateLimited:
		return HealthDegraded
	case StatusSourceUnavailable:
		return HealthUnavailable
	case StatusInvalidInput:
		return HealthInvalid
	default:
		return HealthUnknown
	}
}

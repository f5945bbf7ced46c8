package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Severity classifies a diff or alert.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
}

// Rank orders severities; unknown values rank as none.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return SeverityNone
	}
	return a
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", eris.Errorf("model: unknown severity %q", s)
	}
	return sev, nil
}

// AlertType names the underlying condition an alert tracks.
type AlertType string

const (
	AlertSanctionsMatch          AlertType = "sanctions_match"
	AlertSanctionsDetailsChanged AlertType = "sanctions_details_changed"
	AlertVATInvalidated          AlertType = "vat_invalidated"
	AlertVATDetailsChanged       AlertType = "vat_details_changed"
	AlertInsolvencyFiled         AlertType = "insolvency_filed"
	AlertInsolvencyNotice        AlertType = "insolvency_notice"
	AlertLEIStatusChange         AlertType = "lei_status_change"
	AlertLEIDetailsChanged       AlertType = "lei_details_changed"
)

// Alert is a user-facing compliance event. At most one open alert exists
// per (counterparty, source, type).
type Alert struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CounterpartyID  string     `json:"counterparty_id"`
	Source          SourceID   `json:"source"`
	Type            AlertType  `json:"type"`
	Severity        Severity   `json:"severity"`
	Message         string     `json:"message"`
	DiffID          string     `json:"diff_id,omitempty"`
	SnapshotID      string     `json:"snapshot_id,omitempty"`
	IsRead          bool       `json:"is_read"`
	OccurrenceCount int        `json:"occurrence_count"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Open reports whether the alert is neither acknowledged nor resolved.
func (a Alert) Open() bool {
	return !a.IsRead && a.ResolvedAt == nil
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	TenantID       string    `json:"tenant_id,omitempty"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	Severity       Severity  `json:"severity,omitempty"`
	Type           AlertType `json:"type,omitempty"`
	IsRead         *bool     `json:"is_read,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

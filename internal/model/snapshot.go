package model

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable accepted observation for a (counterparty, source) pair.
type Snapshot struct {
	ID             string            `json:"id"`
	CounterpartyID string            `json:"counterparty_id"`
	Source         SourceID          `json:"source"`
	PrevSnapshotID string            `json:"prev_snapshot_id,omitempty"`
	ContentHash    string            `json:"content_hash"`
	Fields         map[string]string `json:"fields"`
	Raw            json.RawMessage   `json:"raw,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	// ProcessedAt is set once scoring and alerting have completed for the snapshot.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ChangeKind categorizes a field-level change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Effect describes how a change relates to an adverse finding.
type Effect string

const (
	EffectRaise   Effect = "raise"
	EffectResolve Effect = "resolve"
	EffectNeutral Effect = "neutral"
)

// FieldChange is one entry of a Diff.
type FieldChange struct {
	Field     string     `json:"field"`
	Old       string     `json:"old,omitempty"`
	New       string     `json:"new,omitempty"`
	Kind      ChangeKind `json:"kind"`
	Severity  Severity   `json:"severity"`
	AlertType AlertType  `json:"alert_type"`
	Effect    Effect     `json:"effect"`
}

// Diff is the change set between two consecutive snapshots of a pair.
// A baseline Diff (no previous snapshot) is never persisted.
type Diff struct {
	ID             string        `json:"id,omitempty"`
	CounterpartyID string        `json:"counterparty_id"`
	Source         SourceID      `json:"source"`
	PrevSnapshotID string        `json:"prev_snapshot_id,omitempty"`
	NextSnapshotID string        `json:"next_snapshot_id"`
	Changes        []FieldChange `json:"changes"`
	Severity       Severity      `json:"severity"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Baseline reports whether the diff was derived from a first snapshot.
func (d Diff) Baseline() bool {
	return d.PrevSnapshotID == ""
}

package model

import (
	"encoding/json"
	"time"
)

// CheckStatus is the outcome of one adapter query.
type CheckStatus string

const (
	StatusOK                CheckStatus = "ok"
	StatusNotFound          CheckStatus = "not_found"
	StatusInvalidInput      CheckStatus = "invalid_input"
	StatusRateLimited       CheckStatus = "rate_limited"
	StatusSourceUnavailable CheckStatus = "source_unavailable"
)

// Observed reports whether the status carries an observation that may
// become a snapshot.
func (s CheckStatus) Observed() bool {
	return s == StatusOK || s == StatusNotFound
}

// CheckResult is the ephemeral output of an adapter for one identifier.
type CheckResult struct {
	Source     SourceID          `json:"source"`
	Identifier string            `json:"identifier"`
	Status     CheckStatus       `json:"status"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
	Latency    time.Duration     `json:"latency"`
	FromCache  bool              `json:"from_cache"`
	Stale      bool              `json:"stale,omitempty"`
	RetryAt    time.Time         `json:"retry_at,omitempty"`
	Error      string            `json:"error,omitempty"`

	Err error `json:"-"`
}

// Clone returns a copy that does not share the Fields map.
func (r CheckResult) Clone() CheckResult {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	if r.Raw != nil {
		out.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	return out
}

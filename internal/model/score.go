package model

import "time"

// Contribution is the latest active score contribution of one
// (source, alert type) to a counterparty's aggregate risk score.
type Contribution struct {
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	Source         SourceID  `json:"source"`
	AlertType      AlertType `json:"alert_type"`
	Points         int       `json:"points"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ContributionChange records how one contribution moved.
type ContributionChange struct {
	Source    SourceID  `json:"source"`
	AlertType AlertType `json:"alert_type"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
}

// ScoreDelta is the scorer output for one diff.
type ScoreDelta struct {
	Before  int                  `json:"before"`
	After   int                  `json:"after"`
	Delta   int                  `json:"delta"`
	Changes []ContributionChange `json:"changes,omitempty"`
}

// Contributions returns the post-delta value of every changed contribution.
func (d ScoreDelta) Contributions(counterpartyID string, at time.Time) []Contribution {
	out := make([]Contribution, 0, len(d.Changes))
	for _, c := range d.Changes {
		out = append(out, Contribution{
			CounterpartyID: counterpartyID,
			Source:         c.Source,
			AlertType:      c.AlertType,
			Points:         c.After,
			UpdatedAt:      at,
		})
	}
	return out
}

// PassSummary records the outcome of one scheduling pass.
type PassSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Due        int       `json:"due"`
	Accepted   int       `json:"accepted"`
	Deferred   int       `json:"deferred"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

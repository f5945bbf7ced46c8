package scheduler

import (
	"time"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// State is the position of a pair within one pass.
type State string

const (
	StateDue      State = "due"
	StateChecking State = "checking"
	StateAccepted State = "accepted"
	StateDeferred State = "deferred"
	StateFailed   State = "failed"
	StateSkipped  State = "skipped"
)

var transitions = map[State][]State{
	StateDue:      {StateChecking, StateSkipped, StateFailed},
	StateChecking: {StateAccepted, StateDeferred, StateFailed},
	StateDeferred: {StateChecking, StateFailed},
}

// CanTransition reports whether a pair may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// pair is one (counterparty, source) unit of work. Pairs of one
// counterparty share cp.Sources, so a pair only reads and writes its own
// sourceState.
type pair struct {
	cp          model.Counterparty
	source      model.SourceID
	sourceState model.SourceState
	identifier  string
	state       State
	deferrals   int
	retryAt     time.Time
	result      model.CheckResult
	outcome     *Outcome
}

func (p *pair) moveTo(to State) {
	if !CanTransition(p.state, to) {
		panic("scheduler: invalid transition " + string(p.state) + " -> " + string(to))
	}
	p.state = to
}

func (p *pair) report() Outcome {
	if p.outcome != nil {
		return *p.outcome
	}
	return Outcome{CounterpartyID: p.cp.ID, Source: p.source, State: p.state}
}

// Outcome reports how one pair check ended.
type Outcome struct {
	CounterpartyID string            `json:"counterparty_id"`
	Source         model.SourceID    `json:"source"`
	State          State             `json:"state"`
	Status         model.CheckStatus `json:"status,omitempty"`
	Health         model.Health      `json:"health,omitempty"`
	FromCache      bool              `json:"from_cache"`
	Stale          bool              `json:"stale,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	Changes        int               `json:"changes"`
	Severity       model.Severity    `json:"severity,omitempty"`
	Score          int               `json:"risk_score"`
	Alert          *model.Alert      `json:"alert,omitempty"`
	RetryAt        *time.Time        `json:"retry_at,omitempty"`
	Error          string            `json:"error,omitempty"`
}

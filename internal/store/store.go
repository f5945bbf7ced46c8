package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// PersistenceError marks a failed write on the monitoring pipeline. The
// affected pair keeps its previous state and is retried on the next pass.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// CounterpartyFilter selects counterparties for listing.
type CounterpartyFilter struct {
	TenantID      string `json:"tenant_id,omitempty"`
	MonitoredOnly bool   `json:"monitored_only,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// AcceptFunc inspects the latest stored snapshot of a pair (nil when the
// pair has none) and decides whether the candidate is inserted and which
// diff, if any, is stored with it. It runs inside the accepting transaction.
type AcceptFunc func(prev *model.Snapshot) (insert bool, diff *model.Diff)

// Acceptance is the outcome of AcceptSnapshot. When Inserted is false,
// Snapshot is the existing latest snapshot.
type Acceptance struct {
	Snapshot model.Snapshot
	Diff     *model.Diff
	Inserted bool
}

// HealthCount is the number of monitored pairs of a source in one health state.
type HealthCount struct {
	Source model.SourceID `json:"source"`
	Health model.Health   `json:"health"`
	Count  int            `json:"count"`
}

// Store defines the persistence interface of the monitoring engine.
type Store interface {
	// Counterparties
	UpsertCounterparty(ctx context.Context, cp *model.Counterparty) error
	ImportCounterparties(ctx context.Context, cps []model.Counterparty) (int64, error)
	GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error)
	ListCounterparties(ctx context.Context, filter CounterpartyFilter) ([]model.Counterparty, error)
	SetMonitoring(ctx context.Context, id string, enabled bool) error
	UpdateSourceState(ctx context.Context, counterpartyID string, state model.SourceState) error
	CountHealth(ctx context.Context) ([]HealthCount, error)
	PurgeCounterparty(ctx context.Context, id string) error

	// Scores
	ApplyContributions(ctx context.Context, counterpartyID string, contributions []model.Contribution) (int, error)

	// Snapshots and diffs
	AcceptSnapshot(ctx context.Context, next model.Snapshot, decide AcceptFunc) (*Acceptance, error)
	LatestSnapshot(ctx context.Context, counterpartyID string, source model.SourceID) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, counterpartyID string, limit int) ([]model.Snapshot, error)
	ListUnprocessed(ctx context.Context, counterpartyID string, source model.SourceID) ([]model.Snapshot, error)
	MarkProcessed(ctx context.Context, snapshotID string, at time.Time) error
	DiffForSnapshot(ctx context.Context, snapshotID string) (*model.Diff, error)

	// Alerts
	FindOpenAlert(ctx context.Context, counterpartyID string, source model.SourceID, typ model.AlertType) (*model.Alert, error)
	InsertAlert(ctx context.Context, a *model.Alert) error
	RecordOccurrence(ctx context.Context, a *model.Alert) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*model.Alert, error)

	// Passes
	RecordPass(ctx context.Context, p model.PassSummary) error
	ListPasses(ctx context.Context, limit int) ([]model.PassSummary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var s model.Snapshot
	var fields, raw []byte
	var prev *string
	if err := row.Scan(&s.ID, &s.CounterpartyID, &s.Source, &prev, &s.ContentHash, &fields, &raw, &s.CreatedAt, &s.ProcessedAt); err != nil {
		return nil, err
	}
	if prev != nil {
		s.PrevSnapshotID = *prev
	}
	if err := json.Unmarshal(fields, &s.Fields); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal snapshot fields")
	}
	if len(raw) > 0 && string(raw) != "null" {
		s.Raw = json.RawMessage(raw)
	}
	utcPtr(&s.CreatedAt, s.ProcessedAt)
	return &s, nil
}

func scanDiff(row scannable) (*model.Diff, error) {
	var d model.Diff
	var changes []byte
	var prev *string
	if err := row.Scan(&d.ID, &d.CounterpartyID, &d.Source, &prev, &d.NextSnapshotID, &changes, &d.Severity, &d.CreatedAt); err != nil {
		return nil, err
	}
	if prev != nil {
		d.PrevSnapshotID = *prev
	}
	if err := json.Unmarshal(changes, &d.Changes); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal diff changes")
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func scanAlert(row scannable) (*model.Alert, error) {
	var a model.Alert
	var diffID, snapshotID *string
	if err := row.Scan(&a.ID, &a.TenantID, &a.CounterpartyID, &a.Source, &a.Type, &a.Severity, &a.Message,
		&diffID, &snapshotID, &a.IsRead, &a.OccurrenceCount, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if diffID != nil {
		a.DiffID = *diffID
	}
	if snapshotID != nil {
		a.SnapshotID = *snapshotID
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	utcPtr(&a.CreatedAt, a.ResolvedAt)
	return &a, nil
}

func scanCounterparty(row scannable) (*model.Counterparty, error) {
	var c model.Counterparty
	var vat, lei, addr *string
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Country, &vat, &lei, &addr,
		&c.RiskScore, &c.MonitoringEnabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.VATNumber, c.LEI, c.Address = deref(vat), deref(lei), deref(addr)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	c.Sources = map[model.SourceID]model.SourceState{}
	return &c, nil
}

// scanSourceState reads (counterparty_id, source, frequency_seconds,
// last_checked_at, last_attempt_at, last_status, health, consecutive_failures).
func scanSourceState(row scannable) (string, model.SourceState, error) {
	var cpID string
	var st model.SourceState
	var freq int64
	var status *string
	if err := row.Scan(&cpID, &st.Source, &freq, &st.LastCheckedAt, &st.LastAttemptAt, &status, &st.Health, &st.ConsecutiveFailures); err != nil {
		return "", st, err
	}
	st.Frequency = time.Duration(freq) * time.Second
	if status != nil {
		st.LastStatus = model.CheckStatus(*status)
	}
	if st.LastCheckedAt != nil {
		t := st.LastCheckedAt.UTC()
		st.LastCheckedAt = &t
	}
	if st.LastAttemptAt != nil {
		t := st.LastAttemptAt.UTC()
		st.LastAttemptAt = &t
	}
	return cpID, st, nil
}

func scanPass(row scannable) (*model.PassSummary, error) {
	var p model.PassSummary
	var errText *string
	if err := row.Scan(&p.ID, &p.StartedAt, &p.FinishedAt, &p.Due, &p.Accepted, &p.Deferred, &p.Failed, &p.Skipped, &errText); err != nil {
		return nil, err
	}
	p.Error = deref(errText)
	p.StartedAt, p.FinishedAt = p.StartedAt.UTC(), p.FinishedAt.UTC()
	return &p, nil
}

func utcPtr(t *time.Time, p *time.Time) {
	*t = t.UTC()
	if p != nil {
		*p = p.UTC()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func healthOrUnknown(h model.Health) model.Health {
	if h == "" {
		return model.HealthUnknown
	}
	return h
}

func marshalFields(s model.Snapshot) ([]byte, []byte, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal snapshot fields")
	}
	var raw []byte
	if len(s.Raw) > 0 {
		raw = []byte(s.Raw)
	}
	return fields, raw, nil
}

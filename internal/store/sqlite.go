package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection, so transactions are serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS counterparties (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	name               TEXT NOT NULL,
	country            TEXT NOT NULL,
	vat_number         TEXT,
	lei                TEXT,
	address            TEXT,
	risk_score         INTEGER NOT NULL DEFAULT 0,
	monitoring_enabled INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_counterparties_tenant ON counterparties(tenant_id);

CREATE TABLE IF NOT EXISTS counterparty_sources (
	counterparty_id      TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source               TEXT NOT NULL,
	frequency_seconds    INTEGER NOT NULL,
	last_checked_at      DATETIME,
	last_attempt_at      DATETIME,
	last_status          TEXT,
	health               TEXT NOT NULL DEFAULT 'unknown',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (counterparty_id, source)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id               TEXT PRIMARY KEY,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	prev_snapshot_id TEXT,
	content_hash     TEXT NOT NULL,
	fields           TEXT NOT NULL,
	raw              TEXT,
	created_at       DATETIME NOT NULL,
	processed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_snapshots_pair ON snapshots(counterparty_id, source, created_at);

CREATE TABLE IF NOT EXISTS diffs (
	id               TEXT PRIMARY KEY,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	prev_snapshot_id TEXT,
	next_snapshot_id TEXT NOT NULL UNIQUE REFERENCES snapshots(id) ON DELETE CASCADE,
	changes          TEXT NOT NULL,
	severity         TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS score_contributions (
	counterparty_id TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source          TEXT NOT NULL,
	alert_type      TEXT NOT NULL,
	points          INTEGER NOT NULL,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (counterparty_id, source, alert_type)
);

CREATE TABLE IF NOT EXISTS alerts (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	type             TEXT NOT NULL,
	severity         TEXT NOT NULL,
	message          TEXT NOT NULL,
	diff_id          TEXT,
	snapshot_id      TEXT,
	is_read          INTEGER NOT NULL DEFAULT 0,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	resolved_at      DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(counterparty_id, source, type)
	WHERE is_read = 0 AND resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_alerts_tenant_created ON alerts(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS check_passes (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	due         INTEGER NOT NULL DEFAULT 0,
	accepted    INTEGER NOT NULL DEFAULT 0,
	deferred    INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlRows adapts *sql.Rows to the shared row collectors.
type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() } //nolint:errcheck

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func stringOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- Counterparties ---

func (s *SQLiteStore) UpsertCounterparty(ctx context.Context, cp *model.Counterparty) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert counterparty")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertCounterpartyTx(ctx, tx, cp, time.Now().UTC(), true); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert counterparty")
}

func upsertCounterpartyTx(ctx context.Context, tx *sql.Tx, cp *model.Counterparty, now time.Time, prune bool) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	_, err := tx.ExecContext(ctx,
		`INSERT INTO counterparties (id, tenant_id, name, country, vat_number, lei, address, monitoring_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id, name = excluded.name, country = excluded.country,
			vat_number = excluded.vat_number, lei = excluded.lei, address = excluded.address,
			monitoring_enabled = excluded.monitoring_enabled, updated_at = excluded.updated_at`,
		cp.ID, cp.TenantID, cp.Name, cp.Country, nullable(cp.VATNumber), nullable(cp.LEI), nullable(cp.Address),
		cp.MonitoringEnabled, cp.CreatedAt.UTC(), cp.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert counterparty %s", cp.ID)
	}

	ids := cp.SourceIDs()
	keep := make([]any, 0, len(ids)+1)
	keep = append(keep, cp.ID)
	for _, id := range ids {
		keep = append(keep, string(id))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counterparty_sources (counterparty_id, source, frequency_seconds, health)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (counterparty_id, source) DO UPDATE SET frequency_seconds = excluded.frequency_seconds`,
			cp.ID, string(id), seconds(cp.Sources[id].Frequency), string(model.HealthUnknown),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert source %s for %s", id, cp.ID)
		}
	}
	if !prune {
		return nil
	}

	query := `DELETE FROM counterparty_sources WHERE counterparty_id = ?`
	if len(ids) > 0 {
		query += ` AND source NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, query, keep...); err != nil {
		return eris.Wrapf(err, "sqlite: prune sources for %s", cp.ID)
	}
	return nil
}

// ImportCounterparties upserts cps in one transaction. Sources missing
// from an imported row are left in place.
func (s *SQLiteStore) ImportCounterparties(ctx context.Context, cps []model.Counterparty) (int64, error) {
	if len(cps) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range cps {
		if err := upsertCounterpartyTx(ctx, tx, &cps[i], now, false); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return int64(len(cps)), nil
}

func (s *SQLiteStore) GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error) {
	cp, err := scanCounterparty(s.db.QueryRowContext(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get counterparty %s", id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM counterparty_sources WHERE counterparty_id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sources for %s", id)
	}
	if err := collectSources(sqlRows{rows}, map[string]*model.Counterparty{id: cp}); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan source state")
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT source, alert_type, points, updated_at FROM score_contributions
		 WHERE counterparty_id = ? ORDER BY source, alert_type`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contributions for %s", id)
	}
	defer crows.Close() //nolint:errcheck
	for crows.Next() {
		c := model.Contribution{CounterpartyID: id}
		if err := crows.Scan(&c.Source, &c.AlertType, &c.Points, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contribution")
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		cp.Contributions = append(cp.Contributions, c)
	}
	return cp, eris.Wrap(crows.Err(), "sqlite: iterate contributions")
}

func (s *SQLiteStore) ListCounterparties(ctx context.Context, filter CounterpartyFilter) ([]model.Counterparty, error) {
	where := ` WHERE 1 = 1`
	var args []any
	if filter.TenantID != "" {
		where += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.MonitoredOnly {
		where += ` AND monitoring_enabled = 1`
	}
	page := where + ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+counterpartyColumns+` FROM counterparties`+page, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list counterparties")
	}
	var out []*model.Counterparty
	byID := map[string]*model.Counterparty{}
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan counterparty")
		}
		out = append(out, cp)
		byID[cp.ID] = cp
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list counterparties iterate")
	}
	if len(out) == 0 {
		return nil, nil
	}

	srcRows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM counterparty_sources
		 WHERE counterparty_id IN (SELECT id FROM counterparties`+page+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	if err := collectSources(sqlRows{srcRows}, byID); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan source state")
	}

	result := make([]model.Counterparty, len(out))
	for i, cp := range out {
		result[i] = *cp
	}
	return result, nil
}

func (s *SQLiteStore) SetMonitoring(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE counterparties SET monitoring_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set monitoring %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateSourceState(ctx context.Context, counterpartyID string, st model.SourceState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counterparty_sources
			(counterparty_id, source, frequency_seconds, last_checked_at, last_attempt_at, last_status, health, consecutive_failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (counterparty_id, source) DO UPDATE SET
			last_checked_at = excluded.last_checked_at,
			last_attempt_at = excluded.last_attempt_at,
			last_status = excluded.last_status,
			health = excluded.health,
			consecutive_failures = excluded.consecutive_failures`,
		counterpartyID, string(st.Source), seconds(st.Frequency), utcOrNil(st.LastCheckedAt), utcOrNil(st.LastAttemptAt),
		nullable(string(st.LastStatus)), string(healthOrUnknown(st.Health)), st.ConsecutiveFailures,
	)
	return persistence("update source state", eris.Wrap(err, "sqlite: update source state"))
}

func (s *SQLiteStore) CountHealth(ctx context.Context) ([]HealthCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cs.source, cs.health, count(*) FROM counterparty_sources cs
		 JOIN counterparties c ON c.id = cs.counterparty_id
		 WHERE c.monitoring_enabled = 1
		 GROUP BY cs.source, cs.health ORDER BY cs.source, cs.health`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count health")
	}
	defer rows.Close() //nolint:errcheck
	var out []HealthCount
	for rows.Next() {
		var h HealthCount
		if err := rows.Scan(&h.Source, &h.Health, &h.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan health count")
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count health iterate")
}

func (s *SQLiteStore) PurgeCounterparty(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM counterparties WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: purge counterparty %s", id)
	}
	return checkRowsAffected(res)
}

// --- Scores ---

func (s *SQLiteStore) ApplyContributions(ctx context.Context, counterpartyID string, contributions []model.Contribution) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "sqlite: begin apply contributions"))
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range contributions {
		if c.Points <= 0 {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM score_contributions WHERE counterparty_id = ? AND source = ? AND alert_type = ?`,
				counterpartyID, string(c.Source), string(c.AlertType))
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO score_contributions (counterparty_id, source, alert_type, points, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (counterparty_id, source, alert_type) DO UPDATE SET points = excluded.points, updated_at = excluded.updated_at`,
				counterpartyID, string(c.Source), string(c.AlertType), c.Points, c.UpdatedAt.UTC())
		}
		if err != nil {
			return 0, persistence("apply contributions", eris.Wrapf(err, "sqlite: write contribution %s/%s", c.Source, c.AlertType))
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE counterparties SET
			risk_score = MIN(100, MAX(0, (SELECT COALESCE(SUM(points), 0) FROM score_contributions WHERE counterparty_id = ?))),
			updated_at = ?
		 WHERE id = ?`,
		counterpartyID, time.Now().UTC(), counterpartyID)
	if err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "sqlite: update risk score"))
	}
	if err := checkRowsAffected(res); err != nil {
		return 0, err
	}
	var score int
	if err := tx.QueryRowContext(ctx, `SELECT risk_score FROM counterparties WHERE id = ?`, counterpartyID).Scan(&score); err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "sqlite: read risk score"))
	}
	if err := tx.Commit(); err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "sqlite: commit contributions"))
	}
	return score, nil
}

// --- Snapshots ---

func (s *SQLiteStore) AcceptSnapshot(ctx context.Context, next model.Snapshot, decide AcceptFunc) (*Acceptance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: begin accept"))
	}
	defer tx.Rollback() //nolint:errcheck

	var exists string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM counterparties WHERE id = ?`, next.CounterpartyID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: read counterparty"))
	}

	prev, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE counterparty_id = ? AND source = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		next.CounterpartyID, string(next.Source)))
	if errors.Is(err, sql.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: read latest snapshot"))
	}

	insert, diff := decide(prev)
	if !insert && prev != nil {
		return &Acceptance{Snapshot: *prev}, eris.Wrap(tx.Commit(), "sqlite: commit accept")
	}

	prepareAccepted(&next, prev, diff)
	fields, raw, err := marshalFields(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, counterparty_id, source, prev_snapshot_id, content_hash, fields, raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.CounterpartyID, string(next.Source), nullable(next.PrevSnapshotID), next.ContentHash,
		string(fields), stringOrNil(raw), next.CreatedAt,
	); err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: insert snapshot"))
	}

	if diff != nil {
		changes, err := json.Marshal(diff.Changes)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal diff changes")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO diffs (id, counterparty_id, source, prev_snapshot_id, next_snapshot_id, changes, severity, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			diff.ID, diff.CounterpartyID, string(diff.Source), nullable(diff.PrevSnapshotID), diff.NextSnapshotID,
			string(changes), string(diff.Severity), diff.CreatedAt,
		); err != nil {
			return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: insert diff"))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "sqlite: commit accept"))
	}
	return &Acceptance{Snapshot: next, Diff: diff, Inserted: true}, nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, counterpartyID string, source model.SourceID) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE counterparty_id = ? AND source = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		counterpartyID, string(source)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, eris.Wrap(err, "sqlite: latest snapshot")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, counterpartyID string, limit int) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE counterparty_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		counterpartyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	return collectSnapshots(sqlRows{rows})
}

func (s *SQLiteStore) ListUnprocessed(ctx context.Context, counterpartyID string, source model.SourceID) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE counterparty_id = ? AND source = ? AND processed_at IS NULL ORDER BY created_at, id`,
		counterpartyID, string(source))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unprocessed snapshots")
	}
	return collectSnapshots(sqlRows{rows})
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, snapshotID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE snapshots SET processed_at = ? WHERE id = ?`, at.UTC(), snapshotID)
	return persistence("mark processed", eris.Wrap(err, "sqlite: mark processed"))
}

func (s *SQLiteStore) DiffForSnapshot(ctx context.Context, snapshotID string) (*model.Diff, error) {
	d, err := scanDiff(s.db.QueryRowContext(ctx,
		`SELECT id, counterparty_id, source, prev_snapshot_id, next_snapshot_id, changes, severity, created_at
		 FROM diffs WHERE next_snapshot_id = ?`, snapshotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, eris.Wrap(err, "sqlite: diff for snapshot")
}

// --- Alerts ---

func (s *SQLiteStore) FindOpenAlert(ctx context.Context, counterpartyID string, source model.SourceID, typ model.AlertType) (*model.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE counterparty_id = ? AND source = ? AND type = ? AND is_read = 0 AND resolved_at IS NULL`,
		counterpartyID, string(source), string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, eris.Wrap(err, "sqlite: find open alert")
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.OccurrenceCount == 0 {
		a.OccurrenceCount = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.CounterpartyID, string(a.Source), string(a.Type), string(a.Severity), a.Message,
		nullable(a.DiffID), nullable(a.SnapshotID), a.IsRead, a.OccurrenceCount, utcOrNil(a.ResolvedAt), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	return persistence("insert alert", eris.Wrap(err, "sqlite: insert alert"))
}

func (s *SQLiteStore) RecordOccurrence(ctx context.Context, a *model.Alert) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET occurrence_count = occurrence_count + 1, severity = ?, message = ?,
			diff_id = ?, snapshot_id = ?, updated_at = ?
		 WHERE id = ? AND is_read = 0 AND resolved_at IS NULL`,
		string(a.Severity), a.Message, nullable(a.DiffID), nullable(a.SnapshotID), a.UpdatedAt.UTC(), a.ID)
	if err != nil {
		return persistence("record occurrence", eris.Wrap(err, "sqlite: record occurrence"))
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `SELECT occurrence_count FROM alerts WHERE id = ?`, a.ID).Scan(&a.OccurrenceCount)
	return eris.Wrap(err, "sqlite: read occurrence count")
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ?, updated_at = ? WHERE id = ? AND resolved_at IS NULL`,
		at.UTC(), at.UTC(), id)
	return persistence("resolve alert", eris.Wrap(err, "sqlite: resolve alert"))
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, eris.Wrapf(err, "sqlite: get alert %s", id)
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	where, args := alertWhere(filter, func(int) string { return "?" })
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	return collectAlerts(sqlRows{rows})
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*model.Alert, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET is_read = 1, updated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: acknowledge alert %s", id)
	}
	if err := checkRowsAffected(res); err != nil {
		return nil, err
	}
	return s.GetAlert(ctx, id)
}

// --- Passes ---

func (s *SQLiteStore) RecordPass(ctx context.Context, p model.PassSummary) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_passes (id, started_at, finished_at, due, accepted, deferred, failed, skipped, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StartedAt.UTC(), p.FinishedAt.UTC(), p.Due, p.Accepted, p.Deferred, p.Failed, p.Skipped, nullable(p.Error),
	)
	return eris.Wrap(err, "sqlite: record pass")
}

func (s *SQLiteStore) ListPasses(ctx context.Context, limit int) ([]model.PassSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, due, accepted, deferred, failed, skipped, error
		 FROM check_passes ORDER BY started_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list passes")
	}
	return collectPasses(sqlRows{rows})
}

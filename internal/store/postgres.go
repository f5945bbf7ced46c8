package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/db"
	"github.com/sells-group/kyb-monitor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlLockCounterparty = `SELECT id FROM counterparties WHERE id = $1 FOR UPDATE`
	sqlLatestSnapshot   = `SELECT id, counterparty_id, source, prev_snapshot_id, content_hash, fields, raw, created_at, processed_at
		FROM snapshots WHERE counterparty_id = $1 AND source = $2 ORDER BY created_at DESC, id DESC LIMIT 1`
	sqlInsertSnapshot = `INSERT INTO snapshots (id, counterparty_id, source, prev_snapshot_id, content_hash, fields, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlInsertDiff = `INSERT INTO diffs (id, counterparty_id, source, prev_snapshot_id, next_snapshot_id, changes, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlUpdateSourceState = `INSERT INTO counterparty_sources
		(counterparty_id, source, frequency_seconds, last_checked_at, last_attempt_at, last_status, health, consecutive_failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (counterparty_id, source) DO UPDATE SET
			last_checked_at = EXCLUDED.last_checked_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_status = EXCLUDED.last_status,
			health = EXCLUDED.health,
			consecutive_failures = EXCLUDED.consecutive_failures`
	sqlFindOpenAlert = `SELECT ` + alertColumns + ` FROM alerts
		WHERE counterparty_id = $1 AND source = $2 AND type = $3 AND NOT is_read AND resolved_at IS NULL`
	sqlMarkProcessed = `UPDATE snapshots SET processed_at = $1 WHERE id = $2`
)

const alertColumns = `id, tenant_id, counterparty_id, source, type, severity, message, diff_id, snapshot_id,
	is_read, occurrence_count, resolved_at, created_at, updated_at`

const counterpartyColumns = `id, tenant_id, name, country, vat_number, lei, address, risk_score, monitoring_enabled, created_at, updated_at`

const sourceColumns = `counterparty_id, source, frequency_seconds, last_checked_at, last_attempt_at, last_status, health, consecutive_failures`

// preparedStatements lists the pipeline queries prepared on each new connection.
var preparedStatements = map[string]string{
	"lock_counterparty": sqlLockCounterparty,
	"latest_snapshot":   sqlLatestSnapshot,
	"insert_snapshot":   sqlInsertSnapshot,
	"insert_diff":       sqlInsertDiff,
	"update_source":     sqlUpdateSourceState,
	"find_open_alert":   sqlFindOpenAlert,
	"mark_processed":    sqlMarkProcessed,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS counterparties (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	name               TEXT NOT NULL,
	country            TEXT NOT NULL,
	vat_number         TEXT,
	lei                TEXT,
	address            TEXT,
	risk_score         INTEGER NOT NULL DEFAULT 0 CHECK (risk_score BETWEEN 0 AND 100),
	monitoring_enabled BOOLEAN NOT NULL DEFAULT true,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_counterparties_tenant ON counterparties(tenant_id);

CREATE TABLE IF NOT EXISTS counterparty_sources (
	counterparty_id      TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source               TEXT NOT NULL,
	frequency_seconds    BIGINT NOT NULL,
	last_checked_at      TIMESTAMPTZ,
	last_attempt_at      TIMESTAMPTZ,
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
	fields           JSONB NOT NULL,
	raw              JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_snapshots_pair ON snapshots(counterparty_id, source, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_unprocessed ON snapshots(counterparty_id, source) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS diffs (
	id               TEXT PRIMARY KEY,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	prev_snapshot_id TEXT,
	next_snapshot_id TEXT NOT NULL UNIQUE REFERENCES snapshots(id) ON DELETE CASCADE,
	changes          JSONB NOT NULL,
	severity         TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS score_contributions (
	counterparty_id TEXT NOT NULL REFERENCES counterparties(id) ON DELETE CASCADE,
	source          TEXT NOT NULL,
	alert_type      TEXT NOT NULL,
	points          INTEGER NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	is_read          BOOLEAN NOT NULL DEFAULT false,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	resolved_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(counterparty_id, source, type)
	WHERE NOT is_read AND resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_alerts_tenant_created ON alerts(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS check_passes (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	due         INTEGER NOT NULL DEFAULT 0,
	accepted    INTEGER NOT NULL DEFAULT 0,
	deferred    INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_check_passes_started ON check_passes(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Counterparties ---

func (s *PostgresStore) UpsertCounterparty(ctx context.Context, cp *model.Counterparty) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert counterparty")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO counterparties (id, tenant_id, name, country, vat_number, lei, address, monitoring_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, country = EXCLUDED.country,
			vat_number = EXCLUDED.vat_number, lei = EXCLUDED.lei, address = EXCLUDED.address,
			monitoring_enabled = EXCLUDED.monitoring_enabled, updated_at = EXCLUDED.updated_at`,
		cp.ID, cp.TenantID, cp.Name, cp.Country, nullable(cp.VATNumber), nullable(cp.LEI), nullable(cp.Address),
		cp.MonitoringEnabled, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert counterparty %s", cp.ID)
	}

	sources := make([]string, 0, len(cp.Sources))
	for _, id := range cp.SourceIDs() {
		sources = append(sources, string(id))
		_, err := tx.Exec(ctx,
			`INSERT INTO counterparty_sources (counterparty_id, source, frequency_seconds, health)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (counterparty_id, source) DO UPDATE SET frequency_seconds = EXCLUDED.frequency_seconds`,
			cp.ID, string(id), seconds(cp.Sources[id].Frequency), string(model.HealthUnknown),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert source %s for %s", id, cp.ID)
		}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM counterparty_sources WHERE counterparty_id = $1 AND NOT (source = ANY($2))`,
		cp.ID, sources,
	); err != nil {
		return eris.Wrapf(err, "postgres: prune sources for %s", cp.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert counterparty")
}

// ImportCounterparties bulk-loads counterparties and their source
// frequencies in one transaction. Existing monitoring state and risk
// scores are kept.
func (s *PostgresStore) ImportCounterparties(ctx context.Context, cps []model.Counterparty) (int64, error) {
	now := time.Now().UTC()
	cpRows := make([][]any, 0, len(cps))
	var srcRows [][]any
	for i := range cps {
		cp := &cps[i]
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cpRows = append(cpRows, []any{
			cp.ID, cp.TenantID, cp.Name, cp.Country, nullable(cp.VATNumber), nullable(cp.LEI), nullable(cp.Address),
			cp.MonitoringEnabled, now, now,
		})
		for _, id := range cp.SourceIDs() {
			srcRows = append(srcRows, []any{cp.ID, string(id), seconds(cp.Sources[id].Frequency), string(model.HealthUnknown)})
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin import")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "counterparties",
		Columns:      []string{"id", "tenant_id", "name", "country", "vat_number", "lei", "address", "monitoring_enabled", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"tenant_id", "name", "country", "vat_number", "lei", "address", "monitoring_enabled", "updated_at"},
	}, cpRows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import counterparties")
	}
	if _, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "counterparty_sources",
		Columns:      []string{"counterparty_id", "source", "frequency_seconds", "health"},
		ConflictKeys: []string{"counterparty_id", "source"},
		UpdateCols:   []string{"frequency_seconds"},
	}, srcRows); err != nil {
		return 0, eris.Wrap(err, "postgres: import counterparty sources")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit import")
	}
	return n, nil
}

func (s *PostgresStore) GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error) {
	cp, err := scanCounterparty(s.pool.QueryRow(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get counterparty %s", id)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM counterparty_sources WHERE counterparty_id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sources for %s", id)
	}
	if err := collectSources(rows, map[string]*model.Counterparty{id: cp}); err != nil {
		return nil, eris.Wrap(err, "postgres: scan source state")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT source, alert_type, points, updated_at FROM score_contributions
		 WHERE counterparty_id = $1 ORDER BY source, alert_type`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get contributions for %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		c := model.Contribution{CounterpartyID: id}
		if err := rows.Scan(&c.Source, &c.AlertType, &c.Points, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contribution")
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		cp.Contributions = append(cp.Contributions, c)
	}
	return cp, eris.Wrap(rows.Err(), "postgres: iterate contributions")
}

type rowsIter interface {
	scannable
	Next() bool
	Err() error
	Close()
}

func collectSources(rows rowsIter, byID map[string]*model.Counterparty) error {
	defer rows.Close()
	for rows.Next() {
		cpID, st, err := scanSourceState(rows)
		if err != nil {
			return err
		}
		if cp, ok := byID[cpID]; ok {
			cp.Sources[st.Source] = st
		}
	}
	return rows.Err()
}

func (s *PostgresStore) ListCounterparties(ctx context.Context, filter CounterpartyFilter) ([]model.Counterparty, error) {
	where := ` WHERE true`
	var args []any
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if filter.MonitoredOnly {
		where += ` AND monitoring_enabled`
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	page := where + fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, `SELECT `+counterpartyColumns+` FROM counterparties`+page, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list counterparties")
	}
	var out []*model.Counterparty
	byID := map[string]*model.Counterparty{}
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan counterparty")
		}
		out = append(out, cp)
		byID[cp.ID] = cp
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list counterparties iterate")
	}
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(out))
	for _, cp := range out {
		ids = append(ids, cp.ID)
	}
	srcRows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM counterparty_sources WHERE counterparty_id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	if err := collectSources(srcRows, byID); err != nil {
		return nil, eris.Wrap(err, "postgres: scan source state")
	}

	result := make([]model.Counterparty, len(out))
	for i, cp := range out {
		result[i] = *cp
	}
	return result, nil
}

func (s *PostgresStore) SetMonitoring(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE counterparties SET monitoring_enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set monitoring %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSourceState(ctx context.Context, counterpartyID string, st model.SourceState) error {
	var status *string
	if st.LastStatus != "" {
		status = nullable(string(st.LastStatus))
	}
	_, err := s.pool.Exec(ctx, sqlUpdateSourceState,
		counterpartyID, string(st.Source), seconds(st.Frequency), st.LastCheckedAt, st.LastAttemptAt,
		status, string(healthOrUnknown(st.Health)), st.ConsecutiveFailures,
	)
	return persistence("update source state", eris.Wrap(err, "postgres: update source state"))
}

func (s *PostgresStore) CountHealth(ctx context.Context) ([]HealthCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cs.source, cs.health, count(*) FROM counterparty_sources cs
		 JOIN counterparties c ON c.id = cs.counterparty_id
		 WHERE c.monitoring_enabled
		 GROUP BY cs.source, cs.health ORDER BY cs.source, cs.health`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count health")
	}
	defer rows.Close()
	var out []HealthCount
	for rows.Next() {
		var h HealthCount
		if err := rows.Scan(&h.Source, &h.Health, &h.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan health count")
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count health iterate")
}

// PurgeCounterparty hard-deletes a counterparty; owned rows cascade.
func (s *PostgresStore) PurgeCounterparty(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM counterparties WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: purge counterparty %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scores ---

// ApplyContributions stores the given contributions (zero points removes
// one) and recomputes the counterparty's clamped aggregate in the same
// transaction. It returns the stored score.
func (s *PostgresStore) ApplyContributions(ctx context.Context, counterpartyID string, contributions []model.Contribution) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "postgres: begin apply contributions"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range contributions {
		if c.Points <= 0 {
			_, err = tx.Exec(ctx,
				`DELETE FROM score_contributions WHERE counterparty_id = $1 AND source = $2 AND alert_type = $3`,
				counterpartyID, string(c.Source), string(c.AlertType))
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO score_contributions (counterparty_id, source, alert_type, points, updated_at)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (counterparty_id, source, alert_type) DO UPDATE SET points = EXCLUDED.points, updated_at = EXCLUDED.updated_at`,
				counterpartyID, string(c.Source), string(c.AlertType), c.Points, c.UpdatedAt.UTC())
		}
		if err != nil {
			return 0, persistence("apply contributions", eris.Wrapf(err, "postgres: write contribution %s/%s", c.Source, c.AlertType))
		}
	}

	var score int
	err = tx.QueryRow(ctx,
		`UPDATE counterparties SET
			risk_score = LEAST(100, GREATEST(0, (SELECT COALESCE(SUM(points), 0) FROM score_contributions WHERE counterparty_id = $1))),
			updated_at = $2
		 WHERE id = $1 RETURNING risk_score`,
		counterpartyID, time.Now().UTC(),
	).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "postgres: update risk score"))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, persistence("apply contributions", eris.Wrap(err, "postgres: commit contributions"))
	}
	return score, nil
}

// --- Snapshots ---

// AcceptSnapshot locks the counterparty row, reads the pair's latest
// snapshot and lets decide choose whether next is stored.
func (s *PostgresStore) AcceptSnapshot(ctx context.Context, next model.Snapshot, decide AcceptFunc) (*Acceptance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: begin accept"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked string
	if err := tx.QueryRow(ctx, sqlLockCounterparty, next.CounterpartyID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: lock counterparty"))
	}

	prev, err := scanSnapshot(tx.QueryRow(ctx, sqlLatestSnapshot, next.CounterpartyID, string(next.Source)))
	if errors.Is(err, pgx.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: read latest snapshot"))
	}

	insert, diff := decide(prev)
	if !insert && prev != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: commit accept"))
		}
		return &Acceptance{Snapshot: *prev}, nil
	}

	prepareAccepted(&next, prev, diff)
	fields, raw, err := marshalFields(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, sqlInsertSnapshot,
		next.ID, next.CounterpartyID, string(next.Source), nullable(next.PrevSnapshotID), next.ContentHash,
		fields, raw, next.CreatedAt,
	); err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: insert snapshot"))
	}

	if diff != nil {
		changes, err := json.Marshal(diff.Changes)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal diff changes")
		}
		if _, err := tx.Exec(ctx, sqlInsertDiff,
			diff.ID, diff.CounterpartyID, string(diff.Source), nullable(diff.PrevSnapshotID), diff.NextSnapshotID,
			changes, string(diff.Severity), diff.CreatedAt,
		); err != nil {
			return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: insert diff"))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence("accept snapshot", eris.Wrap(err, "postgres: commit accept"))
	}
	return &Acceptance{Snapshot: next, Diff: diff, Inserted: true}, nil
}

// prepareAccepted assigns identifiers and links next and diff to prev.
func prepareAccepted(next *model.Snapshot, prev *model.Snapshot, diff *model.Diff) {
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now()
	}
	next.CreatedAt = next.CreatedAt.UTC()
	next.PrevSnapshotID = ""
	if prev != nil {
		next.PrevSnapshotID = prev.ID
	}
	if diff == nil {
		return
	}
	if diff.ID == "" {
		diff.ID = uuid.New().String()
	}
	diff.CounterpartyID = next.CounterpartyID
	diff.Source = next.Source
	diff.PrevSnapshotID = next.PrevSnapshotID
	diff.NextSnapshotID = next.ID
	diff.CreatedAt = next.CreatedAt
}

const snapshotColumns = `id, counterparty_id, source, prev_snapshot_id, content_hash, fields, raw, created_at, processed_at`

func (s *PostgresStore) LatestSnapshot(ctx context.Context, counterpartyID string, source model.SourceID) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, sqlLatestSnapshot, counterpartyID, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, eris.Wrap(err, "postgres: latest snapshot")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, counterpartyID string, limit int) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE counterparty_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		counterpartyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	return collectSnapshots(rows)
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context, counterpartyID string, source model.SourceID) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE counterparty_id = $1 AND source = $2 AND processed_at IS NULL ORDER BY created_at, id`,
		counterpartyID, string(source))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unprocessed snapshots")
	}
	return collectSnapshots(rows)
}

func collectSnapshots(rows rowsIter) ([]model.Snapshot, error) {
	defer rows.Close()
	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan snapshot")
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate snapshots")
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, snapshotID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, sqlMarkProcessed, at.UTC(), snapshotID)
	return persistence("mark processed", eris.Wrap(err, "postgres: mark processed"))
}

func (s *PostgresStore) DiffForSnapshot(ctx context.Context, snapshotID string) (*model.Diff, error) {
	d, err := scanDiff(s.pool.QueryRow(ctx,
		`SELECT id, counterparty_id, source, prev_snapshot_id, next_snapshot_id, changes, severity, created_at
		 FROM diffs WHERE next_snapshot_id = $1`, snapshotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, eris.Wrap(err, "postgres: diff for snapshot")
}

// --- Alerts ---

func (s *PostgresStore) FindOpenAlert(ctx context.Context, counterpartyID string, source model.SourceID, typ model.AlertType) (*model.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, sqlFindOpenAlert, counterpartyID, string(source), string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, eris.Wrap(err, "postgres: find open alert")
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.OccurrenceCount == 0 {
		a.OccurrenceCount = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.TenantID, a.CounterpartyID, string(a.Source), string(a.Type), string(a.Severity), a.Message,
		nullable(a.DiffID), nullable(a.SnapshotID), a.IsRead, a.OccurrenceCount, a.ResolvedAt, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	return persistence("insert alert", eris.Wrap(err, "postgres: insert alert"))
}

// RecordOccurrence increments the occurrence count of an open alert and
// refreshes its severity, message and references from a.
func (s *PostgresStore) RecordOccurrence(ctx context.Context, a *model.Alert) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE alerts SET occurrence_count = occurrence_count + 1, severity = $1, message = $2,
			diff_id = $3, snapshot_id = $4, updated_at = $5
		 WHERE id = $6 AND NOT is_read AND resolved_at IS NULL
		 RETURNING occurrence_count`,
		string(a.Severity), a.Message, nullable(a.DiffID), nullable(a.SnapshotID), a.UpdatedAt.UTC(), a.ID,
	).Scan(&a.OccurrenceCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return persistence("record occurrence", eris.Wrap(err, "postgres: record occurrence"))
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE alerts SET resolved_at = $1, updated_at = $1 WHERE id = $2 AND resolved_at IS NULL`,
		at.UTC(), id)
	return persistence("resolve alert", eris.Wrap(err, "postgres: resolve alert"))
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, eris.Wrapf(err, "postgres: get alert %s", id)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	where, args := alertWhere(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	return collectAlerts(rows)
}

// alertWhere builds the WHERE clause for filter using ph to render the
// n-th placeholder.
func alertWhere(filter model.AlertFilter, ph func(int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+" = "+ph(len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id", filter.TenantID)
	}
	if filter.CounterpartyID != "" {
		add("counterparty_id", filter.CounterpartyID)
	}
	if filter.Severity != "" {
		add("severity", string(filter.Severity))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	if filter.IsRead != nil {
		add("is_read", *filter.IsRead)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collectAlerts(rows rowsIter) ([]model.Alert, error) {
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan alert")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate alerts")
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*model.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET is_read = true, updated_at = $1 WHERE id = $2 RETURNING `+alertColumns,
		at.UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, eris.Wrapf(err, "postgres: acknowledge alert %s", id)
}

// --- Passes ---

func (s *PostgresStore) RecordPass(ctx context.Context, p model.PassSummary) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO check_passes (id, started_at, finished_at, due, accepted, deferred, failed, skipped, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.StartedAt.UTC(), p.FinishedAt.UTC(), p.Due, p.Accepted, p.Deferred, p.Failed, p.Skipped, nullable(p.Error),
	)
	return eris.Wrap(err, "postgres: record pass")
}

func (s *PostgresStore) ListPasses(ctx context.Context, limit int) ([]model.PassSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, finished_at, due, accepted, deferred, failed, skipped, error
		 FROM check_passes ORDER BY started_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list passes")
	}
	return collectPasses(rows)
}

func collectPasses(rows rowsIter) ([]model.PassSummary, error) {
	defer rows.Close()
	var out []model.PassSummary
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan pass")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate passes")
}

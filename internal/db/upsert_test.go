package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "counterparties",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "counterparties",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "counterparties",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_StagesAndMerges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_counterparties" \(LIKE "counterparties" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_counterparties"}, []string{"id", "name", "country"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "counterparties" \("id", "name", "country"\) SELECT "id", "name", "country" FROM "_tmp_upsert_counterparties" ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name", "country" = EXCLUDED."country"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "counterparties",
		Columns:      []string{"id", "name", "country"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", "Acme", "DE"}, {"b", "Beta", "FR"}})

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_ExplicitUpdateCols(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_counterparty_sources"}, []string{"counterparty_id", "source", "frequency_seconds", "health"}).
		WillReturnResult(1)
	mock.ExpectExec(`DO UPDATE SET "frequency_seconds" = EXCLUDED."frequency_seconds"$`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "counterparty_sources",
		Columns:      []string{"counterparty_id", "source", "frequency_seconds", "health"},
		ConflictKeys: []string{"counterparty_id", "source"},
		UpdateCols:   []string{"frequency_seconds"},
	}, [][]any{{"a", "vies", int64(3600), "unknown"}})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertTx_SharesCallerTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_counterparties"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_counterparties"}, []string{"id", "name"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "counterparties"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_counterparty_sources"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_counterparty_sources"}, []string{"counterparty_id", "source", "health"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "counterparty_sources"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	_, err = BulkUpsertTx(ctx, tx, UpsertConfig{
		Table: "counterparties", Columns: []string{"id", "name"}, ConflictKeys: []string{"id"},
	}, [][]any{{"a", "Acme"}})
	require.NoError(t, err)
	_, err = BulkUpsertTx(ctx, tx, UpsertConfig{
		Table: "counterparty_sources", Columns: []string{"counterparty_id", "source", "health"},
		ConflictKeys: []string{"counterparty_id", "source"},
	}, [][]any{{"a", "vies", "unknown"}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"kyb.alerts", `"kyb"."alerts"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, identifier(tt.input).Sanitize())
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}

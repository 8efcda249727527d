package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock, nil)
	s.SetRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	return s, mock
}

// anyArgs matches n bound parameters whose values the test does not pin.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS assets`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, seed, status, started_at, finished_at, config, artifacts, meta FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRawRecords_BulkCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := int64(1)
	now := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_raw_records" \(LIKE "raw_records" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_raw_records"}, rawUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "raw_records" .* ON CONFLICT \("source", "dedupe_hash"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.InsertRawRecords(context.Background(), []model.RawRecord{
		{AssetID: &id, Source: "finnhub", Kind: model.KindNews, Headline: "a", PublishedAt: now, FetchedAt: now, DedupeHash: "d1"},
		{AssetID: &id, Source: "newsapi", Kind: model.KindNews, Headline: "a", PublishedAt: now, FetchedAt: now, DedupeHash: "d1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSample_AtomicShape(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO "assembled_samples" \("asset_id", "as_of_date", "variation_index", .*\) VALUES \(\$1, .*\$10\) ON CONFLICT \("asset_id", "as_of_date", "variation_index"\) DO UPDATE SET .*"run_id" = excluded."run_id" RETURNING "id"`).
		WithArgs(anyArgs(10)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.UpsertSample(context.Background(), sampleFor(1, 0, "run-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSample_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
		WithArgs(anyArgs(10)...).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
		WithArgs(anyArgs(10)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.UpsertSample(context.Background(), sampleFor(1, 0, "run-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLabel_LostInsertRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE "sample_labels" SET .* WHERE "sample_id" = \$6`).
		WithArgs(append(anyArgs(5), int64(9))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO "sample_labels"`).
		WithArgs(append([]any{int64(9)}, anyArgs(5)...)...).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectExec(`UPDATE "sample_labels"`).
		WithArgs(append(anyArgs(5), int64(9))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpsertLabel(context.Background(), model.SampleLabel{SampleID: 9, LabelClass: 3, HorizonSignals: map[int]float64{3: 0.1}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_ForwardOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, finished_at = \$2, artifacts = \$3, meta = \$4\s+WHERE id = \$5 AND status IN \(\$6, \$7\)`).
		WithArgs("success", pgxmock.AnyArg(), `{"assembled_samples":3}`, `{}`, "run-1", "created", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinishRun(context.Background(), "run-1", model.RunStatusSuccess, map[string]int{"assembled_samples": 3}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestPriceWindow_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM price_windows\s+WHERE asset_id = \$1 AND as_of_date <= \$2 AND last_bar_at <= \$3`).
		WithArgs(int64(1), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	w, err := s.LatestPriceWindow(context.Background(), 1, time.Date(2024, 6, 14, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestFundamentals_FiltersOnPublication(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2024, 6, 14, 23, 59, 59, 0, time.UTC)

	mock.ExpectQuery(`FROM fundamentals\s+WHERE asset_id = \$1 AND report_date <= \$2 AND published_at <= \$3`).
		WithArgs(int64(1), pgxmock.AnyArg(), cutoff).
		WillReturnError(pgx.ErrNoRows)

	f, err := s.LatestFundamentals(context.Background(), 1, cutoff)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PruneSamples(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	asOf := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM sample_labels WHERE sample_id IN \(SELECT id FROM assembled_samples WHERE asset_id = \$1 AND as_of_date = \$2 AND variation_index NOT IN \(\$3\)\)`).
		WithArgs(int64(1), pgxmock.AnyArg(), 0).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM assembled_samples WHERE asset_id = \$1 AND as_of_date = \$2 AND variation_index NOT IN \(\$3\)`).
		WithArgs(int64(1), pgxmock.AnyArg(), 0).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	n, err := s.PruneSamples(context.Background(), 1, asOf, []int{0})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

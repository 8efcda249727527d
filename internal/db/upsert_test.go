package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
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

var sampleSpec = Spec{
	Table:     "assembled_samples",
	Columns:   []string{"asset_id", "as_of_date", "variation_index", "prompt_text"},
	Keys:      []string{"asset_id", "as_of_date", "variation_index"},
	Returning: "id",
}

var labelSpec = Spec{
	Table:   "sample_labels",
	Columns: []string{"sample_id", "composite_signal", "label_class"},
	Keys:    []string{"sample_id"},
	Mode:    TwoPhase,
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		spec   Spec
		values []any
		want   string
	}{
		{"no columns", Spec{Table: "t", Keys: []string{"id"}}, nil, "no columns specified"},
		{"no keys", Spec{Table: "t", Columns: []string{"id"}}, []any{1}, "no conflict keys specified"},
		{"arity", sampleSpec, []any{1}, "1 values for 4 columns"},
		{"unknown key", Spec{Table: "t", Columns: []string{"a"}, Keys: []string{"b"}}, []any{1}, "column b not in Columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Upsert(context.Background(), nil, tt.spec, tt.values...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAtomicSQL(t *testing.T) {
	got := atomicSQL(sampleSpec)
	assert.Equal(t,
		`INSERT INTO "assembled_samples" ("asset_id", "as_of_date", "variation_index", "prompt_text") VALUES (?, ?, ?, ?) `+
			`ON CONFLICT ("asset_id", "as_of_date", "variation_index") DO UPDATE SET "prompt_text" = excluded."prompt_text" RETURNING "id"`,
		got)
	assert.Contains(t, Postgres.Rebind(got), "VALUES ($1, $2, $3, $4)")
}

func TestAtomicSQL_AllKeyColumns(t *testing.T) {
	got := atomicSQL(Spec{Table: "duplicate_links", Columns: []string{"a", "b"}, Keys: []string{"a", "b"}})
	assert.Contains(t, got, `DO UPDATE SET "a" = excluded."a"`)
}

func TestUpsert_Atomic_Postgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	asOf := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "assembled_samples"`) + `.*` + regexp.QuoteMeta(`VALUES ($1, $2, $3, $4) ON CONFLICT`) + `.*RETURNING "id"`).
		WithArgs(int64(1), asOf, 0, "prompt").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(77)))

	ex := NewPgxDB(mock, nil)
	id, err := Upsert(context.Background(), ex, sampleSpec, int64(1), Postgres.Date(asOf), 0, "prompt")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_TwoPhase_UpdateHit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "sample_labels" SET "composite_signal" = $1, "label_class" = $2 WHERE "sample_id" = $3`)).
		WithArgs(0.5, 3, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := Upsert(context.Background(), NewPgxDB(mock, nil), labelSpec, int64(9), 0.5, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_TwoPhase_InsertRaceLost(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE "sample_labels"`).
		WithArgs(0.5, 3, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO "sample_labels"`).
		WithArgs(int64(9), 0.5, 3).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectExec(`UPDATE "sample_labels"`).
		WithArgs(0.5, 3, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := Upsert(context.Background(), NewPgxDB(mock, nil), labelSpec, int64(9), 0.5, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_SerializationFailureIsConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
		WithArgs(int64(1), "2024-06-14", 0, "p").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	_, err = Upsert(context.Background(), NewPgxDB(mock, nil), sampleSpec, int64(1), "2024-06-14", 0, "p")
	require.Error(t, err)
	var sc *model.StoreConflictError
	assert.True(t, errors.As(err, &sc))
	assert.True(t, resilience.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetry_RecoversFromDeadlock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
		WithArgs(int64(1), "2024-06-14", 0, "p").
		WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
		WithArgs(int64(1), "2024-06-14", 0, "p").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))

	cfg := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	id, err := UpsertRetry(context.Background(), cfg, NewPgxDB(mock, nil), sampleSpec, int64(1), "2024-06-14", 0, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetry_EscalatesAfterBound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`INSERT INTO "assembled_samples"`).
			WithArgs(int64(1), "2024-06-14", 0, "p").
			WillReturnError(&pgconn.PgError{Code: "40001"})
	}

	cfg := resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	_, err = UpsertRetry(context.Background(), cfg, NewPgxDB(mock, nil), sampleSpec, int64(1), "2024-06-14", 0, "p")
	require.Error(t, err)
	assert.Equal(t, model.KindStoreConflict, model.ErrorKind(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openTestSQLite(t *testing.T) *SQLDB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	d := NewSQLDB(sqlDB)
	t.Cleanup(func() { d.Close() })

	_, err = d.Exec(context.Background(), `
		CREATE TABLE assembled_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL,
			as_of_date TEXT NOT NULL,
			variation_index INTEGER NOT NULL,
			prompt_text TEXT NOT NULL,
			UNIQUE (asset_id, as_of_date, variation_index)
		);
		CREATE TABLE sample_labels (
			sample_id INTEGER PRIMARY KEY,
			composite_signal REAL NOT NULL,
			label_class INTEGER NOT NULL
		);`)
	require.NoError(t, err)
	return d
}

func TestUpsert_SQLite_AtomicIsIdempotent(t *testing.T) {
	d := openTestSQLite(t)
	ctx := context.Background()

	id1, err := Upsert(ctx, d, sampleSpec, int64(1), "2024-06-14", 0, "first")
	require.NoError(t, err)
	id2, err := Upsert(ctx, d, sampleSpec, int64(1), "2024-06-14", 0, "second")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	var count int
	var text string
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*), MAX(prompt_text) FROM assembled_samples`).Scan(&count, &text))
	assert.Equal(t, 1, count)
	assert.Equal(t, "second", text)
}

func TestUpsert_SQLite_TwoPhase(t *testing.T) {
	d := openTestSQLite(t)
	ctx := context.Background()

	n, err := Upsert(ctx, d, labelSpec, int64(3), 0.1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = Upsert(ctx, d, labelSpec, int64(3), 0.9, 5)
	require.NoError(t, err)

	var count, class int
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*), MAX(label_class) FROM sample_labels`).Scan(&count, &class))
	assert.Equal(t, 1, count)
	assert.Equal(t, 5, class)
}

func TestUpsert_SQLite_InTxRollback(t *testing.T) {
	d := openTestSQLite(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.InTx(ctx, func(ex Executor) error {
		if _, err := Upsert(ctx, ex, sampleSpec, int64(1), "2024-06-14", 0, "x"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM assembled_samples`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSQLRow_NoRows(t *testing.T) {
	d := openTestSQLite(t)
	var id int64
	err := d.QueryRow(context.Background(), `SELECT id FROM assembled_samples WHERE id = ?`, 404).Scan(&id)
	assert.ErrorIs(t, err, ErrNoRows)
}

// raceExecutor simulates a concurrent writer inserting between our UPDATE
// and INSERT.
type raceExecutor struct {
	calls []string
}

func (r *raceExecutor) Dialect() Dialect { return SQLite }

func (r *raceExecutor) Exec(_ context.Context, query string, _ ...any) (int64, error) {
	verb := strings.Fields(query)[0]
	r.calls = append(r.calls, verb)
	switch {
	case verb == "INSERT":
		return 0, errors.New("constraint failed: UNIQUE constraint failed: sample_labels.sample_id (2067)")
	case len(r.calls) == 1:
		return 0, nil
	default:
		return 1, nil
	}
}

func (r *raceExecutor) Query(context.Context, string, ...any) (Rows, error) {
	return nil, errors.New("unexpected query")
}

func (r *raceExecutor) QueryRow(context.Context, string, ...any) Row { return nil }

func TestUpsert_TwoPhase_RaceTreatedAsSuccess(t *testing.T) {
	ex := &raceExecutor{}
	n, err := Upsert(context.Background(), ex, labelSpec, int64(1), 0.2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"UPDATE", "INSERT", "UPDATE"}, ex.calls)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: t.id")))
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(pgx.ErrNoRows))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsConflict(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflict(errors.New("other")))
	assert.Nil(t, Classify(nil, "op"))
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "raw_records",
		Columns:      []string{"source", "dedupe_hash"},
		ConflictKeys: []string{"source", "dedupe_hash"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "raw_records",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "raw_records",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_DedupesWithinBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "raw_records",
		Columns:      []string{"source", "dedupe_hash", "headline"},
		ConflictKeys: []string{"source", "dedupe_hash"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_raw_records"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_raw_records"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("source", "dedupe_hash") DO UPDATE SET "headline" = EXCLUDED."headline"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{
		{"finnhub", "h1", "a"},
		{"finnhub", "h1", "a duplicate"},
		{"newsapi", "h1", "b"},
	}
	n, err := BulkUpsert(context.Background(), mock, cfg, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, dedupeRows(Spec{Columns: cfg.Columns, Keys: cfg.ConflictKeys}, rows), 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "raw_records",
		Columns:      []string{"source", "dedupe_hash"},
		ConflictKeys: []string{"source", "dedupe_hash"},
	}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_raw_records"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_raw_records"}, cfg.Columns).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"fmp", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for raw_records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"charlie.assets", `"charlie"."assets"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing, for
// either driver.
var ErrNoRows = errors.New("db: no rows")

// Rows iterates a result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...any) error
}

// Executor runs statements written with '?' placeholders. Implementations
// rebind to their driver's placeholder style.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Dialect() Dialect
}

// DB is an Executor that can also open transactions.
type DB interface {
	Executor
	// InTx runs fn inside one transaction. fn must use only the Executor it
	// is given. The transaction commits when fn returns nil.
	InTx(ctx context.Context, fn func(ex Executor) error) error
	Close() error
}

// pgxQuerier is satisfied by both Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxExecutor struct {
	q pgxQuerier
}

func (e pgxExecutor) Dialect() Dialect { return Postgres }

func (e pgxExecutor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := e.q.Exec(ctx, Postgres.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (e pgxExecutor) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := e.q.Query(ctx, Postgres.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e pgxExecutor) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgxRow{e.q.QueryRow(ctx, Postgres.Rebind(query), args...)}
}

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// PgxDB adapts a Pool to DB.
type PgxDB struct {
	pgxExecutor
	pool    Pool
	closeFn func()
}

// NewPgxDB wraps pool. closeFn may be nil.
func NewPgxDB(pool Pool, closeFn func()) *PgxDB {
	return &PgxDB{pgxExecutor: pgxExecutor{q: pool}, pool: pool, closeFn: closeFn}
}

// Pool returns the underlying pool for COPY based bulk paths.
func (d *PgxDB) Pool() Pool { return d.pool }

// InTx implements DB.
func (d *PgxDB) InTx(ctx context.Context, fn func(ex Executor) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgxExecutor{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// Close implements DB.
func (d *PgxDB) Close() error {
	if d.closeFn != nil {
		d.closeFn()
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlExecutor struct {
	q sqlQuerier
}

func (e sqlExecutor) Dialect() Dialect { return SQLite }

func (e sqlExecutor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.q.ExecContext(ctx, SQLite.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e sqlExecutor) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := e.q.QueryContext(ctx, SQLite.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (e sqlExecutor) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{e.q.QueryRowContext(ctx, SQLite.Rebind(query), args...)}
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// SQLDB adapts a database/sql handle to DB.
type SQLDB struct {
	sqlExecutor
	db *sql.DB
}

// NewSQLDB wraps an open *sql.DB.
func NewSQLDB(db *sql.DB) *SQLDB {
	return &SQLDB{sqlExecutor: sqlExecutor{q: db}, db: db}
}

// InTx implements DB.
func (d *SQLDB) InTx(ctx context.Context, fn func(ex Executor) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlExecutor{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// Close implements DB.
func (d *SQLDB) Close() error {
	return d.db.Close()
}

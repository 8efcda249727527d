package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/db"
	"github.com/sells-group/charlie-tr1/internal/model"
)

// PostgresStore implements Store using pgxpool. Raw ingest goes through the
// COPY based bulk upsert; everything else is shared with SQLite.
type PostgresStore struct {
	*SQLStore
	pool db.Pool
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		SQLStore: newSQLStore(db.NewPgxDB(pool, closeFn), "postgres", postgresMigration),
		pool:     pool,
	}
}

var rawUpsert = db.UpsertConfig{
	Table: "raw_records",
	Columns: []string{"asset_id", "source", "kind", "headline", "body", "url",
		"published_at", "fetched_at", "payload", "content_hash", "dedupe_hash"},
	ConflictKeys: []string{"source", "dedupe_hash"},
	UpdateCols:   []string{},
}

// InsertRawRecords bulk loads raws through a temp table. Existing
// (source, dedupe_hash) rows are left untouched.
func (s *PostgresStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		vals, err := rawValues(db.Postgres, r)
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
	}
	n, err := db.BulkUpsert(ctx, s.pool, rawUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert raw records")
	}
	return int(n), nil
}

// Package db provides the dialect-neutral executor, the idempotent upsert
// engine and PostgreSQL bulk helpers used by the store.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/resilience"
)

// Mode selects how Upsert converges on an existing row.
type Mode int

const (
	// Atomic uses INSERT ... ON CONFLICT (keys) DO UPDATE. It needs a unique
	// constraint on Keys.
	Atomic Mode = iota
	// TwoPhase updates by natural key, inserts when nothing matched, and
	// re-applies the update when the insert loses a race. It must run on an
	// autocommit executor: a failed insert aborts an enclosing Postgres tx.
	TwoPhase
)

// Spec describes one entity kind for Upsert.
type Spec struct {
	Table      string
	Columns    []string // all columns written, in value order
	Keys       []string // natural key columns, a subset of Columns
	UpdateCols []string // columns refreshed on conflict; nil = all non-key columns
	Returning  string   // optional column to return, e.g. "id"
	Mode       Mode
}

func (s Spec) updateCols() []string {
	if s.UpdateCols != nil {
		return s.UpdateCols
	}
	keys := make(map[string]bool, len(s.Keys))
	for _, k := range s.Keys {
		keys[k] = true
	}
	var out []string
	for _, c := range s.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

func (s Spec) indexOf(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

func (s Spec) validate(values []any) error {
	if len(s.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(s.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	if len(values) != len(s.Columns) {
		return eris.Errorf("db: upsert %s: %d values for %d columns", s.Table, len(values), len(s.Columns))
	}
	for _, c := range append(append([]string{}, s.Keys...), s.updateCols()...) {
		if s.indexOf(c) < 0 {
			return eris.Errorf("db: upsert %s: column %s not in Columns", s.Table, c)
		}
	}
	return nil
}

// Upsert writes one row idempotently and returns the Returning column when
// set, otherwise the number of rows affected.
func Upsert(ctx context.Context, ex Executor, spec Spec, values ...any) (int64, error) {
	if err := spec.validate(values); err != nil {
		return 0, err
	}
	op := "db: upsert " + spec.Table
	if spec.Mode == TwoPhase {
		return upsertTwoPhase(ctx, ex, spec, values, op)
	}

	query := atomicSQL(spec)
	if spec.Returning != "" {
		var id int64
		if err := ex.QueryRow(ctx, query, values...).Scan(&id); err != nil {
			return 0, Classify(err, op)
		}
		return id, nil
	}
	n, err := ex.Exec(ctx, query, values...)
	return n, Classify(err, op)
}

// UpsertRetry is Upsert with bounded retries of StoreConflictError.
func UpsertRetry(ctx context.Context, cfg resilience.RetryConfig, ex Executor, spec Spec, values ...any) (int64, error) {
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("db", "upsert_"+spec.Table)
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (int64, error) {
		return Upsert(ctx, ex, spec, values...)
	})
}

func atomicSQL(spec Spec) string {
	update := spec.updateCols()
	if len(update) == 0 {
		// Keep RETURNING populated on conflict.
		update = spec.Keys[:1]
	}
	var set []string
	for _, c := range update {
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(spec.Table),
		quoteAndJoin(spec.Columns),
		placeholders(len(spec.Columns)),
		quoteAndJoin(spec.Keys),
		strings.Join(set, ", "),
	)
	if spec.Returning != "" {
		query += " RETURNING " + pgx.Identifier{spec.Returning}.Sanitize()
	}
	return query
}

func upsertTwoPhase(ctx context.Context, ex Executor, spec Spec, values []any, op string) (int64, error) {
	update := spec.updateCols()
	var set, where []string
	var updateArgs, keyArgs []any
	for _, c := range update {
		set = append(set, pgx.Identifier{c}.Sanitize()+" = ?")
		updateArgs = append(updateArgs, values[spec.indexOf(c)])
	}
	for _, k := range spec.Keys {
		where = append(where, pgx.Identifier{k}.Sanitize()+" = ?")
		keyArgs = append(keyArgs, values[spec.indexOf(k)])
	}
	whereSQL := strings.Join(where, " AND ")

	var updateSQL string
	if len(set) > 0 {
		updateSQL = fmt.Sprintf("UPDATE %s SET %s WHERE %s", sanitizeTable(spec.Table), strings.Join(set, ", "), whereSQL)
	} else {
		updateSQL = fmt.Sprintf("SELECT 1 FROM %s WHERE %s", sanitizeTable(spec.Table), whereSQL)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sanitizeTable(spec.Table), quoteAndJoin(spec.Columns), placeholders(len(spec.Columns)))

	applyUpdate := func() (int64, error) {
		if len(set) == 0 {
			var one int
			err := ex.QueryRow(ctx, updateSQL, keyArgs...).Scan(&one)
			if err == ErrNoRows {
				return 0, nil
			}
			return int64(one), err
		}
		return ex.Exec(ctx, updateSQL, append(append([]any{}, updateArgs...), keyArgs...)...)
	}

	n, err := applyUpdate()
	if err != nil {
		return 0, Classify(err, op+": update")
	}
	if n == 0 {
		n, err = ex.Exec(ctx, insertSQL, values...)
		if err != nil {
			if !IsUniqueViolation(err) {
				return 0, Classify(err, op+": insert")
			}
			// Another writer inserted the same key first.
			if n, err = applyUpdate(); err != nil {
				return 0, Classify(err, op+": update after race")
			}
		}
	}

	if spec.Returning == "" {
		return n, nil
	}
	var id int64
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", pgx.Identifier{spec.Returning}.Sanitize(), sanitizeTable(spec.Table), whereSQL)
	if err := ex.QueryRow(ctx, q, keyArgs...).Scan(&id); err != nil {
		return 0, Classify(err, op+": select key")
	}
	return id, nil
}

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
// 1. Drops rows repeating a conflict key within the batch (first wins)
// 2. Creates a temp table with the same columns
// 3. COPY rows into the temp table
// 4. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
// The temp table is dropped on commit.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	spec := Spec{Table: cfg.Table, Columns: cfg.Columns, Keys: cfg.ConflictKeys, UpdateCols: cfg.UpdateCols}
	updateCols := spec.updateCols()
	rows = dedupeRows(spec, rows)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	var setClauses []string
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	action := "DO NOTHING"
	if len(setClauses) > 0 {
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	)

	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, Classify(err, "db: upsert: INSERT ON CONFLICT for "+cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, Classify(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

func dedupeRows(spec Spec, rows [][]any) [][]any {
	idx := make([]int, len(spec.Keys))
	for i, k := range spec.Keys {
		idx[i] = spec.indexOf(k)
	}
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			if j >= 0 && j < len(r) {
				parts[i] = fmt.Sprint(r[j])
			}
		}
		key := strings.Join(parts, "\x1f")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sanitizeTable handles schema-qualified table names like "charlie.assets".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

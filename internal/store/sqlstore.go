package store

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/db"
	"github.com/sells-group/charlie-tr1/internal/hasher"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/resilience"
)

// Entity registrations for the upsert engine.
var (
	assetSpec = db.Spec{
		Table:      "assets",
		Columns:    []string{"ticker", "name", "sector", "aliases", "metadata"},
		Keys:       []string{"ticker"},
		UpdateCols: []string{"name", "sector", "aliases", "metadata"},
		Returning:  "id",
	}
	priceBarSpec = db.Spec{
		Table:   "price_bars",
		Columns: []string{"asset_id", "bar_date", "open", "high", "low", "close", "volume"},
		Keys:    []string{"asset_id", "bar_date"},
	}
	macroSpec = db.Spec{
		Table:   "macro_events",
		Columns: []string{"source", "name", "country", "event_at", "actual", "forecast", "previous"},
		Keys:    []string{"source", "name", "country", "event_at"},
	}
	normalizedSpec = db.Spec{
		Table: "normalized_records",
		Columns: []string{"asset_id", "as_of_date", "source", "published_at", "bucket", "is_relevant",
			"relevance_reason", "token_count", "content_hash", "headline", "snippet", "url",
			"canonical_key", "duplicate_keys"},
		Keys:      []string{"asset_id", "as_of_date", "content_hash"},
		Returning: "id",
	}
	duplicateSpec = db.Spec{
		Table:   "duplicate_links",
		Columns: []string{"asset_id", "as_of_date", "raw_key", "content_hash", "canonical_key", "source"},
		Keys:    []string{"asset_id", "as_of_date", "raw_key"},
	}
	auditSpec = db.Spec{
		Table:   "audit_events",
		Columns: []string{"event_key", "kind", "reason", "source", "raw_key", "asset_id", "as_of_date"},
		Keys:    []string{"event_key"},
	}
	fundamentalsSpec = db.Spec{
		Table:   "fundamentals",
		Columns: []string{"asset_id", "source", "report_date", "period_type", "currency", "metrics", "published_at"},
		Keys:    []string{"asset_id", "report_date", "period_type", "source"},
	}
	optionSpec = db.Spec{
		Table: "option_contracts",
		Columns: []string{"asset_id", "as_of_date", "expiration", "option_type", "strike",
			"open_interest", "implied_vol", "underlying_price"},
		Keys: []string{"asset_id", "as_of_date", "expiration", "option_type", "strike"},
	}
	windowSpec = db.Spec{
		Table:     "price_windows",
		Columns:   []string{"asset_id", "as_of_date", "bars", "technicals", "last_bar_at", "bars_used"},
		Keys:      []string{"asset_id", "as_of_date"},
		Returning: "id",
	}
	sampleSpec = db.Spec{
		Table: "assembled_samples",
		Columns: []string{"asset_id", "as_of_date", "variation_index", "as_of_cutoff", "sub_seed",
			"prompt_text", "prompt_tokens", "checksum", "sources_meta", "run_id"},
		Keys:      []string{"asset_id", "as_of_date", "variation_index"},
		Returning: "id",
	}
	// Labels are registered without a conflict target and go through the
	// two-phase path.
	labelSpec = db.Spec{
		Table:   "sample_labels",
		Columns: []string{"sample_id", "composite_signal", "horizon_signals", "label_class", "quantile", "run_id"},
		Keys:    []string{"sample_id"},
		Mode:    db.TwoPhase,
	}
	failureSpec = db.Spec{
		Table:   "unit_failures",
		Columns: []string{"run_id", "ticker", "as_of_date", "error_kind", "message"},
		Keys:    []string{"run_id", "ticker", "as_of_date"},
	}
)

const (
	rawColumns        = `id, asset_id, source, kind, headline, body, url, published_at, fetched_at, payload, content_hash, dedupe_hash`
	normalizedColumns = `id, asset_id, as_of_date, source, published_at, bucket, is_relevant, relevance_reason, token_count, content_hash, headline, snippet, url, canonical_key, duplicate_keys`
	sampleColumns     = `s.id, s.asset_id, a.ticker, s.as_of_date, s.variation_index, s.as_of_cutoff, s.sub_seed, s.prompt_text, s.prompt_tokens, s.checksum, s.sources_meta, s.run_id`
	runColumns        = `id, name, seed, status, started_at, finished_at, config, artifacts, meta`
)

// SQLStore implements Store on any db.DB. The dialect wrappers embed it.
type SQLStore struct {
	db     db.DB
	name   string
	schema string
	retry  resilience.RetryConfig
}

func newSQLStore(d db.DB, name, schema string) *SQLStore {
	return &SQLStore{db: d, name: name, schema: schema, retry: resilience.DefaultRetryConfig()}
}

// SetRetry overrides the bounded retry policy for store conflicts.
func (s *SQLStore) SetRetry(cfg resilience.RetryConfig) {
	s.retry = cfg
}

// DB exposes the executor, mainly for tests and ad hoc reads.
func (s *SQLStore) DB() db.DB { return s.db }

// Ping checks that the database answers a trivial query.
func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return eris.Wrapf(err, "%s: ping", s.name)
	}
	return nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, s.schema)
	return eris.Wrap(err, s.name+": migrate")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) upsert(ctx context.Context, spec db.Spec, values ...any) (int64, error) {
	return db.UpsertRetry(ctx, s.retry, s.db, spec, values...)
}

// inTx retries the whole transaction on store conflicts.
func (s *SQLStore) inTx(ctx context.Context, op string, fn func(ex db.Executor) error) error {
	cfg := s.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("store", op)
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return s.db.InTx(ctx, fn)
	})
}

// Assets

func (s *SQLStore) UpsertAsset(ctx context.Context, a model.Asset) (int64, error) {
	ticker := strings.ToUpper(strings.TrimSpace(a.Ticker))
	if ticker == "" {
		return 0, eris.New(s.name + ": upsert asset: empty ticker")
	}
	aliases, err := db.JSON(nonNil(a.Aliases))
	if err != nil {
		return 0, err
	}
	meta, err := db.JSON(nonNilMap(a.Metadata))
	if err != nil {
		return 0, err
	}
	id, err := s.upsert(ctx, assetSpec, ticker, a.Name, a.Sector, aliases, meta)
	return id, eris.Wrapf(err, "%s: upsert asset %s", s.name, ticker)
}

func (s *SQLStore) GetAssetByTicker(ctx context.Context, ticker string) (*model.Asset, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, ticker, name, sector, aliases, metadata FROM assets WHERE ticker = ?`,
		strings.ToUpper(ticker),
	)
	a, err := scanAsset(row)
	if err == db.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "%s: asset %s", s.name, ticker)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get asset %s", s.name, ticker)
	}
	return a, nil
}

func (s *SQLStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.db.Query(ctx, `SELECT id, ticker, name, sector, aliases, metadata FROM assets ORDER BY ticker`)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": list assets")
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, s.name+": scan asset")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), s.name+": list assets iterate")
}

func scanAsset(row scannable) (*model.Asset, error) {
	var a model.Asset
	var aliases, meta string
	if err := row.Scan(&a.ID, &a.Ticker, &a.Name, &a.Sector, &aliases, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aliases), &a.Aliases); err != nil {
		return nil, eris.Wrap(err, "unmarshal aliases")
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal asset metadata")
	}
	return &a, nil
}

// Ingest

// InsertRawRecords stores raws idempotently on (source, dedupe_hash) and
// returns how many were new.
func (s *SQLStore) InsertRawRecords(ctx context.Context, recs []model.RawRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	query := `INSERT INTO raw_records (asset_id, source, kind, headline, body, url, published_at, fetched_at, payload, content_hash, dedupe_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (source, dedupe_hash) DO NOTHING`

	var inserted int64
	err := s.inTx(ctx, "insert_raw_records", func(ex db.Executor) error {
		inserted = 0
		for _, r := range recs {
			vals, err := rawValues(ex.Dialect(), r)
			if err != nil {
				return err
			}
			n, err := ex.Exec(ctx, query, vals...)
			if err != nil {
				return db.Classify(err, s.name+": insert raw record "+r.Key())
			}
			inserted += n
		}
		return nil
	})
	return int(inserted), err
}

func rawValues(d db.Dialect, r model.RawRecord) ([]any, error) {
	payload, err := db.JSON(nonNilMap(r.Payload))
	if err != nil {
		return nil, err
	}
	var assetID any
	if r.AssetID != nil {
		assetID = *r.AssetID
	}
	return []any{
		assetID, r.Source, string(r.Kind), r.Headline, r.Body, r.URL,
		d.Time(r.PublishedAt), d.Time(r.FetchedAt), payload, r.ContentHash, r.DedupeHash,
	}, nil
}

func (s *SQLStore) ListRawRecords(ctx context.Context, f RawFilter) ([]model.RawRecord, error) {
	d := s.db.Dialect()
	query := `SELECT ` + rawColumns + ` FROM raw_records WHERE 1=1`
	var args []any
	if f.AssetID != nil {
		query += ` AND asset_id = ?`
		args = append(args, *f.AssetID)
	}
	if len(f.Kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(f.Kinds)) + `)`
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if !f.PublishedFrom.IsZero() {
		query += ` AND published_at >= ?`
		args = append(args, d.Time(f.PublishedFrom))
	}
	if !f.PublishedTo.IsZero() {
		query += ` AND published_at <= ?`
		args = append(args, d.Time(f.PublishedTo))
	}
	query += ` ORDER BY published_at, source, dedupe_hash`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": list raw records")
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		var assetID *int64
		var kind, payload string
		var published, fetched db.Time
		if err := rows.Scan(&r.ID, &assetID, &r.Source, &kind, &r.Headline, &r.Body, &r.URL,
			&published, &fetched, &payload, &r.ContentHash, &r.DedupeHash); err != nil {
			return nil, eris.Wrap(err, s.name+": scan raw record")
		}
		r.AssetID = assetID
		r.Kind = model.RecordKind(kind)
		r.PublishedAt, r.FetchedAt = published.T, fetched.T
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, eris.Wrapf(err, "%s: unmarshal payload %s", s.name, r.Key())
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), s.name+": list raw records iterate")
}

func (s *SQLStore) UpsertPriceBars(ctx context.Context, assetID int64, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, "upsert_price_bars", func(ex db.Executor) error {
		d := ex.Dialect()
		for _, b := range bars {
			if _, err := db.Upsert(ctx, ex, priceBarSpec,
				assetID, d.Date(b.Date), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "%s: upsert price bars", s.name)
	}
	return len(bars), nil
}

func (s *SQLStore) ListPriceBars(ctx context.Context, assetID int64) ([]model.Bar, error) {
	return s.queryBars(ctx,
		`SELECT bar_date, open, high, low, close, volume FROM price_bars WHERE asset_id = ? ORDER BY bar_date`,
		assetID)
}

// PriceHistory returns up to limit bars dated on or before through, oldest
// first. A non-positive limit returns all of them.
func (s *SQLStore) PriceHistory(ctx context.Context, assetID int64, through time.Time, limit int) ([]model.Bar, error) {
	query := `SELECT bar_date, open, high, low, close, volume FROM price_bars
		WHERE asset_id = ? AND bar_date <= ? ORDER BY bar_date DESC`
	args := []any{assetID, s.db.Dialect().Date(through)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	bars, err := s.queryBars(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(bars)
	return bars, nil
}

func (s *SQLStore) queryBars(ctx context.Context, query string, args ...any) ([]model.Bar, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": query price bars")
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		var b model.Bar
		var date db.Time
		if err := rows.Scan(&date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, eris.Wrap(err, s.name+": scan price bar")
		}
		b.Date = date.T
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), s.name+": price bars iterate")
}

func (s *SQLStore) UpsertMacroEvents(ctx context.Context, events []model.MacroEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, "upsert_macro_events", func(ex db.Executor) error {
		d := ex.Dialect()
		for _, e := range events {
			if _, err := db.Upsert(ctx, ex, macroSpec,
				e.Source, e.Name, e.Country, d.Time(e.EventAt), e.Actual, e.Forecast, e.Previous); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "%s: upsert macro events", s.name)
	}
	return len(events), nil
}

// Derived records

// SaveNormalized writes one normalizer batch in a single transaction.
func (s *SQLStore) SaveNormalized(ctx context.Context, b NormalizedBatch) error {
	err := s.inTx(ctx, "save_normalized", func(ex db.Executor) error {
		d := ex.Dialect()
		asOf := d.Date(b.AsOfDate)
		for _, r := range b.Records {
			dups, err := db.JSON(nonNil(r.DuplicateKeys))
			if err != nil {
				return err
			}
			if _, err := db.Upsert(ctx, ex, normalizedSpec,
				b.AssetID, asOf, r.Source, d.Time(r.PublishedAt), string(r.Bucket), r.IsRelevant,
				r.RelevanceReason, r.TokenCount, r.ContentHash, r.Headline, r.Snippet, r.URL,
				r.CanonicalKey, dups); err != nil {
				return err
			}
		}
		for _, l := range b.Duplicates {
			if _, err := db.Upsert(ctx, ex, duplicateSpec,
				b.AssetID, asOf, l.RawKey, l.ContentHash, l.CanonicalKey, l.Source); err != nil {
				return err
			}
		}
		for _, e := range b.Events {
			if _, err := db.Upsert(ctx, ex, auditSpec,
				auditKey(e), string(e.Kind), e.Reason, e.Source, e.RawKey, b.AssetID, asOf); err != nil {
				return err
			}
		}
		for _, f := range b.Fundamentals {
			metrics, err := db.JSON(f.Metrics)
			if err != nil {
				return err
			}
			if _, err := db.Upsert(ctx, ex, fundamentalsSpec,
				f.AssetID, f.Source, d.Date(f.ReportDate), f.PeriodType, f.Currency, metrics, d.Time(f.PublishedAt)); err != nil {
				return err
			}
		}
		for _, o := range b.Options {
			if _, err := db.Upsert(ctx, ex, optionSpec,
				o.AssetID, d.Date(o.AsOfDate), d.Date(o.Expiration), o.OptionType, o.Strike,
				o.OpenInterest, o.ImpliedVol, o.UnderlyingPrice); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "%s: save normalized %d %s", s.name, b.AssetID, b.AsOfDate.Format(model.DateLayout))
}

func auditKey(e model.AuditEvent) string {
	return hasher.Sum(string(e.Kind), e.Reason, e.RawKey,
		strconv.FormatInt(e.AssetID, 10), e.AsOfDate.Format(model.DateLayout))
}

func (s *SQLStore) UpsertPriceWindow(ctx context.Context, w model.PriceWindow) (int64, error) {
	bars, err := db.JSON(w.Bars)
	if err != nil {
		return 0, err
	}
	tech, err := db.JSON(w.Technicals)
	if err != nil {
		return 0, err
	}
	d := s.db.Dialect()
	id, err := s.upsert(ctx, windowSpec,
		w.AssetID, d.Date(w.AsOfDate), bars, tech, d.Time(w.LastBarAt), w.BarsUsed)
	return id, eris.Wrapf(err, "%s: upsert price window", s.name)
}

// Querier

func (s *SQLStore) LatestPriceWindow(ctx context.Context, assetID int64, cutoff time.Time) (*model.PriceWindow, error) {
	d := s.db.Dialect()
	row := s.db.QueryRow(ctx,
		`SELECT id, asset_id, as_of_date, bars, technicals, last_bar_at, bars_used FROM price_windows
		 WHERE asset_id = ? AND as_of_date <= ? AND last_bar_at <= ?
		 ORDER BY as_of_date DESC LIMIT 1`,
		assetID, d.Date(cutoff), d.Time(cutoff),
	)
	var w model.PriceWindow
	var asOf, lastBar db.Time
	var bars, tech string
	err := row.Scan(&w.ID, &w.AssetID, &asOf, &bars, &tech, &lastBar, &w.BarsUsed)
	if err == db.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, s.name+": latest price window")
	}
	w.AsOfDate, w.LastBarAt = asOf.T, lastBar.T
	if err := json.Unmarshal([]byte(bars), &w.Bars); err != nil {
		return nil, eris.Wrap(err, s.name+": unmarshal window bars")
	}
	if err := json.Unmarshal([]byte(tech), &w.Technicals); err != nil {
		return nil, eris.Wrap(err, s.name+": unmarshal technicals")
	}
	return &w, nil
}

// NewsForDate returns the relevant normalized records of one as-of view,
// ordered by bucket, timestamp and content hash.
func (s *SQLStore) NewsForDate(ctx context.Context, assetID int64, asOfDate, cutoff time.Time) ([]model.NormalizedRecord, error) {
	d := s.db.Dialect()
	rows, err := s.db.Query(ctx,
		`SELECT `+normalizedColumns+` FROM normalized_records
		 WHERE asset_id = ? AND as_of_date = ? AND is_relevant = ? AND published_at <= ?
		 ORDER BY bucket, published_at, content_hash`,
		assetID, d.Date(asOfDate), true, d.Time(cutoff),
	)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": news for date")
	}
	defer rows.Close()

	var out []model.NormalizedRecord
	for rows.Next() {
		var r model.NormalizedRecord
		var asOf, published db.Time
		var bucket, dups string
		if err := rows.Scan(&r.ID, &r.AssetID, &asOf, &r.Source, &published, &bucket, &r.IsRelevant,
			&r.RelevanceReason, &r.TokenCount, &r.ContentHash, &r.Headline, &r.Snippet, &r.URL,
			&r.CanonicalKey, &dups); err != nil {
			return nil, eris.Wrap(err, s.name+": scan normalized record")
		}
		r.AsOfDate, r.PublishedAt, r.Bucket = asOf.T, published.T, model.Bucket(bucket)
		if err := json.Unmarshal([]byte(dups), &r.DuplicateKeys); err != nil {
			return nil, eris.Wrap(err, s.name+": unmarshal duplicate keys")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), s.name+": news for date iterate")
}

// LatestFundamentals returns the newest report dated on or before cutoff that
// was also published by then. The table is shared by every as-of view, so
// the publication filter is what keeps later runs from leaking into earlier
// dates.
func (s *SQLStore) LatestFundamentals(ctx context.Context, assetID int64, cutoff time.Time) (*model.FundamentalsReport, error) {
	d := s.db.Dialect()
	row := s.db.QueryRow(ctx,
		`SELECT asset_id, source, report_date, period_type, currency, metrics, published_at FROM fundamentals
		 WHERE asset_id = ? AND report_date <= ? AND published_at <= ?
		 ORDER BY report_date DESC, period_type, source LIMIT 1`,
		assetID, d.Date(cutoff), d.Time(cutoff),
	)
	var f model.FundamentalsReport
	var date, published db.Time
	var metrics string
	err := row.Scan(&f.AssetID, &f.Source, &date, &f.PeriodType, &f.Currency, &metrics, &published)
	if err == db.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, s.name+": latest fundamentals")
	}
	f.ReportDate, f.PublishedAt = date.T, published.T
	if err := json.Unmarshal([]byte(metrics), &f.Metrics); err != nil {
		return nil, eris.Wrap(err, s.name+": unmarshal metrics")
	}
	return &f, nil
}

// MacroEvents returns up to limit events in [from, cutoff], newest first.
func (s *SQLStore) MacroEvents(ctx context.Context, from, cutoff time.Time, limit int) ([]model.MacroEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	d := s.db.Dialect()
	rows, err := s.db.Query(ctx,
		`SELECT source, name, country, event_at, actual, forecast, previous FROM macro_events
		 WHERE event_at >= ? AND event_at <= ?
		 ORDER BY event_at DESC, source, name, country LIMIT ?`,
		d.Time(from), d.Time(cutoff), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": macro events")
	}
	defer rows.Close()

	var out []model.MacroEvent
	for rows.Next() {
		var e model.MacroEvent
		var at db.Time
		if err := rows.Scan(&e.Source, &e.Name, &e.Country, &at, &e.Actual, &e.Forecast, &e.Previous); err != nil {
			return nil, eris.Wrap(err, s.name+": scan macro event")
		}
		e.EventAt = at.T
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), s.name+": macro events iterate")
}

// OptionsSnapshot returns the chain from the nearest snapshot date on or
// before cutoff and no older than maxAgeDays, by open interest.
func (s *SQLStore) OptionsSnapshot(ctx context.Context, assetID int64, cutoff time.Time, maxAgeDays, limit int) ([]model.OptionContract, error) {
	if limit <= 0 {
		return nil, nil
	}
	d := s.db.Dialect()
	oldest := model.Day(cutoff).AddDate(0, 0, -maxAgeDays)

	var latest db.Time
	err := s.db.QueryRow(ctx,
		`SELECT MAX(as_of_date) FROM option_contracts WHERE asset_id = ? AND as_of_date <= ? AND as_of_date >= ?`,
		assetID, d.Date(cutoff), d.Date(oldest),
	).Scan(&latest)
	if err != nil && err != db.ErrNoRows {
		return nil, eris.Wrap(err, s.name+": options snapshot date")
	}
	if !latest.Valid {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT asset_id, as_of_date, expiration, option_type, strike, open_interest, implied_vol, underlying_price
		 FROM option_contracts WHERE asset_id = ? AND as_of_date = ?
		 ORDER BY open_interest DESC, expiration, option_type, strike LIMIT ?`,
		assetID, d.Date(latest.T), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": options snapshot")
	}
	defer rows.Close()

	var out []model.OptionContract
	for rows.Next() {
		var o model.OptionContract
		var asOf, exp db.Time
		if err := rows.Scan(&o.AssetID, &asOf, &exp, &o.OptionType, &o.Strike,
			&o.OpenInterest, &o.ImpliedVol, &o.UnderlyingPrice); err != nil {
			return nil, eris.Wrap(err, s.name+": scan option contract")
		}
		o.AsOfDate, o.Expiration = asOf.T, exp.T
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), s.name+": options snapshot iterate")
}

// Samples and labels

func (s *SQLStore) UpsertSample(ctx context.Context, smp model.AssembledSample) (int64, error) {
	meta, err := db.JSON(smp.SourcesMeta)
	if err != nil {
		return 0, err
	}
	d := s.db.Dialect()
	id, err := s.upsert(ctx, sampleSpec,
		smp.AssetID, d.Date(smp.AsOfDate), smp.VariationIndex, d.Time(smp.AsOfCutoff), smp.SubSeed,
		smp.PromptText, smp.PromptTokens, smp.Checksum, meta, smp.RunID)
	return id, eris.Wrapf(err, "%s: upsert sample %d", s.name, smp.VariationIndex)
}

func (s *SQLStore) ListSamples(ctx context.Context, f SampleFilter) ([]model.AssembledSample, error) {
	d := s.db.Dialect()
	query := `SELECT ` + sampleColumns + ` FROM assembled_samples s JOIN assets a ON a.id = s.asset_id WHERE 1=1`
	var args []any
	if f.AssetID != 0 {
		query += ` AND s.asset_id = ?`
		args = append(args, f.AssetID)
	}
	if !f.From.IsZero() {
		query += ` AND s.as_of_date >= ?`
		args = append(args, d.Date(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND s.as_of_date <= ?`
		args = append(args, d.Date(f.To))
	}
	if f.RunID != "" {
		query += ` AND s.run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY a.ticker, s.as_of_date, s.variation_index`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": list samples")
	}
	defer rows.Close()

	var out []model.AssembledSample
	for rows.Next() {
		var smp model.AssembledSample
		if err := scanSample(rows, &smp); err != nil {
			return nil, eris.Wrap(err, s.name+": scan sample")
		}
		out = append(out, smp)
	}
	return out, eris.Wrap(rows.Err(), s.name+": list samples iterate")
}

// PruneSamples deletes the samples of one (asset, as-of date) whose variation
// index is not in keep, with their labels, in one transaction. A rerun with
// fewer variations, or one whose variation no longer fits, leaves no stale
// rows behind.
func (s *SQLStore) PruneSamples(ctx context.Context, assetID int64, asOfDate time.Time, keep []int) (int, error) {
	where := `asset_id = ? AND as_of_date = ?`
	args := []any{assetID, s.db.Dialect().Date(asOfDate)}
	if len(keep) > 0 {
		where += ` AND variation_index NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, v := range keep {
			args = append(args, v)
		}
	}
	var removed int64
	err := s.inTx(ctx, "prune_samples", func(ex db.Executor) error {
		if _, err := ex.Exec(ctx,
			`DELETE FROM sample_labels WHERE sample_id IN (SELECT id FROM assembled_samples WHERE `+where+`)`,
			args...); err != nil {
			return err
		}
		n, err := ex.Exec(ctx, `DELETE FROM assembled_samples WHERE `+where, args...)
		removed = n
		return err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "%s: prune samples %d %s", s.name, assetID, asOfDate.Format(model.DateLayout))
	}
	return int(removed), nil
}

// scanSample scans sampleColumns followed by any extra destinations.
func scanSample(row scannable, smp *model.AssembledSample, extra ...any) error {
	var asOf, cutoff db.Time
	var meta string
	dest := append([]any{&smp.ID, &smp.AssetID, &smp.Ticker, &asOf, &smp.VariationIndex, &cutoff,
		&smp.SubSeed, &smp.PromptText, &smp.PromptTokens, &smp.Checksum, &meta, &smp.RunID}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	smp.AsOfDate, smp.AsOfCutoff = asOf.T, cutoff.T
	return eris.Wrap(json.Unmarshal([]byte(meta), &smp.SourcesMeta), "unmarshal sources meta")
}

// UpsertLabel writes the label on the autocommit executor; the two-phase
// path must not run inside a transaction.
func (s *SQLStore) UpsertLabel(ctx context.Context, l model.SampleLabel) error {
	horizons, err := db.JSON(l.HorizonSignals)
	if err != nil {
		return err
	}
	_, err = s.upsert(ctx, labelSpec,
		l.SampleID, l.CompositeSignal, horizons, l.LabelClass, l.Quantile, l.RunID)
	return eris.Wrapf(err, "%s: upsert label %d", s.name, l.SampleID)
}

func (s *SQLStore) GetLabel(ctx context.Context, sampleID int64) (*model.SampleLabel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT sample_id, composite_signal, horizon_signals, label_class, quantile, run_id
		 FROM sample_labels WHERE sample_id = ?`,
		sampleID,
	)
	var l model.SampleLabel
	var horizons string
	err := row.Scan(&l.SampleID, &l.CompositeSignal, &horizons, &l.LabelClass, &l.Quantile, &l.RunID)
	if err == db.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "%s: label %d", s.name, sampleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get label %d", s.name, sampleID)
	}
	if err := json.Unmarshal([]byte(horizons), &l.HorizonSignals); err != nil {
		return nil, eris.Wrap(err, s.name+": unmarshal horizon signals")
	}
	return &l, nil
}

// Runs

// CreateRun inserts a running run. An empty id gets a fresh UUID. A caller
// supplied id makes the call idempotent: when the row already exists it is
// returned unchanged.
func (s *SQLStore) CreateRun(ctx context.Context, id, name string, seed int64, cfg map[string]any) (*model.Run, error) {
	if id == "" {
		id = uuid.New().String()
	}
	cfgJSON, err := db.JSON(nonNilMap(cfg))
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO runs (id, name, seed, status, started_at, config) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, name, seed, string(model.RunStatusRunning), s.db.Dialect().Time(time.Now().UTC()), cfgJSON,
	)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": insert run")
	}
	return s.GetRun(ctx, id)
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == db.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "%s: run %s", s.name, runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get run %s", s.name, runID)
	}
	return r, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, s.name+": scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), s.name+": list runs iterate")
}

// FinishRun moves a non-terminal run to a terminal status. It never moves a
// run backwards.
func (s *SQLStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, artifacts map[string]int, meta map[string]any) error {
	if !status.IsTerminal() {
		return eris.Errorf("%s: finish run %s: %s is not terminal", s.name, runID, status)
	}
	artJSON, err := db.JSON(nonNilCounts(artifacts))
	if err != nil {
		return err
	}
	metaJSON, err := db.JSON(nonNilMap(meta))
	if err != nil {
		return err
	}
	n, err := s.db.Exec(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, artifacts = ?, meta = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), s.db.Dialect().Time(time.Now()), artJSON, metaJSON, runID,
		string(model.RunStatusCreated), string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "%s: finish run %s", s.name, runID)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return eris.Wrapf(ErrRunFinished, "%s: run %s", s.name, runID)
}

func (s *SQLStore) UpsertUnitFailures(ctx context.Context, failures []model.UnitFailure) error {
	if len(failures) == 0 {
		return nil
	}
	err := s.inTx(ctx, "upsert_unit_failures", func(ex db.Executor) error {
		d := ex.Dialect()
		for _, f := range failures {
			if _, err := db.Upsert(ctx, ex, failureSpec,
				f.RunID, f.Ticker, d.Date(f.AsOfDate), f.ErrorKind, f.Message); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "%s: upsert unit failures", s.name)
}

func (s *SQLStore) ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error) {
	rows, err := s.db.Query(ctx,
		`SELECT run_id, ticker, as_of_date, error_kind, message FROM unit_failures
		 WHERE run_id = ? ORDER BY ticker, as_of_date`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": list unit failures")
	}
	defer rows.Close()

	var out []model.UnitFailure
	for rows.Next() {
		var f model.UnitFailure
		var asOf db.Time
		if err := rows.Scan(&f.RunID, &f.Ticker, &asOf, &f.ErrorKind, &f.Message); err != nil {
			return nil, eris.Wrap(err, s.name+": scan unit failure")
		}
		f.AsOfDate = asOf.T
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), s.name+": list unit failures iterate")
}

// Export

// ExportRows joins samples with their labels and any distilled thesis.
func (s *SQLStore) ExportRows(ctx context.Context, f ExportFilter) ([]model.ExportRow, error) {
	d := s.db.Dialect()
	query := `SELECT ` + sampleColumns + `,
		l.sample_id, l.composite_signal, l.horizon_signals, l.label_class, l.quantile, l.run_id,
		t.thesis_text
		FROM assembled_samples s
		JOIN assets a ON a.id = s.asset_id
		LEFT JOIN sample_labels l ON l.sample_id = s.id
		LEFT JOIN distilled_thesis t ON t.sample_id = s.id
		WHERE 1=1`
	var args []any
	if len(f.Tickers) > 0 {
		query += ` AND a.ticker IN (` + placeholders(len(f.Tickers)) + `)`
		for _, t := range f.Tickers {
			args = append(args, strings.ToUpper(t))
		}
	}
	if !f.From.IsZero() {
		query += ` AND s.as_of_date >= ?`
		args = append(args, d.Date(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND s.as_of_date <= ?`
		args = append(args, d.Date(f.To))
	}
	if f.RunID != "" {
		query += ` AND s.run_id = ?`
		args = append(args, f.RunID)
	}
	if f.LabeledOnly {
		query += ` AND l.sample_id IS NOT NULL`
	}
	query += ` ORDER BY a.ticker, s.as_of_date, s.variation_index`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, s.name+": export rows")
	}
	defer rows.Close()

	var out []model.ExportRow
	for rows.Next() {
		var row model.ExportRow
		var lc labelColumns
		var thesis *string
		if err := scanSample(rows, &row.Sample, lc.dest(&thesis)...); err != nil {
			return nil, eris.Wrap(err, s.name+": scan export row")
		}
		label, err := lc.label()
		if err != nil {
			return nil, eris.Wrap(err, s.name+": decode export label")
		}
		row.Label, row.ThesisText = label, thesis
		out = append(out, row)
	}
	return out, eris.Wrap(rows.Err(), s.name+": export rows iterate")
}

// labelColumns holds the nullable side of the sample ⋈ label outer join.
type labelColumns struct {
	sampleID  *int64
	composite *float64
	horizons  *string
	class     *int
	quantile  *float64
	runID     *string
}

func (lc *labelColumns) dest(thesis **string) []any {
	return []any{&lc.sampleID, &lc.composite, &lc.horizons, &lc.class, &lc.quantile, &lc.runID, thesis}
}

func (lc *labelColumns) label() (*model.SampleLabel, error) {
	if lc.sampleID == nil {
		return nil, nil
	}
	l := &model.SampleLabel{SampleID: *lc.sampleID}
	if lc.composite != nil {
		l.CompositeSignal = *lc.composite
	}
	if lc.class != nil {
		l.LabelClass = *lc.class
	}
	if lc.quantile != nil {
		l.Quantile = *lc.quantile
	}
	if lc.runID != nil {
		l.RunID = *lc.runID
	}
	if lc.horizons != nil {
		if err := json.Unmarshal([]byte(*lc.horizons), &l.HorizonSignals); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, cfg, artifacts, meta string
	var started, finished db.Time

	if err := row.Scan(&r.ID, &r.Name, &r.Seed, &status, &started, &finished, &cfg, &artifacts, &meta); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.StartedAt = started.T
	if finished.Valid {
		t := finished.T
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal run config")
	}
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, eris.Wrap(err, "unmarshal run artifacts")
	}
	if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
		return nil, eris.Wrap(err, "unmarshal run meta")
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

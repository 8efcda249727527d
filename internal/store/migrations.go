package store

// Timestamps are stored as fixed-width UTC text on SQLite so range
// predicates compare lexicographically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS assets (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker   TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL DEFAULT '',
	sector   TEXT NOT NULL DEFAULT '',
	aliases  TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS raw_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id     INTEGER REFERENCES assets(id),
	source       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	headline     TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL,
	fetched_at   TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL,
	dedupe_hash  TEXT NOT NULL,
	UNIQUE (source, dedupe_hash)
);

CREATE TABLE IF NOT EXISTS price_bars (
	asset_id INTEGER NOT NULL REFERENCES assets(id),
	bar_date TEXT NOT NULL,
	open     REAL NOT NULL,
	high     REAL NOT NULL,
	low      REAL NOT NULL,
	close    REAL NOT NULL,
	volume   REAL NOT NULL,
	PRIMARY KEY (asset_id, bar_date)
);

CREATE TABLE IF NOT EXISTS normalized_records (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id         INTEGER NOT NULL REFERENCES assets(id),
	as_of_date       TEXT NOT NULL,
	source           TEXT NOT NULL,
	published_at     TEXT NOT NULL,
	bucket           TEXT NOT NULL,
	is_relevant      INTEGER NOT NULL,
	relevance_reason TEXT NOT NULL DEFAULT '',
	token_count      INTEGER NOT NULL,
	content_hash     TEXT NOT NULL,
	headline         TEXT NOT NULL,
	snippet          TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL DEFAULT '',
	canonical_key    TEXT NOT NULL,
	duplicate_keys   TEXT NOT NULL DEFAULT '[]',
	UNIQUE (asset_id, as_of_date, content_hash)
);

CREATE TABLE IF NOT EXISTS duplicate_links (
	asset_id      INTEGER NOT NULL,
	as_of_date    TEXT NOT NULL,
	raw_key       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	source        TEXT NOT NULL,
	UNIQUE (asset_id, as_of_date, raw_key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_key  TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	source     TEXT NOT NULL,
	raw_key    TEXT NOT NULL,
	asset_id   INTEGER NOT NULL,
	as_of_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_windows (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id    INTEGER NOT NULL REFERENCES assets(id),
	as_of_date  TEXT NOT NULL,
	bars        TEXT NOT NULL,
	technicals  TEXT NOT NULL,
	last_bar_at TEXT NOT NULL,
	bars_used   INTEGER NOT NULL,
	UNIQUE (asset_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS fundamentals (
	asset_id     INTEGER NOT NULL REFERENCES assets(id),
	source       TEXT NOT NULL,
	report_date  TEXT NOT NULL,
	period_type  TEXT NOT NULL,
	currency     TEXT NOT NULL DEFAULT '',
	metrics      TEXT NOT NULL,
	published_at TEXT NOT NULL,
	UNIQUE (asset_id, report_date, period_type, source)
);

CREATE TABLE IF NOT EXISTS macro_events (
	source   TEXT NOT NULL,
	name     TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	event_at TEXT NOT NULL,
	actual   REAL,
	forecast REAL,
	previous REAL,
	UNIQUE (source, name, country, event_at)
);

CREATE TABLE IF NOT EXISTS option_contracts (
	asset_id         INTEGER NOT NULL REFERENCES assets(id),
	as_of_date       TEXT NOT NULL,
	expiration       TEXT NOT NULL,
	option_type      TEXT NOT NULL,
	strike           REAL NOT NULL,
	open_interest    INTEGER NOT NULL DEFAULT 0,
	implied_vol      REAL NOT NULL DEFAULT 0,
	underlying_price REAL NOT NULL DEFAULT 0,
	UNIQUE (asset_id, as_of_date, expiration, option_type, strike)
);

CREATE TABLE IF NOT EXISTS assembled_samples (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id        INTEGER NOT NULL REFERENCES assets(id),
	as_of_date      TEXT NOT NULL,
	variation_index INTEGER NOT NULL,
	as_of_cutoff    TEXT NOT NULL,
	sub_seed        TEXT NOT NULL,
	prompt_text     TEXT NOT NULL,
	prompt_tokens   INTEGER NOT NULL,
	checksum        TEXT NOT NULL,
	sources_meta    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	UNIQUE (asset_id, as_of_date, variation_index)
);

CREATE TABLE IF NOT EXISTS sample_labels (
	sample_id        INTEGER PRIMARY KEY REFERENCES assembled_samples(id),
	composite_signal REAL NOT NULL,
	horizon_signals  TEXT NOT NULL,
	label_class      INTEGER NOT NULL,
	quantile         REAL NOT NULL,
	run_id           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	seed        INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	config      TEXT NOT NULL DEFAULT '{}',
	artifacts   TEXT NOT NULL DEFAULT '{}',
	meta        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS unit_failures (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	ticker     TEXT NOT NULL,
	as_of_date TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	message    TEXT NOT NULL,
	UNIQUE (run_id, ticker, as_of_date)
);

CREATE TABLE IF NOT EXISTS distilled_thesis (
	sample_id   INTEGER PRIMARY KEY,
	thesis_text TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_raw_records_asset_kind ON raw_records(asset_id, kind, published_at);
CREATE INDEX IF NOT EXISTS idx_normalized_asset_date ON normalized_records(asset_id, as_of_date);
CREATE INDEX IF NOT EXISTS idx_macro_events_at ON macro_events(event_at);
CREATE INDEX IF NOT EXISTS idx_samples_run ON assembled_samples(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assets (
	id       BIGSERIAL PRIMARY KEY,
	ticker   TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL DEFAULT '',
	sector   TEXT NOT NULL DEFAULT '',
	aliases  JSONB NOT NULL DEFAULT '[]',
	metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS raw_records (
	id           BIGSERIAL PRIMARY KEY,
	asset_id     BIGINT REFERENCES assets(id),
	source       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	headline     TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL,
	dedupe_hash  TEXT NOT NULL,
	UNIQUE (source, dedupe_hash)
);

CREATE TABLE IF NOT EXISTS price_bars (
	asset_id BIGINT NOT NULL REFERENCES assets(id),
	bar_date DATE NOT NULL,
	open     DOUBLE PRECISION NOT NULL,
	high     DOUBLE PRECISION NOT NULL,
	low      DOUBLE PRECISION NOT NULL,
	close    DOUBLE PRECISION NOT NULL,
	volume   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (asset_id, bar_date)
);

CREATE TABLE IF NOT EXISTS normalized_records (
	id               BIGSERIAL PRIMARY KEY,
	asset_id         BIGINT NOT NULL REFERENCES assets(id),
	as_of_date       DATE NOT NULL,
	source           TEXT NOT NULL,
	published_at     TIMESTAMPTZ NOT NULL,
	bucket           TEXT NOT NULL,
	is_relevant      BOOLEAN NOT NULL,
	relevance_reason TEXT NOT NULL DEFAULT '',
	token_count      INTEGER NOT NULL,
	content_hash     TEXT NOT NULL,
	headline         TEXT NOT NULL,
	snippet          TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL DEFAULT '',
	canonical_key    TEXT NOT NULL,
	duplicate_keys   JSONB NOT NULL DEFAULT '[]',
	UNIQUE (asset_id, as_of_date, content_hash)
);

CREATE TABLE IF NOT EXISTS duplicate_links (
	asset_id      BIGINT NOT NULL,
	as_of_date    DATE NOT NULL,
	raw_key       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	source        TEXT NOT NULL,
	UNIQUE (asset_id, as_of_date, raw_key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	event_key  TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	source     TEXT NOT NULL,
	raw_key    TEXT NOT NULL,
	asset_id   BIGINT NOT NULL,
	as_of_date DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS price_windows (
	id          BIGSERIAL PRIMARY KEY,
	asset_id    BIGINT NOT NULL REFERENCES assets(id),
	as_of_date  DATE NOT NULL,
	bars        JSONB NOT NULL,
	technicals  JSONB NOT NULL,
	last_bar_at TIMESTAMPTZ NOT NULL,
	bars_used   INTEGER NOT NULL,
	UNIQUE (asset_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS fundamentals (
	asset_id     BIGINT NOT NULL REFERENCES assets(id),
	source       TEXT NOT NULL,
	report_date  DATE NOT NULL,
	period_type  TEXT NOT NULL,
	currency     TEXT NOT NULL DEFAULT '',
	metrics      JSONB NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	UNIQUE (asset_id, report_date, period_type, source)
);

CREATE TABLE IF NOT EXISTS macro_events (
	source   TEXT NOT NULL,
	name     TEXT NOT NULL,
	country  TEXT NOT NULL DEFAULT '',
	event_at TIMESTAMPTZ NOT NULL,
	actual   DOUBLE PRECISION,
	forecast DOUBLE PRECISION,
	previous DOUBLE PRECISION,
	UNIQUE (source, name, country, event_at)
);

CREATE TABLE IF NOT EXISTS option_contracts (
	asset_id         BIGINT NOT NULL REFERENCES assets(id),
	as_of_date       DATE NOT NULL,
	expiration       DATE NOT NULL,
	option_type      TEXT NOT NULL,
	strike           DOUBLE PRECISION NOT NULL,
	open_interest    BIGINT NOT NULL DEFAULT 0,
	implied_vol      DOUBLE PRECISION NOT NULL DEFAULT 0,
	underlying_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	UNIQUE (asset_id, as_of_date, expiration, option_type, strike)
);

CREATE TABLE IF NOT EXISTS assembled_samples (
	id              BIGSERIAL PRIMARY KEY,
	asset_id        BIGINT NOT NULL REFERENCES assets(id),
	as_of_date      DATE NOT NULL,
	variation_index INTEGER NOT NULL,
	as_of_cutoff    TIMESTAMPTZ NOT NULL,
	sub_seed        TEXT NOT NULL,
	prompt_text     TEXT NOT NULL,
	prompt_tokens   INTEGER NOT NULL,
	checksum        TEXT NOT NULL,
	sources_meta    JSONB NOT NULL,
	run_id          TEXT NOT NULL,
	UNIQUE (asset_id, as_of_date, variation_index)
);

CREATE TABLE IF NOT EXISTS sample_labels (
	sample_id        BIGINT PRIMARY KEY REFERENCES assembled_samples(id),
	composite_signal DOUBLE PRECISION NOT NULL,
	horizon_signals  JSONB NOT NULL,
	label_class      INTEGER NOT NULL,
	quantile         DOUBLE PRECISION NOT NULL,
	run_id           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	seed        BIGINT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	config      JSONB NOT NULL DEFAULT '{}',
	artifacts   JSONB NOT NULL DEFAULT '{}',
	meta        JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS unit_failures (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	ticker     TEXT NOT NULL,
	as_of_date DATE NOT NULL,
	error_kind TEXT NOT NULL,
	message    TEXT NOT NULL,
	UNIQUE (run_id, ticker, as_of_date)
);

CREATE TABLE IF NOT EXISTS distilled_thesis (
	sample_id   BIGINT PRIMARY KEY,
	thesis_text TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_raw_records_asset_kind ON raw_records(asset_id, kind, published_at);
CREATE INDEX IF NOT EXISTS idx_normalized_asset_date ON normalized_records(asset_id, as_of_date);
CREATE INDEX IF NOT EXISTS idx_macro_events_at ON macro_events(event_at);
CREATE INDEX IF NOT EXISTS idx_samples_run ON assembled_samples(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

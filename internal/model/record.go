package model

import "time"

// RecordKind identifies the modality of a raw record.
type RecordKind string

const (
	KindNews         RecordKind = "news"
	KindPrice        RecordKind = "price"
	KindFundamentals RecordKind = "fundamentals"
	KindMacro        RecordKind = "macro"
	KindOptions      RecordKind = "options"
)

// RawRecord is one fetched item from one source, as handed over by ingestion.
type RawRecord struct {
	ID          int64          `json:"id,omitempty"`
	AssetID     *int64         `json:"asset_id,omitempty"`
	Source      string         `json:"source"`
	Kind        RecordKind     `json:"kind"`
	Headline    string         `json:"headline,omitempty"`
	Body        string         `json:"body,omitempty"`
	URL         string         `json:"url,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
	FetchedAt   time.Time      `json:"fetched_at"`
	Payload     map[string]any `json:"payload,omitempty"`
	ContentHash string         `json:"content_hash"`
	DedupeHash  string         `json:"dedupe_hash"`
}

// Key is the stable source-local identity of the record.
func (r RawRecord) Key() string {
	return r.Source + ":" + r.DedupeHash
}

// Bucket is a coarse temporal distance category relative to an as-of date.
type Bucket string

const (
	BucketRecent  Bucket = "0-3"
	BucketMid     Bucket = "4-10"
	BucketDistant Bucket = "11-30"
)

// Buckets lists buckets in packing order.
var Buckets = []Bucket{BucketRecent, BucketMid, BucketDistant}

// NormalizedRecord is the canonical, deduplicated view of a news item for one
// as-of date.
type NormalizedRecord struct {
	ID              int64     `json:"id,omitempty"`
	AssetID         int64     `json:"asset_id"`
	AsOfDate        time.Time `json:"as_of_date"`
	Source          string    `json:"source"`
	PublishedAt     time.Time `json:"published_at"`
	Bucket          Bucket    `json:"bucket"`
	IsRelevant      bool      `json:"is_relevant"`
	RelevanceReason string    `json:"relevance_reason,omitempty"`
	TokenCount      int       `json:"token_count"`
	ContentHash     string    `json:"content_hash"`
	Headline        string    `json:"headline"`
	Snippet         string    `json:"snippet,omitempty"`
	URL             string    `json:"url,omitempty"`
	CanonicalKey    string    `json:"canonical_key"`
	DuplicateKeys   []string  `json:"duplicate_keys,omitempty"`
}

// DuplicateLink records a raw record merged into a canonical normalized record.
type DuplicateLink struct {
	AssetID      int64     `json:"asset_id"`
	AsOfDate     time.Time `json:"as_of_date"`
	ContentHash  string    `json:"content_hash"`
	RawKey       string    `json:"raw_key"`
	CanonicalKey string    `json:"canonical_key"`
	Source       string    `json:"source"`
}

// AuditKind classifies why a raw record did not flow through unchanged.
type AuditKind string

const (
	AuditDropped      AuditKind = "dropped"
	AuditDeduplicated AuditKind = "deduplicated"
	AuditInvalid      AuditKind = "invalid"
)

// AuditEvent is an inspection record for a dropped, merged or rejected record.
type AuditEvent struct {
	Kind     AuditKind `json:"kind"`
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	RawKey   string    `json:"raw_key"`
	AssetID  int64     `json:"asset_id"`
	AsOfDate time.Time `json:"as_of_date"`
}

// FundamentalsReport is one periodic financial statement.
type FundamentalsReport struct {
	AssetID    int64              `json:"asset_id"`
	Source     string             `json:"source"`
	ReportDate time.Time          `json:"report_date"`
	PeriodType string             `json:"period_type"`
	Currency   string             `json:"currency,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
	// PublishedAt is when the report became available. A report dated on or
	// before a cutoff is still invisible until it was published.
	PublishedAt time.Time `json:"published_at"`
}

// MacroEvent is one macroeconomic observation or calendar release.
type MacroEvent struct {
	Source   string    `json:"source"`
	Name     string    `json:"name"`
	Country  string    `json:"country,omitempty"`
	EventAt  time.Time `json:"event_at"`
	Actual   *float64  `json:"actual,omitempty"`
	Forecast *float64  `json:"forecast,omitempty"`
	Previous *float64  `json:"previous,omitempty"`
}

// OptionContract is one row of an options chain snapshot.
type OptionContract struct {
	AssetID         int64     `json:"asset_id"`
	AsOfDate        time.Time `json:"as_of_date"`
	Expiration      time.Time `json:"expiration"`
	OptionType      string    `json:"option_type"`
	Strike          float64   `json:"strike"`
	OpenInterest    int64     `json:"open_interest"`
	ImpliedVol      float64   `json:"implied_vol"`
	UnderlyingPrice float64   `json:"underlying_price"`
}

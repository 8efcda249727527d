// Package store persists dataset entities through the idempotent upsert
// engine in internal/db. Every write converges on the same row when repeated.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// ErrRunFinished is returned when finishing a run that is already terminal.
var ErrRunFinished = eris.New("store: run already finished")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// RawFilter selects raw records. Zero times are unbounded.
type RawFilter struct {
	AssetID       *int64             `json:"asset_id,omitempty"`
	Kinds         []model.RecordKind `json:"kinds,omitempty"`
	PublishedFrom time.Time          `json:"published_from,omitempty"`
	PublishedTo   time.Time          `json:"published_to,omitempty"`
}

// SampleFilter selects assembled samples. Zero dates are unbounded.
type SampleFilter struct {
	AssetID int64     `json:"asset_id,omitempty"`
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
}

// ExportFilter selects rows for dataset export.
type ExportFilter struct {
	Tickers     []string  `json:"tickers,omitempty"`
	From        time.Time `json:"from,omitempty"`
	To          time.Time `json:"to,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	LabeledOnly bool      `json:"labeled_only,omitempty"`
}

// NormalizedBatch is everything the normalizer derived for one
// (asset, as-of date). It is written in a single transaction.
type NormalizedBatch struct {
	AssetID      int64
	AsOfDate     time.Time
	Records      []model.NormalizedRecord
	Duplicates   []model.DuplicateLink
	Events       []model.AuditEvent
	Fundamentals []model.FundamentalsReport
	Options      []model.OptionContract
}

// Querier is the as-of read surface used by sample assembly. Every method
// takes the cutoff and filters on it in SQL. Optional lookups return nil
// with no error when nothing qualifies.
type Querier interface {
	LatestPriceWindow(ctx context.Context, assetID int64, cutoff time.Time) (*model.PriceWindow, error)
	NewsForDate(ctx context.Context, assetID int64, asOfDate, cutoff time.Time) ([]model.NormalizedRecord, error)
	LatestFundamentals(ctx context.Context, assetID int64, cutoff time.Time) (*model.FundamentalsReport, error)
	MacroEvents(ctx context.Context, from, cutoff time.Time, limit int) ([]model.MacroEvent, error)
	OptionsSnapshot(ctx context.Context, assetID int64, cutoff time.Time, maxAgeDays, limit int) ([]model.OptionContract, error)
}

// Store defines the persistence interface for the dataset pipeline.
type Store interface {
	Querier

	// Assets
	UpsertAsset(ctx context.Context, a model.Asset) (int64, error)
	GetAssetByTicker(ctx context.Context, ticker string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// Ingest
	InsertRawRecords(ctx context.Context, recs []model.RawRecord) (int, error)
	ListRawRecords(ctx context.Context, filter RawFilter) ([]model.RawRecord, error)
	UpsertPriceBars(ctx context.Context, assetID int64, bars []model.Bar) (int, error)
	ListPriceBars(ctx context.Context, assetID int64) ([]model.Bar, error)
	PriceHistory(ctx context.Context, assetID int64, through time.Time, limit int) ([]model.Bar, error)
	UpsertMacroEvents(ctx context.Context, events []model.MacroEvent) (int, error)

	// Derived records
	SaveNormalized(ctx context.Context, batch NormalizedBatch) error
	UpsertPriceWindow(ctx context.Context, w model.PriceWindow) (int64, error)

	// Samples and labels
	UpsertSample(ctx context.Context, s model.AssembledSample) (int64, error)
	PruneSamples(ctx context.Context, assetID int64, asOfDate time.Time, keep []int) (int, error)
	ListSamples(ctx context.Context, filter SampleFilter) ([]model.AssembledSample, error)
	UpsertLabel(ctx context.Context, l model.SampleLabel) error
	GetLabel(ctx context.Context, sampleID int64) (*model.SampleLabel, error)

	// Runs
	CreateRun(ctx context.Context, id, name string, seed int64, cfg map[string]any) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, artifacts map[string]int, meta map[string]any) error
	UpsertUnitFailures(ctx context.Context, failures []model.UnitFailure) error
	ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error)

	// Export
	ExportRows(ctx context.Context, filter ExportFilter) ([]model.ExportRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

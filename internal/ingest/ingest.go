// Package ingest loads the asset universe and raw vendor files from the data
// root into the store. Price and macro records are decoded into bars and
// events here; news, fundamentals and options stay raw for normalization.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/hasher"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/normalize"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// MacroDir is the directory under raw/ holding market-wide records.
const MacroDir = "_macro"

// Options locates inputs and limits an ingest.
type Options struct {
	Root       string
	AssetsFile string
	// Tickers restricts ingest to these assets. Empty means the universe.
	Tickers []string
	Workers int
}

// OptionsFromConfig maps the data and pipeline sections.
func OptionsFromConfig(cfg *config.Config) Options {
	assets := cfg.Data.AssetsFile
	if assets != "" && !filepath.IsAbs(assets) {
		assets = filepath.Join(cfg.Data.Root, assets)
	}
	return Options{Root: cfg.Data.Root, AssetsFile: assets, Workers: cfg.Pipeline.Workers}
}

// Report counts what an ingest read and stored.
type Report struct {
	Assets      int            `json:"assets"`
	Files       int            `json:"files"`
	FilesFailed int            `json:"files_failed"`
	Records     int            `json:"records"`
	Inserted    int            `json:"inserted"`
	Invalid     int            `json:"invalid"`
	Bars        int            `json:"bars"`
	MacroEvents int            `json:"macro_events"`
	BySource    map[string]int `json:"by_source"`
}

func (r *Report) merge(o *Report) {
	r.Files += o.Files
	r.FilesFailed += o.FilesFailed
	r.Records += o.Records
	r.Inserted += o.Inserted
	r.Invalid += o.Invalid
	r.Bars += o.Bars
	r.MacroEvents += o.MacroEvents
	for k, v := range o.BySource {
		r.BySource[k] += v
	}
}

// Ingester moves files under <root>/raw into the store.
type Ingester struct {
	store store.Store
	opts  Options
}

// New creates an Ingester.
func New(st store.Store, opts Options) *Ingester {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.AssetsFile == "" {
		opts.AssetsFile = filepath.Join(opts.Root, "assets.yaml")
	}
	return &Ingester{store: st, opts: opts}
}

// Run upserts the universe, then ingests every asset directory and the
// macro directory. Re-running over the same files inserts nothing new.
func (in *Ingester) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("component", "ingest"))

	universe, err := LoadUniverse(in.opts.AssetsFile)
	if err != nil {
		return nil, err
	}
	if len(in.opts.Tickers) > 0 {
		want := make(map[string]bool, len(in.opts.Tickers))
		for _, t := range in.opts.Tickers {
			want[strings.ToUpper(strings.TrimSpace(t))] = true
		}
		universe = slices.DeleteFunc(universe, func(a model.Asset) bool { return !want[a.Ticker] })
	}

	report := &Report{BySource: map[string]int{}}
	for i := range universe {
		id, err := in.store.UpsertAsset(ctx, universe[i])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: upsert asset %s", universe[i].Ticker)
		}
		universe[i].ID = id
	}
	report.Assets = len(universe)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.Workers)
	for _, a := range universe {
		g.Go(func() error {
			r, err := in.ingestDir(gctx, &a, filepath.Join(in.opts.Root, "raw", a.Ticker))
			if err != nil {
				return err
			}
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r, err := in.ingestDir(ctx, nil, filepath.Join(in.opts.Root, "raw", MacroDir))
	if err != nil {
		return nil, err
	}
	report.merge(r)

	log.Info("ingest complete",
		zap.Int("assets", report.Assets),
		zap.Int("files", report.Files),
		zap.Int("files_failed", report.FilesFailed),
		zap.Int("inserted", report.Inserted),
		zap.Int("bars", report.Bars),
		zap.Int("macro_events", report.MacroEvents),
	)
	return report, nil
}

// ingestDir loads every *.json file in dir. asset is nil for the macro
// directory. A missing directory is not an error.
func (in *Ingester) ingestDir(ctx context.Context, asset *model.Asset, dir string) (*Report, error) {
	report := &Report{BySource: map[string]int{}}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: list %s", dir)
	}
	slices.Sort(files)

	for _, path := range files {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ingest: cancelled")
		}
		if err := in.ingestFile(ctx, asset, path, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// ingestFile parses one file in full before writing anything. A file that
// fails to parse is logged and counts as zero records for its source.
func (in *Ingester) ingestFile(ctx context.Context, asset *model.Asset, path string, report *Report) error {
	source := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log := zap.L().With(zap.String("component", "ingest"), zap.String("file", path), zap.String("source", source))
	if asset != nil {
		log = log.With(zap.String("ticker", asset.Ticker))
	}
	report.Files++
	report.BySource[source] += 0

	fetchedAt := time.Now().UTC()
	f, err := os.Open(path)
	if err != nil {
		log.Warn("skipping unreadable file", zap.Error(err))
		report.FilesFailed++
		return nil
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil {
		fetchedAt = st.ModTime().UTC().Truncate(time.Second)
	}

	entries, err := collect[Entry](ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "ingest: cancelled")
		}
		log.Warn("skipping malformed file", zap.Error(err))
		report.FilesFailed++
		return nil
	}

	var (
		raws   []model.RawRecord
		bars   []model.Bar
		events []model.MacroEvent
	)
	for i, e := range entries {
		rec, err := e.Record(asset, source, fetchedAt)
		if err == nil {
			switch rec.Kind {
			case model.KindPrice:
				var b model.Bar
				if b, err = DecodeBar(rec); err == nil {
					bars = append(bars, b)
				}
			case model.KindMacro:
				var ev model.MacroEvent
				if ev, err = DecodeMacro(rec); err == nil {
					events = append(events, ev)
				}
			}
		}
		if err != nil {
			log.Warn("skipping invalid entry", zap.Int("index", i), zap.Error(err))
			report.Invalid++
			continue
		}
		raws = append(raws, rec)
	}

	n, err := in.store.InsertRawRecords(ctx, raws)
	if err != nil {
		return eris.Wrapf(err, "ingest: store %s", path)
	}
	report.Records += len(raws)
	report.Inserted += n
	report.BySource[source] += len(raws)

	if len(bars) > 0 {
		if asset == nil {
			log.Warn("price records outside an asset directory ignored", zap.Int("count", len(bars)))
		} else {
			m, err := in.store.UpsertPriceBars(ctx, asset.ID, bars)
			if err != nil {
				return eris.Wrapf(err, "ingest: store bars %s", path)
			}
			report.Bars += m
		}
	}
	if len(events) > 0 {
		m, err := in.store.UpsertMacroEvents(ctx, events)
		if err != nil {
			return eris.Wrapf(err, "ingest: store macro events %s", path)
		}
		report.MacroEvents += m
	}
	log.Debug("file ingested", zap.Int("records", len(raws)), zap.Int("inserted", n))
	return nil
}

// Entry is one element of a raw vendor file.
type Entry struct {
	Source      string           `json:"source"`
	Kind        model.RecordKind `json:"kind"`
	Headline    string           `json:"headline"`
	Body        string           `json:"body"`
	Snippet     string           `json:"snippet"`
	URL         string           `json:"url"`
	PublishedAt string           `json:"published_at"`
	FetchedAt   string           `json:"fetched_at"`
	Payload     map[string]any   `json:"payload"`
}

// Record converts e into a RawRecord with its content and dedupe hashes.
// defaultSource applies when the entry names none.
func (e Entry) Record(asset *model.Asset, defaultSource string, fetchedAt time.Time) (model.RawRecord, error) {
	kind := model.RecordKind(strings.ToLower(strings.TrimSpace(string(e.Kind))))
	switch kind {
	case model.KindNews, model.KindPrice, model.KindFundamentals, model.KindMacro, model.KindOptions:
	default:
		return model.RawRecord{}, eris.Errorf("ingest: unknown kind %q", e.Kind)
	}
	published, err := ParseTime(e.PublishedAt)
	if err != nil {
		return model.RawRecord{}, eris.Wrap(err, "ingest: published_at")
	}
	if e.FetchedAt != "" {
		if fetchedAt, err = ParseTime(e.FetchedAt); err != nil {
			return model.RawRecord{}, eris.Wrap(err, "ingest: fetched_at")
		}
	}
	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = defaultSource
	}
	body := e.Body
	if body == "" {
		body = e.Snippet
	}

	rec := model.RawRecord{
		Source:      source,
		Kind:        kind,
		Headline:    e.Headline,
		Body:        body,
		URL:         e.URL,
		PublishedAt: published,
		FetchedAt:   fetchedAt,
		Payload:     e.Payload,
	}
	if asset != nil && kind != model.KindMacro {
		id := asset.ID
		rec.AssetID = &id
	}

	if kind == model.KindNews {
		if strings.TrimSpace(e.Headline) == "" && strings.TrimSpace(body) == "" {
			return model.RawRecord{}, eris.New("ingest: news entry has no content")
		}
		rec.ContentHash = hasher.ContentHash(e.Headline, body)
		rec.DedupeHash = hasher.DedupeHash(e.Headline, e.URL, e.PublishedAt)
		return rec, nil
	}
	if len(e.Payload) == 0 {
		return model.RawRecord{}, eris.Errorf("ingest: %s entry has no payload", kind)
	}
	ph, err := hasher.PayloadHash(string(kind), e.Payload)
	if err != nil {
		return model.RawRecord{}, err
	}
	rec.ContentHash = ph
	rec.DedupeHash = hasher.Sum(ph, published.Format(time.RFC3339))
	return rec, nil
}

// ParseTime accepts RFC 3339 timestamps, "YYYY-MM-DD HH:MM:SS" and bare
// dates, all read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", model.DateLayout} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unrecognized timestamp %q", s)
}

type pricePayload struct {
	Date   string  `mapstructure:"date"`
	Open   float64 `mapstructure:"open"`
	High   float64 `mapstructure:"high"`
	Low    float64 `mapstructure:"low"`
	Close  float64 `mapstructure:"close"`
	Volume float64 `mapstructure:"volume"`
}

// DecodeBar turns a price record into a daily bar. The bar date defaults to
// the record's publication day. Value checks happen at window time.
func DecodeBar(r model.RawRecord) (model.Bar, error) {
	var p pricePayload
	if err := normalize.Decode(r.Payload, &p); err != nil {
		return model.Bar{}, eris.Wrap(err, "ingest: decode price")
	}
	date := model.Day(r.PublishedAt)
	if p.Date != "" {
		d, err := normalize.ParseDay(p.Date)
		if err != nil {
			return model.Bar{}, err
		}
		date = d
	}
	return model.Bar{Date: date, Open: p.Open, High: p.High, Low: p.Low, Close: p.Close, Volume: p.Volume}, nil
}

type macroPayload struct {
	Name     string   `mapstructure:"name"`
	Country  string   `mapstructure:"country"`
	EventAt  string   `mapstructure:"event_at"`
	Actual   *float64 `mapstructure:"actual"`
	Forecast *float64 `mapstructure:"forecast"`
	Previous *float64 `mapstructure:"previous"`
}

// DecodeMacro turns a macro record into an event. The event time defaults
// to the record's publication time.
func DecodeMacro(r model.RawRecord) (model.MacroEvent, error) {
	var p macroPayload
	if err := normalize.Decode(r.Payload, &p); err != nil {
		return model.MacroEvent{}, eris.Wrap(err, "ingest: decode macro")
	}
	if strings.TrimSpace(p.Name) == "" {
		return model.MacroEvent{}, eris.New("ingest: macro event has no name")
	}
	at := r.PublishedAt
	if p.EventAt != "" {
		t, err := ParseTime(p.EventAt)
		if err != nil {
			return model.MacroEvent{}, err
		}
		at = t
	}
	return model.MacroEvent{
		Source:   r.Source,
		Name:     p.Name,
		Country:  p.Country,
		EventAt:  at,
		Actual:   p.Actual,
		Forecast: p.Forecast,
		Previous: p.Previous,
	}, nil
}

// Package assemble builds deterministic prompt variations for one
// (asset, as-of date) from the as-of view the store exposes.
package assemble

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/hasher"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// Quota bounds how many news items one bucket contributes to a variation.
type Quota struct {
	Min int
	Max int
}

// Options holds assembly defaults. Request fields override them per call.
type Options struct {
	Variations        int
	TokenBudget       int
	CharsPerToken     int
	Modalities        model.Modalities
	Quotas            map[model.Bucket]Quota
	MacroLookbackDays int
	MacroMaxEvents    int
	OptionsEnabled    bool
	OptionsMaxRecords int
	OptionsMaxAgeDays int
}

// OptionsFromConfig maps the assemble config section.
func OptionsFromConfig(c config.AssembleConfig) Options {
	mods := make(model.Modalities, 0, len(c.Modalities))
	for _, m := range c.Modalities {
		mods = append(mods, model.Modality(strings.ToLower(m)))
	}
	return Options{
		Variations:    c.Variations,
		TokenBudget:   c.TokenBudget,
		CharsPerToken: c.CharsPerToken,
		Modalities:    mods,
		Quotas: map[model.Bucket]Quota{
			model.BucketRecent:  {Min: c.Recent.Min, Max: c.Recent.Max},
			model.BucketMid:     {Min: c.Mid.Min, Max: c.Mid.Max},
			model.BucketDistant: {Min: c.Distant.Min, Max: c.Distant.Max},
		},
		MacroLookbackDays: c.MacroLookbackDays,
		MacroMaxEvents:    c.MacroMaxEvents,
		OptionsEnabled:    c.OptionsEnabled,
		OptionsMaxRecords: c.OptionsMaxRecords,
		OptionsMaxAgeDays: c.OptionsMaxAgeDays,
	}
}

// DefaultOptions returns the assembly defaults.
func DefaultOptions() Options {
	return Options{
		Variations:    20,
		TokenBudget:   8192,
		CharsPerToken: 4,
		Modalities:    slices.Clone(model.AllModalities),
		Quotas: map[model.Bucket]Quota{
			model.BucketRecent:  {Min: 2, Max: 5},
			model.BucketMid:     {Min: 1, Max: 3},
			model.BucketDistant: {Min: 0, Max: 2},
		},
		MacroLookbackDays: 30,
		MacroMaxEvents:    10,
		OptionsEnabled:    true,
		OptionsMaxRecords: 20,
		OptionsMaxAgeDays: 5,
	}
}

// Request is one Assemble call. Zero numeric fields and a nil Modalities
// fall back to the Assembler's Options.
type Request struct {
	Asset       model.Asset
	AsOfDate    time.Time
	Variations  int
	Seed        int64
	TokenBudget int
	Modalities  model.Modalities
	// Cutoff tightens the default end-of-day cutoff when set earlier.
	Cutoff time.Time
	RunID  string
}

// Result holds the samples that were built plus one error per variation
// that could not be.
type Result struct {
	Samples         []model.AssembledSample
	VariationErrors []error
}

// Assembler reads through a store.Querier and never writes.
type Assembler struct {
	q    store.Querier
	opts Options
}

// New creates an Assembler.
func New(q store.Querier, opts Options) *Assembler {
	def := DefaultOptions()
	if opts.Variations <= 0 {
		opts.Variations = def.Variations
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = def.TokenBudget
	}
	if opts.CharsPerToken <= 0 {
		opts.CharsPerToken = def.CharsPerToken
	}
	if opts.Modalities == nil {
		opts.Modalities = def.Modalities
	}
	if opts.Quotas == nil {
		opts.Quotas = def.Quotas
	}
	if opts.MacroLookbackDays <= 0 {
		opts.MacroLookbackDays = def.MacroLookbackDays
	}
	if opts.MacroMaxEvents <= 0 {
		opts.MacroMaxEvents = def.MacroMaxEvents
	}
	if opts.OptionsMaxRecords <= 0 {
		opts.OptionsMaxRecords = def.OptionsMaxRecords
	}
	if opts.OptionsMaxAgeDays <= 0 {
		opts.OptionsMaxAgeDays = def.OptionsMaxAgeDays
	}
	return &Assembler{q: q, opts: opts}
}

// Cutoff returns the effective as-of cutoff: end of asOfDate in UTC, or
// requested when it is earlier.
func Cutoff(asOfDate, requested time.Time) time.Time {
	eod := model.EndOfDay(asOfDate)
	if !requested.IsZero() && requested.UTC().Before(eod) {
		return requested.UTC()
	}
	return eod
}

// SubSeed derives the per-variation seed from the first 16 bytes of
// sha256(seed, ticker, date, variation).
func SubSeed(seed int64, ticker string, asOfDate time.Time, variation int) [16]byte {
	d := hasher.Digest(
		strconv.FormatInt(seed, 10),
		strings.ToUpper(ticker),
		model.Day(asOfDate).Format(model.DateLayout),
		strconv.Itoa(variation),
	)
	var out [16]byte
	copy(out[:], d[:16])
	return out
}

func newRand(sub [16]byte) *rand.Rand {
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sub[:8]), binary.BigEndian.Uint64(sub[8:])))
}

// view is the read-only as-of data shared by every variation.
type view struct {
	window       *model.PriceWindow
	news         map[model.Bucket][]model.NormalizedRecord
	fundamentals *model.FundamentalsReport
	macro        []model.MacroEvent
	options      []model.OptionContract
}

// Assemble builds the requested variations. A variation that cannot hold its
// minimum content is reported in Result.VariationErrors and the rest proceed.
// Store failures and leakage violations fail the whole call.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	req = a.withDefaults(req)
	asOfDate := model.Day(req.AsOfDate)
	cutoff := Cutoff(asOfDate, req.Cutoff)
	log := zap.L().With(
		zap.String("component", "assemble"),
		zap.String("ticker", req.Asset.Ticker),
		zap.String("as_of_date", asOfDate.Format(model.DateLayout)),
	)

	v, err := a.load(ctx, req, asOfDate, cutoff)
	if err != nil {
		return nil, err
	}
	if err := checkLeakage(v, cutoff); err != nil {
		return nil, err
	}

	res := &Result{}
	for i := 0; i < req.Variations; i++ {
		smp, err := a.variation(req, asOfDate, cutoff, i, v)
		if err != nil {
			log.Debug("variation skipped", zap.Int("variation", i), zap.Error(err))
			res.VariationErrors = append(res.VariationErrors, err)
			continue
		}
		res.Samples = append(res.Samples, smp)
	}
	log.Debug("assembled", zap.Int("samples", len(res.Samples)), zap.Int("skipped", len(res.VariationErrors)))
	return res, nil
}

func (a *Assembler) withDefaults(req Request) Request {
	if req.Variations <= 0 {
		req.Variations = a.opts.Variations
	}
	if req.TokenBudget <= 0 {
		req.TokenBudget = a.opts.TokenBudget
	}
	if req.Modalities == nil {
		req.Modalities = a.opts.Modalities
	}
	return req
}

func (a *Assembler) load(ctx context.Context, req Request, asOfDate, cutoff time.Time) (*view, error) {
	id := req.Asset.ID
	v := &view{news: make(map[model.Bucket][]model.NormalizedRecord)}

	w, err := a.q.LatestPriceWindow(ctx, id, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "assemble: price window")
	}
	v.window = w

	if req.Modalities.Has(model.ModalityNews) {
		recs, err := a.q.NewsForDate(ctx, id, asOfDate, cutoff)
		if err != nil {
			return nil, eris.Wrap(err, "assemble: news")
		}
		for _, r := range recs {
			if r.IsRelevant {
				v.news[r.Bucket] = append(v.news[r.Bucket], r)
			}
		}
	}
	if req.Modalities.Has(model.ModalityFundamentals) {
		f, err := a.q.LatestFundamentals(ctx, id, cutoff)
		if err != nil {
			return nil, eris.Wrap(err, "assemble: fundamentals")
		}
		v.fundamentals = f
	}
	if req.Modalities.Has(model.ModalityMacro) {
		from := model.Day(cutoff).AddDate(0, 0, -a.opts.MacroLookbackDays)
		ev, err := a.q.MacroEvents(ctx, from, cutoff, a.opts.MacroMaxEvents)
		if err != nil {
			return nil, eris.Wrap(err, "assemble: macro")
		}
		v.macro = ev
	}
	if a.opts.OptionsEnabled && req.Modalities.Has(model.ModalityOptions) {
		opts, err := a.q.OptionsSnapshot(ctx, id, cutoff, a.opts.OptionsMaxAgeDays, a.opts.OptionsMaxRecords)
		if err != nil {
			return nil, eris.Wrap(err, "assemble: options")
		}
		v.options = opts
	}
	return v, nil
}

// checkLeakage rejects anything the store returned past the cutoff.
func checkLeakage(v *view, cutoff time.Time) error {
	leak := func(m model.Modality, key string, at time.Time) error {
		return &model.LeakageViolationError{Modality: m, Key: key, At: at, Cutoff: cutoff}
	}
	if w := v.window; w != nil {
		if w.LastBarAt.After(cutoff) {
			return leak(model.ModalityTechnicals, "last_bar", w.LastBarAt)
		}
		for _, b := range w.Bars {
			if b.Date.After(cutoff) {
				return leak(model.ModalityTechnicals, b.Date.Format(model.DateLayout), b.Date)
			}
		}
	}
	for _, recs := range v.news {
		for _, r := range recs {
			if r.PublishedAt.After(cutoff) {
				return leak(model.ModalityNews, r.CanonicalKey, r.PublishedAt)
			}
		}
	}
	if f := v.fundamentals; f != nil {
		key := f.Source + ":" + f.ReportDate.Format(model.DateLayout)
		if f.ReportDate.After(cutoff) {
			return leak(model.ModalityFundamentals, key, f.ReportDate)
		}
		if f.PublishedAt.After(cutoff) {
			return leak(model.ModalityFundamentals, key, f.PublishedAt)
		}
	}
	for _, e := range v.macro {
		if e.EventAt.After(cutoff) {
			return leak(model.ModalityMacro, e.Source+":"+e.Name, e.EventAt)
		}
	}
	for _, o := range v.options {
		if o.AsOfDate.After(cutoff) {
			return leak(model.ModalityOptions, o.AsOfDate.Format(model.DateLayout), o.AsOfDate)
		}
	}
	return nil
}

func (a *Assembler) variation(req Request, asOfDate, cutoff time.Time, idx int, v *view) (model.AssembledSample, error) {
	sub := SubSeed(req.Seed, req.Asset.Ticker, asOfDate, idx)
	rng := newRand(sub)
	cpt := a.opts.CharsPerToken
	budget := req.TokenBudget

	if v.window == nil {
		return model.AssembledSample{}, &model.InsufficientContentError{
			Variation: idx, Budget: budget, Reason: "no price window on or before cutoff",
		}
	}

	p := newPacker(budget, cpt)
	meta := model.SourcesMeta{News: model.NewsMeta{ByBucket: map[string]int{}}}
	for _, b := range model.Buckets {
		meta.News.ByBucket[string(b)] = 0
	}

	header := renderHeader(req.Asset, asOfDate, cutoff)
	tech := renderTechnicals(*v.window)
	if need := p.cost(header) + p.cost(tech); need > budget {
		return model.AssembledSample{}, &model.InsufficientContentError{
			Variation: idx, Budget: budget, Required: need,
			Reason: "header and technicals exceed token budget",
		}
	}
	p.add(header)
	p.add(tech)
	meta.Technicals = &model.TechnicalsMeta{
		AsOfDate:   v.window.AsOfDate.Format(model.DateLayout),
		WindowDays: len(v.window.Bars),
		LastBarAt:  v.window.LastBarAt,
		Absent:     v.window.Technicals.Absent,
	}

	if req.Modalities.Has(model.ModalityFundamentals) {
		switch f := v.fundamentals; {
		case f == nil:
			meta.Missing = append(meta.Missing, model.ModalityFundamentals)
		case p.add(renderFundamentals(*f)):
			meta.Fundamentals = &model.FundamentalsMeta{
				Source:     f.Source,
				ReportDate: f.ReportDate.Format(model.DateLayout),
				PeriodType: f.PeriodType,
			}
		default:
			meta.Truncated = append(meta.Truncated, string(model.ModalityFundamentals))
		}
	}

	if req.Modalities.Has(model.ModalityMacro) {
		switch {
		case len(v.macro) == 0:
			meta.Missing = append(meta.Missing, model.ModalityMacro)
		case p.add(renderMacro(v.macro)):
			meta.Macro = macroMeta(v.macro)
		default:
			meta.Truncated = append(meta.Truncated, string(model.ModalityMacro))
		}
	}

	if a.opts.OptionsEnabled && req.Modalities.Has(model.ModalityOptions) {
		switch {
		case len(v.options) == 0:
			meta.Missing = append(meta.Missing, model.ModalityOptions)
		case p.add(renderOptions(v.options)):
			meta.Options = &model.OptionsMeta{
				AsOfDate: v.options[0].AsOfDate.Format(model.DateLayout),
				Records:  len(v.options),
			}
		default:
			meta.Truncated = append(meta.Truncated, string(model.ModalityOptions))
		}
	}

	if req.Modalities.Has(model.ModalityNews) {
		a.packNews(p, rng, v, &meta)
	}

	text := p.text()
	smp := model.AssembledSample{
		AssetID:        req.Asset.ID,
		Ticker:         req.Asset.Ticker,
		AsOfDate:       asOfDate,
		VariationIndex: idx,
		AsOfCutoff:     cutoff,
		SubSeed:        hex.EncodeToString(sub[:]),
		PromptText:     text,
		PromptTokens:   model.EstimateTokens(text, cpt),
		SourcesMeta:    meta,
		RunID:          req.RunID,
	}
	sum, err := Checksum(smp)
	if err != nil {
		return model.AssembledSample{}, err
	}
	smp.Checksum = sum
	return smp, nil
}

// packNews selects each bucket's quota from a seeded shuffle and packs the
// picks greedily, recent first.
func (a *Assembler) packNews(p *packer, rng *rand.Rand, v *view, meta *model.SourcesMeta) {
	var picked []model.NormalizedRecord
	total := 0
	for _, b := range model.Buckets {
		pool := slices.Clone(v.news[b])
		total += len(pool)
		q := a.opts.Quotas[b]
		n := q.Min
		if q.Max > q.Min {
			n += rng.IntN(q.Max - q.Min + 1)
		}
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		if n > len(pool) {
			n = len(pool)
		}
		sel := pool[:n]
		slices.SortFunc(sel, func(x, y model.NormalizedRecord) int {
			if c := y.PublishedAt.Compare(x.PublishedAt); c != 0 {
				return c
			}
			return strings.Compare(x.ContentHash, y.ContentHash)
		})

		heading := renderNewsHeading(b)
		headed := false
		for _, r := range sel {
			item := renderNewsItem(r)
			if !headed {
				if !p.add(heading + item) {
					meta.Truncated = append(meta.Truncated, "news:"+r.ContentHash)
					continue
				}
				headed = true
			} else if !p.add(item) {
				meta.Truncated = append(meta.Truncated, "news:"+r.ContentHash)
				continue
			}
			picked = append(picked, r)
			meta.News.ByBucket[string(b)]++
		}
	}
	if total == 0 {
		meta.Missing = append(meta.Missing, model.ModalityNews)
		return
	}
	meta.News = newsMeta(picked, meta.News.ByBucket)
}

func macroMeta(events []model.MacroEvent) *model.MacroMeta {
	m := &model.MacroMeta{Count: len(events)}
	var earliest, latest time.Time
	for i, e := range events {
		if !slices.Contains(m.Sources, e.Source) {
			m.Sources = append(m.Sources, e.Source)
		}
		if i == 0 || e.EventAt.Before(earliest) {
			earliest = e.EventAt
		}
		if i == 0 || e.EventAt.After(latest) {
			latest = e.EventAt
		}
	}
	slices.Sort(m.Sources)
	m.Earliest = earliest.UTC().Format(time.RFC3339)
	m.Latest = latest.UTC().Format(time.RFC3339)
	return m
}

func newsMeta(picked []model.NormalizedRecord, byBucket map[string]int) model.NewsMeta {
	m := model.NewsMeta{Count: len(picked), Sources: []string{}, ByBucket: byBucket}
	for _, r := range picked {
		if !slices.Contains(m.Sources, r.Source) {
			m.Sources = append(m.Sources, r.Source)
		}
		m.ContentHashes = append(m.ContentHashes, r.ContentHash)
		at := r.PublishedAt.UTC()
		if m.Earliest == nil || at.Before(*m.Earliest) {
			m.Earliest = &at
		}
		if m.Latest == nil || at.After(*m.Latest) {
			m.Latest = &at
		}
	}
	slices.Sort(m.Sources)
	return m
}

// Checksum hashes the content-bearing fields of a sample. The run id is
// excluded so reruns of identical inputs agree.
func Checksum(s model.AssembledSample) (string, error) {
	meta, err := json.Marshal(s.SourcesMeta)
	if err != nil {
		return "", eris.Wrap(err, "assemble: marshal sources meta")
	}
	return hasher.Sum(
		strings.ToUpper(s.Ticker),
		s.AsOfDate.Format(model.DateLayout),
		strconv.Itoa(s.VariationIndex),
		s.AsOfCutoff.UTC().Format(time.RFC3339),
		s.SubSeed,
		s.PromptText,
		string(meta),
	), nil
}

// Package pipeline coordinates one dataset run: it starts the run, executes
// one branch per asset over every as-of date, and joins the branch summaries
// into a forward-only run status.
package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/assemble"
	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/label"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/monitoring"
	"github.com/sells-group/charlie-tr1/internal/normalize"
	"github.com/sells-group/charlie-tr1/internal/store"
	"github.com/sells-group/charlie-tr1/internal/technicals"
)

// Options configures every stage of a branch.
type Options struct {
	Normalize              normalize.Options
	Technicals             technicals.Options
	Assemble               assemble.Options
	Label                  label.Options
	Workers                int
	MaxUnitFailureFraction float64
}

// OptionsFromConfig maps the stage sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Normalize:              normalize.OptionsFromConfig(cfg.Normalize),
		Technicals:             technicals.OptionsFromConfig(cfg.Technicals),
		Assemble:               assemble.OptionsFromConfig(cfg.Assemble),
		Label:                  label.OptionsFromConfig(cfg.Label),
		Workers:                cfg.Pipeline.Workers,
		MaxUnitFailureFraction: cfg.Pipeline.MaxUnitFailureFraction,
	}
}

// Pipeline holds the stateless stage implementations. Branches share it but
// never share mutable state.
type Pipeline struct {
	store      store.Store
	normalizer *normalize.Normalizer
	techOpts   technicals.Options
	assembler  *assemble.Assembler
	labeler    *label.Engine
	metrics    *monitoring.Metrics
	opts       Options
}

// New creates a Pipeline. metrics may be nil.
func New(st store.Store, opts Options, metrics *monitoring.Metrics) (*Pipeline, error) {
	labeler, err := label.New(opts.Label)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: label engine")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		store:      st,
		normalizer: normalize.New(opts.Normalize),
		techOpts:   opts.Technicals,
		assembler:  assemble.New(st, opts.Assemble),
		labeler:    labeler,
		metrics:    metrics,
		opts:       opts,
	}, nil
}

// RunRequest describes one run over tickers and as-of dates. Empty Tickers
// selects every known asset.
type RunRequest struct {
	Name        string           `json:"name"`
	Tickers     []string         `json:"tickers"`
	Dates       []time.Time      `json:"dates"`
	Variations  int              `json:"variations"`
	Seed        int64            `json:"seed"`
	TokenBudget int              `json:"token_budget"`
	Modalities  model.Modalities `json:"modalities,omitempty"`
	Cutoff      time.Time        `json:"cutoff,omitempty"`
	// RunID pins the run identity so a retried StartRun reuses the same row.
	// Empty means a new id per call.
	RunID string `json:"run_id,omitempty"`
}

// BranchRequest is the per-asset slice of a RunRequest.
type BranchRequest struct {
	Ticker      string           `json:"ticker"`
	Dates       []time.Time      `json:"dates"`
	Variations  int              `json:"variations"`
	TokenBudget int              `json:"token_budget"`
	Modalities  model.Modalities `json:"modalities,omitempty"`
	Cutoff      time.Time        `json:"cutoff,omitempty"`
}

// Branch returns the request for one ticker.
func (r RunRequest) Branch(ticker string) BranchRequest {
	return BranchRequest{
		Ticker:      ticker,
		Dates:       r.Dates,
		Variations:  r.Variations,
		TokenBudget: r.TokenBudget,
		Modalities:  r.Modalities,
		Cutoff:      r.Cutoff,
	}
}

// configSnapshot is stored on the run row.
func (r RunRequest) configSnapshot() map[string]any {
	dates := make([]string, len(r.Dates))
	for i, d := range r.Dates {
		dates[i] = d.Format(model.DateLayout)
	}
	mods := make([]string, len(r.Modalities))
	for i, m := range r.Modalities {
		mods[i] = string(m)
	}
	snap := map[string]any{
		"tickers":      r.Tickers,
		"dates":        dates,
		"variations":   r.Variations,
		"seed":         r.Seed,
		"token_budget": r.TokenBudget,
		"modalities":   mods,
	}
	if !r.Cutoff.IsZero() {
		snap["cutoff"] = r.Cutoff.UTC().Format(time.RFC3339)
	}
	return snap
}

// Dates resolves the as-of dates of a run. asOf wins when set; otherwise
// every calendar day from start to end.
func Dates(asOf, start, end time.Time) ([]time.Time, error) {
	switch {
	case !asOf.IsZero():
		return []time.Time{model.Day(asOf)}, nil
	case start.IsZero() || end.IsZero():
		return nil, eris.New("pipeline: need an as-of date or a start and end date")
	case end.Before(start):
		return nil, eris.New("pipeline: end date before start date")
	}
	return model.DateRange(start, end), nil
}

// Resolve fills default tickers from the store and normalizes the request.
func (p *Pipeline) Resolve(ctx context.Context, req RunRequest) (RunRequest, error) {
	if len(req.Tickers) == 0 {
		assets, err := p.store.ListAssets(ctx)
		if err != nil {
			return req, eris.Wrap(err, "pipeline: list assets")
		}
		for _, a := range assets {
			req.Tickers = append(req.Tickers, a.Ticker)
		}
	}
	tickers := make([]string, 0, len(req.Tickers))
	for _, t := range req.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && !slices.Contains(tickers, t) {
			tickers = append(tickers, t)
		}
	}
	slices.Sort(tickers)
	req.Tickers = tickers
	if len(req.Tickers) == 0 {
		return req, eris.New("pipeline: no tickers to run")
	}
	if len(req.Dates) == 0 {
		return req, eris.New("pipeline: no as-of dates")
	}
	dates := make([]time.Time, len(req.Dates))
	for i, d := range req.Dates {
		dates[i] = model.Day(d)
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	req.Dates = slices.CompactFunc(dates, func(a, b time.Time) bool { return a.Equal(b) })
	if req.Name == "" {
		req.Name = "charlie-" + req.Dates[0].Format(model.DateLayout)
	}
	return req, nil
}

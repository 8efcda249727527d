// Package label implements Algorithm S1: volatility-normalized forward
// returns over several horizons, blended into a composite signal and mapped
// to five classes by per-asset quantile cutoffs.
package label

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/model"
)

var (
	// ErrInsufficientHistory means the asset has too few valid composite
	// signals to fit its cutoffs. Labeling is skipped for the asset.
	ErrInsufficientHistory = eris.New("label: insufficient history to fit cutoffs")
	// ErrUndefinedSignal means the composite signal at a date is undefined,
	// typically because the trailing volatility has too few periods.
	ErrUndefinedSignal = eris.New("label: composite signal undefined")
)

// Options configures Algorithm S1.
type Options struct {
	Horizons      []int
	Weights       []float64
	EMASpan       int
	VolWindow     int
	VolMinPeriods int
	Breakpoints   []float64
	MinFitSamples int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Horizons:      []int{3, 7, 15},
		Weights:       []float64{0.3, 0.5, 0.2},
		EMASpan:       3,
		VolWindow:     20,
		VolMinPeriods: 10,
		Breakpoints:   []float64{0.03, 0.15, 0.53, 0.85},
		MinFitSamples: 30,
	}
}

// OptionsFromConfig maps the label config section.
func OptionsFromConfig(c config.LabelConfig) Options {
	return Options{
		Horizons:      c.Horizons,
		Weights:       c.Weights,
		EMASpan:       c.EMASpan,
		VolWindow:     c.VolWindow,
		VolMinPeriods: c.VolMinPeriods,
		Breakpoints:   c.Breakpoints,
		MinFitSamples: c.MinFitSamples,
	}
}

func (o Options) validate() error {
	if len(o.Horizons) == 0 {
		return eris.New("label: no horizons")
	}
	if len(o.Horizons) != len(o.Weights) {
		return eris.Errorf("label: %d horizons but %d weights", len(o.Horizons), len(o.Weights))
	}
	for _, h := range o.Horizons {
		if h <= 0 {
			return eris.Errorf("label: horizon %d must be positive", h)
		}
	}
	var sum float64
	for _, w := range o.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return eris.Errorf("label: weights sum to %g, want 1", sum)
	}
	if o.VolWindow < 2 || o.VolMinPeriods < 2 || o.VolMinPeriods > o.VolWindow {
		return eris.Errorf("label: invalid volatility window %d/%d", o.VolWindow, o.VolMinPeriods)
	}
	for i, b := range o.Breakpoints {
		if b <= 0 || b >= 1 || (i > 0 && b <= o.Breakpoints[i-1]) {
			return eris.New("label: breakpoints must be strictly increasing in (0, 1)")
		}
	}
	if len(o.Breakpoints) == 0 {
		return eris.New("label: no breakpoints")
	}
	return nil
}

// Signal is the composite signal at one bar.
type Signal struct {
	Date      time.Time
	Composite float64
	Horizons  map[int]float64
	Valid     bool
}

// Engine computes signals and labels for one asset at a time.
type Engine struct {
	opts Options
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// Options returns the engine's configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Smooth returns the EMA of closes with adjust=false recursion seeded at the
// first close. A span of 1 or less returns the closes unchanged.
func Smooth(closes []float64, span int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) == 0 {
		return out
	}
	if span <= 1 {
		copy(out, closes)
		return out
	}
	alpha := 2 / float64(span+1)
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = alpha*closes[i] + (1-alpha)*out[i-1]
	}
	return out
}

// ForwardReturns returns p[t+tau]/p[t] - 1, NaN where t+tau is past the end.
func ForwardReturns(p []float64, tau int) []float64 {
	out := make([]float64, len(p))
	for t := range p {
		if t+tau >= len(p) || p[t] == 0 {
			out[t] = math.NaN()
			continue
		}
		out[t] = p[t+tau]/p[t] - 1
	}
	return out
}

// TrailingStd is the sample standard deviation of the non-NaN values in the
// window of size w ending at each index, NaN with fewer than minPeriods.
func TrailingStd(xs []float64, w, minPeriods int) []float64 {
	out := make([]float64, len(xs))
	for t := range xs {
		lo := max(0, t-w+1)
		var n int
		var mean float64
		for _, x := range xs[lo : t+1] {
			if !math.IsNaN(x) {
				n++
				mean += x
			}
		}
		if n < minPeriods || n < 2 {
			out[t] = math.NaN()
			continue
		}
		mean /= float64(n)
		var ss float64
		for _, x := range xs[lo : t+1] {
			if !math.IsNaN(x) {
				ss += (x - mean) * (x - mean)
			}
		}
		out[t] = math.Sqrt(ss / float64(n-1))
	}
	return out
}

// Signals computes the composite at every bar. bars must be sorted by date.
// A composite is valid only when every horizon is.
func (e *Engine) Signals(bars []model.Bar) []Signal {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	p := Smooth(closes, e.opts.EMASpan)

	perHorizon := make([][]float64, len(e.opts.Horizons))
	for i, tau := range e.opts.Horizons {
		r := ForwardReturns(p, tau)
		v := TrailingStd(r, e.opts.VolWindow, e.opts.VolMinPeriods)
		s := make([]float64, len(r))
		for t := range r {
			if math.IsNaN(r[t]) || math.IsNaN(v[t]) || v[t] == 0 {
				s[t] = math.NaN()
				continue
			}
			s[t] = r[t] / v[t]
		}
		perHorizon[i] = s
	}

	out := make([]Signal, len(bars))
	for t, b := range bars {
		sig := Signal{Date: model.Day(b.Date), Horizons: make(map[int]float64, len(e.opts.Horizons)), Valid: true}
		for i, tau := range e.opts.Horizons {
			s := perHorizon[i][t]
			if math.IsNaN(s) {
				sig.Valid = false
				continue
			}
			sig.Horizons[tau] = s
			sig.Composite += e.opts.Weights[i] * s
		}
		if !sig.Valid {
			sig.Composite = 0
		}
		out[t] = sig
	}
	return out
}

// Quantile returns the linearly interpolated q-quantile of sorted values,
// matching the pandas default.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Model holds the fitted per-asset cutoffs.
type Model struct {
	Cutoffs []float64
	sorted  []float64
}

// Fit builds cutoffs from the valid composites in signals.
func (e *Engine) Fit(signals []Signal) (*Model, error) {
	var valid []float64
	for _, s := range signals {
		if s.Valid {
			valid = append(valid, s.Composite)
		}
	}
	if len(valid) < e.opts.MinFitSamples || len(valid) == 0 {
		return nil, eris.Wrapf(ErrInsufficientHistory, "label: %d valid signals, need %d", len(valid), e.opts.MinFitSamples)
	}
	sort.Float64s(valid)
	cut := make([]float64, len(e.opts.Breakpoints))
	for i, q := range e.opts.Breakpoints {
		cut[i] = Quantile(valid, q)
	}
	return &Model{Cutoffs: cut, sorted: valid}, nil
}

// Class maps x to 1 + the number of cutoffs strictly below it, so x equal to
// a cutoff takes the lower class.
func (m *Model) Class(x float64) int {
	c := 1
	for _, q := range m.Cutoffs {
		if x > q {
			c++
		}
	}
	return c
}

// Position is the fraction of fitted signals less than or equal to x.
func (m *Model) Position(x float64) float64 {
	n := sort.Search(len(m.sorted), func(i int) bool { return m.sorted[i] > x })
	return float64(n) / float64(len(m.sorted))
}

// Outcome is the result of labeling one asset's samples.
type Outcome struct {
	Labels []model.SampleLabel
	// Skipped holds one error per sample left unlabeled.
	Skipped []error
}

// Label labels samples of a single asset against its full bar history. A
// sample whose as-of date is not a trading day uses the last bar on or
// before it. ErrInsufficientHistory is returned when cutoffs cannot be fit.
func (e *Engine) Label(bars []model.Bar, samples []model.AssembledSample) (*Outcome, error) {
	bars = sortedBars(bars)
	signals := e.Signals(bars)
	m, err := e.Fit(signals)
	if err != nil {
		return nil, err
	}

	maxTau := 0
	for _, tau := range e.opts.Horizons {
		maxTau = max(maxTau, tau)
	}

	out := &Outcome{}
	for _, smp := range samples {
		asOf := model.Day(smp.AsOfDate)
		t := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(asOf) }) - 1
		if t < 0 {
			out.Skipped = append(out.Skipped, &model.DataQualityError{
				Ticker: smp.Ticker, AsOfDate: asOf, Field: "date", Reason: "no bar on or before as-of date",
			})
			continue
		}
		if avail := len(bars) - 1 - t; avail < maxTau {
			out.Skipped = append(out.Skipped, &model.IncompleteForwardWindowError{
				AsOfDate: asOf, Horizon: maxTau, Available: avail,
			})
			continue
		}
		sig := signals[t]
		if !sig.Valid {
			out.Skipped = append(out.Skipped, eris.Wrapf(ErrUndefinedSignal, "label: %s %s", smp.Ticker, asOf.Format(model.DateLayout)))
			continue
		}
		out.Labels = append(out.Labels, model.SampleLabel{
			SampleID:        smp.ID,
			CompositeSignal: sig.Composite,
			HorizonSignals:  sig.Horizons,
			LabelClass:      m.Class(sig.Composite),
			Quantile:        m.Position(sig.Composite),
			RunID:           smp.RunID,
		})
	}
	return out, nil
}

func sortedBars(bars []model.Bar) []model.Bar {
	out := make([]model.Bar, len(bars))
	for i, b := range bars {
		b.Date = model.Day(b.Date)
		out[i] = b
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

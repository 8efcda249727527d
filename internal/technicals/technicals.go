// Package technicals builds the per (asset, as-of date) price window and its
// indicator snapshot from daily bars.
package technicals

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/model"
)

// ErrNoHistory means no bar exists on or before the as-of date.
var ErrNoHistory = eris.New("technicals: no price history on or before as-of date")

// Indicator names as listed in Indicators.Absent.
const (
	NameSMA5       = "sma_5"
	NameSMA10      = "sma_10"
	NameEMA12      = "ema_12"
	NameEMA26      = "ema_26"
	NameMACD       = "macd"
	NameMACDSignal = "macd_signal"
	NameRSI14      = "rsi_14"
	NameATR14      = "atr_14"
	NameBollinger  = "bollinger_20"
	NameDonchian   = "donchian_20"
)

// Options sizes the window. Lookback bars are shown; up to Warmup earlier
// bars feed indicator warm-up.
type Options struct {
	Lookback int
	Warmup   int
}

// OptionsFromConfig maps the technicals config section.
func OptionsFromConfig(c config.TechnicalsConfig) Options {
	return Options{Lookback: c.Lookback, Warmup: c.Warmup}
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 15
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	return o
}

// ComputeWindow returns the price window for asset as of asOfDate. Bars after
// asOfDate are ignored. The result does not depend on the order of history.
func ComputeWindow(asset model.Asset, asOfDate time.Time, history []model.Bar, opts Options) (model.PriceWindow, error) {
	opts = opts.withDefaults()
	asOfDate = model.Day(asOfDate)

	bars, err := prepare(asset, asOfDate, history)
	if err != nil {
		return model.PriceWindow{}, err
	}
	if len(bars) == 0 {
		return model.PriceWindow{}, ErrNoHistory
	}

	series := tail(bars, opts.Lookback+opts.Warmup)
	for _, b := range series {
		if err := validate(asset, asOfDate, b); err != nil {
			return model.PriceWindow{}, err
		}
	}
	window := tail(series, opts.Lookback)
	last := window[len(window)-1]

	return model.PriceWindow{
		AssetID:    asset.ID,
		AsOfDate:   asOfDate,
		Bars:       append([]model.Bar(nil), window...),
		Technicals: Compute(series),
		LastBarAt:  model.EndOfDay(last.Date),
		BarsUsed:   len(series),
	}, nil
}

// LastCloseBy returns the latest calendar date whose daily bar is final by
// cutoff. A bar counts from the end of its day, so a cutoff inside a trading
// day only sees the sessions before it.
func LastCloseBy(cutoff time.Time) time.Time {
	cutoff = cutoff.UTC()
	day := model.Day(cutoff)
	if cutoff.Before(model.EndOfDay(day)) {
		return day.AddDate(0, 0, -1)
	}
	return day
}

// prepare keeps bars dated on or before asOfDate, sorted by date. Identical
// duplicates collapse; conflicting ones are a data quality error.
func prepare(asset model.Asset, asOfDate time.Time, history []model.Bar) ([]model.Bar, error) {
	bars := make([]model.Bar, 0, len(history))
	for _, b := range history {
		b.Date = model.Day(b.Date)
		if b.Date.After(asOfDate) {
			continue
		}
		bars = append(bars, b)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Date.Equal(b.Date) {
			if out[n-1] != b {
				return nil, &model.DataQualityError{
					Ticker: asset.Ticker, AsOfDate: asOfDate, Field: "date",
					Reason: "conflicting bars for " + b.Date.Format(model.DateLayout),
				}
			}
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func validate(asset model.Asset, asOfDate time.Time, b model.Bar) error {
	bad := func(field, reason string) error {
		return &model.DataQualityError{
			Ticker: asset.Ticker, AsOfDate: asOfDate, Field: field,
			Reason: reason + " on " + b.Date.Format(model.DateLayout),
		}
	}
	for _, p := range []struct {
		name string
		v    float64
	}{{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) {
			return bad(p.name, "non-finite price")
		}
		if p.v <= 0 {
			return bad(p.name, "non-positive price")
		}
	}
	if math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) {
		return bad("volume", "non-finite volume")
	}
	if b.Volume < 0 {
		return bad("volume", "negative volume")
	}
	if b.High < b.Low {
		return bad("high", "high below low")
	}
	return nil
}

func tail(bars []model.Bar, n int) []model.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

package assemble

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// packer accumulates sections greedily under a token budget. Each section is
// costed on its own, so the sum bounds the estimate of the joined text.
type packer struct {
	budget int
	cpt    int
	used   int
	b      strings.Builder
}

func newPacker(budget, cpt int) *packer {
	return &packer{budget: budget, cpt: cpt}
}

func (p *packer) cost(s string) int {
	return model.EstimateTokens(s, p.cpt)
}

// add appends s when it fits and reports whether it did.
func (p *packer) add(s string) bool {
	c := p.cost(s)
	if p.used+c > p.budget {
		return false
	}
	p.used += c
	p.b.WriteString(s)
	return true
}

func (p *packer) text() string {
	return strings.TrimRight(p.b.String(), "\n")
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func optNum(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return num(*v)
}

func renderHeader(a model.Asset, asOfDate, cutoff time.Time) string {
	var b strings.Builder
	name := a.Ticker
	if a.Name != "" {
		name += " (" + a.Name + ")"
	}
	fmt.Fprintf(&b, "Asset: %s\n", name)
	if a.Sector != "" {
		fmt.Fprintf(&b, "Sector: %s\n", a.Sector)
	}
	fmt.Fprintf(&b, "As-of date: %s\n", asOfDate.Format(model.DateLayout))
	fmt.Fprintf(&b, "Information cutoff: %s\n\n", cutoff.UTC().Format(time.RFC3339))
	return b.String()
}

func renderTechnicals(w model.PriceWindow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Price history (last %d sessions)\n", len(w.Bars))
	for _, bar := range w.Bars {
		fmt.Fprintf(&b, "%s O %s H %s L %s C %s V %s\n",
			bar.Date.Format(model.DateLayout), num(bar.Open), num(bar.High), num(bar.Low), num(bar.Close),
			strconv.FormatFloat(bar.Volume, 'f', 0, 64))
	}
	t := w.Technicals
	b.WriteString("## Technicals\n")
	fmt.Fprintf(&b, "SMA5 %s | SMA10 %s | EMA12 %s | EMA26 %s\n", optNum(t.SMA5), optNum(t.SMA10), optNum(t.EMA12), optNum(t.EMA26))
	fmt.Fprintf(&b, "MACD %s | signal %s | RSI14 %s | ATR14 %s\n", optNum(t.MACD), optNum(t.MACDSignal), optNum(t.RSI14), optNum(t.ATR14))
	fmt.Fprintf(&b, "Bollinger %s / %s / %s | Donchian %s / %s\n\n",
		optNum(t.BBUpper), optNum(t.BBMiddle), optNum(t.BBLower), optNum(t.DonchianUpper), optNum(t.DonchianLower))
	return b.String()
}

func renderFundamentals(f model.FundamentalsReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Fundamentals (%s %s ending %s)\n", f.Source, f.PeriodType, f.ReportDate.Format(model.DateLayout))
	keys := make([]string, 0, len(f.Metrics))
	for k := range f.Metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, strconv.FormatFloat(f.Metrics[k], 'g', -1, 64))
	}
	b.WriteString("\n")
	return b.String()
}

func renderMacro(events []model.MacroEvent) string {
	var b strings.Builder
	b.WriteString("## Macro\n")
	for _, e := range events {
		name := e.Name
		if e.Country != "" {
			name += " (" + e.Country + ")"
		}
		fmt.Fprintf(&b, "- %s %s: actual %s, forecast %s, previous %s\n",
			e.EventAt.UTC().Format(model.DateLayout), name, optNum(e.Actual), optNum(e.Forecast), optNum(e.Previous))
	}
	b.WriteString("\n")
	return b.String()
}

func renderOptions(contracts []model.OptionContract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Options (%s, underlying %s)\n", contracts[0].AsOfDate.Format(model.DateLayout), num(contracts[0].UnderlyingPrice))
	for _, c := range contracts {
		fmt.Fprintf(&b, "- %s %s %s OI %d IV %s\n",
			c.Expiration.Format(model.DateLayout), c.OptionType, num(c.Strike), c.OpenInterest, num(c.ImpliedVol))
	}
	b.WriteString("\n")
	return b.String()
}

var bucketTitles = map[model.Bucket]string{
	model.BucketRecent:  "## News (0-3 days)\n",
	model.BucketMid:     "## News (4-10 days)\n",
	model.BucketDistant: "## News (11-30 days)\n",
}

func renderNewsHeading(b model.Bucket) string {
	return bucketTitles[b]
}

func renderNewsItem(r model.NormalizedRecord) string {
	line := fmt.Sprintf("- [%s %s] %s", r.PublishedAt.UTC().Format(model.DateLayout), r.Source, r.Headline)
	if r.Snippet != "" {
		line += ": " + r.Snippet
	}
	return line + "\n"
}

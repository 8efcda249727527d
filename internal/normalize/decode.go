package normalize

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/model"
)

type fundamentalsPayload struct {
	ReportDate string             `mapstructure:"report_date"`
	PeriodType string             `mapstructure:"period_type"`
	Currency   string             `mapstructure:"currency"`
	Metrics    map[string]float64 `mapstructure:"metrics"`
}

type optionsPayload struct {
	AsOfDate        string           `mapstructure:"as_of_date"`
	UnderlyingPrice float64          `mapstructure:"underlying_price"`
	Contracts       []optionContract `mapstructure:"contracts"`
}

type optionContract struct {
	Expiration   string  `mapstructure:"expiration"`
	Type         string  `mapstructure:"type"`
	Strike       float64 `mapstructure:"strike"`
	OpenInterest int64   `mapstructure:"open_interest"`
	ImpliedVol   float64 `mapstructure:"implied_vol"`
}

// Decode decodes a raw payload into out. Numeric strings are accepted since
// vendors disagree on number encoding.
func Decode(payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return eris.Wrap(err, "normalize: build decoder")
	}
	return dec.Decode(payload)
}

// ParseDay parses a date or timestamp string to midnight UTC of its day.
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{model.DateLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return model.Day(t), nil
		}
	}
	return time.Time{}, eris.Errorf("normalize: unrecognized date %q", s)
}

func decodeFundamentals(assetID int64, r model.RawRecord) (model.FundamentalsReport, error) {
	var p fundamentalsPayload
	if err := Decode(r.Payload, &p); err != nil {
		return model.FundamentalsReport{}, eris.Wrap(err, "undecodable payload")
	}
	report := model.Day(r.PublishedAt)
	if p.ReportDate != "" {
		d, err := ParseDay(p.ReportDate)
		if err != nil {
			return model.FundamentalsReport{}, eris.Wrap(err, "undecodable payload")
		}
		report = d
	}
	if report.IsZero() {
		return model.FundamentalsReport{}, eris.New("missing timestamp")
	}
	if len(p.Metrics) == 0 {
		return model.FundamentalsReport{}, eris.New("empty content")
	}
	period := strings.ToLower(p.PeriodType)
	if period == "" {
		period = "quarter"
	}
	published := r.PublishedAt.UTC()
	if published.IsZero() {
		published = report
	}
	return model.FundamentalsReport{
		AssetID:     assetID,
		Source:      r.Source,
		ReportDate:  report,
		PeriodType:  period,
		Currency:    p.Currency,
		Metrics:     p.Metrics,
		PublishedAt: published,
	}, nil
}

func decodeOptions(assetID int64, r model.RawRecord) ([]model.OptionContract, error) {
	var p optionsPayload
	if err := Decode(r.Payload, &p); err != nil {
		return nil, eris.Wrap(err, "undecodable payload")
	}
	asOf := model.Day(r.PublishedAt)
	if p.AsOfDate != "" {
		d, err := ParseDay(p.AsOfDate)
		if err != nil {
			return nil, eris.Wrap(err, "undecodable payload")
		}
		asOf = d
	}
	if asOf.IsZero() {
		return nil, eris.New("missing timestamp")
	}
	if len(p.Contracts) == 0 {
		return nil, eris.New("empty content")
	}

	out := make([]model.OptionContract, 0, len(p.Contracts))
	for _, c := range p.Contracts {
		exp, err := ParseDay(c.Expiration)
		if err != nil {
			return nil, eris.Wrap(err, "undecodable payload")
		}
		typ := strings.ToLower(c.Type)
		if typ != "call" && typ != "put" {
			return nil, eris.Errorf("undecodable payload: option type %q", c.Type)
		}
		out = append(out, model.OptionContract{
			AssetID:         assetID,
			AsOfDate:        asOf,
			Expiration:      exp,
			OptionType:      typ,
			Strike:          c.Strike,
			OpenInterest:    c.OpenInterest,
			ImpliedVol:      c.ImpliedVol,
			UnderlyingPrice: p.UnderlyingPrice,
		})
	}
	return out, nil
}

package model

import "time"

// DateLayout is the canonical as-of date format.
const DateLayout = "2006-01-02"

// Asset is a tradable ticker tracked by the dataset.
type Asset struct {
	ID       int64          `json:"id" yaml:"-"`
	Ticker   string         `json:"ticker" yaml:"ticker"`
	Name     string         `json:"name,omitempty" yaml:"name"`
	Sector   string         `json:"sector,omitempty" yaml:"sector"`
	Aliases  []string       `json:"aliases,omitempty" yaml:"aliases"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Day truncates t to midnight UTC of its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns 23:59:59 UTC on the calendar day of d.
func EndOfDay(d time.Time) time.Time {
	return Day(d).Add(24*time.Hour - time.Second)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// DateRange returns every calendar day from start to end inclusive.
func DateRange(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

package model

import (
	"slices"
	"time"
	"unicode/utf8"
)

// Modality is a category of input data that may contribute to a prompt.
type Modality string

const (
	ModalityTechnicals   Modality = "technicals"
	ModalityFundamentals Modality = "fundamentals"
	ModalityMacro        Modality = "macro"
	ModalityOptions      Modality = "options"
	ModalityNews         Modality = "news"
)

// AllModalities lists every modality in prompt packing order.
var AllModalities = []Modality{
	ModalityTechnicals, ModalityFundamentals, ModalityMacro, ModalityOptions, ModalityNews,
}

// Modalities is the set of modalities a caller allows in assembly.
type Modalities []Modality

// Has reports whether m is enabled.
func (ms Modalities) Has(m Modality) bool {
	return slices.Contains(ms, m)
}

// AssembledSample is one prompt variation for an (asset, as-of date).
type AssembledSample struct {
	ID             int64       `json:"id,omitempty"`
	AssetID        int64       `json:"asset_id"`
	Ticker         string      `json:"ticker"`
	AsOfDate       time.Time   `json:"as_of_date"`
	VariationIndex int         `json:"variation_index"`
	AsOfCutoff     time.Time   `json:"as_of_cutoff"`
	SubSeed        string      `json:"sub_seed"`
	PromptText     string      `json:"prompt_text"`
	PromptTokens   int         `json:"prompt_tokens"`
	Checksum       string      `json:"checksum"`
	SourcesMeta    SourcesMeta `json:"sources_meta"`
	RunID          string      `json:"run_id"`
}

// SourcesMeta is the provenance record of what a prompt actually contains.
type SourcesMeta struct {
	Technicals   *TechnicalsMeta   `json:"technicals,omitempty"`
	Fundamentals *FundamentalsMeta `json:"fundamentals,omitempty"`
	Macro        *MacroMeta        `json:"macro,omitempty"`
	Options      *OptionsMeta      `json:"options,omitempty"`
	News         NewsMeta          `json:"news"`
	Missing      []Modality        `json:"missing,omitempty"`
	Truncated    []string          `json:"truncated,omitempty"`
}

// TechnicalsMeta describes the price window included in a prompt.
type TechnicalsMeta struct {
	AsOfDate   string    `json:"as_of_date"`
	WindowDays int       `json:"window_days"`
	LastBarAt  time.Time `json:"last_bar_at"`
	Absent     []string  `json:"absent,omitempty"`
}

// FundamentalsMeta describes the fundamentals report included in a prompt.
type FundamentalsMeta struct {
	Source     string `json:"source"`
	ReportDate string `json:"report_date"`
	PeriodType string `json:"period_type"`
}

// MacroMeta describes the macro events included in a prompt.
type MacroMeta struct {
	Count    int      `json:"count"`
	Sources  []string `json:"sources"`
	Earliest string   `json:"earliest,omitempty"`
	Latest   string   `json:"latest,omitempty"`
}

// OptionsMeta describes the options snapshot included in a prompt.
type OptionsMeta struct {
	AsOfDate string `json:"as_of_date"`
	Records  int    `json:"records"`
}

// NewsMeta describes the news items included in a prompt.
type NewsMeta struct {
	Count         int            `json:"count"`
	Sources       []string       `json:"sources"`
	ByBucket      map[string]int `json:"by_bucket"`
	Earliest      *time.Time     `json:"earliest,omitempty"`
	Latest        *time.Time     `json:"latest,omitempty"`
	ContentHashes []string       `json:"content_hashes,omitempty"`
}

// SampleLabel is the Algorithm S1 label attached to an assembled sample.
type SampleLabel struct {
	SampleID        int64           `json:"sample_id"`
	CompositeSignal float64         `json:"composite_signal"`
	HorizonSignals  map[int]float64 `json:"horizon_signals"`
	LabelClass      int             `json:"label_class"`
	Quantile        float64         `json:"quantile"`
	RunID           string          `json:"run_id"`
}

// ExportRow is the read contract handed to dataset export.
type ExportRow struct {
	Sample     AssembledSample `json:"sample"`
	Label      *SampleLabel    `json:"label,omitempty"`
	ThesisText *string         `json:"thesis_text,omitempty"`
}

// EstimateTokens approximates a token count as ceil(chars / charsPerToken).
func EstimateTokens(s string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

package model

import "time"

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Indicators is a technical snapshot at the last bar of a window. A nil field
// means the window was too short for that indicator.
type Indicators struct {
	SMA5          *float64 `json:"sma_5,omitempty"`
	SMA10         *float64 `json:"sma_10,omitempty"`
	EMA12         *float64 `json:"ema_12,omitempty"`
	EMA26         *float64 `json:"ema_26,omitempty"`
	MACD          *float64 `json:"macd,omitempty"`
	MACDSignal    *float64 `json:"macd_signal,omitempty"`
	RSI14         *float64 `json:"rsi_14,omitempty"`
	ATR14         *float64 `json:"atr_14,omitempty"`
	BBUpper       *float64 `json:"bb_upper,omitempty"`
	BBMiddle      *float64 `json:"bb_middle,omitempty"`
	BBLower       *float64 `json:"bb_lower,omitempty"`
	DonchianUpper *float64 `json:"donchian_upper,omitempty"`
	DonchianLower *float64 `json:"donchian_lower,omitempty"`

	Absent []string `json:"absent,omitempty"`
}

// PriceWindow is the per (asset, as-of date) OHLCV window plus its indicators.
type PriceWindow struct {
	ID         int64      `json:"id,omitempty"`
	AssetID    int64      `json:"asset_id"`
	AsOfDate   time.Time  `json:"as_of_date"`
	Bars       []Bar      `json:"bars"`
	Technicals Indicators `json:"technicals"`
	LastBarAt  time.Time  `json:"last_bar_at"`
	BarsUsed   int        `json:"bars_used"`
}

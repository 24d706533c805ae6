package model

import "time"

// MinuteBar is one minute of OHLCV data for a single ticker. Timestamp is
// always minute-truncated UTC: zero seconds, zero sub-second fields.
type MinuteBar struct {
	Ticker     string    `json:"ticker" db:"ticker"`
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	Open       float64   `json:"open" db:"open"`
	High       float64   `json:"high" db:"high"`
	Low        float64   `json:"low" db:"low"`
	Close      float64   `json:"close" db:"close"`
	Volume     float64   `json:"volume,omitempty" db:"volume"`
	TradeCount int64     `json:"trade_count,omitempty" db:"trade_count"`
	VWAP       float64   `json:"vwap,omitempty" db:"vwap"`
	AsOf       time.Time `json:"as_of" db:"as_of"`
}

// NormalizeTimestamp truncates the bar timestamp to its UTC minute.
func (b *MinuteBar) NormalizeTimestamp() {
	b.Timestamp = b.Timestamp.UTC().Truncate(time.Minute)
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies the bar resolution.
type Timeframe string

const (
	Intraday Timeframe = "intraday"
	Daily    Timeframe = "daily"
)

// ParseTimeframe accepts "intraday"/"1m" and "daily"/"1d".
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intraday", "1m":
		return Intraday, nil
	case "daily", "1d":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Validate returns an error for anything other than Intraday or Daily.
func (tf Timeframe) Validate() error {
	if tf != Intraday && tf != Daily {
		return fmt.Errorf("unknown timeframe %q", string(tf))
	}
	return nil
}

// PriceBar represents a single OHLCV candlestick.
type PriceBar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Time      time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

func (b PriceBar) Range() float64 { return b.High - b.Low }

func (b PriceBar) Body() float64 {
	if b.Close >= b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

func (b PriceBar) IsBullish() bool { return b.Close > b.Open }

func (b PriceBar) UpperWick() float64 { return b.High - max(b.Open, b.Close) }

func (b PriceBar) LowerWick() float64 { return min(b.Open, b.Close) - b.Low }

// BodyPercent is body/range, 0 for a flat bar.
func (b PriceBar) BodyPercent() float64 {
	r := b.Range()
	if r <= 0 {
		return 0
	}
	return b.Body() / r
}

// Date truncates the bar time to its calendar day in the bar's location.
func (b PriceBar) Date() time.Time {
	y, m, d := b.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, b.Time.Location())
}

// Closes extracts close prices in order.
func Closes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes as floats in order.
func Volumes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// MarketSnapshot is a point-in-time derived view of one symbol.
// Nil pointer fields mean "not enough data".
type MarketSnapshot struct {
	Symbol        string    `json:"symbol"`
	LastPrice     float64   `json:"last_price"`
	LastVolume    int64     `json:"last_volume"`
	LastBarTime   time.Time `json:"last_bar_time"`
	SessionDate   time.Time `json:"session_date"`
	SessionOpen   float64   `json:"session_open"`
	SessionHigh   float64   `json:"session_high"`
	SessionLow    float64   `json:"session_low"`
	SessionVolume int64     `json:"session_volume"`
	PrevClose     *float64  `json:"prev_close,omitempty"`
	ChangePct     *float64  `json:"change_pct,omitempty"`
	MA20          *float64  `json:"ma20,omitempty"`
	MA50          *float64  `json:"ma50,omitempty"`
	RSI14         *float64  `json:"rsi14,omitempty"`
	Stale         bool      `json:"stale"`
	IntradayBars  int       `json:"bars_intraday"`
	DailyBars     int       `json:"bars_daily"`
	UpdatedAt     time.Time `json:"updated_at"`
}

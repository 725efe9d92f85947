// Package models defines data structures for kabuscreen
package models

import (
	"time"
)

// MarketSegment is the TSE market tier a symbol belongs to.
type MarketSegment string

const (
	MarketPrime    MarketSegment = "prime"
	MarketStandard MarketSegment = "standard"
	MarketGrowth   MarketSegment = "growth"
)

// MarketSegmentFromCode maps a TSE market code to a segment.
// Only the three target segments are mapped; anything else returns false.
func MarketSegmentFromCode(code string) (MarketSegment, bool) {
	switch code {
	case "0111":
		return MarketPrime, true
	case "0112":
		return MarketStandard, true
	case "0113":
		return MarketGrowth, true
	}
	return "", false
}

// Symbol represents one listed issue on a target market segment.
type Symbol struct {
	Code   string        `json:"code"`
	Name   string        `json:"name"`
	Market MarketSegment `json:"market"`
}

// Bar represents a single day's OHLCV data.
// Invariant: Low <= min(Open, Close) <= max(Open, Close) <= High.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Detection is one symbol matched by one screening rule on one trading day.
// Typed fields mirror the sink columns; Attrs carries rule-specific extras as
// stringified values (the sink stores it verbatim).
type Detection struct {
	Code   string        `json:"code"`
	Name   string        `json:"name"`
	Market MarketSegment `json:"market"`
	Rule   string        `json:"rule"`
	Date   time.Time     `json:"date"`
	Close  float64       `json:"close"`
	Volume int64         `json:"volume"`

	EMA10          *float64 `json:"ema_10,omitempty"`
	EMA20          *float64 `json:"ema_20,omitempty"`
	EMA50          *float64 `json:"ema_50,omitempty"`
	SMA200         *float64 `json:"sma_200,omitempty"`
	SMA200Position string   `json:"sma200_position,omitempty"` // above, below
	Week52High     *float64 `json:"week52_high,omitempty"`
	TouchEMA       string   `json:"touch_ema,omitempty"` // comma-joined, e.g. "10EMA,20EMA"
	PullbackPct    *float64 `json:"pullback_pct,omitempty"`
	BBUpper        *float64 `json:"bb_upper,omitempty"`
	BBLower        *float64 `json:"bb_lower,omitempty"`
	BBMid          *float64 `json:"bb_middle,omitempty"`
	TouchDirection string   `json:"touch_direction,omitempty"` // upper, lower
	StochK         *float64 `json:"stochastic_k,omitempty"`
	StochD         *float64 `json:"stochastic_d,omitempty"`

	Attrs map[string]string `json:"attrs,omitempty"`
}

// RunSummary is the per-(rule, run) record persisted by the result sink.
// TotalMatched is the pre-sampling population size.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	Rule         string    `json:"rule"`
	TradingDate  time.Time `json:"trading_date"`
	MarketFilter string    `json:"market_filter"`
	TotalMatched int       `json:"total_matched"`
	ExecMillis   int64     `json:"exec_millis"`
}

// CacheStats reports persistent cache usage for one run.
type CacheStats struct {
	Files   int     `json:"files"`
	Bytes   int64   `json:"bytes"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percent
}

// Float64Ptr returns a pointer to v. Convenience for Detection fields.
func Float64Ptr(v float64) *float64 {
	return &v
}

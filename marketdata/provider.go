package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA PROVIDER - Collaborator boundary for bars, quotes and the scan feed
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stages only ever see this interface. Indicator values on bars are
// precomputed by the provider (see indicators.go), so the state machines
// downstream read named fields instead of running their own math.
//
// All calls may fail transiently; callers treat an error as "no data this
// tick" for that symbol, never as fatal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Bar is one processed minute bar with its indicator fields filled in.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64

	// Precomputed indicators (zero when the series is too short)
	EMA        decimal.Decimal // trailing EMA used by the exit staircase
	MACD       decimal.Decimal
	MACDSignal decimal.Decimal
	VWAP       decimal.Decimal // session-cumulative volume-weighted price
	ATR        decimal.Decimal
}

// Red reports whether the bar closed below its open.
func (b Bar) Red() bool { return b.Close.LessThan(b.Open) }

// Candidate is one row of the universe scan feed, pre-qualification.
type Candidate struct {
	Symbol      string
	Price       decimal.Decimal
	Volume      int64   // current minute volume
	AvgVol10    float64 // 10-day same-minute average volume
	PctMove     float64 // % move vs prior close
	HODDist     float64 // % below high of day
	SpreadPct   float64
	FloatShares int64 // 0 when unknown
	Halted      bool
	Trend       float64 // EMA-slope score, clamped [0, 1.5]
}

// Provider supplies bars, quotes and scan candidates to the stages.
type Provider interface {
	// LatestBars returns up to lookback processed bars for symbol, oldest
	// first. An empty slice means no data this tick.
	LatestBars(symbol string, lookback int) ([]Bar, error)

	// QuoteSpreadPct returns the quoted bid/ask spread as a percent of the
	// last price.
	QuoteSpreadPct(symbol string) (float64, error)

	// ScanUniverse returns the current candidate rows for qualification.
	ScanUniverse() ([]Candidate, error)
}

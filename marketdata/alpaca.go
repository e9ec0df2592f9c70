package marketdata

import (
	"fmt"
	"time"

	md "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALPACA PROVIDER - REST-backed bars, quotes and scan candidates
// ═══════════════════════════════════════════════════════════════════════════════

const minutesPerSession = 390

// AlpacaProvider implements Provider on top of the Alpaca market data API.
// The scan universe is the configured symbol list; the screener query itself
// lives upstream of this process.
type AlpacaProvider struct {
	client   *md.Client
	universe []string
	opts     IndicatorOptions

	// 10-day average daily volume per symbol, cached for the session and
	// scaled to a per-minute baseline for relative-volume checks.
	avgVol map[string]float64
}

// NewAlpacaProvider builds a provider for the given scan universe. The Alpaca
// client reads APCA_API_KEY_ID / APCA_API_SECRET_KEY from the environment.
func NewAlpacaProvider(universe []string, opts IndicatorOptions) *AlpacaProvider {
	return &AlpacaProvider{
		client:   md.NewClient(md.ClientOpts{}),
		universe: universe,
		opts:     opts,
		avgVol:   make(map[string]float64),
	}
}

// LatestBars returns the last lookback minute bars, indicator-enriched.
func (p *AlpacaProvider) LatestBars(symbol string, lookback int) ([]Bar, error) {
	raw, err := p.client.GetBars(symbol, md.GetBarsRequest{
		TimeFrame: md.OneMin,
		Start:     time.Now().Add(-time.Duration(lookback*3) * time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if len(raw) > lookback {
		raw = raw[len(raw)-lookback:]
	}
	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Time:   b.Timestamp,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}
	return Enrich(bars, p.opts), nil
}

// QuoteSpreadPct returns (ask-bid)/last as a percent.
func (p *AlpacaProvider) QuoteSpreadPct(symbol string) (float64, error) {
	q, err := p.client.GetLatestQuote(symbol, md.GetLatestQuoteRequest{})
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", symbol, err)
	}
	t, err := p.client.GetLatestTrade(symbol, md.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("trade %s: %w", symbol, err)
	}
	if q == nil || t == nil || q.BidPrice <= 0 || q.AskPrice <= 0 || t.Price <= 0 {
		return 99.0, nil // unquotable: effectively infinite spread
	}
	return (q.AskPrice - q.BidPrice) / t.Price * 100, nil
}

// ScanUniverse snapshots every universe symbol into a candidate row.
// A failed symbol is dropped from this cycle, not fatal.
func (p *AlpacaProvider) ScanUniverse() ([]Candidate, error) {
	out := make([]Candidate, 0, len(p.universe))
	for _, sym := range p.universe {
		c, err := p.snapshot(sym)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *AlpacaProvider) snapshot(symbol string) (Candidate, error) {
	snap, err := p.client.GetSnapshot(symbol, md.GetSnapshotRequest{})
	if err != nil || snap == nil {
		return Candidate{}, fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	c := Candidate{Symbol: symbol}

	if snap.MinuteBar != nil {
		c.Price = decimal.NewFromFloat(snap.MinuteBar.Close)
		c.Volume = int64(snap.MinuteBar.Volume)
	} else if snap.LatestTrade != nil {
		c.Price = decimal.NewFromFloat(snap.LatestTrade.Price)
	}
	if c.Price.IsZero() {
		return Candidate{}, fmt.Errorf("snapshot %s: no price", symbol)
	}
	price, _ := c.Price.Float64()

	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close > 0 {
		c.PctMove = (price - snap.PrevDailyBar.Close) / snap.PrevDailyBar.Close * 100
	}
	if snap.DailyBar != nil && snap.DailyBar.High > 0 {
		c.HODDist = (snap.DailyBar.High - price) / snap.DailyBar.High * 100
	}
	if snap.LatestQuote != nil && snap.LatestQuote.BidPrice > 0 && snap.LatestQuote.AskPrice > 0 {
		c.SpreadPct = (snap.LatestQuote.AskPrice - snap.LatestQuote.BidPrice) / price * 100
	} else {
		c.SpreadPct = 99.0
	}

	c.AvgVol10 = p.avgMinuteVolume(symbol)
	c.Trend = p.trend(symbol)
	return c, nil
}

// avgMinuteVolume lazily computes a per-minute volume baseline from the last
// ten daily bars.
func (p *AlpacaProvider) avgMinuteVolume(symbol string) float64 {
	if v, ok := p.avgVol[symbol]; ok {
		return v
	}
	daily, err := p.client.GetBars(symbol, md.GetBarsRequest{
		TimeFrame: md.OneDay,
		Start:     time.Now().AddDate(0, 0, -15),
	})
	if err != nil || len(daily) == 0 {
		return 1.0
	}
	if len(daily) > 10 {
		daily = daily[len(daily)-10:]
	}
	var sum float64
	for _, b := range daily {
		sum += float64(b.Volume)
	}
	v := sum / float64(len(daily)) / minutesPerSession
	if v < 1 {
		v = 1
	}
	p.avgVol[symbol] = v
	return v
}

func (p *AlpacaProvider) trend(symbol string) float64 {
	bars, err := p.LatestBars(symbol, 15)
	if err != nil || len(bars) < 3 {
		return 0
	}
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return TrendScore(closes)
}

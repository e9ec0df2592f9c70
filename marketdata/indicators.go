package marketdata

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATOR ENRICHMENT - Pure transforms over raw OHLCV bars
// ═══════════════════════════════════════════════════════════════════════════════

// IndicatorOptions selects the lengths used to enrich a bar series.
type IndicatorOptions struct {
	EMALen     int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATRLen     int
}

// DefaultIndicatorOptions matches the intraday defaults used by the stages.
func DefaultIndicatorOptions() IndicatorOptions {
	return IndicatorOptions{EMALen: 9, MACDFast: 3, MACDSlow: 10, MACDSignal: 16, ATRLen: 14}
}

// Enrich fills the indicator fields of a raw bar slice in place and returns
// it. Bars must be ordered oldest first.
func Enrich(bars []Bar, opts IndicatorOptions) []Bar {
	if len(bars) == 0 {
		return bars
	}

	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	ema := emaSeries(closes, opts.EMALen)
	fast := emaSeries(closes, opts.MACDFast)
	slow := emaSeries(closes, opts.MACDSlow)
	macd := make([]decimal.Decimal, len(bars))
	for i := range bars {
		macd[i] = fast[i].Sub(slow[i])
	}
	signal := emaSeries(macd, opts.MACDSignal)

	// Cumulative VWAP over the series.
	pv := decimal.Zero
	vol := decimal.Zero
	for i, b := range bars {
		v := decimal.NewFromInt(b.Volume)
		pv = pv.Add(b.Close.Mul(v))
		vol = vol.Add(v)
		bars[i].EMA = ema[i]
		bars[i].MACD = macd[i]
		bars[i].MACDSignal = signal[i]
		if vol.IsPositive() {
			bars[i].VWAP = pv.Div(vol)
		}
		bars[i].ATR = atrAt(bars, i, opts.ATRLen)
	}
	return bars
}

// emaSeries computes an EMA over values: multiplier 2/(n+1), seeded with the
// first value.
func emaSeries(values []decimal.Decimal, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	mult := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		// EMA = (value - prevEMA) * multiplier + prevEMA
		out[i] = values[i].Sub(out[i-1]).Mul(mult).Add(out[i-1])
	}
	return out
}

// atrAt averages the true range over the window ending at index i.
func atrAt(bars []Bar, i, period int) decimal.Decimal {
	if i < 1 || period <= 0 {
		return decimal.Zero
	}
	start := i - period + 1
	if start < 1 {
		start = 1
	}
	sum := decimal.Zero
	n := 0
	for j := start; j <= i; j++ {
		// True Range = max(high-low, |high-prevClose|, |low-prevClose|)
		hl := bars[j].High.Sub(bars[j].Low)
		hpc := bars[j].High.Sub(bars[j-1].Close).Abs()
		lpc := bars[j].Low.Sub(bars[j-1].Close).Abs()

		tr := hl
		if hpc.GreaterThan(tr) {
			tr = hpc
		}
		if lpc.GreaterThan(tr) {
			tr = lpc
		}
		sum = sum.Add(tr)
		n++
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// TrendScore scores the slope of a short EMA over the last closes, clamped
// to [0, 1.5]. Used by the scanner's quality metric.
func TrendScore(closes []decimal.Decimal) float64 {
	if len(closes) < 3 {
		return 0
	}
	ema3 := emaSeries(closes, 3)
	prev := ema3[len(ema3)-3]
	if prev.IsZero() {
		return 0
	}
	slope, _ := ema3[len(ema3)-1].Sub(prev).Div(prev).Float64()
	score := slope * 100
	if score < 0 {
		return 0
	}
	if score > 1.5 {
		return 1.5
	}
	return score
}

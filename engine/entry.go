package engine

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/broker"
	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/ledger"
	"github.com/martibx7/momentum-quant/marketdata"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY - Stage 2/3, trigger gate & order submission
// ═══════════════════════════════════════════════════════════════════════════════
//
// Armed stream → MACD cross + volume spike + spread gate → ledger admission
//             → first fill + optional conditional break-add → Entry stream
//
// ═══════════════════════════════════════════════════════════════════════════════

// entryLookback is the bar window fetched per armed symbol; the trigger needs
// at least 7 bars (one prior MACD value plus a 5-bar volume average).
const (
	entryLookback = 10
	entryMinBars  = 7
)

// TradeJournal persists trade events to durable storage.
type TradeJournal interface {
	LogTrade(symbol, side string, qty int64, price decimal.Decimal, action, comment string)
}

// TradeNotifier pushes trade events to an external channel.
type TradeNotifier interface {
	NotifyTrade(action, symbol string, qty int64, price decimal.Decimal)
}

type armedAlert struct {
	symbol  string
	highRef decimal.Decimal // pullback high used as the break-add reference
	ts      time.Time
}

type Entry struct {
	cfg      config.EntryConfig
	loc      *time.Location
	data     marketdata.Provider
	brk      broker.Broker
	led      *ledger.Ledger
	armedSrc eventlog.Source
	entries  eventlog.Sink

	journal  TradeJournal
	notifier TradeNotifier

	armed map[string]armedAlert
	now   func() time.Time
}

func NewEntry(cfg config.EntryConfig, loc *time.Location, data marketdata.Provider, brk broker.Broker, led *ledger.Ledger, armedSrc eventlog.Source, entries eventlog.Sink) *Entry {
	return &Entry{
		cfg:      cfg,
		loc:      loc,
		data:     data,
		brk:      brk,
		led:      led,
		armedSrc: armedSrc,
		entries:  entries,
		armed:    make(map[string]armedAlert),
		now:      time.Now,
	}
}

func (e *Entry) Name() string { return "entry" }

// SetJournal attaches a trade journal.
func (e *Entry) SetJournal(j TradeJournal) { e.journal = j }

// SetNotifier attaches a trade notifier.
func (e *Entry) SetNotifier(n TradeNotifier) { e.notifier = n }

// Armed returns the number of symbols awaiting a trigger.
func (e *Entry) Armed() int { return len(e.armed) }

func (e *Entry) RunOnce(ctx context.Context) error {
	if err := e.consumeNewArmed(); err != nil {
		return err
	}
	now := e.now().In(e.loc)

	for sym, ar := range e.armed {
		// One symbol's data or broker failure never blocks the others.
		e.evaluate(now, sym, ar)
	}
	return nil
}

func (e *Entry) consumeNewArmed() error {
	rows, err := e.armedSrc.ConsumeNew()
	if err != nil {
		return err
	}
	for _, row := range rows {
		ar, err := eventlog.ParseArmed(row)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping unparseable armed record")
			continue
		}
		e.armed[ar.Symbol] = armedAlert{symbol: ar.Symbol, highRef: ar.Price, ts: ar.TS}
	}
	return nil
}

func (e *Entry) evaluate(now time.Time, sym string, ar armedAlert) {
	bars, err := e.data.LatestBars(sym, entryLookback)
	if err != nil || len(bars) < entryMinBars {
		return
	}
	if !macdCross(bars) {
		return
	}
	if !e.volSpike(bars) {
		return
	}

	price := bars[len(bars)-1].Close
	spread, err := e.data.QuoteSpreadPct(sym)
	if err != nil {
		log.Debug().Err(err).Str("symbol", sym).Msg("No quote this tick")
		return
	}
	if spread > e.cfg.MaxSpreadPct {
		log.Debug().Str("symbol", sym).Float64("spread_pct", spread).Msg("Spread too wide")
		return
	}

	stopDist := e.stopDistance(bars, price)
	rUnit := e.led.RiskUnit()
	sd, _ := stopDist.Float64()
	if sd <= 0 || rUnit <= 0 {
		return
	}
	qty := int64(math.Floor(rUnit / sd))
	if qty <= 0 {
		return
	}
	riskR := float64(qty) * sd / rUnit

	if !e.led.OkToTrade(sym, price, qty, stopDist, 0) {
		// The symbol stays armed and retries on later ticks, when budget
		// or caps may have freed up, unless configured to drop it.
		if e.cfg.DropRejected {
			delete(e.armed, sym)
		}
		return
	}

	// First fill: an immediate market order for a fraction of the sized qty.
	firstQty := int64(math.Ceil(float64(qty) * e.cfg.FirstFillPct))
	orderID, err := e.brk.SubmitMarketOrder(sym, broker.SideBuy, firstQty)
	if err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("First fill failed")
		return
	}
	if err := e.brk.MoveStop(sym, price.Sub(stopDist)); err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("Initial stop placement failed")
	}

	rec := eventlog.Entry{
		TS:      now,
		Symbol:  sym,
		Side:    broker.SideBuy,
		Qty:     firstQty,
		AvgFill: "pending",
		RiskR:   riskR,
		Comment: "first_fill",
	}
	if err := e.entries.Append(rec); err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("Entry append failed")
	}
	if e.journal != nil {
		e.journal.LogTrade(sym, broker.SideBuy, firstQty, price, "OPEN", "first_fill")
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade("OPEN", sym, firstQty, price)
	}
	log.Info().
		Str("symbol", sym).
		Int64("qty", firstQty).
		Str("price", price.StringFixed(2)).
		Float64("risk_R", riskR).
		Str("order_id", orderID).
		Msg("✅ Position opened")

	// Armed state is consumed by the first fill, whatever the add-on does.
	delete(e.armed, sym)

	// Optional break-add: the remainder fills only if price clears the
	// pullback high by the configured margin.
	rest := qty - firstQty
	if e.cfg.AddAfterBreak > 0 && rest > 0 {
		target := ar.highRef.Mul(decimal.NewFromFloat(1 + e.cfg.AddAfterBreak/100))
		if _, err := e.brk.SubmitConditionalOrder(sym, target, rest); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Break-add registration failed")
			return
		}
		log.Info().
			Str("symbol", sym).
			Int64("qty", rest).
			Str("trigger", target.StringFixed(2)).
			Msg("Break-add registered")
	}
}

// macdCross reports a cross of MACD above its signal line on the last bar:
// below on the prior bar, above on the current one.
func macdCross(bars []marketdata.Bar) bool {
	n := len(bars)
	prev, cur := bars[n-2], bars[n-1]
	return prev.MACD.LessThan(prev.MACDSignal) && cur.MACD.GreaterThan(cur.MACDSignal)
}

// volSpike reports whether the last bar's volume is at least the configured
// multiple of the average of the five bars before it.
func (e *Entry) volSpike(bars []marketdata.Bar) bool {
	n := len(bars)
	sum := int64(0)
	for _, b := range bars[n-6 : n-1] {
		sum += b.Volume
	}
	avg5 := float64(sum) / 5
	return float64(bars[n-1].Volume) >= avg5*e.cfg.VolSpikeRatio
}

// stopDistance prefers an ATR-based stop when the indicator is present,
// falling back to a fixed percentage of price.
func (e *Entry) stopDistance(bars []marketdata.Bar, price decimal.Decimal) decimal.Decimal {
	atr := bars[len(bars)-1].ATR
	if e.cfg.ATRStopMult > 0 && atr.IsPositive() {
		return atr.Mul(decimal.NewFromFloat(e.cfg.ATRStopMult))
	}
	return price.Mul(decimal.NewFromFloat(e.cfg.StopPct / 100))
}

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
// EXIT - Stage 4, staircase stop management & first-red partial exit
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ledger live view → PosState per symbol → stop moves / partial exits → Exit stream
//
// locked_R staircase, driven by profit in R multiples:
//   -1 → 0   at +1R: stop to breakeven
//    0 → 1   at +2R: stop to entry + 1R
//   at +3R:  EMA trail (up-only) plus a one-shot partial exit on the first
//            red close
//
// Positions appear and disappear by diffing the ledger's refreshed view each
// tick; a symbol no longer live was closed by the broker or a prior exit.
//
// ═══════════════════════════════════════════════════════════════════════════════

// exitLookback is the bar window fetched per managed symbol.
const exitLookback = 20

// PosState is the staircase state machine for one live position.
type PosState struct {
	Symbol   string
	Qty      int64
	Entry    decimal.Decimal
	Stop     decimal.Decimal
	LockedR  int // integer R floor achieved: -1, 0, 1, ...
	RedFired bool
}

type Exit struct {
	cfg   config.ExitConfig
	loc   *time.Location
	data  marketdata.Provider
	brk   broker.Broker
	led   *ledger.Ledger
	exits eventlog.Sink

	journal  TradeJournal
	notifier TradeNotifier

	states map[string]*PosState
	now    func() time.Time
}

func NewExit(cfg config.ExitConfig, loc *time.Location, data marketdata.Provider, brk broker.Broker, led *ledger.Ledger, exits eventlog.Sink) *Exit {
	return &Exit{
		cfg:    cfg,
		loc:    loc,
		data:   data,
		brk:    brk,
		led:    led,
		exits:  exits,
		states: make(map[string]*PosState),
		now:    time.Now,
	}
}

func (e *Exit) Name() string { return "exit" }

// SetJournal attaches a trade journal.
func (e *Exit) SetJournal(j TradeJournal) { e.journal = j }

// SetNotifier attaches a trade notifier.
func (e *Exit) SetNotifier(n TradeNotifier) { e.notifier = n }

// Managed returns the number of positions under management.
func (e *Exit) Managed() int { return len(e.states) }

func (e *Exit) RunOnce(ctx context.Context) error {
	e.led.Refresh()
	e.syncPositions()

	for sym, st := range e.states {
		bars, err := e.data.LatestBars(sym, exitLookback)
		if err != nil || len(bars) == 0 {
			continue
		}
		e.manage(sym, st, bars)
	}

	e.pruneClosed()
	return nil
}

// syncPositions diffs the ledger's live view against tracked state:
// new symbols start at the initial stop (-1R), vanished symbols are dropped.
func (e *Exit) syncPositions() {
	live := e.led.LivePositions()
	for sym, pos := range live {
		if _, ok := e.states[sym]; !ok {
			e.states[sym] = &PosState{
				Symbol:  sym,
				Qty:     pos.Qty,
				Entry:   pos.AvgPrice,
				Stop:    pos.StopPrice,
				LockedR: -1,
			}
			log.Info().Str("symbol", sym).Int64("qty", pos.Qty).Msg("📈 Managing position")
		}
	}
	for sym := range e.states {
		if _, ok := live[sym]; !ok {
			delete(e.states, sym)
			log.Info().Str("symbol", sym).Msg("Position closed, dropping state")
		}
	}
}

func (e *Exit) manage(sym string, st *PosState, bars []marketdata.Bar) {
	last := bars[len(bars)-1].Close

	// 1R per share is a fixed percentage of the entry price.
	rVal := st.Entry.Mul(decimal.NewFromFloat(math.Abs(e.cfg.StopRPct) / 100))
	if !rVal.IsPositive() {
		return
	}
	pnlR, _ := last.Sub(st.Entry).Div(rVal).Float64()

	if pnlR >= 1 && st.LockedR < 0 {
		e.moveStop(sym, st, st.Entry, "breakeven")
		st.LockedR = 0
	}
	if pnlR >= 2 && st.LockedR < 1 {
		e.moveStop(sym, st, st.Entry.Add(rVal), "lock_1R")
		st.LockedR = 1
	}
	if pnlR >= 3 {
		e.trailEMA(sym, st, bars)
		e.firstRedExit(sym, st, bars)
	}
}

// moveStop raises the broker stop, never lowering it.
func (e *Exit) moveStop(sym string, st *PosState, newStop decimal.Decimal, comment string) {
	if newStop.LessThanOrEqual(st.Stop) {
		return
	}
	if err := e.brk.MoveStop(sym, newStop); err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("Stop move failed")
		return
	}
	st.Stop = newStop
	e.record(sym, 0, newStop, "move_stop_"+comment)
	log.Info().Str("symbol", sym).Str("stop", newStop.StringFixed(2)).Str("reason", comment).Msg("🪜 Stop raised")
}

func (e *Exit) trailEMA(sym string, st *PosState, bars []marketdata.Bar) {
	ema := bars[len(bars)-1].EMA
	if ema.GreaterThan(st.Stop) {
		e.moveStop(sym, st, ema, "ema_trail")
	}
}

// firstRedExit sells a configured fraction of the remaining quantity on the
// first red close after +3R. Fires at most once per position lifetime, even
// if a later add-on raises the quantity.
func (e *Exit) firstRedExit(sym string, st *PosState, bars []marketdata.Bar) {
	if st.RedFired {
		return
	}
	last := bars[len(bars)-1]
	if !last.Red() {
		return
	}
	qtyExit := int64(math.Floor(float64(st.Qty) * e.cfg.FirstRedExitPct / 100))
	if qtyExit <= 0 {
		return
	}
	if _, err := e.brk.SubmitMarketOrder(sym, broker.SideSell, qtyExit); err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("First-red exit failed")
		return
	}
	st.Qty -= qtyExit
	st.RedFired = true
	e.record(sym, qtyExit, last.Close, "first_red")
	if e.journal != nil {
		e.journal.LogTrade(sym, broker.SideSell, qtyExit, last.Close, "EXIT", "first_red")
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade("FIRST_RED", sym, qtyExit, last.Close)
	}
	log.Info().Str("symbol", sym).Int64("qty", qtyExit).Str("price", last.Close.StringFixed(2)).Msg("📊 First-red partial exit")
}

func (e *Exit) pruneClosed() {
	for sym, st := range e.states {
		if st.Qty <= 0 {
			delete(e.states, sym)
		}
	}
}

func (e *Exit) record(sym string, qty int64, price decimal.Decimal, comment string) {
	rec := eventlog.Exit{
		TS:      e.now().In(e.loc),
		Symbol:  sym,
		Action:  broker.SideSell,
		Qty:     qty,
		Price:   price,
		Comment: comment,
	}
	if err := e.exits.Append(rec); err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("Exit append failed")
	}
}

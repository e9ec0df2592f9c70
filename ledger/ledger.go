package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/broker"
	"github.com/martibx7/momentum-quant/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Risk accounting & admission control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry stage asks → Ledger approves/rejects → order goes out
//
// The ledger is the single shared mutable resource across stages. All risk
// booking goes through OkToTrade's recompute-then-book sequence; no other
// code path increments open R. Booking is speculative: risk is added on a
// true answer before any fill confirms, and reconciled on the next call's
// recomputation from the broker's live view.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Ledger tracks equity, open positions and aggregate open risk in R units.
type Ledger struct {
	mu  sync.Mutex
	brk broker.Broker
	cfg config.RiskConfig
	loc *time.Location
	now func() time.Time

	today     string // YYYY-MM-DD in the trading timezone
	positions map[string]broker.Position
	equity    decimal.Decimal
	openR     float64
}

// New creates a ledger bound to a broker. The trading-calendar timezone is
// validated here; an unknown zone is a startup failure.
func New(brk broker.Broker, cfg config.RiskConfig) (*Ledger, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger: timezone %q: %w", cfg.Timezone, err)
	}
	l := &Ledger{brk: brk, cfg: cfg, loc: loc, now: time.Now}
	l.mu.Lock()
	l.resetForNewDay()
	l.mu.Unlock()
	return l, nil
}

// RiskUnit returns the dollar value of 1 R at current equity.
func (l *Ledger) RiskUnit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.riskUnit()
}

func (l *Ledger) riskUnit() float64 {
	eq, _ := l.equity.Float64()
	return eq * l.cfg.RPctEquity
}

// OpenR returns cumulative open risk across positions, in R units.
func (l *Ledger) OpenR() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openR
}

// Equity returns the last known account equity.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equity
}

// LivePositions returns a copy of the cached position view.
func (l *Ledger) LivePositions() map[string]broker.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]broker.Position, len(l.positions))
	for sym, p := range l.positions {
		out[sym] = p
	}
	return out
}

// Refresh rolls the trading day if needed and re-syncs positions, equity and
// open R from the broker. Broker failures leave the previous view in place.
func (l *Ledger) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayIfNeeded()
	l.refreshFromBroker()
}

// OkToTrade vets a prospective entry. On true, the candidate's risk is
// booked immediately; on false nothing changes, so the rejection decision is
// idempotent for identical inputs and ledger state.
func (l *Ledger) OkToTrade(symbol string, price decimal.Decimal, qty int64, stopDist decimal.Decimal, quality float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayIfNeeded()
	l.refreshFromBroker()

	reject := func(reason string) bool {
		log.Info().
			Str("symbol", symbol).
			Int64("qty", qty).
			Float64("open_R", l.openR).
			Str("reason", reason).
			Msg("🚫 Entry rejected by ledger")
		return false
	}

	// Hard cap: absolute concurrent-position limit (0 disables).
	if l.cfg.HardPositionCap > 0 && len(l.positions) >= l.cfg.HardPositionCap {
		return reject(fmt.Sprintf("hard_position_cap hit (%d)", l.cfg.HardPositionCap))
	}

	// Soft cap: above it, only high-quality candidates pass.
	if l.cfg.SoftPositionCap > 0 && len(l.positions) >= l.cfg.SoftPositionCap {
		if quality < l.cfg.QualityThrottle {
			return reject(fmt.Sprintf("soft cap active; quality %.2f < %.2f", quality, l.cfg.QualityThrottle))
		}
	}

	// Daily risk budget.
	rUnit := l.riskUnit()
	if rUnit <= 0 {
		return reject("risk unit is zero")
	}
	sd, _ := stopDist.Float64()
	riskR := float64(qty) * sd / rUnit
	if l.openR+riskR > l.cfg.DailyMaxR {
		return reject(fmt.Sprintf("daily_max_R exceeded (%.2f + %.2f > %.2f)", l.openR, riskR, l.cfg.DailyMaxR))
	}

	// Book it.
	l.openR += riskR
	log.Info().
		Str("symbol", symbol).
		Str("price", price.StringFixed(2)).
		Int64("qty", qty).
		Float64("risk_R", riskR).
		Float64("open_R", l.openR).
		Msg("✅ Risk booked")
	return true
}

// rollDayIfNeeded resets the book when the calendar date changes in the
// trading timezone. A tick straddling midnight rolls on its next invocation.
func (l *Ledger) rollDayIfNeeded() {
	if l.now().In(l.loc).Format("2006-01-02") != l.today {
		l.resetForNewDay()
	}
}

func (l *Ledger) resetForNewDay() {
	l.today = l.now().In(l.loc).Format("2006-01-02")
	l.positions = make(map[string]broker.Position)
	l.openR = 0
	l.equity = l.fetchEquity()
	log.Info().Str("date", l.today).Str("equity", l.equity.StringFixed(2)).Msg("📅 Ledger reset")
}

// refreshFromBroker re-syncs the position cache and equity, then recomputes
// open R from the live stop distances.
func (l *Ledger) refreshFromBroker() {
	if pos, err := l.brk.LivePositions(); err != nil {
		log.Warn().Err(err).Msg("Position refresh failed, keeping previous view")
	} else {
		l.positions = pos
	}
	l.equity = l.fetchEquity()
	l.recomputeOpenR()
}

func (l *Ledger) fetchEquity() decimal.Decimal {
	eq, err := l.brk.AccountEquity()
	if err != nil || !eq.IsPositive() {
		if err != nil {
			log.Warn().Err(err).Float64("default", l.cfg.DefaultEquity).Msg("Equity fetch failed, using fallback")
		}
		if l.equity.IsPositive() {
			return l.equity
		}
		return decimal.NewFromFloat(l.cfg.DefaultEquity)
	}
	return eq
}

func (l *Ledger) recomputeOpenR() {
	rUnit := l.riskUnit()
	if rUnit <= 0 {
		l.openR = 0
		return
	}
	total := 0.0
	for _, p := range l.positions {
		dist := p.AvgPrice.Sub(p.StopPrice).Abs()
		if p.StopPrice.IsZero() || dist.IsZero() {
			// No working stop (or stop at entry): assume the fallback
			// percentage distance rather than divide by zero.
			dist = p.AvgPrice.Mul(decimal.NewFromFloat(l.cfg.FallbackStopPct / 100))
		}
		d, _ := dist.Float64()
		total += float64(p.Qty) * d / rUnit
	}
	l.openR = total
}

package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/marketdata"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WATCH - Stage 1, micro-pullback validation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Alert stream → PullbackState per symbol → Armed stream
//
// Each alerted symbol accumulates a bounded window of bars and is promoted
// the first tick its pullback qualifies. Symbols that neither qualify nor
// time out just keep accumulating. Timeout purge runs before evaluation:
// a stale symbol is dropped even if its bars would qualify this tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PullbackState tracks one alerted symbol while it forms a pullback.
type PullbackState struct {
	Symbol  string
	AlertTS time.Time
	High    decimal.Decimal // rolling high since the alert
	Bars    []marketdata.Bar

	depth int
}

// NewPullbackState starts tracking a symbol from its alert price.
func NewPullbackState(symbol string, alertTS time.Time, alertPrice decimal.Decimal, depth int) *PullbackState {
	return &PullbackState{Symbol: symbol, AlertTS: alertTS, High: alertPrice, depth: depth}
}

// Update appends one bar to the bounded window and raises the rolling high.
func (p *PullbackState) Update(bar marketdata.Bar) {
	p.Bars = append(p.Bars, bar)
	if len(p.Bars) > p.depth {
		p.Bars = p.Bars[1:]
	}
	if bar.Close.GreaterThan(p.High) {
		p.High = bar.Close
	}
}

// IsValidPullback reports whether the buffered bars form an acceptable
// micro-pullback: fewer than three bars never qualifies; the recent red bars
// (up to the configured limit) must carry no more than the configured ratio
// of the volume of an equal count of green bars; the depth from the rolling
// high to the last close must not exceed the max pullback percent; and,
// when enabled, the last close must hold above the window's VWAP.
func (p *PullbackState) IsValidPullback(cfg config.WatchConfig) bool {
	if len(p.Bars) < 3 {
		return false
	}

	redCount := 0
	redVol := int64(0)
	for i := len(p.Bars) - 1; i >= 0; i-- {
		b := p.Bars[i]
		if !b.Red() {
			continue
		}
		if redCount >= cfg.MaxRedBars {
			break
		}
		redCount++
		redVol += b.Volume
	}

	greenVol := int64(0)
	greensChecked := 0
	for i := len(p.Bars) - 1; i >= 0 && greensChecked < redCount; i-- {
		b := p.Bars[i]
		if b.Close.GreaterThanOrEqual(b.Open) {
			greenVol += b.Volume
			greensChecked++
		}
	}

	if redCount == 0 || greenVol == 0 {
		return false
	}

	lastClose := p.Bars[len(p.Bars)-1].Close
	if p.High.IsZero() {
		return false
	}
	high, _ := p.High.Float64()
	last, _ := lastClose.Float64()
	pullPct := (high - last) / high * 100
	if pullPct > cfg.MaxPullbackPct {
		return false
	}

	if float64(redVol)/float64(greenVol) > cfg.LowVolRatio {
		return false
	}

	if cfg.MustHoldVWAP {
		if lastClose.LessThan(p.windowVWAP()) {
			return false
		}
	}
	return true
}

// windowVWAP is the volume-weighted close over the buffered bars.
func (p *PullbackState) windowVWAP() decimal.Decimal {
	totalVol := decimal.Zero
	weighted := decimal.Zero
	for _, b := range p.Bars {
		v := decimal.NewFromInt(b.Volume)
		totalVol = totalVol.Add(v)
		weighted = weighted.Add(b.Close.Mul(v))
	}
	if totalVol.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(totalVol)
}

type Watch struct {
	cfg    config.WatchConfig
	loc    *time.Location
	data   marketdata.Provider
	alerts eventlog.Source
	armed  eventlog.Sink
	states map[string]*PullbackState
	now    func() time.Time
}

func NewWatch(cfg config.WatchConfig, loc *time.Location, data marketdata.Provider, alerts eventlog.Source, armed eventlog.Sink) *Watch {
	return &Watch{
		cfg:    cfg,
		loc:    loc,
		data:   data,
		alerts: alerts,
		armed:  armed,
		states: make(map[string]*PullbackState),
		now:    time.Now,
	}
}

func (w *Watch) Name() string { return "watch" }

// Tracked returns the number of symbols currently under watch.
func (w *Watch) Tracked() int { return len(w.states) }

func (w *Watch) RunOnce(ctx context.Context) error {
	now := w.now().In(w.loc)
	w.purgeTimeouts(now)

	rows, err := w.alerts.ConsumeNew()
	if err != nil {
		return err
	}
	for _, row := range rows {
		al, err := eventlog.ParseAlert(row)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping unparseable alert")
			continue
		}
		// A fresh alert for a tracked symbol restarts its watch.
		w.states[al.Symbol] = NewPullbackState(al.Symbol, al.TS, al.Price, w.cfg.BarDepth)
	}
	if len(rows) > 0 {
		log.Info().Int("alerts", len(rows)).Int("tracked", len(w.states)).Msg("👀 Watching")
	}

	for sym, st := range w.states {
		bars, err := w.data.LatestBars(sym, 1)
		if err != nil || len(bars) == 0 {
			log.Debug().Str("symbol", sym).Msg("No bar this tick")
			continue
		}
		st.Update(bars[len(bars)-1])

		if st.IsValidPullback(w.cfg) {
			rec := eventlog.Armed{TS: now, Symbol: sym, Price: st.Bars[len(st.Bars)-1].Close}
			if err := w.armed.Append(rec); err != nil {
				log.Error().Err(err).Str("symbol", sym).Msg("Armed append failed")
				continue
			}
			delete(w.states, sym)
			log.Info().Str("symbol", sym).Str("price", rec.Price.StringFixed(2)).Msg("🎯 ARMED")
		}
	}
	return nil
}

// purgeTimeouts drops symbols whose alert is older than the watch timeout.
// This runs before evaluation so a stale symbol never promotes.
func (w *Watch) purgeTimeouts(now time.Time) {
	timeout := time.Duration(w.cfg.TimeoutMinutes) * time.Minute
	for sym, st := range w.states {
		if now.Sub(st.AlertTS) > timeout {
			delete(w.states, sym)
			log.Info().Str("symbol", sym).Msg("Watch timed out")
		}
	}
}

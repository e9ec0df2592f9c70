package broker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - In-memory fills for dry-run mode
// ═══════════════════════════════════════════════════════════════════════════════

// PriceFunc returns the current price for a symbol, or zero when unknown.
type PriceFunc func(symbol string) decimal.Decimal

type pendingBuyStop struct {
	symbol  string
	trigger decimal.Decimal
	qty     int64
}

// Paper is an in-memory Broker that fills market orders at the current
// provider price. Buy-stops fill whenever the price is at or above the
// trigger during a LivePositions refresh.
type Paper struct {
	mu sync.Mutex

	priceOf   PriceFunc
	equity    decimal.Decimal
	cash      decimal.Decimal
	positions map[string]Position
	pending   []pendingBuyStop
	nextID    int
}

var _ Broker = (*Paper)(nil)

// NewPaper creates a paper broker with the given starting equity.
func NewPaper(startEquity decimal.Decimal, priceOf PriceFunc) *Paper {
	return &Paper{
		priceOf:   priceOf,
		equity:    startEquity,
		cash:      startEquity,
		positions: make(map[string]Position),
	}
}

func (p *Paper) orderID() string {
	p.nextID++
	return fmt.Sprintf("paper-%d", p.nextID)
}

// SubmitMarketOrder fills immediately at the current price.
func (p *Paper) SubmitMarketOrder(symbol, side string, qty int64) (string, error) {
	px := p.priceOf(symbol)
	if px.IsZero() {
		return "", fmt.Errorf("paper: no price for %s", symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case SideBuy:
		p.fillBuy(symbol, px, qty)
	case SideSell:
		pos, ok := p.positions[symbol]
		if !ok {
			return "", fmt.Errorf("paper: sell %s with no position", symbol)
		}
		if qty > pos.Qty {
			qty = pos.Qty
		}
		pos.Qty -= qty
		p.cash = p.cash.Add(px.Mul(decimal.NewFromInt(qty)))
		if pos.Qty <= 0 {
			delete(p.positions, symbol)
		} else {
			p.positions[symbol] = pos
		}
	default:
		return "", fmt.Errorf("paper: unknown side %q", side)
	}

	id := p.orderID()
	log.Debug().Str("symbol", symbol).Str("side", side).Int64("qty", qty).
		Str("price", px.StringFixed(2)).Str("order_id", id).Msg("Paper fill")
	return id, nil
}

func (p *Paper) fillBuy(symbol string, px decimal.Decimal, qty int64) {
	q := decimal.NewFromInt(qty)
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = Position{Symbol: symbol, Qty: qty, AvgPrice: px}
	} else {
		// Weighted average entry across fills.
		total := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Qty)).Add(px.Mul(q))
		pos.Qty += qty
		pos.AvgPrice = total.Div(decimal.NewFromInt(pos.Qty))
		p.positions[symbol] = pos
	}
	p.cash = p.cash.Sub(px.Mul(q))
}

// SubmitConditionalOrder registers a buy-stop checked on each refresh.
func (p *Paper) SubmitConditionalOrder(symbol string, triggerPrice decimal.Decimal, qty int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pendingBuyStop{symbol: symbol, trigger: triggerPrice, qty: qty})
	return p.orderID(), nil
}

// MoveStop records the new stop on the cached position.
func (p *Paper) MoveStop(symbol string, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return fmt.Errorf("paper: move stop %s with no position", symbol)
	}
	pos.StopPrice = price
	p.positions[symbol] = pos
	return nil
}

// LivePositions fires any triggered buy-stops, simulates stop-outs, and
// returns a copy of the book.
func (p *Paper) LivePositions() (map[string]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Triggered break-adds fill at the trigger price.
	var still []pendingBuyStop
	for _, o := range p.pending {
		px := p.priceOf(o.symbol)
		if !px.IsZero() && px.GreaterThanOrEqual(o.trigger) {
			p.fillBuy(o.symbol, o.trigger, o.qty)
			log.Debug().Str("symbol", o.symbol).Int64("qty", o.qty).
				Str("trigger", o.trigger.StringFixed(2)).Msg("Paper break-add fill")
			continue
		}
		still = append(still, o)
	}
	p.pending = still

	// Stop-outs close the whole position at the stop.
	for sym, pos := range p.positions {
		px := p.priceOf(sym)
		if pos.StopPrice.IsPositive() && !px.IsZero() && px.LessThanOrEqual(pos.StopPrice) {
			p.cash = p.cash.Add(pos.StopPrice.Mul(decimal.NewFromInt(pos.Qty)))
			delete(p.positions, sym)
			log.Info().Str("symbol", sym).Str("stop", pos.StopPrice.StringFixed(2)).Msg("Paper stop-out")
		}
	}

	out := make(map[string]Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = pos
	}
	return out, nil
}

// AccountEquity marks the book to market.
func (p *Paper) AccountEquity() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eq := p.cash
	for sym, pos := range p.positions {
		px := p.priceOf(sym)
		if px.IsZero() {
			px = pos.AvgPrice
		}
		eq = eq.Add(px.Mul(decimal.NewFromInt(pos.Qty)))
	}
	p.equity = eq
	return eq, nil
}

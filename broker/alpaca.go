package broker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALPACA ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

// stopOrder tracks the working protective stop for one symbol. Alpaca's
// position objects don't carry the stop price, so the adapter keeps its own
// book and replaces the order on every move.
type stopOrder struct {
	orderID string
	price   decimal.Decimal
}

// Alpaca implements Broker on the Alpaca trading API. Credentials come from
// APCA_API_KEY_ID / APCA_API_SECRET_KEY in the environment.
type Alpaca struct {
	mu     sync.Mutex
	client *alpaca.Client
	stops  map[string]stopOrder
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca creates the adapter and verifies the account is reachable.
func NewAlpaca() (*Alpaca, error) {
	a := &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{}),
		stops:  make(map[string]stopOrder),
	}
	acct, err := a.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca account check: %w", err)
	}
	log.Info().Str("equity", acct.Equity.StringFixed(2)).Msg("💳 Alpaca account connected")
	return a, nil
}

// SubmitMarketOrder places a DAY market order.
func (a *Alpaca) SubmitMarketOrder(symbol, side string, qty int64) (string, error) {
	q := decimal.NewFromInt(qty)
	o, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpaca.Side(strings.ToLower(side)),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return "", fmt.Errorf("market %s %s x%d: %w", side, symbol, qty, err)
	}
	return o.ID, nil
}

// SubmitConditionalOrder places a GTC buy-stop at triggerPrice.
func (a *Alpaca) SubmitConditionalOrder(symbol string, triggerPrice decimal.Decimal, qty int64) (string, error) {
	q := decimal.NewFromInt(qty)
	o, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpaca.Buy,
		Type:        alpaca.Stop,
		StopPrice:   &triggerPrice,
		TimeInForce: alpaca.GTC,
	})
	if err != nil {
		return "", fmt.Errorf("buy-stop %s x%d @ %s: %w", symbol, qty, triggerPrice.StringFixed(2), err)
	}
	return o.ID, nil
}

// MoveStop cancels the working stop (if any) and places a fresh GTC sell-stop
// for the full live quantity.
func (a *Alpaca) MoveStop(symbol string, price decimal.Decimal) error {
	pos, err := a.client.GetPosition(symbol)
	if err != nil {
		return fmt.Errorf("move stop %s: position lookup: %w", symbol, err)
	}
	qty := pos.Qty

	a.mu.Lock()
	prev, had := a.stops[symbol]
	a.mu.Unlock()
	if had {
		if err := a.client.CancelOrder(prev.orderID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Stale stop cancel failed")
		}
	}

	o, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &qty,
		Side:        alpaca.Sell,
		Type:        alpaca.Stop,
		StopPrice:   &price,
		TimeInForce: alpaca.GTC,
	})
	if err != nil {
		return fmt.Errorf("move stop %s → %s: %w", symbol, price.StringFixed(2), err)
	}

	a.mu.Lock()
	a.stops[symbol] = stopOrder{orderID: o.ID, price: price}
	a.mu.Unlock()
	return nil
}

// LivePositions merges the broker position list with the locally tracked
// stop book.
func (a *Alpaca) LivePositions() (map[string]Position, error) {
	raw, err := a.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("live positions: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Position, len(raw))
	for _, p := range raw {
		pos := Position{
			Symbol:   p.Symbol,
			Qty:      p.Qty.IntPart(),
			AvgPrice: p.AvgEntryPrice,
		}
		if s, ok := a.stops[p.Symbol]; ok {
			pos.StopPrice = s.price
		}
		out[p.Symbol] = pos
	}
	// Drop stop-book entries for positions that no longer exist.
	for sym := range a.stops {
		if _, ok := out[sym]; !ok {
			delete(a.stops, sym)
		}
	}
	return out, nil
}

// AccountEquity returns net liquidation value.
func (a *Alpaca) AccountEquity() (decimal.Decimal, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("account equity: %w", err)
	}
	return acct.Equity, nil
}

package broker

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER - Execution collaborator boundary
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything here may fail with a transient connectivity error; callers treat
// a failure as "no change this tick", never as fatal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position is the broker's view of one open position. StopPrice is zero when
// no protective stop is working.
type Position struct {
	Symbol    string
	Qty       int64
	AvgPrice  decimal.Decimal
	StopPrice decimal.Decimal
}

// Broker abstracts order execution and account state.
type Broker interface {
	// SubmitMarketOrder places an immediate market order and returns the
	// broker order id.
	SubmitMarketOrder(symbol, side string, qty int64) (string, error)

	// SubmitConditionalOrder places a buy-stop that fires when the price
	// reaches triggerPrice (used for break-add entries).
	SubmitConditionalOrder(symbol string, triggerPrice decimal.Decimal, qty int64) (string, error)

	// MoveStop replaces the working protective stop for symbol. Stops for a
	// long position only ever move up; enforcing that is the caller's job.
	MoveStop(symbol string, price decimal.Decimal) error

	// LivePositions returns the current open positions keyed by symbol.
	LivePositions() (map[string]Position, error)

	// AccountEquity returns current net liquidation value.
	AccountEquity() (decimal.Decimal, error)
}

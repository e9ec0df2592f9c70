package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/broker"
	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/marketdata"
)

// Shared in-memory fakes for the stage tests.

type fakeProvider struct {
	bars       map[string][]marketdata.Bar
	spreads    map[string]float64
	candidates []marketdata.Candidate
	barErr     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		bars:    make(map[string][]marketdata.Bar),
		spreads: make(map[string]float64),
	}
}

func (f *fakeProvider) LatestBars(symbol string, lookback int) ([]marketdata.Bar, error) {
	if f.barErr != nil {
		return nil, f.barErr
	}
	bars := f.bars[symbol]
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return bars, nil
}

func (f *fakeProvider) QuoteSpreadPct(symbol string) (float64, error) {
	s, ok := f.spreads[symbol]
	if !ok {
		return 0, errors.New("no quote")
	}
	return s, nil
}

func (f *fakeProvider) ScanUniverse() ([]marketdata.Candidate, error) {
	return f.candidates, nil
}

type fakeSink struct {
	records []eventlog.Record
	err     error
}

func (f *fakeSink) Append(rec eventlog.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeSource struct {
	rows [][]string
}

func (f *fakeSource) ConsumeNew() ([][]string, error) {
	out := f.rows
	f.rows = nil
	return out, nil
}

type order struct {
	symbol  string
	side    string
	qty     int64
	trigger decimal.Decimal // zero for market orders
}

type fakeBroker struct {
	orders    []order
	stops     map[string]decimal.Decimal
	positions map[string]broker.Position
	equity    decimal.Decimal
	orderErr  error
}

func newFakeBroker(equity int64) *fakeBroker {
	return &fakeBroker{
		stops:     make(map[string]decimal.Decimal),
		positions: make(map[string]broker.Position),
		equity:    decimal.NewFromInt(equity),
	}
}

func (f *fakeBroker) SubmitMarketOrder(symbol, side string, qty int64) (string, error) {
	if f.orderErr != nil {
		return "", f.orderErr
	}
	f.orders = append(f.orders, order{symbol: symbol, side: side, qty: qty})
	return "order-1", nil
}

func (f *fakeBroker) SubmitConditionalOrder(symbol string, trigger decimal.Decimal, qty int64) (string, error) {
	if f.orderErr != nil {
		return "", f.orderErr
	}
	f.orders = append(f.orders, order{symbol: symbol, side: broker.SideBuy, qty: qty, trigger: trigger})
	return "order-2", nil
}

func (f *fakeBroker) MoveStop(symbol string, price decimal.Decimal) error {
	f.stops[symbol] = price
	return nil
}

func (f *fakeBroker) LivePositions() (map[string]broker.Position, error) {
	out := make(map[string]broker.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBroker) AccountEquity() (decimal.Decimal, error) {
	return f.equity, nil
}

// bar builds a minute bar from float prices.
func bar(open, close float64, volume int64) marketdata.Bar {
	o := decimal.NewFromFloat(open)
	c := decimal.NewFromFloat(close)
	hi, lo := o, c
	if c.GreaterThan(o) {
		hi, lo = c, o
	}
	return marketdata.Bar{
		Time:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Open:   o,
		High:   hi,
		Low:    lo,
		Close:  c,
		Volume: volume,
	}
}

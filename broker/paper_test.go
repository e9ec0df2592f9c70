package broker

import (
	"testing"

	"github.com/shopspring/decimal"
)

func priceTable(prices map[string]float64) PriceFunc {
	return func(symbol string) decimal.Decimal {
		if v, ok := prices[symbol]; ok {
			return decimal.NewFromFloat(v)
		}
		return decimal.Zero
	}
}

func TestPaperMarketBuyAndEquity(t *testing.T) {
	prices := map[string]float64{"AAPL": 20}
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(prices))

	id, err := p.SubmitMarketOrder("AAPL", SideBuy, 500)
	if err != nil {
		t.Fatalf("buy error: %v", err)
	}
	if id == "" {
		t.Fatal("empty order id")
	}

	book, err := p.LivePositions()
	if err != nil {
		t.Fatalf("LivePositions error: %v", err)
	}
	pos, ok := book["AAPL"]
	if !ok || pos.Qty != 500 {
		t.Fatalf("position = %+v, want 500 shares", pos)
	}
	if !pos.AvgPrice.Equal(decimal.NewFromInt(20)) {
		t.Errorf("avg price = %s, want 20", pos.AvgPrice)
	}

	// Flat mark-to-market: equity unchanged right after the fill.
	eq, err := p.AccountEquity()
	if err != nil {
		t.Fatalf("AccountEquity error: %v", err)
	}
	if !eq.Equal(decimal.NewFromInt(100_000)) {
		t.Errorf("equity = %s, want 100000", eq)
	}

	// Price appreciation marks the book up.
	prices["AAPL"] = 22
	eq, _ = p.AccountEquity()
	if !eq.Equal(decimal.NewFromInt(101_000)) {
		t.Errorf("equity = %s, want 101000 after +2 on 500 shares", eq)
	}
}

func TestPaperBuyAveragesAcrossFills(t *testing.T) {
	prices := map[string]float64{"AAPL": 10}
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(prices))

	p.SubmitMarketOrder("AAPL", SideBuy, 100)
	prices["AAPL"] = 12
	p.SubmitMarketOrder("AAPL", SideBuy, 100)

	book, _ := p.LivePositions()
	pos := book["AAPL"]
	if pos.Qty != 200 {
		t.Fatalf("qty = %d, want 200", pos.Qty)
	}
	if !pos.AvgPrice.Equal(decimal.NewFromInt(11)) {
		t.Errorf("avg price = %s, want 11", pos.AvgPrice)
	}
}

func TestPaperSellClampsToPosition(t *testing.T) {
	prices := map[string]float64{"AAPL": 10}
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(prices))

	p.SubmitMarketOrder("AAPL", SideBuy, 100)
	if _, err := p.SubmitMarketOrder("AAPL", SideSell, 250); err != nil {
		t.Fatalf("sell error: %v", err)
	}

	book, _ := p.LivePositions()
	if _, ok := book["AAPL"]; ok {
		t.Error("oversized sell should close the position, not go short")
	}

	if _, err := p.SubmitMarketOrder("AAPL", SideSell, 1); err == nil {
		t.Error("selling with no position should error")
	}
}

func TestPaperNoPriceRejectsOrder(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(nil))
	if _, err := p.SubmitMarketOrder("XXXX", SideBuy, 10); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}

func TestPaperBuyStopFillsOnTrigger(t *testing.T) {
	prices := map[string]float64{"AAPL": 10}
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(prices))

	trigger := decimal.RequireFromString("10.50")
	if _, err := p.SubmitConditionalOrder("AAPL", trigger, 100); err != nil {
		t.Fatalf("conditional error: %v", err)
	}

	book, _ := p.LivePositions()
	if len(book) != 0 {
		t.Fatal("buy-stop should not fill below its trigger")
	}

	prices["AAPL"] = 10.60
	book, _ = p.LivePositions()
	pos, ok := book["AAPL"]
	if !ok || pos.Qty != 100 {
		t.Fatalf("position = %+v, want 100 shares after trigger", pos)
	}
	if !pos.AvgPrice.Equal(trigger) {
		t.Errorf("fill price = %s, want trigger %s", pos.AvgPrice, trigger)
	}
}

func TestPaperStopOutClosesPosition(t *testing.T) {
	prices := map[string]float64{"AAPL": 10}
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(prices))

	p.SubmitMarketOrder("AAPL", SideBuy, 100)
	if err := p.MoveStop("AAPL", decimal.RequireFromString("9.50")); err != nil {
		t.Fatalf("MoveStop error: %v", err)
	}

	prices["AAPL"] = 9.40
	book, _ := p.LivePositions()
	if _, ok := book["AAPL"]; ok {
		t.Fatal("price through the stop should close the position")
	}

	// Filled at the stop: 100k - 100*10 + 100*9.50 = 99950.
	eq, _ := p.AccountEquity()
	if !eq.Equal(decimal.RequireFromString("99950")) {
		t.Errorf("equity = %s, want 99950", eq)
	}
}

func TestPaperMoveStopRequiresPosition(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(100_000), priceTable(nil))
	if err := p.MoveStop("AAPL", decimal.NewFromInt(9)); err == nil {
		t.Fatal("expected error moving a stop with no position")
	}
}

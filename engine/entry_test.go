package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/ledger"
	"github.com/martibx7/momentum-quant/marketdata"
)

func entryCfg() config.EntryConfig {
	return config.EntryConfig{
		MACDFast:      3,
		MACDSlow:      10,
		MACDSignal:    16,
		VolSpikeRatio: 1.5,
		MaxSpreadPct:  0.8,
		StopPct:       1.0,
		ATRStopMult:   0, // fixed-percent stop for deterministic sizing
		FirstFillPct:  0.5,
		AddAfterBreak: 0.5,
	}
}

// triggerBars builds a 7-bar series whose last bar carries a MACD cross and
// a 2x volume spike over the prior five bars.
func triggerBars(price float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, 7)
	for i := range bars {
		bars[i] = bar(price, price, 1000)
		bars[i].MACD = decimal.NewFromFloat(-0.1)
		bars[i].MACDSignal = decimal.Zero
	}
	last := &bars[6]
	last.Volume = 2000
	last.MACD = decimal.NewFromFloat(0.1)
	return bars
}

func newEntryStage(t *testing.T, cfg config.EntryConfig, brk *fakeBroker) (*Entry, *fakeProvider, *fakeSource, *fakeSink) {
	t.Helper()
	led, err := ledger.New(brk, riskTestCfg())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	data := newFakeProvider()
	src := &fakeSource{}
	sink := &fakeSink{}
	e := NewEntry(cfg, time.UTC, data, brk, led, src, sink)
	e.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return e, data, src, sink
}

func riskTestCfg() config.RiskConfig {
	return config.RiskConfig{
		RPctEquity:      0.01,
		DailyMaxR:       3.0,
		SoftPositionCap: 3,
		HardPositionCap: 5,
		QualityThrottle: 6.0,
		DefaultEquity:   100000,
		FallbackStopPct: 1.0,
		Timezone:        "America/New_York",
	}
}

func armedRow(symbol string, price float64) []string {
	return eventlog.Armed{
		TS:     time.Date(2026, 3, 2, 9, 55, 0, 0, time.UTC),
		Symbol: symbol,
		Price:  decimal.NewFromFloat(price),
	}.Fields()
}

func TestEntryTriggersSplitFill(t *testing.T) {
	brk := newFakeBroker(100000)
	e, data, src, sink := newEntryStage(t, entryCfg(), brk)

	src.rows = [][]string{armedRow("RUN", 20.00)}
	data.bars["RUN"] = triggerBars(20.00)
	data.spreads["RUN"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Risk unit $1000, stop distance 1% of $20 = $0.20 → 5000 shares,
	// half immediately, half conditional above the pullback high.
	if len(brk.orders) != 2 {
		t.Fatalf("orders = %d, want market + conditional", len(brk.orders))
	}
	first := brk.orders[0]
	if first.qty != 2500 || first.side != "BUY" || !first.trigger.IsZero() {
		t.Fatalf("first fill = %+v", first)
	}
	add := brk.orders[1]
	if add.qty != 2500 {
		t.Fatalf("break-add qty = %d, want 2500", add.qty)
	}
	wantTrigger := decimal.NewFromFloat(20.10) // high ref +0.5%
	if !add.trigger.Sub(wantTrigger).Abs().LessThan(decimal.NewFromFloat(0.001)) {
		t.Fatalf("break-add trigger = %v, want ~%v", add.trigger, wantTrigger)
	}

	// Initial stop sits one stop-distance under the entry price.
	if stop, ok := brk.stops["RUN"]; !ok || !stop.Sub(decimal.NewFromFloat(19.80)).Abs().LessThan(decimal.NewFromFloat(0.001)) {
		t.Fatalf("initial stop = %v, want ~19.80", stop)
	}

	if len(sink.records) != 1 {
		t.Fatalf("entry records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0].(eventlog.Entry)
	if rec.Symbol != "RUN" || rec.Qty != 2500 || rec.Comment != "first_fill" || rec.AvgFill != "pending" {
		t.Fatalf("entry record = %+v", rec)
	}
	if rec.RiskR < 0.99 || rec.RiskR > 1.01 {
		t.Fatalf("risk R = %v, want ~1.0", rec.RiskR)
	}

	if e.Armed() != 0 {
		t.Fatal("armed state kept after first fill")
	}
}

func TestEntryNoCrossNoOrder(t *testing.T) {
	brk := newFakeBroker(100000)
	e, data, src, _ := newEntryStage(t, entryCfg(), brk)

	src.rows = [][]string{armedRow("FLAT", 20.00)}
	bars := triggerBars(20.00)
	bars[6].MACD = decimal.NewFromFloat(-0.1) // still below signal
	data.bars["FLAT"] = bars
	data.spreads["FLAT"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted without a cross")
	}
	if e.Armed() != 1 {
		t.Fatal("armed state dropped without a trigger")
	}
}

func TestEntryVolumeSpikeRequired(t *testing.T) {
	brk := newFakeBroker(100000)
	e, data, src, _ := newEntryStage(t, entryCfg(), brk)

	src.rows = [][]string{armedRow("THIN", 20.00)}
	bars := triggerBars(20.00)
	bars[6].Volume = 1200 // below 1.5x of the 1000 average
	data.bars["THIN"] = bars
	data.spreads["THIN"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted without a volume spike")
	}
}

func TestEntrySpreadGate(t *testing.T) {
	brk := newFakeBroker(100000)
	e, data, src, _ := newEntryStage(t, entryCfg(), brk)

	src.rows = [][]string{armedRow("WIDE", 20.00)}
	data.bars["WIDE"] = triggerBars(20.00)
	data.spreads["WIDE"] = 1.2

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted through a wide spread")
	}
	if e.Armed() != 1 {
		t.Fatal("armed state dropped on a spread skip")
	}
}

func TestEntryShortSeriesSkipped(t *testing.T) {
	brk := newFakeBroker(100000)
	e, data, src, _ := newEntryStage(t, entryCfg(), brk)

	src.rows = [][]string{armedRow("NEW", 20.00)}
	data.bars["NEW"] = triggerBars(20.00)[:5]
	data.spreads["NEW"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted with too few bars")
	}
}

func TestEntryRejectedAdmissionStaysArmed(t *testing.T) {
	brk := newFakeBroker(100000)
	cfg := entryCfg()

	riskCfg := riskTestCfg()
	riskCfg.DailyMaxR = 0.5 // a 1R candidate always exceeds the budget
	led, err := ledger.New(brk, riskCfg)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	data := newFakeProvider()
	src := &fakeSource{}
	e := NewEntry(cfg, time.UTC, data, brk, led, src, &fakeSink{})

	src.rows = [][]string{armedRow("WAIT", 20.00)}
	data.bars["WAIT"] = triggerBars(20.00)
	data.spreads["WAIT"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted past a rejection")
	}
	if e.Armed() != 1 {
		t.Fatal("rejected symbol should stay armed for later ticks")
	}

	// A second pass with the same budget rejects again and still retains.
	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if e.Armed() != 1 {
		t.Fatal("rejected symbol dropped on a repeat rejection")
	}
}

func TestEntryRejectedAdmissionDroppedWhenConfigured(t *testing.T) {
	brk := newFakeBroker(100000)
	cfg := entryCfg()
	cfg.DropRejected = true

	riskCfg := riskTestCfg()
	riskCfg.DailyMaxR = 0.5
	led, err := ledger.New(brk, riskCfg)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	data := newFakeProvider()
	src := &fakeSource{}
	e := NewEntry(cfg, time.UTC, data, brk, led, src, &fakeSink{})

	src.rows = [][]string{armedRow("DENY", 20.00)}
	data.bars["DENY"] = triggerBars(20.00)
	data.spreads["DENY"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) != 0 {
		t.Fatal("order submitted past a rejection")
	}
	if e.Armed() != 0 {
		t.Fatal("rejected symbol retained with DropRejected enabled")
	}
}

func TestEntryATRStopPreferred(t *testing.T) {
	brk := newFakeBroker(100000)
	cfg := entryCfg()
	cfg.ATRStopMult = 1.5
	e, data, src, _ := newEntryStage(t, cfg, brk)

	src.rows = [][]string{armedRow("ATR", 20.00)}
	bars := triggerBars(20.00)
	bars[6].ATR = decimal.NewFromFloat(0.40) // stop distance 0.60
	data.bars["ATR"] = bars
	data.spreads["ATR"] = 0.3

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(brk.orders) == 0 {
		t.Fatal("no order submitted")
	}
	// floor(1000 / 0.60) = 1666, first fill ceil(1666 * 0.5) = 833.
	if got := brk.orders[0].qty; got != 833 {
		t.Fatalf("first fill qty = %d, want 833", got)
	}
}

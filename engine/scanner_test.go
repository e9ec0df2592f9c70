package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/marketdata"
)

func scanCfg() config.ScannerConfig {
	return config.ScannerConfig{
		SessionWindows: []config.SessionWindow{{Start: "09:30", End: "16:00"}},
		MinPrice:       1.0,
		MaxPrice:       50.0,
		MinVolume:      10000,
		PreOpenRV:      5.0,
		IntradayRV:     3.0,
		VolOverride:    1000000,
		PctMoveOpen:    10.0,
		PctMoveIntra:   5.0,
		FloatMax:       50000000,
		FloatLowThresh: 10000000,
		SpreadMaxPct:   1.0,
	}
}

func candidate(symbol string) marketdata.Candidate {
	return marketdata.Candidate{
		Symbol:      symbol,
		Price:       decimal.NewFromFloat(12.50),
		Volume:      80000,
		AvgVol10:    20000, // RV 4.0
		PctMove:     8.0,
		HODDist:     1.2,
		SpreadPct:   0.4,
		FloatShares: 20000000,
		Trend:       1.2,
	}
}

func newScannerStage(cfg config.ScannerConfig, hhmm string) (*Scanner, *fakeProvider, *fakeSink) {
	data := newFakeProvider()
	sink := &fakeSink{}
	s := NewScanner(cfg, time.UTC, data, sink)
	tm, _ := time.Parse("15:04", hhmm)
	s.now = func() time.Time {
		return time.Date(2026, 3, 2, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
	}
	return s, data, sink
}

func TestScannerEmitsQualifiedAlert(t *testing.T) {
	s, data, sink := newScannerStage(scanCfg(), "10:15")
	data.candidates = []marketdata.Candidate{candidate("RUN")}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.records))
	}
	al := sink.records[0].(eventlog.Alert)
	if al.Symbol != "RUN" || al.RV != 4.0 || al.Trend != 1.2 {
		t.Fatalf("alert = %+v", al)
	}
	if q := al.Quality(); q != 4.8 {
		t.Fatalf("quality = %v, want 4.8", q)
	}
}

func TestScannerIdleOutsideSession(t *testing.T) {
	s, data, sink := newScannerStage(scanCfg(), "08:00")
	data.candidates = []marketdata.Candidate{candidate("RUN")}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatal("alert emitted outside session windows")
	}
}

func TestScannerOpeningWindowThresholds(t *testing.T) {
	// RV 4.0 and move 8% clear the intraday thresholds but not the
	// stricter opening-window ones.
	s, data, sink := newScannerStage(scanCfg(), "09:40")
	data.candidates = []marketdata.Candidate{candidate("OPEN")}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatal("intraday-grade candidate passed opening-window thresholds")
	}
}

func TestScannerVolumeOverrideBypassesRV(t *testing.T) {
	s, data, sink := newScannerStage(scanCfg(), "10:15")
	c := candidate("HUGE")
	c.Volume = 1500000 // RV vs avg is low, absolute volume overrides
	c.AvgVol10 = 1000000
	data.candidates = []marketdata.Candidate{c}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatal("volume override did not bypass the RV threshold")
	}
}

func TestScannerFilterChain(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*marketdata.Candidate)
	}{
		{"halted", func(c *marketdata.Candidate) { c.Halted = true }},
		{"below min price", func(c *marketdata.Candidate) { c.Price = decimal.NewFromFloat(0.80) }},
		{"above max price", func(c *marketdata.Candidate) { c.Price = decimal.NewFromInt(80) }},
		{"thin volume", func(c *marketdata.Candidate) { c.Volume = 5000 }},
		{"low RV", func(c *marketdata.Candidate) { c.AvgVol10 = 80000 }},
		{"weak move", func(c *marketdata.Candidate) { c.PctMove = 2.0 }},
		{"bloated float", func(c *marketdata.Candidate) { c.FloatShares = 90000000 }},
		{"wide spread", func(c *marketdata.Candidate) { c.SpreadPct = 2.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, data, sink := newScannerStage(scanCfg(), "10:15")
			c := candidate("X")
			tc.mod(&c)
			data.candidates = []marketdata.Candidate{c}

			if err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if len(sink.records) != 0 {
				t.Fatalf("%s candidate passed the filters", tc.name)
			}
		})
	}
}

func TestScannerLowFloatFlag(t *testing.T) {
	s, data, sink := newScannerStage(scanCfg(), "10:15")
	c := candidate("TINY")
	c.FloatShares = 5000000
	data.candidates = []marketdata.Candidate{c}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.records))
	}
	if al := sink.records[0].(eventlog.Alert); !al.LowFloat {
		t.Fatal("low-float candidate not flagged")
	}
}

func TestScannerOneAlertPerSymbol(t *testing.T) {
	s, data, sink := newScannerStage(scanCfg(), "10:15")
	data.candidates = []marketdata.Candidate{candidate("DUP"), candidate("DUP")}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("alerts = %d, want 1 per symbol per tick", len(sink.records))
	}
}

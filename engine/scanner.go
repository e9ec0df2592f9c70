package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/marketdata"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCANNER - Stage 0, universe qualification
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scan feed → filters → Alert stream
//
// One alert per symbol per tick. The opening window (09:30-09:45) swaps in
// its own relative-volume and percent-move thresholds, looser by default
// since volume and range are still building; a large absolute volume
// bypasses the relative-volume check entirely.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Opening window bounds, "15:04" in the trading timezone.
const (
	openWindowStart = "09:30"
	openWindowEnd   = "09:45"
)

type Scanner struct {
	cfg    config.ScannerConfig
	loc    *time.Location
	data   marketdata.Provider
	alerts eventlog.Sink
	now    func() time.Time
}

func NewScanner(cfg config.ScannerConfig, loc *time.Location, data marketdata.Provider, alerts eventlog.Sink) *Scanner {
	return &Scanner{cfg: cfg, loc: loc, data: data, alerts: alerts, now: time.Now}
}

func (s *Scanner) Name() string { return "scanner" }

// RunOnce qualifies the current scan feed and appends one alert per passing
// symbol. Outside the configured session windows it does nothing.
func (s *Scanner) RunOnce(ctx context.Context) error {
	now := s.now().In(s.loc)
	if !s.inSession(now) {
		return nil
	}

	candidates, err := s.data.ScanUniverse()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	opening := s.inOpeningWindow(now)
	rvThr := s.cfg.IntradayRV
	pctThr := s.cfg.PctMoveIntra
	if opening {
		rvThr = s.cfg.PreOpenRV
		pctThr = s.cfg.PctMoveOpen
	}

	emitted := 0
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.Symbol] {
			continue
		}
		seen[c.Symbol] = true

		if !s.qualify(c, rvThr, pctThr) {
			continue
		}

		price, _ := c.Price.Float64()
		rv := float64(c.Volume) / maxF(c.AvgVol10, 1)
		alert := eventlog.Alert{
			TS:        now,
			Symbol:    c.Symbol,
			Price:     c.Price,
			PctMove:   c.PctMove,
			RV:        rv,
			Volume:    c.Volume,
			HODDist:   c.HODDist,
			SpreadPct: c.SpreadPct,
			FloatSh:   c.FloatShares,
			LowFloat:  c.FloatShares > 0 && c.FloatShares < s.cfg.FloatLowThresh,
			HaltFlag:  haltFlag(c.Halted),
			Trend:     c.Trend,
		}
		if err := s.alerts.Append(alert); err != nil {
			log.Error().Err(err).Str("symbol", c.Symbol).Msg("Alert append failed")
			continue
		}
		emitted++
		log.Info().
			Str("symbol", c.Symbol).
			Float64("price", price).
			Float64("rv", rv).
			Float64("pct_move", c.PctMove).
			Float64("quality", alert.Quality()).
			Msg("🔔 Alert")
	}
	if emitted > 0 {
		log.Info().Int("alerts", emitted).Msg("Scanner tick complete")
	}
	return nil
}

// qualify applies the stage-0 filter chain to one candidate.
func (s *Scanner) qualify(c marketdata.Candidate, rvThr, pctThr float64) bool {
	if c.Halted {
		return false
	}
	price, _ := c.Price.Float64()
	if price < s.cfg.MinPrice || price > s.cfg.MaxPrice {
		return false
	}
	if c.Volume < s.cfg.MinVolume {
		return false
	}

	rv := float64(c.Volume) / maxF(c.AvgVol10, 1)
	volOverride := s.cfg.VolOverride > 0 && c.Volume >= s.cfg.VolOverride
	if rv < rvThr && !volOverride {
		return false
	}
	if c.PctMove < pctThr {
		return false
	}
	if c.FloatShares > s.cfg.FloatMax {
		return false
	}
	if c.SpreadPct > s.cfg.SpreadMaxPct {
		return false
	}
	return true
}

func (s *Scanner) inSession(t time.Time) bool {
	for _, w := range s.cfg.SessionWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

func (s *Scanner) inOpeningWindow(t time.Time) bool {
	hm := t.Format("15:04")
	return hm >= openWindowStart && hm <= openWindowEnd
}

func haltFlag(halted bool) int {
	if halted {
		return 1
	}
	return 0
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

package marketdata

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAM PROVIDER - WebSocket bar/quote cache
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to a bar/quote push feed and keeps a bounded in-memory window per
// symbol. Stages read the cache through the Provider interface; a dropped
// connection reconnects in the background and simply means "no fresh data
// this tick" to the callers.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	streamReconnectDelay = 5 * time.Second
	streamPingInterval   = 30 * time.Second
	streamBarWindow      = 60 // bars retained per symbol
)

// streamMessage is the wire format of the push feed.
type streamMessage struct {
	Type   string  `json:"type"` // "bar" | "quote"
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     int64   `json:"ts"` // unix seconds
}

type streamQuote struct {
	bid, ask float64
	last     float64
}

// StreamProvider implements Provider from a live websocket feed.
type StreamProvider struct {
	mu sync.RWMutex

	url      string
	conn     *websocket.Conn
	running  bool
	stopCh   chan struct{}
	universe []string
	opts     IndicatorOptions

	bars   map[string][]Bar // raw bars, oldest first, bounded window
	quotes map[string]streamQuote
	prevC  map[string]float64 // prior session close per symbol, fed by snapshots
	avgVol map[string]float64
}

// NewStreamProvider creates a provider backed by the push feed at url.
func NewStreamProvider(url string, universe []string, opts IndicatorOptions) *StreamProvider {
	return &StreamProvider{
		url:      url,
		stopCh:   make(chan struct{}),
		universe: universe,
		opts:     opts,
		bars:     make(map[string][]Bar),
		quotes:   make(map[string]streamQuote),
		prevC:    make(map[string]float64),
		avgVol:   make(map[string]float64),
	}
}

// Start connects and begins consuming the feed.
func (s *StreamProvider) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		return err
	}
	go s.readLoop()
	go s.pingLoop()
	log.Info().Str("url", s.url).Msg("📡 Market data stream connected")
	return nil
}

// Stop closes the feed.
func (s *StreamProvider) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *StreamProvider) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("stream dial %s: %w", s.url, err)
	}
	sub := map[string]any{"action": "subscribe", "symbols": s.universe, "feeds": []string{"bars", "quotes"}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("stream subscribe: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *StreamProvider) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			time.Sleep(streamReconnectDelay)
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Stream read failed, reconnecting")
			time.Sleep(streamReconnectDelay)
			if err := s.connect(); err != nil {
				log.Warn().Err(err).Msg("Stream reconnect failed")
			}
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		s.apply(msg)
	}
}

func (s *StreamProvider) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (s *StreamProvider) apply(msg streamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case "bar":
		bar := Bar{
			Time:   time.Unix(msg.TS, 0),
			Open:   decimal.NewFromFloat(msg.Open),
			High:   decimal.NewFromFloat(msg.High),
			Low:    decimal.NewFromFloat(msg.Low),
			Close:  decimal.NewFromFloat(msg.Close),
			Volume: msg.Volume,
		}
		window := append(s.bars[msg.Symbol], bar)
		if len(window) > streamBarWindow {
			window = window[len(window)-streamBarWindow:]
		}
		s.bars[msg.Symbol] = window
	case "quote":
		q := s.quotes[msg.Symbol]
		q.bid, q.ask = msg.Bid, msg.Ask
		if msg.Close > 0 {
			q.last = msg.Close
		}
		s.quotes[msg.Symbol] = q
	}
}

// SetPrevClose seeds the prior-session close used by scan percent moves.
func (s *StreamProvider) SetPrevClose(symbol string, close float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevC[symbol] = close
}

// SetAvgMinuteVolume seeds the relative-volume baseline for a symbol.
func (s *StreamProvider) SetAvgMinuteVolume(symbol string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avgVol[symbol] = v
}

// LatestBars returns an enriched copy of the cached window tail.
func (s *StreamProvider) LatestBars(symbol string, lookback int) ([]Bar, error) {
	s.mu.RLock()
	window := s.bars[symbol]
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}
	out := make([]Bar, len(window))
	copy(out, window)
	s.mu.RUnlock()
	return Enrich(out, s.opts), nil
}

// QuoteSpreadPct returns the cached spread as a percent of the last price.
func (s *StreamProvider) QuoteSpreadPct(symbol string) (float64, error) {
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()
	if !ok || q.bid <= 0 || q.ask <= 0 {
		return 99.0, nil
	}
	last := q.last
	if last <= 0 {
		last = (q.bid + q.ask) / 2
	}
	return (q.ask - q.bid) / last * 100, nil
}

// ScanUniverse builds candidate rows from the cached state.
func (s *StreamProvider) ScanUniverse() ([]Candidate, error) {
	out := make([]Candidate, 0, len(s.universe))
	for _, sym := range s.universe {
		s.mu.RLock()
		window := s.bars[sym]
		prev := s.prevC[sym]
		avg := s.avgVol[sym]
		s.mu.RUnlock()
		if len(window) == 0 {
			continue
		}
		last := window[len(window)-1]
		price, _ := last.Close.Float64()
		c := Candidate{
			Symbol:   sym,
			Price:    last.Close,
			Volume:   last.Volume,
			AvgVol10: avg,
		}
		if c.AvgVol10 < 1 {
			c.AvgVol10 = 1
		}
		if prev > 0 {
			c.PctMove = (price - prev) / prev * 100
		}
		hi := price
		for _, b := range window {
			if h, _ := b.High.Float64(); h > hi {
				hi = h
			}
		}
		if hi > 0 {
			c.HODDist = (hi - price) / hi * 100
		}
		c.SpreadPct, _ = s.QuoteSpreadPct(sym)
		closes := make([]decimal.Decimal, len(window))
		for i, b := range window {
			closes[i] = b.Close
		}
		c.Trend = TrendScore(closes)
		out = append(out, c)
	}
	return out, nil
}

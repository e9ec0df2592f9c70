package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Publish transport modes for the stage event streams.
const (
	PublishFile  = "file"
	PublishRedis = "redis"
)

// ScannerConfig holds the stage-0 qualification thresholds.
type ScannerConfig struct {
	SessionWindows []SessionWindow // trading windows the scanner is active in
	MinPrice       float64
	MaxPrice       float64
	MinVolume      int64
	PreOpenRV      float64 // relative-volume threshold 09:30-09:45
	IntradayRV     float64 // relative-volume threshold rest of session
	VolOverride    int64   // absolute volume that bypasses the RV threshold
	PctMoveOpen    float64 // min % move during the opening window
	PctMoveIntra   float64 // min % move intraday
	FloatMax       int64
	FloatLowThresh int64
	SpreadMaxPct   float64
}

// SessionWindow is an intraday [Start, End] window in the trading timezone.
type SessionWindow struct {
	Start, End string // "HH:MM"
}

// Contains reports whether the clock time of t falls inside the window.
func (w SessionWindow) Contains(t time.Time) bool {
	hm := t.Format("15:04")
	return hm >= w.Start && hm <= w.End
}

// WatchConfig holds the micro-pullback validator thresholds.
type WatchConfig struct {
	TimeoutMinutes int
	BarDepth       int // bounded bar window per tracked symbol
	MaxRedBars     int
	MaxPullbackPct float64
	LowVolRatio    float64
	MustHoldVWAP   bool
}

// EntryConfig holds the trigger-gate thresholds.
type EntryConfig struct {
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	VolSpikeRatio  float64
	MaxSpreadPct   float64
	StopPct        float64 // stop distance as % of price when no ATR available
	ATRStopMult    float64 // ATR multiple for stop distance; 0 disables
	FirstFillPct   float64 // fraction of sized qty submitted immediately
	AddAfterBreak  float64 // % above pullback high for the conditional add; 0 disables
	DropRejected   bool    // drop armed symbols on an admission rejection instead of retrying
}

// ExitConfig holds the staircase-stop parameters.
type ExitConfig struct {
	StopRPct        float64 // initial stop distance as % of entry; defines 1R per share
	EMATrailLen     int
	FirstRedExitPct float64 // % of remaining qty sold on the first red close past +3R
}

// RiskConfig holds the ledger's admission-control parameters.
type RiskConfig struct {
	RPctEquity      float64 // 1R as a fraction of equity
	DailyMaxR       float64
	SoftPositionCap int
	HardPositionCap int     // 0 disables
	QualityThrottle float64 // min quality once the soft cap is reached
	DefaultEquity   float64 // fallback when the broker equity fetch fails
	FallbackStopPct float64 // stop distance fallback for positions without a stop
	Timezone        string  // trading-calendar timezone for the daily reset
}

// Config holds all configuration for the pipeline.
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Pipeline cadence & transport
	TickInterval time.Duration
	PublishMode  string // file | redis
	EventDir     string
	RedisAddr    string
	RedisPass    string

	// Stages
	Scanner ScannerConfig
	Watch   WatchConfig
	Entry   EntryConfig
	Exit    ExitConfig
	Risk    RiskConfig

	// Symbols scanned when no external screener feed is configured
	Universe []string

	// Optional websocket push feed; empty selects the REST provider
	StreamURL string

	// Journal
	DatabaseDSN string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Broker credentials (the Alpaca SDK also reads APCA_* itself)
	AlpacaKeyID  string
	AlpacaSecret string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		TickInterval: getEnvDuration("TICK_INTERVAL", 60*time.Second),
		PublishMode:  getEnv("PUBLISH_MODE", PublishFile),
		EventDir:     getEnv("EVENT_DIR", "events"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisPass:    os.Getenv("REDIS_PASS"),

		Scanner: ScannerConfig{
			SessionWindows: parseWindows(getEnv("SCAN_SESSION_WINDOWS", "09:30-11:30,13:30-15:45")),
			MinPrice:       getEnvFloat("SCAN_MIN_PRICE", 1.0),
			MaxPrice:       getEnvFloat("SCAN_MAX_PRICE", 40.0),
			MinVolume:      getEnvInt64("SCAN_MIN_VOLUME", 100_000),
			PreOpenRV:      getEnvFloat("SCAN_PRE_OPEN_RV", 3.0),
			IntradayRV:     getEnvFloat("SCAN_INTRADAY_RV", 5.0),
			VolOverride:    getEnvInt64("SCAN_VOL_OVERRIDE", 1_000_000),
			PctMoveOpen:    getEnvFloat("SCAN_PCT_MOVE_OPEN", 4.0),
			PctMoveIntra:   getEnvFloat("SCAN_PCT_MOVE_INTRADAY", 8.0),
			FloatMax:       getEnvInt64("SCAN_FLOAT_MAX", 50_000_000),
			FloatLowThresh: getEnvInt64("SCAN_FLOAT_LOW_THRESH", 10_000_000),
			SpreadMaxPct:   getEnvFloat("SCAN_SPREAD_MAX_PCT", 1.0),
		},

		Watch: WatchConfig{
			TimeoutMinutes: getEnvInt("WATCH_TIMEOUT_MINUTES", 15),
			BarDepth:       getEnvInt("WATCH_BAR_DEPTH", 20),
			MaxRedBars:     getEnvInt("WATCH_MAX_RED_BARS", 3),
			MaxPullbackPct: getEnvFloat("WATCH_MAX_PULLBACK_PCT", 3.5),
			LowVolRatio:    getEnvFloat("WATCH_LOW_VOL_RATIO", 0.6),
			MustHoldVWAP:   getEnvBool("WATCH_MUST_HOLD_VWAP", true),
		},

		Entry: EntryConfig{
			MACDFast:       getEnvInt("ENTRY_MACD_FAST", 3),
			MACDSlow:       getEnvInt("ENTRY_MACD_SLOW", 10),
			MACDSignal:     getEnvInt("ENTRY_MACD_SIGNAL", 16),
			VolSpikeRatio:  getEnvFloat("ENTRY_VOL_SPIKE_RATIO", 1.5),
			MaxSpreadPct:   getEnvFloat("ENTRY_MAX_SPREAD_PCT", 0.8),
			StopPct:        getEnvFloat("ENTRY_STOP_PCT", 1.0),
			ATRStopMult:    getEnvFloat("ENTRY_ATR_STOP_MULT", 1.5),
			FirstFillPct:   getEnvFloat("ENTRY_FIRST_FILL_PCT", 0.5),
			AddAfterBreak:  getEnvFloat("ENTRY_ADD_AFTER_BREAK_PCT", 0.5),
			DropRejected:   getEnvBool("ENTRY_DROP_REJECTED", false),
		},

		Exit: ExitConfig{
			StopRPct:        getEnvFloat("EXIT_STOP_R_PCT", 1.0),
			EMATrailLen:     getEnvInt("EXIT_EMA_TRAIL_LEN", 9),
			FirstRedExitPct: getEnvFloat("EXIT_FIRST_RED_EXIT_PCT", 50.0),
		},

		Risk: RiskConfig{
			RPctEquity:      getEnvFloat("RISK_R_PCT_EQUITY", 0.01),
			DailyMaxR:       getEnvFloat("RISK_DAILY_MAX_R", 3.0),
			SoftPositionCap: getEnvInt("RISK_SOFT_POSITION_CAP", 3),
			HardPositionCap: getEnvInt("RISK_HARD_POSITION_CAP", 5),
			QualityThrottle: getEnvFloat("RISK_QUALITY_THROTTLE", 6.0),
			DefaultEquity:   getEnvFloat("RISK_DEFAULT_EQUITY", 100_000),
			FallbackStopPct: getEnvFloat("RISK_FALLBACK_STOP_PCT", 1.0),
			Timezone:        getEnv("TRADING_TIMEZONE", "America/New_York"),
		},

		Universe:    splitList(os.Getenv("UNIVERSE")),
		StreamURL:   os.Getenv("STREAM_WS_URL"),
		DatabaseDSN: getEnv("DATABASE_DSN", "data/momentum.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		AlpacaKeyID:  os.Getenv("APCA_API_KEY_ID"),
		AlpacaSecret: os.Getenv("APCA_API_SECRET_KEY"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Fatal startup checks: the process must not start degraded.
	switch cfg.PublishMode {
	case PublishFile:
	case PublishRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("PUBLISH_MODE=redis requires REDIS_ADDR")
		}
	default:
		return nil, fmt.Errorf("unknown PUBLISH_MODE %q", cfg.PublishMode)
	}
	if !cfg.DryRun && (cfg.AlpacaKeyID == "" || cfg.AlpacaSecret == "") {
		return nil, fmt.Errorf("live trading requires APCA_API_KEY_ID and APCA_API_SECRET_KEY (or set DRY_RUN=true)")
	}
	if _, err := time.LoadLocation(cfg.Risk.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TRADING_TIMEZONE: %w", err)
	}
	if len(cfg.Scanner.SessionWindows) == 0 {
		return nil, fmt.Errorf("SCAN_SESSION_WINDOWS must contain at least one HH:MM-HH:MM window")
	}

	return cfg, nil
}

// parseWindows parses "09:30-10:30,13:00-15:45" into session windows.
// Malformed entries are dropped.
func parseWindows(s string) []SessionWindow {
	var out []SessionWindow
	for _, part := range strings.Split(s, ",") {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 || len(bounds[0]) != 5 || len(bounds[1]) != 5 {
			continue
		}
		out = append(out, SessionWindow{Start: bounds[0], End: bounds[1]})
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, strings.ToUpper(v))
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/broker"
	"github.com/martibx7/momentum-quant/engine"
	"github.com/martibx7/momentum-quant/eventlog"
	"github.com/martibx7/momentum-quant/internal/config"
	"github.com/martibx7/momentum-quant/ledger"
	"github.com/martibx7/momentum-quant/marketdata"
	"github.com/martibx7/momentum-quant/notify"
	"github.com/martibx7/momentum-quant/storage"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	loc, err := time.LoadLocation(cfg.Risk.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.Risk.Timezone).Msg("Invalid trading timezone")
	}

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              MOMENTUM QUANT - INTRADAY PIPELINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Market data provider
	indOpts := marketdata.DefaultIndicatorOptions()
	indOpts.EMALen = cfg.Exit.EMATrailLen
	indOpts.MACDFast = cfg.Entry.MACDFast
	indOpts.MACDSlow = cfg.Entry.MACDSlow
	indOpts.MACDSignal = cfg.Entry.MACDSignal

	var provider marketdata.Provider
	var stream *marketdata.StreamProvider
	if cfg.StreamURL != "" {
		stream = marketdata.NewStreamProvider(cfg.StreamURL, cfg.Universe, indOpts)
		if err := stream.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect market data stream")
		}
		provider = stream
		log.Info().Str("url", cfg.StreamURL).Msg("✅ Market data stream connected")
	} else {
		provider = marketdata.NewAlpacaProvider(cfg.Universe, indOpts)
		log.Info().Int("universe", len(cfg.Universe)).Msg("✅ Market data provider initialized")
	}

	// 2. Broker
	var brk broker.Broker
	if cfg.DryRun {
		priceOf := func(symbol string) decimal.Decimal {
			bars, err := provider.LatestBars(symbol, 1)
			if err != nil || len(bars) == 0 {
				return decimal.Zero
			}
			return bars[len(bars)-1].Close
		}
		brk = broker.NewPaper(decimal.NewFromFloat(cfg.Risk.DefaultEquity), priceOf)
		log.Info().Msg("✅ Paper broker initialized")
	} else {
		brk, err = broker.NewAlpaca()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize broker")
		}
		log.Info().Msg("✅ Alpaca broker initialized")
	}

	// 3. Risk ledger
	led, err := ledger.New(brk, cfg.Risk)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize risk ledger")
	}
	log.Info().Msg("✅ Risk ledger initialized")

	// 4. Event streams
	streams, err := newEventStreams(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event streams")
	}
	log.Info().Str("mode", cfg.PublishMode).Msg("✅ Event streams initialized")

	// 5. Pipeline stages
	scanner := engine.NewScanner(cfg.Scanner, loc, provider, streams.alertSink)
	watch := engine.NewWatch(cfg.Watch, loc, provider, streams.alertSrc, streams.armedSink)
	entry := engine.NewEntry(cfg.Entry, loc, provider, brk, led, streams.armedSrc, streams.entrySink)
	exit := engine.NewExit(cfg.Exit, loc, provider, brk, led, streams.exitSink)
	log.Info().Msg("✅ Pipeline stages initialized")

	// 6. Trade journal (optional)
	journal, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Warn().Err(err).Msg("Journal connection failed, continuing without persistence")
		journal = nil
	}
	if journal != nil {
		entry.SetJournal(journal)
		exit.SetJournal(journal)
		log.Info().Msg("✅ Trade journal initialized")
	}

	// 7. Runner
	runner := engine.NewRunner(cfg.TickInterval, scanner, watch, entry, exit)

	// 8. Telegram bot (optional)
	var bot *notify.TelegramBot
	if cfg.TelegramToken != "" {
		bot, err = notify.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram init failed, continuing without notifications")
		} else {
			bot.SetRiskView(led)
			if journal != nil {
				bot.SetTradeHistory(journal)
			}
			bot.SetControlCallbacks(runner.Pause, runner.Resume)
			entry.SetNotifier(bot)
			exit.SetNotifier(bot)
			bot.Start()
			log.Info().Msg("✅ Telegram bot initialized")
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msg("║            📈 SCAN → WATCH → ENTER → MANAGE                  ║")
	log.Info().Msg("╠══════════════════════════════════════════════════════════════╣")
	log.Info().Msgf("║  Mode: %-52s  ║", mode)
	log.Info().Msgf("║  Tick: %-52s  ║", cfg.TickInterval)
	log.Info().Msgf("║  Universe: %-48s  ║", fmt.Sprintf("%d symbols", len(cfg.Universe)))
	log.Info().Msgf("║  Risk: %-52s  ║", fmt.Sprintf("%.2f%% equity per trade, daily cap %.1fR", cfg.Risk.RPctEquity*100, cfg.Risk.DailyMaxR))
	log.Info().Msgf("║  Caps: %-52s  ║", fmt.Sprintf("soft %d / hard %d positions", cfg.Risk.SoftPositionCap, cfg.Risk.HardPositionCap))
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)
	if bot != nil {
		bot.NotifyStartup(mode)
	}
	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	runner.Stop()
	if stream != nil {
		stream.Stop()
	}
	if bot != nil {
		bot.Stop()
	}
	if journal != nil {
		journal.Close()
	}

	log.Info().Msg("👋 Goodbye!")
}

// eventStreams bundles the sink/source pair of each stage boundary.
type eventStreams struct {
	alertSink eventlog.Sink
	alertSrc  eventlog.Source
	armedSink eventlog.Sink
	armedSrc  eventlog.Source
	entrySink eventlog.Sink
	exitSink  eventlog.Sink
}

func newEventStreams(cfg *config.Config) (*eventStreams, error) {
	if cfg.PublishMode == config.PublishRedis {
		alerts, err := eventlog.NewRedisTopic(cfg.RedisAddr, cfg.RedisPass, eventlog.AlertSchema)
		if err != nil {
			return nil, err
		}
		armed, err := eventlog.NewRedisTopic(cfg.RedisAddr, cfg.RedisPass, eventlog.ArmedSchema)
		if err != nil {
			return nil, err
		}
		entries, err := eventlog.NewRedisTopic(cfg.RedisAddr, cfg.RedisPass, eventlog.EntrySchema)
		if err != nil {
			return nil, err
		}
		exits, err := eventlog.NewRedisTopic(cfg.RedisAddr, cfg.RedisPass, eventlog.ExitSchema)
		if err != nil {
			return nil, err
		}
		return &eventStreams{
			alertSink: alerts, alertSrc: alerts,
			armedSink: armed, armedSrc: armed,
			entrySink: entries, exitSink: exits,
		}, nil
	}

	alerts, err := eventlog.NewFileLog(cfg.EventDir, eventlog.AlertSchema)
	if err != nil {
		return nil, err
	}
	armed, err := eventlog.NewFileLog(cfg.EventDir, eventlog.ArmedSchema)
	if err != nil {
		return nil, err
	}
	entries, err := eventlog.NewFileLog(cfg.EventDir, eventlog.EntrySchema)
	if err != nil {
		return nil, err
	}
	exits, err := eventlog.NewFileLog(cfg.EventDir, eventlog.ExitSchema)
	if err != nil {
		return nil, err
	}
	return &eventStreams{
		alertSink: alerts,
		alertSrc:  eventlog.NewFileConsumer(cfg.EventDir, eventlog.AlertSchema),
		armedSink: armed,
		armedSrc:  eventlog.NewFileConsumer(cfg.EventDir, eventlog.ArmedSchema),
		entrySink: entries,
		exitSink:  exits,
	}, nil
}

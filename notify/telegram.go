package notify

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martibx7/momentum-quant/broker"
	"github.com/martibx7/momentum-quant/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trading notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (fills, stop moves, partial exits)
//   📊 Risk & position queries (/risk, /positions, /trades)
//   🎛️ Control commands (/pause, /resume, /ping)
//
// ═══════════════════════════════════════════════════════════════════════════════

// RiskView exposes the ledger's read side for status commands.
type RiskView interface {
	Equity() decimal.Decimal
	OpenR() float64
	RiskUnit() float64
	LivePositions() map[string]broker.Position
}

// TradeHistory serves the /trades command.
type TradeHistory interface {
	RecentTrades(limit int) ([]storage.TradeEvent, error)
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	risk    RiskView
	history TradeHistory

	onPause  func()
	onResume func()
}

// NewTelegramBot creates a bot bound to one authorized chat.
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// SetRiskView attaches the ledger read side.
func (b *TelegramBot) SetRiskView(r RiskView) { b.risk = r }

// SetTradeHistory attaches the journal read side.
func (b *TelegramBot) SetTradeHistory(h TradeHistory) { b.history = h }

// SetControlCallbacks sets pause/resume handlers.
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade sends a trade execution alert.
func (b *TelegramBot) NotifyTrade(action, symbol string, qty int64, price decimal.Decimal) {
	var emoji string
	switch action {
	case "OPEN":
		emoji = "✅"
	case "FIRST_RED":
		emoji = "📊"
	case "STOP_OUT":
		emoji = "🛑"
	default:
		emoji = "📌"
	}

	msg := fmt.Sprintf(`%s *%s*

📊 %s
💵 Price: *$%s*
📦 Qty: *%d*`,
		emoji, action,
		symbol,
		price.StringFixed(2),
		qty,
	)

	b.sendMarkdown(msg)
}

// NotifyStartup sends a startup notification.
func (b *TelegramBot) NotifyStartup(mode string) {
	equityStr := "N/A"
	if b.risk != nil {
		equityStr = "$" + b.risk.Equity().StringFixed(2)
	}

	msg := fmt.Sprintf(`🚀 *MOMENTUM PIPELINE STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Equity: *%s*

Use /help for commands`, mode, equityStr)

	b.sendMarkdown(msg)
}

// NotifyError sends an error alert.
func (b *TelegramBot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "risk":
		b.cmdRisk()
	case "positions":
		b.cmdPositions()
	case "trades":
		b.cmdTrades()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *PIPELINE COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /risk — Equity, open R, risk unit
💼 /positions — Open positions
📜 /trades — Last 10 trades
⏸️ /pause — Pause trading
▶️ /resume — Resume trading
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdRisk() {
	if b.risk == nil {
		b.send("❌ Risk view not available")
		return
	}

	msg := fmt.Sprintf(`📊 *RISK STATE*
━━━━━━━━━━━━━━━━━━━━

💰 Equity: *$%s*
🎯 Risk unit (1R): *$%.2f*
🔥 Open risk: *%.2fR*
💼 Positions: *%d*`,
		b.risk.Equity().StringFixed(2),
		b.risk.RiskUnit(),
		b.risk.OpenR(),
		len(b.risk.LivePositions()),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	if b.risk == nil {
		b.send("❌ Positions not available")
		return
	}

	positions := b.risk.LivePositions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, pos := range positions {
		msg += fmt.Sprintf(`🟢 *%s*
💵 Entry: $%s | Qty: %d
🛑 Stop: $%s

`,
			pos.Symbol,
			pos.AvgPrice.StringFixed(2), pos.Qty,
			pos.StopPrice.StringFixed(2),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	if b.history == nil {
		b.send("❌ Trade history not available")
		return
	}

	trades, err := b.history.RecentTrades(10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	msg := "📜 *LAST 10 TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, t := range trades {
		actionEmoji := "📌"
		switch t.Action {
		case "OPEN":
			actionEmoji = "✅"
		case "EXIT":
			actionEmoji = "📊"
		}

		msg += fmt.Sprintf("%s %s %s x%d @ $%s\n   _%s · %s_\n\n",
			actionEmoji, t.Side, t.Symbol, t.Qty,
			t.Price.StringFixed(2),
			t.Comment, t.CreatedAt.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}
	b.send("⏸️ Trading paused")
	log.Info().Msg("Trading paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}
	b.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

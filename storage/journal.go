package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// JOURNAL - Trade persistence layer
// ═══════════════════════════════════════════════════════════════════════════════
//
// The event streams are the pipeline's source of truth; the journal is the
// queryable history behind them. A nil journal is valid and drops writes, so
// stages never branch on persistence being configured.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Journal struct {
	db *gorm.DB
}

// TradeEvent is one order-level action taken by a stage.
type TradeEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"index"`
	Side      string // BUY or SELL
	Qty       int64
	Price     decimal.Decimal `gorm:"type:decimal(18,4)"`
	Action    string          `gorm:"index"` // OPEN, EXIT
	Comment   string          // first_fill, break_add, first_red, ...
	CreatedAt time.Time
}

// DayStat aggregates one trading day.
type DayStat struct {
	Date    string `gorm:"primaryKey"` // YYYY-MM-DD
	Entries int
	Exits   int
	Shares  int64
}

// Open connects to the journal database. A postgres:// DSN selects
// PostgreSQL; anything else is treated as a SQLite path. An empty DSN
// returns a nil journal, which disables persistence.
func Open(dsn string) (*Journal, error) {
	if dsn == "" {
		log.Warn().Msg("DATABASE_DSN not set, running without a trade journal")
		return nil, nil
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Journal connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeEvent{}, &DayStat{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// LogTrade records one order action. Failures are logged, never surfaced:
// a broken journal must not stop the pipeline.
func (j *Journal) LogTrade(symbol, side string, qty int64, price decimal.Decimal, action, comment string) {
	if j == nil || j.db == nil {
		return
	}
	ev := TradeEvent{
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		Action:  action,
		Comment: comment,
	}
	if err := j.db.Create(&ev).Error; err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to journal trade")
		return
	}
	j.bumpDayStat(action, qty)
}

func (j *Journal) bumpDayStat(action string, qty int64) {
	date := time.Now().Format("2006-01-02")
	var stat DayStat
	if err := j.db.FirstOrCreate(&stat, DayStat{Date: date}).Error; err != nil {
		return
	}
	switch action {
	case "OPEN":
		stat.Entries++
	case "EXIT":
		stat.Exits++
	}
	stat.Shares += qty
	j.db.Save(&stat)
}

// RecentTrades returns the latest trade events, newest first.
func (j *Journal) RecentTrades(limit int) ([]TradeEvent, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	var events []TradeEvent
	err := j.db.Order("created_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// TradesBySymbol returns a symbol's trade history, newest first.
func (j *Journal) TradesBySymbol(symbol string, limit int) ([]TradeEvent, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	var events []TradeEvent
	err := j.db.Where("symbol = ?", symbol).Order("created_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// DayStats returns the aggregate row for a date, zero-valued if absent.
func (j *Journal) DayStats(date string) (DayStat, error) {
	if j == nil || j.db == nil {
		return DayStat{Date: date}, nil
	}
	var stat DayStat
	err := j.db.Where("date = ?", date).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return DayStat{Date: date}, nil
	}
	return stat, err
}

// Close releases the underlying connection.
func (j *Journal) Close() {
	if j == nil || j.db == nil {
		return
	}
	if sqlDB, err := j.db.DB(); err == nil {
		sqlDB.Close()
	}
}

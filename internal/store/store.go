// Package store persists Trade rows with GORM, selecting the Postgres or
// SQLite driver by connection string shape the same way the rest of this
// lineage's persistence layer does.
package store

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

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

// TradeRecord is the GORM-mapped persisted trade row.
type TradeRecord struct {
	ID                 string `gorm:"primaryKey"`
	Side               string
	State              string `gorm:"index"`
	Stake              decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryOdds          decimal.Decimal `gorm:"type:decimal(10,6)"`
	OpenPrice          decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPrice         decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Estimate           decimal.Decimal `gorm:"type:decimal(10,6)"`
	EV                 decimal.Decimal `gorm:"type:decimal(10,6)"`
	Gap                decimal.Decimal `gorm:"type:decimal(10,6)"`
	PriceDiffPct       decimal.Decimal `gorm:"type:decimal(10,6)"`
	BalanceAfter       decimal.Decimal `gorm:"type:decimal(20,6)"`
	MarketConditionID  string          `gorm:"index"`
	StrategyTag        string
	Reason             string
	Detail             string
	ScanToTradeMs       int64
	OrderStatus        string
	OrderID            string
	BalanceAtBet       decimal.Decimal `gorm:"type:decimal(20,6)"`
	TokenID            string
	ActualSize         decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt          time.Time
	ResolvedAt         *time.Time
	PnL                decimal.Decimal `gorm:"type:decimal(20,6)"`
	CandleWindow       string          `gorm:"index"`
}

// Store wraps the GORM handle; all access goes through the model.Trade
// domain type, never the GORM row directly.
type Store struct {
	db *gorm.DB
}

// Open selects Postgres when dbPath looks like a connection URL, SQLite
// otherwise, and auto-migrates the trade table.
func Open(dbPath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("store: connected (postgres)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("store: connected (sqlite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// CreateTrade inserts a new PENDING (or FOK-fail CANCELLED) row.
func (s *Store) CreateTrade(t *model.Trade) error {
	return s.db.Create(toRecord(t)).Error
}

// ResolveTrade writes a trade's one-way terminal-state transition.
func (s *Store) ResolveTrade(t *model.Trade) error {
	return s.db.Save(toRecord(t)).Error
}

// PendingTrades returns all PENDING rows, oldest-first, for Reconciler.
func (s *Store) PendingTrades() ([]*model.Trade, error) {
	var rows []TradeRecord
	if err := s.db.Where("state = ?", string(model.TradePending)).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	trades := make([]*model.Trade, 0, len(rows))
	for i := range rows {
		trades = append(trades, fromRecord(&rows[i]))
	}
	return trades, nil
}

// RecentWinRate computes the win rate over the last n resolved trades,
// returning (rate, sampleCount). sampleCount is 0 until any trades resolve.
func (s *Store) RecentWinRate(n int) (decimal.Decimal, int) {
	var rows []TradeRecord
	err := s.db.
		Where("state IN ?", []string{string(model.TradeWin), string(model.TradeLose)}).
		Order("resolved_at desc").
		Limit(n).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return decimal.Zero, 0
	}

	wins := 0
	for _, r := range rows {
		if r.State == string(model.TradeWin) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(rows)))), len(rows)
}

// LastNResolved returns the most recently resolved trades, newest first.
func (s *Store) LastNResolved(n int) ([]*model.Trade, error) {
	var rows []TradeRecord
	if err := s.db.
		Where("state IN ?", []string{string(model.TradeWin), string(model.TradeLose)}).
		Order("resolved_at desc").
		Limit(n).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	trades := make([]*model.Trade, 0, len(rows))
	for i := range rows {
		trades = append(trades, fromRecord(&rows[i]))
	}
	return trades, nil
}

func toRecord(t *model.Trade) *TradeRecord {
	return &TradeRecord{
		ID:                t.ID,
		Side:              string(t.Side),
		State:             string(t.State),
		Stake:             t.Stake,
		EntryOdds:         t.EntryOdds,
		OpenPrice:         t.OpenPrice,
		EntryPrice:        t.EntryPrice,
		ExitPrice:         t.ExitPrice,
		Estimate:          t.Estimate,
		EV:                t.EV,
		Gap:               t.Gap,
		PriceDiffPct:      t.PriceDiffPct,
		BalanceAfter:      t.BalanceAfter,
		MarketConditionID: t.MarketConditionID,
		StrategyTag:       t.StrategyTag,
		Reason:            t.Reason,
		Detail:            t.Detail,
		ScanToTradeMs:     t.ScanToTradeMs,
		OrderStatus:       t.OrderStatus,
		OrderID:           t.OrderID,
		BalanceAtBet:      t.BalanceAtBet,
		TokenID:           t.TokenID,
		ActualSize:        t.ActualSize,
		CreatedAt:         t.CreatedAt,
		ResolvedAt:        t.ResolvedAt,
		PnL:               t.PnL,
		CandleWindow:      t.CandleWindow,
	}
}

func fromRecord(r *TradeRecord) *model.Trade {
	return &model.Trade{
		ID:                r.ID,
		Side:              model.TradeSide(r.Side),
		State:             model.TradeState(r.State),
		Stake:             r.Stake,
		EntryOdds:         r.EntryOdds,
		OpenPrice:         r.OpenPrice,
		EntryPrice:        r.EntryPrice,
		ExitPrice:         r.ExitPrice,
		Estimate:          r.Estimate,
		EV:                r.EV,
		Gap:               r.Gap,
		PriceDiffPct:      r.PriceDiffPct,
		BalanceAfter:      r.BalanceAfter,
		MarketConditionID: r.MarketConditionID,
		StrategyTag:       r.StrategyTag,
		Reason:            r.Reason,
		Detail:            r.Detail,
		ScanToTradeMs:     r.ScanToTradeMs,
		OrderStatus:       r.OrderStatus,
		OrderID:           r.OrderID,
		BalanceAtBet:      r.BalanceAtBet,
		TokenID:           r.TokenID,
		ActualSize:        r.ActualSize,
		CreatedAt:         r.CreatedAt,
		ResolvedAt:        r.ResolvedAt,
		PnL:               r.PnL,
		CandleWindow:      r.CandleWindow,
	}
}

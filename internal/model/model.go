// Package model holds the data shapes shared across the scanning/trading
// pipeline. Kept separate from any one component's package to avoid import
// cycles between PriceFeed, OddsFeed, Scanner, and the persistence layer.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a bet, aligned with which way BTC is expected to move.
type Direction string

const (
	DirUp   Direction = "UP"
	DirDown Direction = "DOWN"
	DirHold Direction = "HOLD"
)

// Regime is the coarse volatility classification derived from ATR%.
type Regime string

const (
	RegimeLow      Regime = "LOW"
	RegimeNormal   Regime = "NORMAL"
	RegimeHigh     Regime = "HIGH"
	RegimeExtreme  Regime = "EXTREME"
)

// RegimeParams are the per-regime tuning knobs the scan cascade consults.
type RegimeParams struct {
	EntryMult    decimal.Decimal
	RangeMult    decimal.Decimal
	MomentumMin  decimal.Decimal
	CusumMult    decimal.Decimal
	GapAdj       decimal.Decimal
}

// RegimeTable is the fixed per-regime dynamic-threshold lookup.
var RegimeTable = map[Regime]RegimeParams{
	RegimeLow: {
		EntryMult:   decimal.NewFromFloat(0.40),
		RangeMult:   decimal.NewFromFloat(0.25),
		MomentumMin: decimal.NewFromFloat(0.35),
		CusumMult:   decimal.NewFromFloat(0.35),
		GapAdj:      decimal.NewFromFloat(-0.01),
	},
	RegimeNormal: {
		EntryMult:   decimal.NewFromFloat(0.50),
		RangeMult:   decimal.NewFromFloat(0.30),
		MomentumMin: decimal.NewFromFloat(0.40),
		CusumMult:   decimal.NewFromFloat(0.40),
		GapAdj:      decimal.Zero,
	},
	RegimeHigh: {
		EntryMult:   decimal.NewFromFloat(0.60),
		RangeMult:   decimal.NewFromFloat(0.35),
		MomentumMin: decimal.NewFromFloat(0.50),
		CusumMult:   decimal.NewFromFloat(0.50),
		GapAdj:      decimal.NewFromFloat(0.01),
	},
	RegimeExtreme: {
		EntryMult:   decimal.NewFromFloat(0.70),
		RangeMult:   decimal.NewFromFloat(0.40),
		MomentumMin: decimal.NewFromFloat(0.60),
		CusumMult:   decimal.NewFromFloat(0.60),
		GapAdj:      decimal.NewFromFloat(0.02),
	},
}

// MarketOdds is a volatile snapshot published wholesale by OddsFeed.
type MarketOdds struct {
	UpPrice         decimal.Decimal
	DownPrice       decimal.Decimal
	ConditionID     string
	UpTokenID       string
	DownTokenID     string
	FetchDurationMs int64
	Slug            string
}

// EvResult is the pure output of EvCalculator. Never persisted; Reason is
// observability only and must not be parsed by any consumer.
type EvResult struct {
	Direction Direction
	EV        decimal.Decimal
	Estimate  decimal.Decimal
	Gap       decimal.Decimal
	Stake     decimal.Decimal
	Strategy  string
	Reason    string
}

func (r EvResult) IsHold() bool {
	return r.Direction == DirHold
}

// TradeSide is the conditional-token side bought.
type TradeSide string

const (
	SideBuyYes TradeSide = "BUY_YES"
	SideBuyNo  TradeSide = "BUY_NO"
	SideHold   TradeSide = "HOLD"
)

// TradeState is the lifecycle state of a Trade row.
type TradeState string

const (
	TradePending   TradeState = "PENDING"
	TradeWin       TradeState = "WIN"
	TradeLose      TradeState = "LOSE"
	TradeCancelled TradeState = "CANCELLED"
)

// Trade is the persisted record of one bet, created PENDING at order
// submission and transitioned to a terminal state exactly once by the
// Reconciler.
type Trade struct {
	ID                 string
	Side               TradeSide
	State              TradeState
	Stake              decimal.Decimal
	EntryOdds          decimal.Decimal
	OpenPrice          decimal.Decimal
	EntryPrice         decimal.Decimal
	ExitPrice          decimal.Decimal
	Estimate           decimal.Decimal
	EV                 decimal.Decimal
	Gap                decimal.Decimal
	PriceDiffPct       decimal.Decimal
	BalanceAfter       decimal.Decimal
	MarketConditionID  string
	StrategyTag        string
	Reason             string
	Detail             string
	ScanToTradeMs      int64
	OrderStatus        string
	OrderID            string
	BalanceAtBet       decimal.Decimal
	TokenID            string
	ActualSize         decimal.Decimal
	CreatedAt          time.Time
	ResolvedAt         *time.Time
	PnL                decimal.Decimal
	CandleWindow       string
}

// FOKFailStrategyTag marks a CANCELLED row created purely for observability
// when a fill-or-kill attempt was rejected; it does not count against the
// one-trade-per-candle invariant.
const FOKFailStrategyTag = "FOK_FAIL"

// ScanMetrics is the volatile, dashboard-readable state of the scan loop.
type ScanMetrics struct {
	TotalScans          int64
	ScansPerSec         float64
	LastScanDurationUs  int64
	LastFilter          string
	AtrPct              decimal.Decimal
	DynamicMinMove      decimal.Decimal
	Regime              Regime
	CusumPos            decimal.Decimal
	CusumNeg            decimal.Decimal
	CusumTriggered      bool
	CusumThreshold      decimal.Decimal
}

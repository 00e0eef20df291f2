// Package scanner is the periodic orchestrator: it runs the full filter
// cascade, calls EvCalculator on a surviving candidate, fires the order,
// and records the trade. Strictly one trade per candle window.
package scanner

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/balance"
	"github.com/web3guy0/btc-updown-sniper/internal/evcalc"
	"github.com/web3guy0/btc-updown-sniper/internal/model"
	"github.com/web3guy0/btc-updown-sniper/internal/oddsfeed"
	"github.com/web3guy0/btc-updown-sniper/internal/orderclient"
	"github.com/web3guy0/btc-updown-sniper/internal/priceoracle"
)

const (
	minBalance         = 1.0
	spreadCeiling      = 1.05
	oddsCeiling        = 0.60
	crossLimit         = 5
	momentumRingSize   = 10
	minMomentumSamples = 3
	rangeWindow        = 60
	cusumLookback      = 10
	baseGap            = 0.03
	velocityMinGapMs   = 50
)

// Store is the minimal persistence surface Scanner needs.
type Store interface {
	CreateTrade(t *model.Trade) error
	RecentWinRate(n int) (decimal.Decimal, int)
}

// Scanner holds the filter-cascade state and the window-burn bookkeeping
// (lastTradedCandleWindow) for the scan loop.
type Scanner struct {
	feed   *priceoracle.Feed
	odds   *oddsfeed.Feed
	bal    *balance.Manager
	order  *orderclient.Client
	store  Store

	minBet decimal.Decimal
	maxBet decimal.Decimal

	masterSwitch bool

	mu sync.Mutex

	lastBoundary           int64
	lastTradedCandleWindow string

	lastTick       priceTick
	velocityEMA    decimal.Decimal
	velocityReady  bool

	momentumRing []int
	crossCount   int
	lastSign     int

	rangeHigh decimal.Decimal
	rangeLow  decimal.Decimal
	rangeTicks int

	cusumPos        decimal.Decimal
	cusumNeg        decimal.Decimal
	cusumRefPrice   decimal.Decimal
	cusumTicks      int
	cusumTriggered  bool

	circuitArmedUntil time.Time
	circuitLastTradeID string

	metrics model.ScanMetrics

	scanWindowStart time.Time
	scanCountInWindow int64
}

type priceTick struct {
	epoch int64
	price decimal.Decimal
	at    time.Time
}

// New builds a Scanner wired to its upstream components.
func New(feed *priceoracle.Feed, odds *oddsfeed.Feed, bal *balance.Manager, order *orderclient.Client, store Store, minBet, maxBet decimal.Decimal) *Scanner {
	return &Scanner{
		feed:         feed,
		odds:         odds,
		bal:          bal,
		order:        order,
		store:        store,
		minBet:       minBet,
		maxBet:       maxBet,
		masterSwitch: true,
	}
}

// SetMasterSwitch toggles the global on/off gate checked first in the cascade.
func (s *Scanner) SetMasterSwitch(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterSwitch = on
}

// Metrics returns a snapshot of the volatile scan metrics.
func (s *Scanner) Metrics() model.ScanMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Tick runs one pass of the filter cascade. Called from an external ticker
// (default 100ms) so the orchestration loop itself stays in cmd/sniper.
func (s *Scanner) Tick() {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bumpScanRate()

	if !s.masterSwitch {
		s.abort("master_switch_off")
		return
	}
	if !s.feed.IsConnected() || !s.feed.WarmedUp() {
		s.abort("feed_not_ready")
		return
	}

	snap := s.feed.Snapshot()
	s.maybeResetOnBoundary(snap.Boundary)

	if s.circuitArmed() {
		s.abort("circuit_breaker_armed")
		return
	}

	window := candleWindowID(snap.Boundary)
	if window == s.lastTradedCandleWindow {
		s.abort("window_already_traded")
		return
	}

	priceDiffPct := decimal.Zero
	if !snap.Open.IsZero() {
		priceDiffPct = snap.LatestPrice.Sub(snap.Open).Div(snap.Open).Mul(decimal.NewFromInt(100))
	}

	velocity := s.updateVelocity(snap.LatestEpoch, snap.LatestPrice)
	consistency := s.updateMomentumRing(priceDiffPct)
	if len(s.momentumRing) < minMomentumSamples {
		s.abort("insufficient_momentum_samples")
		return
	}

	if s.updateCrossCounter(priceDiffPct) {
		s.abort("chop_cross_limit")
		return
	}

	s.updateRange(snap.LatestPrice)

	if !s.updateCusum(snap.LatestPrice, snap.ATRPercent, snap.Regime) {
		s.abort("cusum_not_triggered")
		return
	}

	params := model.RegimeTable[snap.Regime]
	dynamicMinMove := snap.DynamicMinMove()
	s.metrics.AtrPct = snap.ATRPercent
	s.metrics.DynamicMinMove = dynamicMinMove
	s.metrics.Regime = snap.Regime

	if priceDiffPct.Abs().LessThan(dynamicMinMove) {
		s.abort("below_dynamic_min_move")
		return
	}

	elapsed := snap.LatestEpoch - snap.Boundary
	phase, ok := candlePhase(elapsed)
	if !ok {
		s.abort("candle_phase_guard")
		return
	}

	odds := s.odds.GetOdds()
	if odds == nil {
		s.abort("no_odds_snapshot")
		return
	}

	target := odds.UpPrice
	if priceDiffPct.IsNegative() {
		target = odds.DownPrice
	}

	if elapsed < 40 {
		if !earlyEntryAllowed(elapsed, priceDiffPct, target) {
			s.abort("early_entry_tier_blocked")
			return
		}
	}

	if odds.UpPrice.Add(odds.DownPrice).GreaterThan(decimal.NewFromFloat(spreadCeiling)) {
		s.abort("spread_too_wide")
		return
	}
	if target.GreaterThan(decimal.NewFromFloat(oddsCeiling)) {
		s.abort("odds_already_priced_in")
		return
	}

	verifiedBalance := s.bal.GetVerifiedBalance()
	if verifiedBalance.LessThan(decimal.NewFromFloat(minBalance)) {
		s.abort("balance_below_minimum")
		return
	}

	if consistency.Abs().LessThan(params.MomentumMin) {
		s.abort("momentum_gate_weak")
		return
	}
	if sign(consistency) != sign(priceDiffPct) {
		s.abort("momentum_gate_sign_mismatch")
		return
	}

	timeBonus := timeBonusFor(elapsed)

	winRate, sampleCount := s.store.RecentWinRate(20)
	adaptiveGap := decimal.NewFromFloat(baseGap).Add(winRateAdjustment(winRate, sampleCount)).Add(params.GapAdj)

	result := evcalc.Calculate(evcalc.Inputs{
		PriceDiffPct:   priceDiffPct,
		UpOdds:         odds.UpPrice,
		DownOdds:       odds.DownPrice,
		Velocity:       velocity,
		MomentumScore:  consistency,
		TimeBonus:      timeBonus,
		Balance:        verifiedBalance,
		InitialBalance: s.bal.InitialBalance(),
		MinBet:         s.minBet,
		MaxBet:         s.maxBet,
	})

	if result.IsHold() || result.Gap.LessThan(adaptiveGap) {
		s.abort("ev_hold_or_gap_below_adaptive")
		return
	}

	s.executeTrade(result, odds, snap, window, phase, priceDiffPct, verifiedBalance, start)
}

func (s *Scanner) executeTrade(result model.EvResult, odds *model.MarketOdds, snap priceoracle.CandleSnapshot, window string, _ int, priceDiffPct, balanceBefore decimal.Decimal, scanStart time.Time) {
	side := orderclient.SideBuy
	tokenID := odds.UpTokenID
	tradeSide := model.SideBuyYes
	entryOdds := odds.UpPrice
	if result.Direction == model.DirDown {
		tokenID = odds.DownTokenID
		tradeSide = model.SideBuyNo
		entryOdds = odds.DownPrice
	}

	placed := s.order.PlaceWithRetry(tokenID, result.Stake, entryOdds, side)

	now := time.Now()
	trade := &model.Trade{
		ID:                fmt.Sprintf("%d-%s", now.UnixNano(), window),
		Side:               tradeSide,
		Stake:              result.Stake,
		EntryOdds:          entryOdds,
		OpenPrice:          snap.Open,
		EntryPrice:         snap.LatestPrice,
		Estimate:           result.Estimate,
		EV:                 result.EV,
		Gap:                result.Gap,
		PriceDiffPct:       priceDiffPct,
		MarketConditionID:  odds.ConditionID,
		StrategyTag:        result.Strategy,
		Reason:             result.Reason,
		ScanToTradeMs:      time.Since(scanStart).Milliseconds(),
		BalanceAtBet:       balanceBefore,
		TokenID:            tokenID,
		CreatedAt:          now,
		CandleWindow:       window,
	}

	if placed.Err != nil || !placed.Success || placed.Status != "MATCHED" {
		trade.State = model.TradeCancelled
		trade.StrategyTag = model.FOKFailStrategyTag
		trade.OrderStatus = placed.Status
		if placed.Err != nil {
			trade.Detail = placed.Err.Error()
		}
		s.lastTradedCandleWindow = window // burn the window to avoid retry loops
		if err := s.store.CreateTrade(trade); err != nil {
			log.Error().Err(err).Msg("scanner: failed to persist FOK-fail trade")
		}
		s.setLastFilter("fok_exhausted")
		return
	}

	trade.State = model.TradePending
	trade.OrderStatus = placed.Status
	trade.OrderID = placed.OrderID
	trade.ActualSize = placed.ActualSize
	trade.BalanceAfter = balanceBefore.Sub(result.Stake)

	s.bal.DeductStake(result.Stake)
	s.lastTradedCandleWindow = window

	if err := s.store.CreateTrade(trade); err != nil {
		log.Error().Err(err).Msg("scanner: failed to persist trade")
	}

	s.setLastFilter("traded")
	log.Info().
		Str("id", trade.ID).
		Str("side", string(trade.Side)).
		Str("stake", trade.Stake.StringFixed(2)).
		Str("ev", trade.EV.StringFixed(4)).
		Msg("scanner: trade placed")
}

func (s *Scanner) maybeResetOnBoundary(boundary int64) {
	if boundary == s.lastBoundary {
		return
	}
	s.lastBoundary = boundary
	s.crossCount = 0
	s.lastSign = 0
	s.rangeHigh = decimal.Zero
	s.rangeLow = decimal.Zero
	s.rangeTicks = 0
	s.momentumRing = s.momentumRing[:0]
	s.cusumPos = decimal.Zero
	s.cusumNeg = decimal.Zero
	s.cusumRefPrice = decimal.Zero
	s.cusumTicks = 0
	s.cusumTriggered = false
}

func (s *Scanner) circuitArmed() bool {
	if !s.circuitArmedUntil.IsZero() && time.Now().Before(s.circuitArmedUntil) {
		return true
	}
	return false
}

// CheckCircuitBreaker is the periodic (30s) trade-history check: if the last
// 3 resolved trades are all present and all LOSE, arm the breaker. Called
// with the newest-first slice returned by the trade store's recent-resolved
// lookup.
func (s *Scanner) CheckCircuitBreaker(lastThree []*model.Trade) {
	if len(lastThree) < 3 {
		return
	}
	allLose := true
	for _, t := range lastThree[:3] {
		if t.State != model.TradeLose {
			allLose = false
			break
		}
	}
	s.ArmCircuitBreaker(allLose, lastThree[0].ID)
}

// ArmCircuitBreaker is invoked by the Reconciler-facing trade-history check
// every 30s: if the last 3 resolved trades all LOSE and the latest id is
// newer than the one that last armed the breaker, arm for 5 minutes.
func (s *Scanner) ArmCircuitBreaker(lastThreeAllLose bool, latestTradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !lastThreeAllLose {
		return
	}
	if latestTradeID == s.circuitLastTradeID {
		return
	}
	s.circuitLastTradeID = latestTradeID
	s.circuitArmedUntil = time.Now().Add(5 * time.Minute)
	log.Warn().Str("until", s.circuitArmedUntil.Format(time.RFC3339)).Msg("scanner: circuit breaker armed")
}

func (s *Scanner) abort(reason string) {
	s.setLastFilter(reason)
}

func (s *Scanner) setLastFilter(reason string) {
	s.metrics.LastFilter = reason
}

func (s *Scanner) bumpScanRate() {
	now := time.Now()
	if s.scanWindowStart.IsZero() || now.Sub(s.scanWindowStart) >= time.Second {
		s.metrics.ScansPerSec = float64(s.scanCountInWindow)
		s.scanWindowStart = now
		s.scanCountInWindow = 0
	}
	s.scanCountInWindow++
	s.metrics.TotalScans++
}

func (s *Scanner) updateVelocity(epoch int64, price decimal.Decimal) decimal.Decimal {
	now := time.Now()
	if s.lastTick.epoch == 0 {
		s.lastTick = priceTick{epoch: epoch, price: price, at: now}
		return s.velocityEMA
	}

	dtMs := now.Sub(s.lastTick.at).Milliseconds()
	if dtMs < velocityMinGapMs {
		return s.velocityEMA
	}

	pctPerSec := decimal.Zero
	if !s.lastTick.price.IsZero() {
		changePct := price.Sub(s.lastTick.price).Div(s.lastTick.price).Mul(decimal.NewFromInt(100))
		seconds := decimal.NewFromInt(dtMs).Div(decimal.NewFromInt(1000))
		if !seconds.IsZero() {
			pctPerSec = changePct.Div(seconds)
		}
	}

	alpha := decimal.NewFromFloat(0.3)
	if !s.velocityReady {
		s.velocityEMA = pctPerSec
		s.velocityReady = true
	} else {
		s.velocityEMA = pctPerSec.Sub(s.velocityEMA).Mul(alpha).Add(s.velocityEMA)
	}

	s.lastTick = priceTick{epoch: epoch, price: price, at: now}
	return s.velocityEMA
}

func (s *Scanner) updateMomentumRing(priceDiffPct decimal.Decimal) decimal.Decimal {
	sgn := sign(priceDiffPct)
	s.momentumRing = append(s.momentumRing, sgn)
	if len(s.momentumRing) > momentumRingSize {
		s.momentumRing = s.momentumRing[len(s.momentumRing)-momentumRingSize:]
	}

	sum := 0
	for _, v := range s.momentumRing {
		sum += v
	}
	return decimal.NewFromFloat(float64(sum) / float64(len(s.momentumRing)))
}

func (s *Scanner) updateCrossCounter(priceDiffPct decimal.Decimal) bool {
	sgn := sign(priceDiffPct)
	if s.lastSign != 0 && sgn != 0 && sgn != s.lastSign {
		s.crossCount++
	}
	if sgn != 0 {
		s.lastSign = sgn
	}
	return s.crossCount >= crossLimit
}

func (s *Scanner) updateRange(price decimal.Decimal) {
	if s.rangeTicks == 0 {
		s.rangeHigh = price
		s.rangeLow = price
	} else {
		if price.GreaterThan(s.rangeHigh) {
			s.rangeHigh = price
		}
		if price.LessThan(s.rangeLow) {
			s.rangeLow = price
		}
	}
	s.rangeTicks++
	if s.rangeTicks > rangeWindow {
		s.rangeTicks = rangeWindow
	}
}

// updateCusum implements the Lopez de Prado CUSUM filter; returns whether
// cusumTriggered has latched (now, or earlier) since the last boundary reset.
// The first call after a reset only seeds the reference price.
func (s *Scanner) updateCusum(price, atrPct decimal.Decimal, regime model.Regime) bool {
	if s.cusumRefPrice.IsZero() {
		s.cusumRefPrice = price
		s.cusumTicks = 0
		return false
	}

	r := price.Sub(s.cusumRefPrice).Div(s.cusumRefPrice).Mul(decimal.NewFromInt(100))
	s.cusumPos = decimal.Max(decimal.Zero, s.cusumPos.Add(r))
	s.cusumNeg = decimal.Min(decimal.Zero, s.cusumNeg.Add(r))
	s.cusumRefPrice = price
	s.cusumTicks++

	h := decimal.NewFromFloat(0.025)
	if !atrPct.IsZero() {
		mult := model.RegimeTable[regime].CusumMult
		h = atrPct.Mul(mult)
	}

	s.metrics.CusumPos = s.cusumPos
	s.metrics.CusumNeg = s.cusumNeg
	s.metrics.CusumThreshold = h

	if !s.cusumTriggered {
		if s.cusumPos.Abs().GreaterThan(h) || s.cusumNeg.Abs().GreaterThan(h) {
			s.cusumTriggered = true
		}
	}
	s.metrics.CusumTriggered = s.cusumTriggered

	// cusumTicks counts ticks since the reference was seeded; it is not
	// copied into metrics and no tick limit is enforced: every tick before
	// CUSUM latches returns false.
	return s.cusumTriggered
}

func candleWindowID(boundary int64) string {
	t := time.Unix(boundary, 0).UTC()
	return t.Format("2006-01-02T15:04")
}

// candlePhase returns (phase, ok); ok is false when the guard windows at the
// start or end of the candle should abort the scan.
func candlePhase(elapsedSec int64) (int, bool) {
	switch {
	case elapsedSec < 5:
		return 0, false
	case elapsedSec >= 285:
		return 0, false
	case elapsedSec < 90:
		return 1, true
	case elapsedSec < 210:
		return 2, true
	default:
		return 3, true
	}
}

func earlyEntryAllowed(elapsedSec int64, priceDiffPct, target decimal.Decimal) bool {
	abs := priceDiffPct.Abs()
	if abs.GreaterThanOrEqual(decimal.NewFromFloat(0.10)) && target.LessThanOrEqual(decimal.NewFromFloat(0.45)) {
		return true
	}
	if elapsedSec >= 30 && abs.GreaterThanOrEqual(decimal.NewFromFloat(0.08)) && target.LessThanOrEqual(decimal.NewFromFloat(0.50)) {
		return true
	}
	return false
}

func timeBonusFor(elapsedSec int64) decimal.Decimal {
	minutes := decimal.NewFromInt(elapsedSec).Div(decimal.NewFromInt(60)).Floor()
	bonus := minutes.Mul(decimal.NewFromFloat(0.01))
	cap := decimal.NewFromFloat(0.07)
	if bonus.GreaterThan(cap) {
		return cap
	}
	return bonus
}

func winRateAdjustment(winRate decimal.Decimal, sampleCount int) decimal.Decimal {
	if sampleCount == 0 {
		winRate = decimal.NewFromFloat(0.50)
	}
	switch {
	case winRate.GreaterThanOrEqual(decimal.NewFromFloat(0.65)):
		return decimal.NewFromFloat(-0.01)
	case winRate.GreaterThanOrEqual(decimal.NewFromFloat(0.55)):
		return decimal.Zero
	case winRate.GreaterThanOrEqual(decimal.NewFromFloat(0.45)):
		return decimal.NewFromFloat(0.02)
	default:
		return decimal.NewFromFloat(0.04)
	}
}

func sign(v decimal.Decimal) int {
	switch {
	case v.IsPositive():
		return 1
	case v.IsNegative():
		return -1
	default:
		return 0
	}
}

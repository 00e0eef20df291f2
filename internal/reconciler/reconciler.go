// Package reconciler polls outstanding trades against the market resolution
// API, applies the documented fallback cascade, writes the terminal
// outcome, and hands winning positions to the redemption worker.
package reconciler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/balance"
	"github.com/web3guy0/btc-updown-sniper/internal/model"
	"github.com/web3guy0/btc-updown-sniper/internal/priceoracle"
	"github.com/web3guy0/btc-updown-sniper/internal/redeem"
)

const (
	settlementTimeout = 20 * time.Minute
	secondaryPayoutFrac = 0.5
)

// Store is the persistence surface Reconciler needs: pending-trade lookup
// and a terminal-state write.
type Store interface {
	PendingTrades() ([]*model.Trade, error)
	ResolveTrade(t *model.Trade) error
}

// Reconciler is the settlement-polling component.
type Reconciler struct {
	store      Store
	bal        *balance.Manager
	feed       *priceoracle.Feed
	redeemer   redeem.Redeemer
	httpClient *http.Client
	gammaURL   string
}

// New builds a Reconciler against the given market-catalog base URL.
func New(store Store, bal *balance.Manager, feed *priceoracle.Feed, redeemer redeem.Redeemer, gammaURL string, timeout time.Duration) *Reconciler {
	return &Reconciler{
		store:      store,
		bal:        bal,
		feed:       feed,
		redeemer:   redeemer,
		httpClient: &http.Client{Timeout: timeout},
		gammaURL:   gammaURL,
	}
}

// Run executes one reconciliation pass, oldest trade first. Each trade's
// PENDING-to-terminal transition is one-way, so a pass is idempotent.
func (r *Reconciler) Run() {
	trades, err := r.store.PendingTrades()
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to load pending trades")
		return
	}

	for _, t := range trades {
		if !r.candleClosed(t) {
			continue
		}
		r.resolve(t)
	}
}

func (r *Reconciler) candleClosed(t *model.Trade) bool {
	boundary, err := boundaryFromWindow(t.CandleWindow)
	if err != nil {
		return false
	}
	closeAt := time.Unix(boundary+300, 0)
	return time.Now().After(closeAt)
}

func (r *Reconciler) resolve(t *model.Trade) {
	outcome, resolvedVia, err := r.primaryOutcome(t)
	if err != nil {
		log.Debug().Err(err).Str("trade", t.ID).Msg("reconciler: primary lookup failed, trying secondary")
		outcome, resolvedVia, err = r.secondaryOutcome(t)
	}

	if err != nil {
		if r.timedOut(t) {
			r.cancel(t)
		}
		return
	}

	switch outcome {
	case model.TradeWin:
		r.win(t, resolvedVia)
	case model.TradeLose:
		r.lose(t)
	default:
		if r.timedOut(t) {
			r.cancel(t)
		}
	}
}

func (r *Reconciler) timedOut(t *model.Trade) bool {
	boundary, err := boundaryFromWindow(t.CandleWindow)
	if err != nil {
		return false
	}
	closeAt := time.Unix(boundary+300, 0)
	return time.Since(closeAt) > settlementTimeout
}

type marketLookup struct {
	Closed        bool   `json:"closed"`
	OutcomePrices string `json:"outcomePrices"`
	Tokens        []struct {
		Outcome string `json:"outcome"`
		Winner  bool   `json:"winner"`
	} `json:"tokens"`
}

// primaryOutcome resolves a trade against the market-by-conditionId lookup,
// with a slug-rebuilt-from-createdAt event lookup and outcomePrices≥0.99
// fallback inside it.
func (r *Reconciler) primaryOutcome(t *model.Trade) (model.TradeState, string, error) {
	m, err := r.fetchMarket(t.MarketConditionID)
	if err != nil {
		m, err = r.fetchEventBySlug(slugFromCreatedAt(t.CreatedAt))
		if err != nil {
			return model.TradePending, "", err
		}
	}

	if !m.Closed {
		return model.TradePending, "", fmt.Errorf("market not yet closed")
	}

	for _, tok := range m.Tokens {
		if tok.Winner {
			won := (tok.Outcome == "Yes" || tok.Outcome == "Up") == (t.Side == model.SideBuyYes)
			if won {
				return model.TradeWin, "market_api_winner", nil
			}
			return model.TradeLose, "market_api_winner", nil
		}
	}

	var prices [2]string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err == nil {
		up, _ := decimal.NewFromString(prices[0])
		down, _ := decimal.NewFromString(prices[1])
		settled := decimal.NewFromFloat(0.99)
		if up.GreaterThanOrEqual(settled) {
			if t.Side == model.SideBuyYes {
				return model.TradeWin, "outcome_prices", nil
			}
			return model.TradeLose, "outcome_prices", nil
		}
		if down.GreaterThanOrEqual(settled) {
			if t.Side == model.SideBuyNo {
				return model.TradeWin, "outcome_prices", nil
			}
			return model.TradeLose, "outcome_prices", nil
		}
	}

	return model.TradePending, "", fmt.Errorf("market closed but no winner/settled-price signal yet")
}

// secondaryOutcome falls back to balance-delta inference for markets without
// auto-redeem. No symmetric LOSE inference.
func (r *Reconciler) secondaryOutcome(t *model.Trade) (model.TradeState, string, error) {
	current := r.bal.Balance()
	expectedPayout := t.ActualSize
	delta := current.Sub(t.BalanceAtBet)
	threshold := expectedPayout.Mul(decimal.NewFromFloat(secondaryPayoutFrac))
	if delta.GreaterThan(threshold) {
		return model.TradeWin, "balance_delta", nil
	}
	return model.TradePending, "", fmt.Errorf("balance delta ambiguous")
}

func (r *Reconciler) win(t *model.Trade, via string) {
	payout := t.ActualSize
	t.PnL = payout.Sub(t.Stake)
	t.State = model.TradeWin
	t.Detail = via
	now := time.Now()
	t.ResolvedAt = &now
	t.ExitPrice = r.exitPriceFor(t)

	r.bal.CreditPayout(payout)
	r.bal.StartRedeemPolling(payout)

	if r.redeemer != nil {
		go func() {
			if err := r.redeemer.Redeem(t.MarketConditionID); err != nil {
				log.Error().Err(err).Str("condition_id", t.MarketConditionID).Msg("reconciler: redemption hand-off failed")
			}
		}()
	}

	if err := r.store.ResolveTrade(t); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("reconciler: failed to persist WIN")
	}
}

func (r *Reconciler) lose(t *model.Trade) {
	t.PnL = t.Stake.Neg()
	t.State = model.TradeLose
	now := time.Now()
	t.ResolvedAt = &now
	t.ExitPrice = r.exitPriceFor(t)

	if err := r.store.ResolveTrade(t); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("reconciler: failed to persist LOSE")
	}
}

func (r *Reconciler) cancel(t *model.Trade) {
	t.State = model.TradeCancelled
	now := time.Now()
	t.ResolvedAt = &now
	r.bal.RefundStake(t.Stake)

	if err := r.store.ResolveTrade(t); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("reconciler: failed to persist settlement timeout CANCELLED")
	}
}

// exitPriceFor resolves a display-only price: close snapshot, then
// historical klines, then current price.
func (r *Reconciler) exitPriceFor(t *model.Trade) decimal.Decimal {
	boundary, err := boundaryFromWindow(t.CandleWindow)
	if err != nil {
		return r.feed.LatestPrice()
	}
	elapsed := time.Since(time.Unix(boundary+300, 0))
	return r.feed.ExitPriceFor(boundary, elapsed)
}

func (r *Reconciler) fetchMarket(conditionID string) (marketLookup, error) {
	var m marketLookup
	url := fmt.Sprintf("%s/markets/%s", r.gammaURL, conditionID)
	resp, err := r.httpClient.Get(url)
	if err != nil {
		return m, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return m, fmt.Errorf("market lookup status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return m, err
	}
	return m, nil
}

func (r *Reconciler) fetchEventBySlug(slug string) (marketLookup, error) {
	var m marketLookup
	url := fmt.Sprintf("%s/events?slug=%s", r.gammaURL, slug)
	resp, err := r.httpClient.Get(url)
	if err != nil {
		return m, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return m, fmt.Errorf("event lookup status %d", resp.StatusCode)
	}

	var events []struct {
		Markets []marketLookup `json:"markets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return m, err
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return m, fmt.Errorf("no markets for slug %s", slug)
	}
	return events[0].Markets[0], nil
}

func slugFromCreatedAt(createdAt time.Time) string {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	et := createdAt.In(loc)
	boundary := (et.Unix() / 300) * 300
	return fmt.Sprintf("btc-updown-5m-%d", boundary)
}

func boundaryFromWindow(window string) (int64, error) {
	t, err := time.Parse("2006-01-02T15:04", window)
	if err != nil {
		return 0, err
	}
	return (t.UTC().Unix() / 300) * 300, nil
}

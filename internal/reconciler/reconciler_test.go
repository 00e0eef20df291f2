package reconciler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/balance"
	"github.com/web3guy0/btc-updown-sniper/internal/model"
	"github.com/web3guy0/btc-updown-sniper/internal/priceoracle"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeStore struct {
	resolved []*model.Trade
}

func (f *fakeStore) PendingTrades() ([]*model.Trade, error) { return nil, nil }
func (f *fakeStore) ResolveTrade(t *model.Trade) error {
	f.resolved = append(f.resolved, t)
	return nil
}

func newTestReconciler(gammaURL string, store *fakeStore, bal *balance.Manager) *Reconciler {
	feed := priceoracle.New("", nil)
	return New(store, bal, feed, nil, gammaURL, time.Second)
}

// windowFor renders a CandleWindow string for the 5-minute boundary ago
// minutes before now, matching the "2006-01-02T15:04" format Scanner stamps.
func windowFor(ago time.Duration) string {
	t := time.Now().Add(-ago).UTC()
	boundary := (t.Unix() / 300) * 300
	return time.Unix(boundary, 0).UTC().Format("2006-01-02T15:04")
}

func pendingTrade() *model.Trade {
	return &model.Trade{
		ID:                "t1",
		Side:               model.SideBuyYes,
		State:              model.TradePending,
		Stake:              dec(5),
		ActualSize:         dec(9),
		BalanceAtBet:       dec(100),
		MarketConditionID:  "cond1",
		CreatedAt:          time.Now().Add(-10 * time.Minute),
		CandleWindow:       windowFor(10 * time.Minute),
	}
}

func TestResolveWinViaMarketAPIWinnerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"closed": true, "tokens": [{"outcome": "Up", "winner": true}, {"outcome": "Down", "winner": false}]}`)
	}))
	defer srv.Close()

	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler(srv.URL, store, bal)

	trade := pendingTrade()
	r.resolve(trade)

	if len(store.resolved) != 1 {
		t.Fatalf("ResolveTrade calls = %d, want 1", len(store.resolved))
	}
	if trade.State != model.TradeWin {
		t.Fatalf("State = %v, want WIN", trade.State)
	}
	wantBalance := dec(100).Add(trade.ActualSize)
	if !bal.Balance().Equal(wantBalance) {
		t.Errorf("balance after win = %s, want %s", bal.Balance(), wantBalance)
	}
}

func TestResolveLoseViaMarketAPIWinnerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"closed": true, "tokens": [{"outcome": "Down", "winner": true}, {"outcome": "Up", "winner": false}]}`)
	}))
	defer srv.Close()

	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler(srv.URL, store, bal)

	trade := pendingTrade() // SideBuyYes, so a Down winner is a loss
	r.resolve(trade)

	if trade.State != model.TradeLose {
		t.Fatalf("State = %v, want LOSE", trade.State)
	}
	if !bal.Balance().Equal(dec(100)) {
		t.Errorf("balance after lose = %s, want unchanged 100", bal.Balance())
	}
	if trade.PnL.Sign() >= 0 {
		t.Errorf("PnL = %s, want negative (stake lost)", trade.PnL)
	}
}

func TestResolveLoseViaOutcomePricesFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"closed": true, "outcomePrices": "[\"0.01\", \"0.99\"]", "tokens": []}`)
	}))
	defer srv.Close()

	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler(srv.URL, store, bal)

	trade := pendingTrade() // SideBuyYes; down settled at 0.99 means a loss
	r.resolve(trade)

	if trade.State != model.TradeLose {
		t.Fatalf("State = %v, want LOSE", trade.State)
	}
}

func TestResolvePendingMarketNotClosedDoesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"closed": false, "tokens": []}`)
	}))
	defer srv.Close()

	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler(srv.URL, store, bal)

	trade := pendingTrade()
	trade.CreatedAt = time.Now() // the timeout runs from the CandleWindow close (5-10 min ago), still inside settlementTimeout
	r.resolve(trade)

	if len(store.resolved) != 0 {
		t.Fatalf("ResolveTrade called = %d, want 0 for an unclosed, not-timed-out market", len(store.resolved))
	}
	if trade.State != model.TradePending {
		t.Fatalf("State = %v, want still PENDING", trade.State)
	}
}

func TestResolveCancelsOnSettlementTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler(srv.URL, store, bal)

	trade := pendingTrade()
	// CandleWindow boundary is far enough in the past that settlementTimeout
	// has elapsed since candle close.
	trade.CandleWindow = windowFor(time.Hour)
	r.resolve(trade)

	if trade.State != model.TradeCancelled {
		t.Fatalf("State = %v, want CANCELLED after settlement timeout", trade.State)
	}
	if !bal.Balance().Equal(dec(100).Add(trade.Stake)) {
		t.Errorf("balance after cancel = %s, want stake refunded", bal.Balance())
	}
}

func TestSecondaryOutcomeBalanceDelta(t *testing.T) {
	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler("http://unused.invalid", store, bal)

	trade := pendingTrade()
	trade.ActualSize = dec(10)
	trade.BalanceAtBet = dec(100)

	bal.CreditPayout(dec(10)) // balance now 110, delta 10 > 0.5*10 threshold

	outcome, via, err := r.secondaryOutcome(trade)
	if err != nil {
		t.Fatalf("secondaryOutcome error: %v", err)
	}
	if outcome != model.TradeWin || via != "balance_delta" {
		t.Errorf("secondaryOutcome = (%v, %s), want (WIN, balance_delta)", outcome, via)
	}
}

func TestSecondaryOutcomeAmbiguousDeltaStaysPending(t *testing.T) {
	store := &fakeStore{}
	bal := balance.New(true, dec(100), nil)
	r := newTestReconciler("http://unused.invalid", store, bal)

	trade := pendingTrade()
	trade.ActualSize = dec(10)
	trade.BalanceAtBet = dec(100)
	// No balance movement at all.

	_, _, err := r.secondaryOutcome(trade)
	if err == nil {
		t.Fatalf("secondaryOutcome returned nil error for an ambiguous delta")
	}
}

func TestBoundaryFromWindowRoundTrips(t *testing.T) {
	window := windowFor(time.Hour)
	boundary, err := boundaryFromWindow(window)
	if err != nil {
		t.Fatalf("boundaryFromWindow error: %v", err)
	}
	if boundary%300 != 0 {
		t.Errorf("boundary %d not aligned to a 300s window", boundary)
	}
}

func TestBoundaryFromWindowRejectsMalformed(t *testing.T) {
	if _, err := boundaryFromWindow("not-a-window"); err == nil {
		t.Fatalf("boundaryFromWindow accepted malformed input")
	}
}

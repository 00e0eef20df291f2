// Package balance tracks working balance across dry-run and live modes, and
// drives the post-win redemption poll Scanner waits on before the next bet.
package balance

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	normalSyncThrottle  = 5 * time.Second
	pollingSyncThrottle = 10 * time.Second
	liveSyncInterval    = 10 * time.Second
	redeemTolerance     = 0.8
	redeemTimeout       = 180 * time.Second
)

// BalanceSource abstracts the live on-chain/CLOB balance lookup so this
// package stays testable without a network dependent mock.
type BalanceSource interface {
	GetBalance() (decimal.Decimal, error)
}

type redeemPoll struct {
	active         bool
	startedAt      time.Time
	expectedTarget decimal.Decimal
}

// Manager is the BalanceManager component.
type Manager struct {
	mu sync.Mutex

	dryRun bool
	source BalanceSource

	balance        decimal.Decimal
	liveBalance    decimal.Decimal
	initialBalance decimal.Decimal
	lastLiveSyncAt time.Time

	poll redeemPoll

	lastVerifiedAt      time.Time
	lastVerifiedBalance decimal.Decimal
}

// New constructs a Manager. In dry-run mode source may be nil; the working
// balance starts at initialBalance and is never synchronized against chain.
func New(dryRun bool, initialBalance decimal.Decimal, source BalanceSource) *Manager {
	m := &Manager{
		dryRun:         dryRun,
		source:         source,
		balance:        initialBalance,
		liveBalance:    initialBalance,
		initialBalance: initialBalance,
	}
	if !dryRun && source != nil {
		if live, err := source.GetBalance(); err == nil {
			m.balance = live
			m.liveBalance = live
			m.initialBalance = live
		} else {
			log.Warn().Err(err).Msg("balance manager: startup on-chain sync failed, using configured initial balance")
		}
	}
	return m
}

// Balance returns the current working balance without any I/O.
func (m *Manager) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// InitialBalance returns the balance captured at startup (configured in
// dry-run, on-chain in live), used by EvCalculator's ratio-scaled Kelly ceiling.
func (m *Manager) InitialBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialBalance
}

// DeductStake applies a losing (or just-placed, pre-resolution) trade's
// stake. Never credited back except via RefundStake on cancellation.
func (m *Manager) DeductStake(stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = m.balance.Sub(stake)
}

// RefundStake restores a stake for a CANCELLED trade (FOK exhaustion or
// settlement timeout).
func (m *Manager) RefundStake(stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = m.balance.Add(stake)
}

// CreditPayout applies a win: payout = actualSize × 1, since each
// conditional token redeems to exactly $1.
func (m *Manager) CreditPayout(actualSize decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = m.balance.Add(actualSize)
}

// StartRedeemPolling is called on a win. It snapshots the current live
// balance and targets 80% of the expected payout, tolerating fee/slippage
// drift on the on-chain redemption.
func (m *Manager) StartRedeemPolling(expectedPayout decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.poll = redeemPoll{
		active:         true,
		startedAt:      time.Now(),
		expectedTarget: m.liveBalance.Add(expectedPayout.Mul(decimal.NewFromFloat(redeemTolerance))),
	}
}

// GetVerifiedBalance returns the authoritative pre-order balance, throttled
// against live sync (5s normal / 10s while redeem-polling). Scanner must use
// this, never the raw working balance, before sizing a new bet.
func (m *Manager) GetVerifiedBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dryRun || m.source == nil {
		return m.balance
	}

	throttle := normalSyncThrottle
	if m.poll.active {
		throttle = pollingSyncThrottle
	}

	if time.Since(m.lastVerifiedAt) < throttle {
		return m.lastVerifiedBalance
	}

	live, err := m.source.GetBalance()
	if err != nil {
		log.Warn().Err(err).Msg("balance manager: live sync failed, returning last verified balance")
		return m.lastVerifiedBalance
	}

	m.liveBalance = live
	m.lastLiveSyncAt = time.Now()

	if m.poll.active {
		elapsed := time.Since(m.poll.startedAt)
		switch {
		case live.GreaterThanOrEqual(m.poll.expectedTarget):
			m.poll.active = false
			m.balance = live
		case elapsed > redeemTimeout:
			log.Warn().Dur("elapsed", elapsed).Msg("balance manager: redeem poll timed out")
			m.poll.active = false
			m.balance = live
		default:
			// still short of target; report live as-is, caller may find it insufficient
			m.balance = live
		}
	} else {
		m.balance = live
	}

	m.lastVerifiedAt = time.Now()
	m.lastVerifiedBalance = m.balance
	return m.balance
}

// IsRedeemPolling reports whether a post-win redemption poll is in flight.
func (m *Manager) IsRedeemPolling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll.active
}

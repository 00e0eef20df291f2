package priceoracle

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

const (
	pingInterval      = 20 * time.Second
	zombieThreshold   = 30 * time.Second
	supervisorTick    = 10 * time.Second
	backoffFloor      = 5 * time.Second
	backoffCeiling    = 60 * time.Second
)

// subscribeFrame is the oracle's wire subscription request.
type subscribeFrame struct {
	Action        string          `json:"action"`
	Subscriptions []subscriptionT `json:"subscriptions"`
}

type subscriptionT struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters"`
}

type tickPayload struct {
	Topic   string `json:"topic"`
	Payload struct {
		Symbol    string          `json:"symbol"`
		Value     decimal.Decimal `json:"value"`
		Timestamp int64           `json:"timestamp"`
	} `json:"payload"`
}

// Feed is the PriceFeed component: it owns the oracle WebSocket connection
// and the candle/ATR state machine it feeds.
type Feed struct {
	url string

	state *candleState

	mu       sync.Mutex
	conn     *websocket.Conn
	connected atomic.Bool

	lastPriceMsgAt atomic.Int64 // unix millis

	stopCh chan struct{}
	once   sync.Once

	historical *HistoricalOracle
}

// New creates a PriceFeed bound to the given oracle WebSocket URL.
func New(url string, historical *HistoricalOracle) *Feed {
	return &Feed{
		url:        url,
		state:      newCandleState(),
		stopCh:     make(chan struct{}),
		historical: historical,
	}
}

// Start launches the reader and its reconnection supervisor. Non-blocking.
func (f *Feed) Start() {
	go f.connectionLoop()
	go f.supervisorLoop()
}

// Stop terminates both background tasks and closes the socket with code 1000.
func (f *Feed) Stop() {
	f.once.Do(func() {
		close(f.stopCh)
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = f.conn.Close()
	}
}

func (f *Feed) connectionLoop() {
	backoff := backoffFloor
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("oracle connect failed, retrying")
			select {
			case <-time.After(backoff):
			case <-f.stopCh:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffFloor

		f.readLoop() // blocks until the socket errors or closes

		select {
		case <-f.stopCh:
			return
		default:
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCeiling {
		return backoffCeiling
	}
	if next < backoffFloor {
		return backoffFloor
	}
	return next
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	frame := subscribeFrame{
		Action: "subscribe",
		Subscriptions: []subscriptionT{
			{Topic: "crypto_prices_chainlink", Type: "*", Filters: ""},
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		_ = conn.Close()
		return err
	}

	f.connected.Store(true)
	f.lastPriceMsgAt.Store(time.Now().UnixMilli())
	go f.pingLoop(conn)

	log.Info().Str("url", f.url).Msg("oracle feed connected")
	return nil
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.Lock()
			same := f.conn == conn
			f.mu.Unlock()
			if !same {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) readLoop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.connected.Store(false)
			return
		}
		f.handleMessage(msg) // malformed/irrelevant frames are dropped silently
	}
}

func (f *Feed) handleMessage(msg []byte) {
	var tp tickPayload
	if err := json.Unmarshal(msg, &tp); err != nil {
		return
	}
	if tp.Topic != "crypto_prices_chainlink" {
		return
	}
	if tp.Payload.Symbol != "btc/usd" {
		return
	}
	if !tp.Payload.Value.IsPositive() {
		return
	}

	epochSec := tp.Payload.Timestamp
	if epochSec > 1_000_000_000_000 {
		epochSec /= 1000
	}

	f.lastPriceMsgAt.Store(time.Now().UnixMilli())
	f.state.onTick(epochSec, tp.Payload.Value)
}

// supervisorLoop runs every 10s, forcing a reconnect on zombie detection
// (no price message in 30s while nominally connected).
func (f *Feed) supervisorLoop() {
	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if !f.connected.Load() {
				continue
			}
			age := time.Since(time.UnixMilli(f.lastPriceMsgAt.Load()))
			if age > zombieThreshold {
				log.Warn().Dur("age", age).Msg("oracle feed zombie detected, forcing reconnect")
				f.connected.Store(false)
				f.mu.Lock()
				if f.conn != nil {
					_ = f.conn.Close()
				}
				f.mu.Unlock()
			}
		}
	}
}

// IsConnected reports connected && priceAge < 10s.
func (f *Feed) IsConnected() bool {
	if !f.connected.Load() {
		return false
	}
	age := time.Since(time.UnixMilli(f.lastPriceMsgAt.Load()))
	return age < 10*time.Second
}

// WarmedUp reports whether the first candle boundary transition has happened.
func (f *Feed) WarmedUp() bool {
	return f.state.snapshot().WarmedUp
}

// LatestPrice returns the most recently observed tick price.
func (f *Feed) LatestPrice() decimal.Decimal {
	return f.state.snapshot().LatestPrice
}

// Snapshot exposes the full candle/ATR state for Scanner consumption.
func (f *Feed) Snapshot() CandleSnapshot {
	s := f.state.snapshot()
	return CandleSnapshot{
		Boundary:    s.Boundary,
		Open:        s.Open,
		High:        s.High,
		Low:         s.Low,
		LatestPrice: s.LatestPrice,
		LatestEpoch: s.LatestEpoch,
		ATRPercent:  s.atrPercent(),
		ATRReady:    s.ATRReady,
		Regime:      s.regime(),
	}
}

// CloseAt returns the recorded close for the given candle boundary.
func (f *Feed) CloseAt(boundary int64) (decimal.Decimal, bool) {
	return f.state.closeAt(boundary)
}

// ExitPriceFor resolves a display-only exit price via a fallback cascade:
// close snapshot, then historical klines, then current price.
func (f *Feed) ExitPriceFor(boundary int64, elapsedSinceClose time.Duration) decimal.Decimal {
	if price, ok := f.CloseAt(boundary); ok {
		return price
	}
	if f.historical != nil {
		if price, err := f.historical.PriceAt(boundary); err == nil {
			return price
		}
	}
	return f.LatestPrice()
}

// CandleSnapshot is the read-only view Scanner and EvCalculator consume.
type CandleSnapshot struct {
	Boundary    int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	LatestPrice decimal.Decimal
	LatestEpoch int64
	ATRPercent  decimal.Decimal
	ATRReady    bool
	Regime      model.Regime
}

// DynamicMinMove computes the regime-scaled minimum entry move.
func (s CandleSnapshot) DynamicMinMove() decimal.Decimal {
	if !s.ATRReady {
		return decimal.NewFromFloat(0.03)
	}
	params := model.RegimeTable[s.Regime]
	move := s.ATRPercent.Mul(params.EntryMult)
	return clampDecimal(move, decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.10))
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

package priceoracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

const (
	windowSeconds  = 300
	tickRingCap    = 600
	atrRingCap     = 14
	closeSnapEvict = time.Hour
)

// priceTick is one observed price at a wall/epoch time.
type priceTick struct {
	epoch int64
	price decimal.Decimal
}

// candleState is the mutable OHLC/ATR state machine for one symbol. All
// mutation happens on the single WebSocket reader goroutine; reads from
// other goroutines take the mutex.
type candleState struct {
	mu sync.RWMutex

	ticks []priceTick // ring, oldest first, capacity tickRingCap

	lastBoundary int64
	open         decimal.Decimal
	high         decimal.Decimal
	low          decimal.Decimal
	prevClose    decimal.Decimal
	haveExtrema  bool

	closeSnapshots map[int64]snapshotEntry

	trRing []decimal.Decimal // true ranges, capacity atrRingCap
	atr    decimal.Decimal
	atrSet bool

	warmedUp bool

	latestPrice  decimal.Decimal
	latestEpoch  int64
	receivedAt   time.Time
}

type snapshotEntry struct {
	price    decimal.Decimal
	recorded time.Time
}

func newCandleState() *candleState {
	return &candleState{
		closeSnapshots: make(map[int64]snapshotEntry),
	}
}

func boundaryFor(epochSec int64) int64 {
	return (epochSec / windowSeconds) * windowSeconds
}

// onTick applies one oracle sample: updates the running high/low, appends to
// the tick ring, then checks for a candle-boundary rollover.
func (c *candleState) onTick(epochSec int64, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latestPrice = price
	c.latestEpoch = epochSec
	c.receivedAt = time.Now()

	if !c.haveExtrema || price.GreaterThan(c.high) {
		c.high = price
	}
	if !c.haveExtrema || price.LessThan(c.low) {
		c.low = price
	}
	c.haveExtrema = true

	c.ticks = append(c.ticks, priceTick{epoch: epochSec, price: price})
	if len(c.ticks) > tickRingCap {
		c.ticks = c.ticks[len(c.ticks)-tickRingCap:]
	}

	c.updateBoundary(epochSec, price)
}

// updateBoundary implements the candle-rollover transition: on a new
// 5-minute window it snapshots the close, folds a true-range sample into the
// ATR, and resets the running high/low for the new window.
func (c *candleState) updateBoundary(epochSec int64, price decimal.Decimal) {
	boundary := boundaryFor(epochSec)

	if c.lastBoundary == 0 {
		c.lastBoundary = boundary
		c.open = c.nearestTickTo(boundary, price)
		return
	}

	if boundary == c.lastBoundary {
		return
	}

	close := c.latestCloseBefore(boundary)
	c.closeSnapshots[c.lastBoundary] = snapshotEntry{price: close, recorded: time.Now()}
	c.evictOldCloseSnapshots()

	if !c.prevClose.IsZero() || c.atrSet {
		tr := c.high.Sub(c.low)
		if !c.prevClose.IsZero() {
			hc := c.high.Sub(c.prevClose).Abs()
			lc := c.low.Sub(c.prevClose).Abs()
			if hc.GreaterThan(tr) {
				tr = hc
			}
			if lc.GreaterThan(tr) {
				tr = lc
			}
		}
		c.pushTrueRange(tr)
	} else {
		c.pushTrueRange(c.high.Sub(c.low))
	}

	c.prevClose = close
	c.high = price
	c.low = price
	c.haveExtrema = true

	c.lastBoundary = boundary
	c.open = c.nearestTickTo(boundary, price)
	c.warmedUp = true
}

// nearestTickTo finds the ring tick whose epoch is closest to boundary,
// defaulting to fallback (the current price) when the ring is empty.
func (c *candleState) nearestTickTo(boundary int64, fallback decimal.Decimal) decimal.Decimal {
	if len(c.ticks) == 0 {
		return fallback
	}
	best := c.ticks[0]
	bestDiff := abs64(best.epoch - boundary)
	for _, t := range c.ticks[1:] {
		d := abs64(t.epoch - boundary)
		if d < bestDiff {
			best = t
			bestDiff = d
		}
	}
	return best.price
}

// latestCloseBefore returns the latest tick strictly before boundary, or
// the last known price if the ring holds nothing earlier.
func (c *candleState) latestCloseBefore(boundary int64) decimal.Decimal {
	var latest *priceTick
	for i := range c.ticks {
		t := &c.ticks[i]
		if t.epoch < boundary {
			if latest == nil || t.epoch > latest.epoch {
				latest = t
			}
		}
	}
	if latest != nil {
		return latest.price
	}
	return c.latestPrice
}

func (c *candleState) evictOldCloseSnapshots() {
	cutoff := time.Now().Add(-closeSnapEvict)
	for b, entry := range c.closeSnapshots {
		if entry.recorded.Before(cutoff) {
			delete(c.closeSnapshots, b)
		}
	}
}

// pushTrueRange appends to the TR ring and recomputes ATR as an EMA over it,
// multiplier 2/(N+1).
func (c *candleState) pushTrueRange(tr decimal.Decimal) {
	c.trRing = append(c.trRing, tr)
	if len(c.trRing) > atrRingCap {
		c.trRing = c.trRing[len(c.trRing)-atrRingCap:]
	}
	if len(c.trRing) < 3 {
		// ATR stays undefined until at least 3 true-ranges have been recorded.
		return
	}

	n := decimal.NewFromInt(int64(len(c.trRing)))
	mult := decimal.NewFromInt(2).Div(n.Add(decimal.NewFromInt(1)))

	if !c.atrSet {
		// Seed the EMA with a simple average of the ring.
		sum := decimal.Zero
		for _, v := range c.trRing {
			sum = sum.Add(v)
		}
		c.atr = sum.Div(n)
		c.atrSet = true
		return
	}

	c.atr = tr.Sub(c.atr).Mul(mult).Add(c.atr)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// snapshot is a point-in-time read of everything Scanner/EvCalculator need.
type snapshot struct {
	Boundary     int64
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	LatestPrice  decimal.Decimal
	LatestEpoch  int64
	ReceivedAt   time.Time
	WarmedUp     bool
	ATR          decimal.Decimal
	ATRReady     bool
}

func (c *candleState) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot{
		Boundary:    c.lastBoundary,
		Open:        c.open,
		High:        c.high,
		Low:         c.low,
		LatestPrice: c.latestPrice,
		LatestEpoch: c.latestEpoch,
		ReceivedAt:  c.receivedAt,
		WarmedUp:    c.warmedUp,
		ATR:         c.atr,
		ATRReady:    c.atrSet,
	}
}

func (c *candleState) closeAt(boundary int64) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.closeSnapshots[boundary]
	return entry.price, ok
}

// atrPercent expresses ATR as a percentage of the last observed price.
func (s snapshot) atrPercent() decimal.Decimal {
	if !s.ATRReady || s.LatestPrice.IsZero() {
		return decimal.Zero
	}
	return s.ATR.Div(s.LatestPrice).Mul(decimal.NewFromInt(100))
}

// regime classifies current volatility from ATR%. Reports NORMAL until ATR
// is ready.
func (s snapshot) regime() model.Regime {
	if !s.ATRReady {
		return model.RegimeNormal
	}
	atrPct := s.atrPercent()
	switch {
	case atrPct.LessThan(decimal.NewFromFloat(0.04)):
		return model.RegimeLow
	case atrPct.LessThan(decimal.NewFromFloat(0.10)):
		return model.RegimeNormal
	case atrPct.LessThan(decimal.NewFromFloat(0.18)):
		return model.RegimeHigh
	default:
		return model.RegimeExtreme
	}
}

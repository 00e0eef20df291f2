package priceoracle

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

func p(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestBoundaryForFloorsToFiveMinuteWindow(t *testing.T) {
	tests := []struct {
		epoch int64
		want  int64
	}{
		{0, 0},
		{299, 0},
		{300, 300},
		{301, 300},
		{1_700_000_123, 1_700_000_123 / 300 * 300},
	}
	for _, tt := range tests {
		if got := boundaryFor(tt.epoch); got != tt.want {
			t.Errorf("boundaryFor(%d) = %d, want %d", tt.epoch, got, tt.want)
		}
	}
}

func TestOnTickSeedsFirstCandleWithoutRollover(t *testing.T) {
	c := newCandleState()
	c.onTick(1000, p(50000))
	c.onTick(1010, p(50050))

	snap := c.snapshot()
	if snap.Boundary != boundaryFor(1000) {
		t.Fatalf("Boundary = %d, want %d", snap.Boundary, boundaryFor(1000))
	}
	if snap.WarmedUp {
		t.Error("WarmedUp should be false before any boundary rollover")
	}
	if !snap.High.Equal(p(50050)) || !snap.Low.Equal(p(50000)) {
		t.Errorf("High/Low = %s/%s, want 50050/50000", snap.High, snap.Low)
	}
}

func TestOnTickRollsOverAtBoundaryAndMarksWarmedUp(t *testing.T) {
	c := newCandleState()
	c.onTick(1000, p(50000))    // window [900, 1200)
	c.onTick(1199, p(50100))
	c.onTick(1200, p(50200))    // window [1200, 1500): rollover

	snap := c.snapshot()
	if !snap.WarmedUp {
		t.Error("WarmedUp should be true after first rollover")
	}
	if snap.Boundary != boundaryFor(1200) {
		t.Errorf("Boundary = %d, want %d", snap.Boundary, boundaryFor(1200))
	}
}

func TestATRUndefinedUntilThreeTrueRanges(t *testing.T) {
	c := newCandleState()
	epoch := int64(0)
	prices := []float64{100, 101, 99, 102, 98, 103}
	for i, price := range prices {
		epoch += 300
		c.onTick(epoch, p(price))
		snap := c.snapshot()
		if i < 3 {
			if snap.ATRReady {
				t.Errorf("tick %d: ATR should not be ready yet", i)
			}
		}
	}
	if !c.snapshot().ATRReady {
		t.Error("ATR should be ready after enough rollovers")
	}
}

func TestRegimeClassificationThresholds(t *testing.T) {
	tests := []struct {
		name    string
		atrPct  float64
		want    model.Regime
	}{
		{"low", 0.02, model.RegimeLow},
		{"normal", 0.07, model.RegimeNormal},
		{"high", 0.12, model.RegimeHigh},
		{"extreme", 0.30, model.RegimeExtreme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshot{
				ATRReady:    true,
				ATR:         p(tt.atrPct),
				LatestPrice: p(100),
			}
			if got := s.regime(); got != tt.want {
				t.Errorf("regime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegimeReportsNormalBeforeATRReady(t *testing.T) {
	s := snapshot{ATRReady: false}
	if got := s.regime(); got != model.RegimeNormal {
		t.Errorf("regime() = %v, want NORMAL before ATR ready", got)
	}
}

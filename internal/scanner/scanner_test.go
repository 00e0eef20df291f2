package scanner

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestUpdateCusumFirstTickSeedsReference(t *testing.T) {
	s := &Scanner{}
	triggered := s.updateCusum(dec(50000), dec(0.08), model.RegimeNormal)
	if triggered {
		t.Fatalf("updateCusum on first tick = true, want false (reference seed only)")
	}
	if s.cusumRefPrice.IsZero() {
		t.Errorf("cusumRefPrice not seeded")
	}
}

func TestUpdateCusumTriggersAndLatches(t *testing.T) {
	s := &Scanner{}
	s.updateCusum(dec(50000), dec(0.08), model.RegimeNormal) // seed

	// Large run of same-direction moves should breach the threshold and
	// the return value must reflect that a trade can proceed.
	var triggered bool
	price := dec(50000)
	for i := 0; i < 20; i++ {
		price = price.Add(dec(50))
		triggered = s.updateCusum(price, dec(0.08), model.RegimeNormal)
	}
	if !triggered {
		t.Fatalf("updateCusum never triggered after a sustained drift, want true")
	}
	if !s.cusumTriggered {
		t.Errorf("s.cusumTriggered = false, want true once latched")
	}

	// Once latched, a single flat tick must still report triggered (the
	// cascade should not abort after CUSUM has already fired this candle).
	triggered = s.updateCusum(price, dec(0.08), model.RegimeNormal)
	if !triggered {
		t.Errorf("updateCusum = false after latch, want true (stays latched until boundary reset)")
	}
}

func TestUpdateCusumNotTriggeredBelowThreshold(t *testing.T) {
	s := &Scanner{}
	s.updateCusum(dec(50000), dec(0.08), model.RegimeNormal) // seed

	// A tiny wobble should not cross the regime-scaled threshold.
	triggered := s.updateCusum(dec(50001), dec(0.08), model.RegimeNormal)
	if triggered {
		t.Fatalf("updateCusum = true on a sub-threshold move, want false")
	}
}

func TestMaybeResetOnBoundaryClearsCusumState(t *testing.T) {
	s := &Scanner{}
	s.updateCusum(dec(50000), dec(0.08), model.RegimeNormal)
	s.cusumTriggered = true
	s.lastBoundary = 100

	s.maybeResetOnBoundary(400)

	if s.cusumTriggered {
		t.Errorf("cusumTriggered survived boundary reset")
	}
	if !s.cusumRefPrice.IsZero() {
		t.Errorf("cusumRefPrice survived boundary reset")
	}
}

func TestArmCircuitBreakerArmsOnAllLose(t *testing.T) {
	s := &Scanner{}

	s.ArmCircuitBreaker(false, "t1")
	if s.circuitArmed() {
		t.Fatalf("circuit armed after a non-losing check")
	}

	s.ArmCircuitBreaker(true, "t2")
	if !s.circuitArmed() {
		t.Fatalf("circuit not armed after all-lose check")
	}
	if s.circuitArmedUntil.Before(time.Now().Add(4 * time.Minute)) {
		t.Errorf("circuitArmedUntil too short, want ~5 minutes out")
	}
}

func TestArmCircuitBreakerIgnoresRepeatTradeID(t *testing.T) {
	s := &Scanner{}
	s.ArmCircuitBreaker(true, "t1")
	armedUntil := s.circuitArmedUntil

	// Same trade id re-observed (e.g. a second 30s tick before the pending
	// store advances) must not re-arm or extend the window.
	time.Sleep(time.Millisecond)
	s.ArmCircuitBreaker(true, "t1")
	if !s.circuitArmedUntil.Equal(armedUntil) {
		t.Errorf("circuitArmedUntil changed on repeat trade id")
	}
}

func TestCheckCircuitBreakerRequiresThreeResolved(t *testing.T) {
	s := &Scanner{}
	s.CheckCircuitBreaker([]*model.Trade{
		{ID: "1", State: model.TradeLose},
		{ID: "2", State: model.TradeLose},
	})
	if s.circuitArmed() {
		t.Fatalf("circuit armed with fewer than 3 resolved trades")
	}
}

func TestCheckCircuitBreakerAllLoseArms(t *testing.T) {
	s := &Scanner{}
	s.CheckCircuitBreaker([]*model.Trade{
		{ID: "3", State: model.TradeLose},
		{ID: "2", State: model.TradeLose},
		{ID: "1", State: model.TradeLose},
	})
	if !s.circuitArmed() {
		t.Fatalf("circuit not armed after 3 consecutive losses")
	}
}

func TestCheckCircuitBreakerMixedOutcomeDoesNotArm(t *testing.T) {
	s := &Scanner{}
	s.CheckCircuitBreaker([]*model.Trade{
		{ID: "3", State: model.TradeWin},
		{ID: "2", State: model.TradeLose},
		{ID: "1", State: model.TradeLose},
	})
	if s.circuitArmed() {
		t.Fatalf("circuit armed despite a win in the last 3 resolved trades")
	}
}

func TestSign(t *testing.T) {
	tests := []struct {
		name string
		v    decimal.Decimal
		want int
	}{
		{"positive", dec(0.5), 1},
		{"negative", dec(-0.5), -1},
		{"zero", dec(0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sign(tt.v); got != tt.want {
				t.Errorf("sign(%s) = %d, want %d", tt.v, got, tt.want)
			}
		})
	}
}

package evcalc

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCalculateHoldsBelowForwardThreshold(t *testing.T) {
	in := Inputs{
		PriceDiffPct:   dec(0.02), // smallest bucket, base 0.53
		UpOdds:         dec(0.55),
		DownOdds:       dec(0.45),
		Velocity:       dec(0),
		MomentumScore:  dec(0),
		TimeBonus:      dec(0),
		Balance:        dec(100),
		InitialBalance: dec(100),
		MinBet:         dec(1),
		MaxBet:         dec(10),
	}

	result := Calculate(in)

	if result.Direction != model.DirHold {
		t.Fatalf("Direction = %v, want HOLD", result.Direction)
	}
	if !result.Stake.IsZero() {
		t.Errorf("Stake = %s, want zero on HOLD", result.Stake.String())
	}
}

func TestCalculateTradesAboveForwardThreshold(t *testing.T) {
	in := Inputs{
		PriceDiffPct:   dec(0.60), // base 0.88
		UpOdds:         dec(0.40),
		DownOdds:       dec(0.60),
		Velocity:       dec(0.06), // same sign as PriceDiffPct, max bonus
		MomentumScore:  dec(0.9),
		TimeBonus:      dec(0),
		Balance:        dec(100),
		InitialBalance: dec(100),
		MinBet:         dec(1),
		MaxBet:         dec(10),
	}

	result := Calculate(in)

	if result.Direction != model.DirUp {
		t.Fatalf("Direction = %v, want UP", result.Direction)
	}
	if result.Stake.LessThan(in.MinBet) || result.Stake.GreaterThan(in.MaxBet) {
		t.Errorf("Stake %s outside [%s, %s]", result.Stake, in.MinBet, in.MaxBet)
	}
}

func TestVelocityBonusPenalizesSignMismatch(t *testing.T) {
	// Velocity pointing down while price change points up should get the
	// fixed -0.03 penalty, not a positive magnitude bonus.
	bonus := velocityBonus(dec(-0.06), dec(0.50))
	if !bonus.Equal(dec(-0.03)) {
		t.Errorf("velocityBonus = %s, want -0.03", bonus)
	}
}

func TestVelocityBonusRewardsAlignedMagnitude(t *testing.T) {
	bonus := velocityBonus(dec(0.06), dec(0.50))
	if !bonus.Equal(dec(0.04)) {
		t.Errorf("velocityBonus = %s, want 0.04", bonus)
	}
}

func TestEstimateProbClampedToBand(t *testing.T) {
	// Huge change with max bonuses should still clamp at 0.92.
	est := estimateProb(dec(5.0), dec(0.10), dec(1.0), dec(0.04))
	if !est.Equal(dec(0.92)) {
		t.Errorf("estimateProb = %s, want clamped to 0.92", est)
	}
}

func TestKellyStakeRespectsBounds(t *testing.T) {
	tests := []struct {
		name    string
		ev      decimal.Decimal
		balance decimal.Decimal
		initial decimal.Decimal
		minBet  decimal.Decimal
		maxBet  decimal.Decimal
	}{
		{"low ev tight balance", dec(0.06), dec(50), dec(50), dec(1), dec(10)},
		{"high ev grown balance", dec(1.2), dec(300), dec(100), dec(1), dec(50)},
		{"floored stake below min bet", dec(0.06), dec(50), dec(50), dec(2), dec(10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stake := kellyStake(tt.ev, dec(0.5), tt.balance, tt.initial, tt.minBet, tt.maxBet)
			if stake.LessThan(tt.minBet) || stake.GreaterThan(tt.maxBet) {
				t.Errorf("kellyStake = %s, want within [%s, %s]", stake, tt.minBet, tt.maxBet)
			}
		})
	}
}

func TestKellyStakeZeroDenominatorFallsBackToMinBet(t *testing.T) {
	// targetOdds = 1.0 makes denom zero (1/1 - 1 = 0).
	stake := kellyStake(dec(0.5), dec(1.0), dec(100), dec(100), dec(2), dec(10))
	if !stake.Equal(dec(2)) {
		t.Errorf("kellyStake = %s, want minBet 2", stake)
	}
}

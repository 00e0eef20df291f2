// Package evcalc computes expected value and Kelly-sized stakes from a
// momentary market read. Pure and deterministic: no I/O, no goroutines,
// no shared state — every call takes its inputs and returns a value.
package evcalc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

// ForwardThreshold is the EV at or below which a candidate is held rather
// than traded.
const ForwardThreshold = 0.05

// Inputs bundles everything estimateProb and EV/Kelly sizing need.
type Inputs struct {
	PriceDiffPct  decimal.Decimal // signed
	UpOdds        decimal.Decimal
	DownOdds      decimal.Decimal
	Velocity      decimal.Decimal // raw %/sec, EMA-smoothed upstream
	MomentumScore decimal.Decimal // in [-1, +1], aligned with price sign
	TimeBonus     decimal.Decimal
	Balance       decimal.Decimal
	InitialBalance decimal.Decimal
	MinBet        decimal.Decimal
	MaxBet        decimal.Decimal
}

var (
	d100  = decimal.NewFromInt(100)
	zero  = decimal.Zero
	one   = decimal.NewFromInt(1)
)

// Calculate runs the full estimate -> EV -> Kelly sizing pipeline and
// returns a HOLD result (never an error) when nothing clears the forward
// threshold.
func Calculate(in Inputs) model.EvResult {
	direction := model.DirUp
	if in.PriceDiffPct.IsNegative() {
		direction = model.DirDown
	}

	targetOdds := in.UpOdds
	if direction == model.DirDown {
		targetOdds = in.DownOdds
	}
	targetOdds = clamp(targetOdds, decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.80))

	estimate := estimateProb(in.PriceDiffPct, in.Velocity, in.MomentumScore, in.TimeBonus)

	ev := estimate.Div(targetOdds).Sub(one)
	evCap := decimal.NewFromFloat(0.80)
	if ev.GreaterThan(evCap) {
		ev = evCap
	}
	gap := estimate.Sub(targetOdds)

	if ev.LessThanOrEqual(decimal.NewFromFloat(ForwardThreshold)) {
		return model.EvResult{
			Direction: model.DirHold,
			EV:        ev,
			Estimate:  estimate,
			Gap:       gap,
			Reason:    fmt.Sprintf("ev %s below forward threshold %.2f", ev.StringFixed(4), ForwardThreshold),
		}
	}

	stake := kellyStake(ev, targetOdds, in.Balance, in.InitialBalance, in.MinBet, in.MaxBet)

	return model.EvResult{
		Direction: direction,
		EV:        ev,
		Estimate:  estimate,
		Gap:       gap,
		Stake:     stake,
		Strategy:  "ev-kelly",
		Reason:    fmt.Sprintf("estimate %s vs target %s", estimate.StringFixed(4), targetOdds.StringFixed(4)),
	}
}

// estimateProb buckets |changePct| to a base probability, then applies
// velocity/momentum/time bonuses clamped to [-0.05, +0.04] before a final
// clamp to [0.50, 0.92].
func estimateProb(changePct, velocity, directedMomentum, timeBonus decimal.Decimal) decimal.Decimal {
	abs := changePct.Abs()
	base := bucketBase(abs)

	bonus := velocityBonus(velocity, changePct).
		Add(momentumBonus(directedMomentum)).
		Add(timeBonus)
	bonus = clamp(bonus, decimal.NewFromFloat(-0.05), decimal.NewFromFloat(0.04))

	return clamp(base.Add(bonus), decimal.NewFromFloat(0.50), decimal.NewFromFloat(0.92))
}

func bucketBase(abs decimal.Decimal) decimal.Decimal {
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(1.00)):
		return decimal.NewFromFloat(0.92)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.70)):
		return decimal.NewFromFloat(0.90)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.50)):
		return decimal.NewFromFloat(0.88)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.35)):
		return decimal.NewFromFloat(0.86)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.25)):
		return decimal.NewFromFloat(0.83)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.15)):
		return decimal.NewFromFloat(0.79)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.10)):
		return decimal.NewFromFloat(0.73)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.08)):
		return decimal.NewFromFloat(0.67)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.05)):
		return decimal.NewFromFloat(0.63)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.03)):
		return decimal.NewFromFloat(0.58)
	default:
		return decimal.NewFromFloat(0.53)
	}
}

func velocityBonus(velocity, changePct decimal.Decimal) decimal.Decimal {
	absV := velocity.Abs()
	var bonus decimal.Decimal
	switch {
	case absV.GreaterThanOrEqual(decimal.NewFromFloat(0.05)):
		bonus = decimal.NewFromFloat(0.04)
	case absV.GreaterThanOrEqual(decimal.NewFromFloat(0.02)):
		bonus = decimal.NewFromFloat(0.02)
	case absV.GreaterThanOrEqual(decimal.NewFromFloat(0.01)):
		bonus = decimal.NewFromFloat(0.01)
	}

	if sign(velocity) != sign(changePct) && !velocity.IsZero() && !changePct.IsZero() {
		return decimal.NewFromFloat(-0.03)
	}
	return bonus
}

func momentumBonus(directedMomentum decimal.Decimal) decimal.Decimal {
	switch {
	case directedMomentum.GreaterThanOrEqual(decimal.NewFromFloat(0.8)):
		return decimal.NewFromFloat(0.04)
	case directedMomentum.GreaterThanOrEqual(decimal.NewFromFloat(0.6)):
		return decimal.NewFromFloat(0.02)
	case directedMomentum.GreaterThanOrEqual(decimal.NewFromFloat(0.3)):
		return zero
	case directedMomentum.GreaterThanOrEqual(zero):
		return decimal.NewFromFloat(-0.02)
	case directedMomentum.GreaterThanOrEqual(decimal.NewFromFloat(-0.3)):
		return decimal.NewFromFloat(-0.03)
	default:
		return decimal.NewFromFloat(-0.05)
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

// kellyStake scales the full Kelly fraction by an EV-banded multiplier
// (0.20 up to 0.35), floors it at 2% of balance and caps it with a
// balance/initialBalance-scaled ceiling (2% up to 5%), mirroring the
// risk-manager's percent-of-equity clamp but driven off the Kelly fraction
// instead of a fixed risk percentage.
func kellyStake(ev, targetOdds, balance, initialBalance, minBet, maxBet decimal.Decimal) decimal.Decimal {
	denom := one.Div(targetOdds).Sub(one)
	if denom.IsZero() {
		return minBet
	}
	kellyFraction := ev.Div(denom)

	var kellyMult decimal.Decimal
	switch {
	case ev.GreaterThanOrEqual(decimal.NewFromFloat(1.0)):
		kellyMult = decimal.NewFromFloat(0.35)
	case ev.GreaterThanOrEqual(decimal.NewFromFloat(0.5)):
		kellyMult = decimal.NewFromFloat(0.30)
	case ev.GreaterThanOrEqual(decimal.NewFromFloat(0.3)):
		kellyMult = decimal.NewFromFloat(0.25)
	default:
		kellyMult = decimal.NewFromFloat(0.20)
	}

	safeFraction := kellyFraction.Mul(kellyMult)

	floor := decimal.NewFromFloat(0.02)
	if safeFraction.LessThan(floor) {
		safeFraction = floor
	}

	ceiling := decimal.NewFromFloat(0.02)
	if !initialBalance.IsZero() {
		ratio := balance.Div(initialBalance)
		switch {
		case ratio.LessThan(one):
			ceiling = decimal.NewFromFloat(0.02)
		case ratio.LessThan(decimal.NewFromInt(2)):
			ceiling = decimal.NewFromFloat(0.03)
		case ratio.LessThan(decimal.NewFromInt(5)):
			ceiling = decimal.NewFromFloat(0.04)
		default:
			ceiling = decimal.NewFromFloat(0.05)
		}
	}
	if safeFraction.GreaterThan(ceiling) {
		safeFraction = ceiling
	}

	stake := balance.Mul(safeFraction)
	return clamp(stake, minBet, maxBet)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

package ordermanager

import "github.com/shopspring/decimal"

// Pricing rules (spec.md §4.1). All arithmetic is done in
// shopspring/decimal to avoid the float accumulation errors that would
// otherwise creep into tick-aligned price comparisons.

// floorToTick rounds price down to the nearest multiple of tick.
func floorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 12).Floor().Mul(tick)
}

func decMax(vals ...decimal.Decimal) decimal.Decimal {
	max := vals[0]
	for _, v := range vals[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// spreadBuffer computes buffer = max(maxSpread*SPREAD_BUFFER_FRACTION,
// MIN_SPREAD_BUFFER, tick).
func (m *Manager) spreadBuffer(maxSpread, tick decimal.Decimal) decimal.Decimal {
	frac := decimal.NewFromFloat(m.cfg.SpreadBufferFraction)
	minBuf := decimal.NewFromFloat(m.cfg.MinSpreadBuffer)
	return decMax(maxSpread.Mul(frac), minBuf, tick)
}

// buyTarget computes the BUY price against a reference midpoint:
// refMid is the YES midpoint for BUY YES, or 1-midpoint for BUY NO.
func (m *Manager) buyTarget(refMid, maxSpread, tick decimal.Decimal) decimal.Decimal {
	buffer := m.spreadBuffer(maxSpread, tick)
	effective := maxSpread.Sub(buffer)
	if effective.IsNegative() {
		effective = decimal.Zero
	}

	target := floorToTick(refMid.Sub(effective), tick)

	lower := tick
	upper := decimal.NewFromInt(1).Sub(tick)
	if target.LessThan(lower) {
		target = lower
	}
	if target.GreaterThan(upper) {
		target = upper
	}

	// Rounding may have pushed the price outside the reward window;
	// correct one tick inward.
	if refMid.Sub(target).GreaterThanOrEqual(maxSpread) {
		target = target.Add(tick)
		if target.GreaterThan(upper) {
			target = upper
		}
	}
	return target
}

// sellTarget computes the aggressive unwind price against a reference
// midpoint: refMid is the YES midpoint for SELL YES, or 1-midpoint for
// SELL NO.
func sellTarget(refMid, tick decimal.Decimal) decimal.Decimal {
	return floorToTick(refMid, tick)
}

// tightenSellWithBestAsk optionally undercuts the SELL target using the
// token's current best ask, per spec.md §4.1's three conditions:
//
//  1. bestAsk > 2*tick
//  2. bestAsk is not our own resting SELL (price equality within one tick)
//  3. the tightened candidate is strictly below the midpoint-based target
func tightenSellWithBestAsk(target, bestAsk, tick decimal.Decimal, ourSellPrice *decimal.Decimal) decimal.Decimal {
	if bestAsk.LessThanOrEqual(tick.Mul(decimal.NewFromInt(2))) {
		return target
	}
	if ourSellPrice != nil && bestAsk.Sub(*ourSellPrice).Abs().LessThanOrEqual(tick) {
		return target
	}
	candidate := floorToTick(bestAsk.Sub(tick), tick)
	if candidate.LessThan(target) {
		return candidate
	}
	return target
}

// stopLossThreshold = max(maxSpread*STOP_LOSS_FRACTION, MIN_STOP_LOSS).
func (m *Manager) stopLossThreshold(maxSpread decimal.Decimal) decimal.Decimal {
	return decMax(maxSpread.Mul(decimal.NewFromFloat(m.cfg.StopLossFraction)), decimal.NewFromFloat(m.cfg.MinStopLoss))
}

// driftThreshold = max(maxSpread*DRIFT_THRESHOLD_FRACTION, MIN_DRIFT_THRESHOLD).
func (m *Manager) driftThreshold(maxSpread decimal.Decimal) decimal.Decimal {
	return decMax(maxSpread.Mul(decimal.NewFromFloat(m.cfg.DriftThresholdFrac)), decimal.NewFromFloat(m.cfg.MinDriftThreshold))
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func decFloat(d decimal.Decimal) float64 { return d.InexactFloat64() }

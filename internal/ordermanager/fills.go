package ordermanager

import (
	"context"
	"time"

	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

// HandleFill is the centerpiece of the Order Manager: it applies one
// confirmed fill (BUY or SELL, on either side) to the tracked position,
// trips the global and per-market circuit breakers when warranted, and
// immediately places the follow-up order the new state calls for — a
// SELL to start unwinding a fresh BUY fill, or nothing beyond bookkeeping
// for a SELL fill that completes the round trip.
//
// The maker side on fill.Side must already be the inferred maker side,
// never the taker side reported by the exchange — see internal/supervisor's
// aggregateFills.
func (m *Manager) HandleFill(ctx context.Context, fill types.Fill) error {
	pos, ok := m.ledger.Get(fill.ConditionID)
	if !ok {
		pos = m.findByToken(fill.TokenID)
		if pos == nil {
			m.logger.Warn("fill for untracked market, deferring to reconciliation",
				"condition_id", fill.ConditionID, "token_id", fill.TokenID)
			return nil
		}
		m.applyUntrackedFill(ctx, pos, fill)
		m.persistOrDrop(pos)
		return nil
	}

	isYes := fill.TokenID == pos.YesTokenID
	if !isYes && fill.TokenID != pos.NoTokenID {
		m.logger.Warn("fill token does not match either side of tracked position",
			"condition_id", fill.ConditionID, "token_id", fill.TokenID)
		return nil
	}

	// An order id we no longer have resting (the order may have been
	// cancelled concurrently with the fill, a reprice race) still moves
	// inventory, but skips the heavier cancel/blacklist/circuit-breaker
	// procedure that only applies to a fill against an order we tracked
	// (spec.md §4.4 "Untracked fills").
	if fill.OrderID != "" && findOrderByID(pos.Orders, fill.OrderID) < 0 {
		m.applyUntrackedFill(ctx, pos, fill)
		m.persistOrDrop(pos)
		return nil
	}

	reduceOrder(pos, fill.TokenID, fill.Side, fill.Size)

	var err error
	if fill.Side == types.BUY {
		err = m.handleBuyFill(ctx, pos, isYes, fill)
	} else {
		err = m.handleSellFill(ctx, pos, isYes, fill)
	}
	if err != nil {
		return err
	}

	m.persistOrDrop(pos)
	return nil
}

func (m *Manager) persistOrDrop(pos *types.MarketPosition) {
	if ledger.IsEmpty(pos) {
		m.ledger.Remove(pos.ConditionID)
	} else {
		m.ledger.Persist(pos)
	}
}

// applyUntrackedFill reduces inventory for a fill whose order we no
// longer track (spec.md §4.4 "Untracked fills"): the matched amount still
// moves the side's inventory, and any stale SELL resting for that token
// is dropped rather than trusted, since the local view of it raced with
// this fill.
func (m *Manager) applyUntrackedFill(ctx context.Context, pos *types.MarketPosition, fill types.Fill) {
	isYes := fill.TokenID == pos.YesTokenID

	if isYes {
		pos.YesInventory -= fill.Size
		if pos.YesInventory < 0 {
			pos.YesInventory = 0
		}
	} else {
		pos.NoInventory -= fill.Size
		if pos.NoInventory < 0 {
			pos.NoInventory = 0
		}
	}

	if idx := findOrder(pos.Orders, fill.TokenID, types.SELL); idx >= 0 {
		id := pos.Orders[idx].OrderID
		pos.Orders = append(pos.Orders[:idx], pos.Orders[idx+1:]...)
		if err := m.api.CancelOrders(ctx, []string{id}); err != nil {
			m.logger.Warn("cancel stale sell after untracked fill failed", "order_id", id, "error", err)
		}
	}

	m.logger.Warn("applied untracked fill", "condition_id", pos.ConditionID, "token_id", fill.TokenID, "size", fill.Size)
}

func findOrderByID(orders []types.ActiveOrder, orderID string) int {
	for i, o := range orders {
		if o.OrderID == orderID {
			return i
		}
	}
	return -1
}

// handleBuyFill implements spec.md §4.4's six numbered steps, in order:
// cancel every other BUY on this market, trip the global circuit breaker
// (cancelling every BUY everywhere), blacklist the market, update
// inventory/entry/fill-time bookkeeping, evaluate the per-side fill-rate
// block, and place a SELL for the new inventory if one isn't already
// resting.
func (m *Manager) handleBuyFill(ctx context.Context, pos *types.MarketPosition, isYes bool, fill types.Fill) error {
	m.cancelRemainingBuys(ctx, pos)

	if m.cfg.GlobalCircuitBreaker {
		m.RecordFill()
		m.cancelAllBuysEverywhere(ctx, pos.ConditionID)
	}

	m.blacklistMarket(pos.ConditionID)

	// entry_price is the latest fill price, not a weighted average — the
	// stop-loss comparison in spec.md §4.1 is against the most recent
	// acquisition, not blended cost basis.
	if isYes {
		pos.YesEntryPrice = fill.Price
		pos.YesInventory += fill.Size
		pos.YesFillTimes = append(pos.YesFillTimes, time.Now())
	} else {
		pos.NoEntryPrice = fill.Price
		pos.NoInventory += fill.Size
		pos.NoFillTimes = append(pos.NoFillTimes, time.Now())
	}

	window := m.cfg.FillCooldown()
	fillTimes := pos.NoFillTimes
	tokenID := pos.NoTokenID
	if isYes {
		fillTimes = pos.YesFillTimes
		tokenID = pos.YesTokenID
	}
	if countRecentFills(fillTimes, window) >= m.cfg.MaxFillsBeforeBlock {
		m.blockSide(pos, isYes)
		m.logger.Warn("per-side fill rate tripped, blocking re-entry",
			"condition_id", pos.ConditionID, "yes", isYes)
	}

	if findOrder(pos.Orders, tokenID, types.SELL) >= 0 {
		return nil
	}
	if err := m.placeUnwindSell(ctx, pos, isYes); err != nil {
		m.logger.Warn("unwind sell placement failed, sell retry will pick it up", "token_id", tokenID, "error", err)
	}
	return nil
}

// handleSellFill never places a BUY here, even once inventory fully
// unwinds — re-entry only happens through the normal cooldown path
// (spec.md §4.4/§4.7).
func (m *Manager) handleSellFill(ctx context.Context, pos *types.MarketPosition, isYes bool, fill types.Fill) error {
	m.resetSellFailure(fill.TokenID)

	if isYes {
		pos.YesInventory -= fill.Size
		if pos.YesInventory <= 0 {
			pos.YesInventory = 0
			pos.YesEntryPrice = 0
		}
		pos.YesLastSellFill = time.Now()
	} else {
		pos.NoInventory -= fill.Size
		if pos.NoInventory <= 0 {
			pos.NoInventory = 0
			pos.NoEntryPrice = 0
		}
		pos.NoLastSellFill = time.Now()
	}
	return nil
}

// cancelRemainingBuys cancels and drops every BUY order left resting in
// one market (spec.md §4.4 step 1) — the side that just filled has
// already been consumed by reduceOrder, so in practice this clears
// whichever BUY remains on the *other* side.
func (m *Manager) cancelRemainingBuys(ctx context.Context, pos *types.MarketPosition) {
	var ids []string
	kept := pos.Orders[:0]
	for _, o := range pos.Orders {
		if o.Side == types.BUY {
			ids = append(ids, o.OrderID)
			continue
		}
		kept = append(kept, o)
	}
	pos.Orders = kept
	if len(ids) == 0 {
		return
	}
	if err := m.api.CancelOrders(ctx, ids); err != nil {
		m.logger.Warn("cancel remaining buys failed", "condition_id", pos.ConditionID, "error", err)
	}
}

// cancelAllBuysEverywhere cancels every resting BUY order in every
// tracked market (spec.md §4.4 step 2), the global half of the circuit
// breaker: a fill anywhere withdraws every other working BUY so that at
// most one fill's worth of fresh inventory is ever in flight. except names
// the market the caller has already handled; it is skipped.
func (m *Manager) cancelAllBuysEverywhere(ctx context.Context, except string) {
	for _, other := range m.ledger.All() {
		if other.ConditionID == except {
			continue
		}
		m.cancelRemainingBuys(ctx, other)
		m.ledger.Persist(other)
	}
}

// collateralReleaseWait is the pause between cancelling a market's other
// resting BUY and placing the unwind SELL, giving the exchange time to
// release the cancelled order's locked collateral before the SELL tries
// to claim it (spec.md §4.3).
const collateralReleaseWait = 1500 * time.Millisecond

// placeUnwindSell places the SELL order covering the full inventory on
// one side of a position. Callers are responsible for confirming no SELL
// is already resting for this token (spec.md §4.4 step 6) — placing one
// unconditionally here would blow away a SELL some other path is already
// managing.
func (m *Manager) placeUnwindSell(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	tokenID := pos.NoTokenID
	inventory := pos.NoInventory
	if isYes {
		tokenID = pos.YesTokenID
		inventory = pos.YesInventory
	}
	if inventory <= 0 {
		return nil
	}

	m.sleep(ctx, collateralReleaseWait)

	mid := pos.LastMidpoint
	if fresh, err := m.api.GetMidpoint(ctx, pos.YesTokenID); err == nil {
		mid = fresh
		pos.LastMidpoint = fresh
	}

	tick := dec(pos.TickSize.Float())
	refMid := decimalOne.Sub(dec(mid))
	if isYes {
		refMid = dec(mid)
	}
	target := sellTarget(refMid, tick)

	req := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(target),
		Size:        inventory,
		Side:        types.SELL,
		OrderType:   "GTC",
		TickSize:    pos.TickSize,
	}

	resp, err := m.api.PlaceOrder(ctx, req)
	if err != nil {
		m.incrementSellFailure(tokenID)
		return err
	}
	pos.Orders = append(pos.Orders, types.ActiveOrder{
		OrderID:             resp.OrderID,
		TokenID:             tokenID,
		Side:                types.SELL,
		Price:               req.Price,
		Size:                req.Size,
		ConditionID:         pos.ConditionID,
		PlacedAt:            time.Now(),
		MidpointAtPlacement: mid,
	})
	return nil
}

func (m *Manager) blockSide(pos *types.MarketPosition, isYes bool) {
	if isYes {
		pos.YesBlocked = true
	} else {
		pos.NoBlocked = true
	}
}

// reduceOrder applies a fill's size against the matching resting order,
// removing it outright once fully matched (partial-fill handling).
func reduceOrder(pos *types.MarketPosition, tokenID string, side types.Side, size float64) {
	idx := findOrder(pos.Orders, tokenID, side)
	if idx < 0 {
		return
	}
	pos.Orders[idx].Size -= size
	if pos.Orders[idx].Size <= 1e-9 {
		pos.Orders = append(pos.Orders[:idx], pos.Orders[idx+1:]...)
	}
}

func countRecentFills(times []time.Time, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range times {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

package ordermanager

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"lp-rewards-bot/pkg/types"
)

// TreatUnknownStatusAsFilled makes syncVanishedBuy credit a vanished BUY
// whose status lookup returns UNKNOWN as a fill.
const TreatUnknownStatusAsFilled = true

// AdjustDriftedPosition re-centers a market's resting BUY orders on the
// current midpoint once they've drifted past the drift threshold (spec.md
// §4.3). SELL orders are left to RepriceSellIfStale, which the price
// monitor calls for sub-threshold moves on a side holding inventory.
func (m *Manager) AdjustDriftedPosition(ctx context.Context, pos *types.MarketPosition, midpoint float64) error {
	tick := dec(pos.TickSize.Float())
	maxSpread := dec(pos.MaxSpread)
	threshold := m.driftThreshold(maxSpread)
	mid := dec(midpoint)

	pos.LastMidpoint = midpoint

	if !pos.YesBlocked {
		if err := m.repriceBuySide(ctx, pos, true, mid, maxSpread, tick, threshold); err != nil {
			return err
		}
	}
	if !pos.NoBlocked {
		if err := m.repriceBuySide(ctx, pos, false, mid, maxSpread, tick, threshold); err != nil {
			return err
		}
	}
	m.ledger.Persist(pos)
	return nil
}

// replaceGracePeriod is the minimum time a BUY must have been resting
// before a drift tick will check its live status ahead of replacing it —
// querying an order's status immediately after placing it races the
// exchange's own indexing lag (spec.md §4.3).
const replaceGracePeriod = 30 * time.Second

// replaceCancelPause is the wait between a reprice's cancel and its
// replacement post (spec.md §4.5).
const replaceCancelPause = 500 * time.Millisecond

// repriceBuySide replaces the resting BUY order on one side if its price
// has drifted at least `threshold` away from the current target.
func (m *Manager) repriceBuySide(ctx context.Context, pos *types.MarketPosition, isYes bool, mid, maxSpread, tick, threshold decimal.Decimal) error {
	tokenID := pos.NoTokenID
	refMid := decimalOne.Sub(mid)
	if isYes {
		tokenID = pos.YesTokenID
		refMid = mid
	}

	idx := findOrder(pos.Orders, tokenID, types.BUY)
	if idx < 0 {
		return nil
	}
	existing := pos.Orders[idx]

	target := m.buyTarget(refMid, maxSpread, tick)
	if dec(existing.Price).Sub(target).Abs().LessThan(threshold) {
		return nil
	}

	if time.Since(existing.PlacedAt) >= replaceGracePeriod {
		resolved, err := m.syncVanishedBuy(ctx, pos, tokenID, existing)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
	}

	size := m.orderSize(decFloat(target), pos.MinSize, time.Now())
	replaced, err := m.replaceOrder(ctx, pos, idx, types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(target),
		Size:        size,
		Side:        types.BUY,
		OrderType:   "GTC",
		TickSize:    pos.TickSize,
	})
	if err != nil {
		return err
	}
	if replaced {
		m.logger.Info("repriced drifted order", "condition_id", pos.ConditionID, "token_id", tokenID, "price", decFloat(target))
	}
	return nil
}

// syncVanishedBuy checks a resting BUY against the exchange's live
// open-order set before a drift tick cancels and replaces it (spec.md
// §4.3: sync against live orders, past a grace period, ahead of every
// replace). If the exchange still lists the order, nothing changes and
// the normal replace proceeds. If it doesn't, GetOrder's status decides
// what happened to it: MATCHED (or UNKNOWN, while
// TreatUnknownStatusAsFilled is true) is credited as a real fill
// through the normal fill pipeline (so the follow-up unwind SELL and
// circuit-breaker checks run exactly as they would for a stream-reported
// fill); CANCELLED or EXPIRED is dropped with no inventory change; any
// other status (including a failed status lookup) is treated as still
// live and left tracked for the next tick to resolve. Returns true once
// the order has been resolved and must not be replaced this tick.
//
// TreatUnknownStatusAsFilled decides the UNKNOWN case: false leaves such an
// order tracked for the next tick, like any other unresolved status.
func (m *Manager) syncVanishedBuy(ctx context.Context, pos *types.MarketPosition, tokenID string, existing types.ActiveOrder) (bool, error) {
	live, err := m.api.GetOpenOrders(ctx, pos.ConditionID)
	if err != nil {
		return false, err
	}
	for _, o := range live {
		if o.ID == existing.OrderID {
			return false, nil
		}
	}

	order, err := m.api.GetOrder(ctx, existing.OrderID)
	if err != nil {
		m.logger.Warn("order status lookup failed, leaving drifted buy tracked", "order_id", existing.OrderID, "error", err)
		return false, nil
	}

	status := types.OrderStatus(order.Status)
	if status == types.StatusUnknown && !TreatUnknownStatusAsFilled {
		return false, nil
	}
	switch status {
	case types.StatusMatched, types.StatusUnknown:
		fill := types.Fill{
			ConditionID: pos.ConditionID,
			OrderID:     existing.OrderID,
			TokenID:     tokenID,
			Side:        types.BUY,
			Size:        existing.Size,
			Price:       existing.Price,
		}
		if err := m.HandleFill(ctx, fill); err != nil {
			return true, err
		}
		m.logger.Info("drifted buy resolved as filled ahead of replace", "condition_id", pos.ConditionID, "token_id", tokenID, "order_id", existing.OrderID)
		return true, nil
	case types.StatusCancelled, types.StatusExpired:
		pos.Orders = dropOrderByID(pos.Orders, existing.OrderID)
		m.logger.Info("drifted buy resolved as already cancelled", "condition_id", pos.ConditionID, "token_id", tokenID, "order_id", existing.OrderID)
		return true, nil
	default:
		return false, nil
	}
}

// RepriceSellIfStale optionally tightens a resting SELL using the token's
// current best ask (spec.md §4.1/§4.5). The price monitor calls it, from
// both stream ticks and REST polls, when a side holding inventory moves
// less than the drift threshold; extreme, stop-loss and drift moves take
// other paths. If the side holds
// inventory but carries no resting SELL at all — the unwind placement
// earlier failed and SELL-retry hasn't caught up yet — this places one
// outright rather than waiting for the next retry sweep.
func (m *Manager) RepriceSellIfStale(ctx context.Context, pos *types.MarketPosition, tokenID string, bestAsk float64) error {
	isYes := tokenID == pos.YesTokenID
	inventory := pos.NoInventory
	if isYes {
		inventory = pos.YesInventory
	}
	if inventory <= 0 {
		return nil
	}

	tick := dec(pos.TickSize.Float())
	mid := dec(pos.LastMidpoint)
	refMid := decimalOne.Sub(mid)
	if isYes {
		refMid = mid
	}
	base := sellTarget(refMid, tick)

	idx := findOrder(pos.Orders, tokenID, types.SELL)
	if idx < 0 {
		target := tightenSellWithBestAsk(base, dec(bestAsk), tick, nil)
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
			MidpointAtPlacement: pos.LastMidpoint,
		})
		return nil
	}

	existing := pos.Orders[idx]
	existingPrice := dec(existing.Price)
	tightened := tightenSellWithBestAsk(base, dec(bestAsk), tick, &existingPrice)
	if !tightened.LessThan(existingPrice) {
		return nil
	}

	_, err := m.replaceOrder(ctx, pos, idx, types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(tightened),
		Size:        existing.Size,
		Side:        types.SELL,
		OrderType:   "GTC",
		TickSize:    pos.TickSize,
	})
	return err
}

// RepriceSellsAtMidpoint unconditionally cancels every resting SELL on a
// position and re-places one for each side still carrying inventory at a
// fresh midpoint-based target. Used for a SELL-only position (no BUY
// resting, typically mid-cooldown) whose price has drifted past the
// threshold: there is no BUY side to touch, so the normal drift-adjust
// path doesn't apply, but the old SELL price is stale enough to chase.
// A fresh placement, not a retry, so the sell-failure counters reset.
func (m *Manager) RepriceSellsAtMidpoint(ctx context.Context, pos *types.MarketPosition, midpoint float64) error {
	tick := dec(pos.TickSize.Float())

	for _, o := range pos.Orders {
		if o.Side != types.SELL {
			continue
		}
		if err := m.api.CancelOrders(ctx, []string{o.OrderID}); err != nil {
			m.logger.Warn("cancel sell for reprice failed", "condition_id", pos.ConditionID, "order_id", o.OrderID, "error", err)
		}
	}
	pos.Orders = dropSide(pos.Orders, types.SELL)
	pos.LastMidpoint = midpoint

	m.sleep(ctx, replaceCancelPause)

	if pos.YesInventory > 0 {
		m.resetSellFailure(pos.YesTokenID)
		target := sellTarget(dec(midpoint), tick)
		if err := m.placeSellAt(ctx, pos, pos.YesTokenID, pos.YesInventory, target, midpoint); err != nil {
			m.logger.Warn("reprice sell yes failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	if pos.NoInventory > 0 {
		m.resetSellFailure(pos.NoTokenID)
		target := sellTarget(decimalOne.Sub(dec(midpoint)), tick)
		if err := m.placeSellAt(ctx, pos, pos.NoTokenID, pos.NoInventory, target, midpoint); err != nil {
			m.logger.Warn("reprice sell no failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) placeSellAt(ctx context.Context, pos *types.MarketPosition, tokenID string, size float64, target decimal.Decimal, midpoint float64) error {
	req := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(target),
		Size:        size,
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
		MidpointAtPlacement: midpoint,
	})
	return nil
}

func dropSide(orders []types.ActiveOrder, side types.Side) []types.ActiveOrder {
	kept := orders[:0]
	for _, o := range orders {
		if o.Side != side {
			kept = append(kept, o)
		}
	}
	return kept
}

func dropOrderByID(orders []types.ActiveOrder, orderID string) []types.ActiveOrder {
	kept := orders[:0]
	for _, o := range orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	return kept
}

// replaceOrder cancels the order at pos.Orders[idx] and places req in its
// place, updating the ledger's in-memory slice. Returns false (no error)
// if the cancel fails, since the order may have just filled — the caller
// should not blindly add a duplicate.
func (m *Manager) replaceOrder(ctx context.Context, pos *types.MarketPosition, idx int, req types.OrderRequest) (bool, error) {
	old := pos.Orders[idx]
	if err := m.api.CancelOrders(ctx, []string{old.OrderID}); err != nil {
		m.logger.Warn("cancel for reprice failed, leaving order in place", "order_id", old.OrderID, "error", err)
		return false, nil
	}

	// A brief pause between cancel and post gives the exchange a moment
	// to release the cancelled order's collateral/allowance before the
	// replacement tries to claim it (spec.md §4.5).
	m.sleep(ctx, replaceCancelPause)

	resp, err := m.api.PlaceOrder(ctx, req)
	if err != nil {
		// The old order is already cancelled; drop it from the book
		// rather than leave a stale entry the ledger thinks is live.
		pos.Orders = append(pos.Orders[:idx], pos.Orders[idx+1:]...)
		return false, err
	}

	pos.Orders[idx] = types.ActiveOrder{
		OrderID:             resp.OrderID,
		TokenID:             req.TokenID,
		Side:                req.Side,
		Price:               req.Price,
		Size:                req.Size,
		ConditionID:         req.ConditionID,
		PlacedAt:            time.Now(),
		MidpointAtPlacement: pos.LastMidpoint,
	}
	return true, nil
}

func findOrder(orders []types.ActiveOrder, tokenID string, side types.Side) int {
	for i, o := range orders {
		if o.TokenID == tokenID && o.Side == side {
			return i
		}
	}
	return -1
}

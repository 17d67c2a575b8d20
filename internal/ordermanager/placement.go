package ordermanager

import (
	"context"
	"fmt"
	"math"
	"time"

	"lp-rewards-bot/pkg/types"
)

// orderSize applies the time-of-day size multiplier and every hard cap
// (MAX_ORDER_SIZE, MAX_SINGLE_ORDER_USDC, MAX_ENTRY_COST) to arrive at the
// clip size for a single resting order at the given price.
func (m *Manager) orderSize(price float64, minSize float64, now time.Time) float64 {
	if price <= 0 {
		return 0
	}
	size := minSize * m.SizeMultiplier(now)
	if size < minSize {
		size = minSize
	}

	limit := m.cfg.MaxOrderSize
	limit = math.Min(limit, m.cfg.MaxSingleOrderUSDC/price)
	limit = math.Min(limit, m.cfg.MaxEntryCost/price)
	if size > limit {
		size = limit
	}
	return size
}

// PlaceInitialOrders places the opening BUY YES and BUY NO orders for a
// newly selected opportunity (spec.md §4.2), builds its MarketPosition and
// adds it to the ledger. A market already blacklisted, paused by the
// global circuit breaker, or outside the tradeable midpoint band is
// skipped rather than erroring.
func (m *Manager) PlaceInitialOrders(ctx context.Context, opp types.MarketOpportunity) error {
	if m.IsBlacklisted(opp.ConditionID) {
		return nil
	}
	if m.GlobalPauseActive() {
		return nil
	}
	if opp.Midpoint < m.cfg.MinMidpoint || opp.Midpoint > m.cfg.MaxMidpoint {
		return nil
	}

	tick := dec(opp.TickSize.Float())
	maxSpread := dec(opp.MaxSpread)
	mid := dec(opp.Midpoint)

	yesPrice := m.buyTarget(mid, maxSpread, tick)
	noPrice := m.buyTarget(decimalOne.Sub(mid), maxSpread, tick)

	now := time.Now()
	yesSize := m.orderSize(decFloat(yesPrice), opp.MinSize, now)
	noSize := m.orderSize(decFloat(noPrice), opp.MinSize, now)

	requests := []types.OrderRequest{
		{
			TokenID:     opp.YesTokenID,
			ConditionID: opp.ConditionID,
			Price:       decFloat(yesPrice),
			Size:        yesSize,
			Side:        types.BUY,
			OrderType:   "GTC",
			TickSize:    opp.TickSize,
		},
		{
			TokenID:     opp.NoTokenID,
			ConditionID: opp.ConditionID,
			Price:       decFloat(noPrice),
			Size:        noSize,
			Side:        types.BUY,
			OrderType:   "GTC",
			TickSize:    opp.TickSize,
		},
	}

	results, err := m.api.PlaceOrders(ctx, requests)
	if err != nil {
		return fmt.Errorf("place initial orders: %w", err)
	}

	pos := &types.MarketPosition{
		ConditionID: opp.ConditionID,
		YesTokenID:  opp.YesTokenID,
		NoTokenID:   opp.NoTokenID,
		MaxSpread:   opp.MaxSpread,
		MinSize:     opp.MinSize,
		TickSize:    opp.TickSize,
		LastMidpoint: opp.Midpoint,
	}

	for i, req := range requests {
		if i >= len(results) || !results[i].Success {
			m.logger.Warn("initial order rejected", "condition_id", opp.ConditionID, "token_id", req.TokenID)
			continue
		}
		pos.Orders = append(pos.Orders, types.ActiveOrder{
			OrderID:             results[i].OrderID,
			TokenID:             req.TokenID,
			Side:                types.BUY,
			Price:               req.Price,
			Size:                req.Size,
			ConditionID:         opp.ConditionID,
			PlacedAt:            now,
			MidpointAtPlacement: opp.Midpoint,
		})
	}

	if len(pos.Orders) == 0 {
		return nil
	}
	m.ledger.Upsert(pos)
	m.logger.Info("placed initial orders", "condition_id", opp.ConditionID, "orders", len(pos.Orders))
	return nil
}

var decimalOne = dec(1)

// ResizeBuysForMultiplier replaces every resting BUY in a position at the
// current size multiplier, leaving price untouched (spec.md §4.14: "when
// the multiplier transitions, replace all BUY orders across all positions
// ... at the next loop iteration"). A position carrying no BUY at all
// (SELL-only, mid-cooldown) is left alone — there is nothing to resize.
func (m *Manager) ResizeBuysForMultiplier(ctx context.Context, pos *types.MarketPosition) error {
	now := time.Now()

	var tokenIDs []string
	for _, o := range pos.Orders {
		if o.Side == types.BUY {
			tokenIDs = append(tokenIDs, o.TokenID)
		}
	}

	for _, tokenID := range tokenIDs {
		idx := findOrder(pos.Orders, tokenID, types.BUY)
		if idx < 0 {
			continue // already gone (e.g. a prior resize in this pass failed to replace)
		}
		o := pos.Orders[idx]
		newSize := m.orderSize(o.Price, pos.MinSize, now)
		if newSize == o.Size {
			continue
		}
		req := types.OrderRequest{
			TokenID:     o.TokenID,
			ConditionID: pos.ConditionID,
			Price:       o.Price,
			Size:        newSize,
			Side:        types.BUY,
			OrderType:   "GTC",
			TickSize:    pos.TickSize,
		}
		if _, err := m.replaceOrder(ctx, pos, idx, req); err != nil {
			m.logger.Warn("resize buy for size multiplier failed", "condition_id", pos.ConditionID, "token_id", tokenID, "error", err)
		}
	}
	m.ledger.Persist(pos)
	return nil
}

package ordermanager

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"lp-rewards-bot/pkg/types"
)

// CheckStopLoss reports, per side, whether unrealized loss on that side's
// most recent entry price has crossed the stop-loss threshold (spec.md
// §4.1/§4.8). A side with no inventory can never trigger.
func (m *Manager) CheckStopLoss(pos *types.MarketPosition, midpoint float64) (yesExit, noExit bool) {
	threshold := decFloat(m.stopLossThreshold(dec(pos.MaxSpread)))

	if pos.YesInventory > 0 && pos.YesEntryPrice-midpoint >= threshold {
		yesExit = true
	}
	noMid := 1 - midpoint
	if pos.NoInventory > 0 && pos.NoEntryPrice-noMid >= threshold {
		noExit = true
	}
	return
}

// CheckVolatility reports whether a token's 24h price range, scaled by the
// market's own reward-window width, swung wider than MAX_VOLATILITY_RATIO
// — the signal for an immediate BUY-side unwind regardless of current P&L
// (spec.md §4.9b). A tighter max_spread market trips this at a smaller
// absolute swing than a wide one, since the ratio is range/max_spread, not
// a plain price ratio.
func (m *Manager) CheckVolatility(history []types.PricePoint, maxSpread float64) bool {
	if len(history) < 2 || maxSpread <= 0 {
		return false
	}
	min, max := history[0].P, history[0].P
	for _, p := range history[1:] {
		if p.P < min {
			min = p.P
		}
		if p.P > max {
			max = p.P
		}
	}
	return (max-min)/maxSpread > m.cfg.MaxVolatilityRatio
}

// cancelSideBuy cancels the resting BUY order on one side of a position,
// if any. Used by every exit path that must pull working buy-side
// liquidity without touching a resting SELL.
func (m *Manager) cancelSideBuy(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	tokenID := pos.NoTokenID
	if isYes {
		tokenID = pos.YesTokenID
	}
	idx := findOrder(pos.Orders, tokenID, types.BUY)
	if idx < 0 {
		return nil
	}
	id := pos.Orders[idx].OrderID
	pos.Orders = append(pos.Orders[:idx], pos.Orders[idx+1:]...)
	return m.api.CancelOrders(ctx, []string{id})
}

// CancelAllBuys pulls every resting BUY on both sides of a position
// (spec.md §4.9b: volatility exceeding MAX_VOLATILITY_RATIO cancels all
// BUYs immediately; SELLs stay).
func (m *Manager) CancelAllBuys(ctx context.Context, pos *types.MarketPosition) error {
	if err := m.cancelSideBuy(ctx, pos, true); err != nil {
		m.logger.Warn("cancel yes buy failed", "condition_id", pos.ConditionID, "error", err)
	}
	if err := m.cancelSideBuy(ctx, pos, false); err != nil {
		m.logger.Warn("cancel no buy failed", "condition_id", pos.ConditionID, "error", err)
	}
	m.ledger.Persist(pos)
	return nil
}

// ensureAggressiveSell makes sure a side with inventory carries a SELL
// priced to actually move, rather than sitting at the plain midpoint-floor
// target placeUnwindSell uses: it tightens against the live best
// ask the same way a stream-tick reprice would. A missing SELL is placed;
// an existing one more than a tick off target is cancelled and replaced
// (spec.md §4.8).
func (m *Manager) ensureAggressiveSell(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	tokenID := pos.NoTokenID
	inventory := pos.NoInventory
	if isYes {
		tokenID = pos.YesTokenID
		inventory = pos.YesInventory
	}
	if inventory <= 0 {
		return nil
	}

	tick := dec(pos.TickSize.Float())
	refMid := decimalOne.Sub(dec(pos.LastMidpoint))
	if isYes {
		refMid = dec(pos.LastMidpoint)
	}
	target := sellTarget(refMid, tick)

	book, err := m.api.GetOrderBook(ctx, tokenID)
	bestAsk := target
	if err == nil {
		bestAsk = bestAskFromBook(book, target)
	}

	idx := findOrder(pos.Orders, tokenID, types.SELL)
	var ourPrice *decimal.Decimal
	if idx >= 0 {
		p := dec(pos.Orders[idx].Price)
		ourPrice = &p
	}
	aggressive := tightenSellWithBestAsk(target, bestAsk, tick, ourPrice)

	req := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(aggressive),
		Size:        inventory,
		Side:        types.SELL,
		OrderType:   "GTC",
		TickSize:    pos.TickSize,
	}

	if idx < 0 {
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

	if dec(pos.Orders[idx].Price).Sub(aggressive).Abs().LessThanOrEqual(tick) {
		return nil
	}
	_, err = m.replaceOrder(ctx, pos, idx, req)
	return err
}

// ForceExitSide implements the stop-loss exit (spec.md §4.8): cancel the
// side's BUY and make sure its SELL is priced to move, without tearing
// down the rest of the market.
func (m *Manager) ForceExitSide(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	if err := m.cancelSideBuy(ctx, pos, isYes); err != nil {
		m.logger.Warn("cancel buy before force exit failed", "condition_id", pos.ConditionID, "error", err)
	}
	err := m.ensureAggressiveSell(ctx, pos, isYes)
	m.ledger.Persist(pos)
	return err
}

// ForceExitMarket is the whole-market stop-loss/extreme-midpoint exit
// (spec.md §4.8, original's force_exit_market): cancel every BUY, keep
// every SELL, and make sure each side still holding inventory has a SELL
// priced to actually move. The market is being abandoned to limit
// further loss, not unwound instantly — no FOK crossing.
func (m *Manager) ForceExitMarket(ctx context.Context, pos *types.MarketPosition) error {
	if err := m.CancelAllBuys(ctx, pos); err != nil {
		return err
	}
	if err := m.ensureAggressiveSell(ctx, pos, true); err != nil {
		m.logger.Warn("force exit yes side failed", "condition_id", pos.ConditionID, "error", err)
	}
	if err := m.ensureAggressiveSell(ctx, pos, false); err != nil {
		m.logger.Warn("force exit no side failed", "condition_id", pos.ConditionID, "error", err)
	}
	m.ledger.Persist(pos)
	return nil
}

// ExitStaleMarket handles a market that dropped out of the ranked
// opportunity list (spec.md §4.9a), and doubles as the volatility-exit
// action (§4.9b: MAX_VOLATILITY_RATIO exceeded): with no inventory left
// anywhere, every resting order is cancelled and the position dropped
// from the ledger outright; with inventory remaining, only the BUYs are
// pulled and the SELLs are left to keep unwinding.
func (m *Manager) ExitStaleMarket(ctx context.Context, pos *types.MarketPosition) error {
	if pos.YesInventory == 0 && pos.NoInventory == 0 {
		if err := m.api.CancelMarketOrders(ctx, pos.ConditionID); err != nil {
			m.logger.Warn("cancel stale market orders failed", "condition_id", pos.ConditionID, "error", err)
		}
		pos.Orders = nil
		m.persistOrDrop(pos)
		return nil
	}
	return m.CancelAllBuys(ctx, pos)
}

// bestAskFromBook parses a book's top ask, falling back to the supplied
// default when the book is empty or malformed.
func bestAskFromBook(book *types.BookResponse, fallback decimal.Decimal) decimal.Decimal {
	if book == nil || len(book.Asks) == 0 {
		return fallback
	}
	price, err := decimal.NewFromString(book.Asks[0].Price)
	if err != nil {
		return fallback
	}
	return price
}

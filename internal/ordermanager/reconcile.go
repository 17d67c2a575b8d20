package ordermanager

import (
	"context"
	"strconv"

	"lp-rewards-bot/pkg/types"
)

// ReconcilePhantoms is the periodic safety net for tokens marked phantom
// (spec.md §4.10). By the time a token reaches this set,
// verifyAgainstRemoteBalance has read a zero balance for it and zeroed its
// local inventory (a failed balance lookup never sets the flag). Each pass
// re-checks every flagged token: a balance that turns out nonzero after
// all resyncs inventory and resets its SELL-failure count, and the flag is
// cleared either way rather than leaving the token phantom forever.
func (m *Manager) ReconcilePhantoms(ctx context.Context) error {
	m.mu.Lock()
	tokens := make([]string, 0, len(m.phantomTokens))
	for t := range m.phantomTokens {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()
	if len(tokens) == 0 {
		return nil
	}

	positions, err := m.api.GetPositions(ctx)
	if err != nil {
		return err
	}
	balances := make(map[string]float64, len(positions))
	for _, p := range positions {
		if size, err := strconv.ParseFloat(p.Size, 64); err == nil {
			balances[p.Asset] = size
		}
	}

	for _, tokenID := range tokens {
		if balances[tokenID] > phantomBalanceFloor {
			m.resyncToken(tokenID, balances[tokenID])
			m.clearPhantom(tokenID)
			m.resetSellFailure(tokenID)
			continue
		}
		m.clearPhantom(tokenID)
	}
	return nil
}

// resyncToken overwrites a position's tracked inventory for whichever
// side owns tokenID with a confirmed remote balance.
func (m *Manager) resyncToken(tokenID string, balance float64) {
	for _, pos := range m.ledger.All() {
		switch tokenID {
		case pos.YesTokenID:
			pos.YesInventory = balance
			m.ledger.Persist(pos)
		case pos.NoTokenID:
			pos.NoInventory = balance
			m.ledger.Persist(pos)
		}
	}
}

// ReconcileInventory is the general two-way inventory sweep spec.md §4.10
// runs at rescan cadence over every tracked position — broader than
// ReconcilePhantoms, which only ever looks at tokens already flagged
// phantom by the SELL-retry exhaustion path. For every tracked side: a
// confirmed remote balance of zero zeroes the local side out; a local/
// remote mismatch bigger than phantomBalanceFloor resyncs local to the
// remote figure; and a side the exchange reports shares for that the
// ledger had no inventory for at all (a fill this process never saw —
// missed stream event, crash mid-fill, a fill that landed while this
// process wasn't running) gets its inventory adopted and, if nothing is
// already resting to unwind it, an unwind SELL placed immediately rather
// than waiting for the much slower hourly force-sell sweep.
func (m *Manager) ReconcileInventory(ctx context.Context) error {
	positions, err := m.api.GetPositions(ctx)
	if err != nil {
		return err
	}
	balances := make(map[string]float64, len(positions))
	for _, p := range positions {
		if size, err := strconv.ParseFloat(p.Size, 64); err == nil {
			balances[p.Asset] = size
		}
	}

	for _, pos := range m.ledger.All() {
		changed := false
		changed = m.reconcileSide(ctx, pos, true, balances[pos.YesTokenID]) || changed
		changed = m.reconcileSide(ctx, pos, false, balances[pos.NoTokenID]) || changed
		if changed {
			m.ledger.Persist(pos)
		}
	}
	return nil
}

// reconcileSide applies the three-way comparison above to a single side
// of a single position. Returns whether it mutated the position.
func (m *Manager) reconcileSide(ctx context.Context, pos *types.MarketPosition, isYes bool, remote float64) bool {
	tokenID := pos.NoTokenID
	local := pos.NoInventory
	if isYes {
		tokenID = pos.YesTokenID
		local = pos.YesInventory
	}

	diff := remote - local
	if diff < 0 {
		diff = -diff
	}
	if diff <= phantomBalanceFloor {
		return false
	}

	hadInventory := local > phantomBalanceFloor
	m.setInventory(pos, isYes, remote)
	if remote <= phantomBalanceFloor {
		m.setEntryPrice(pos, isYes, 0)
		m.logger.Info("reconciliation zeroed tracked inventory against confirmed remote balance",
			"condition_id", pos.ConditionID, "token_id", tokenID)
		return true
	}

	m.logger.Warn("reconciliation resynced tracked inventory to remote balance",
		"condition_id", pos.ConditionID, "token_id", tokenID, "local", local, "remote", remote)

	if !hadInventory && findOrder(pos.Orders, tokenID, types.SELL) < 0 {
		m.logger.Warn("reconciliation discovered untracked remote shares on a tracked position, placing unwind sell",
			"condition_id", pos.ConditionID, "token_id", tokenID, "size", remote)
		if err := m.placeUnwindSell(ctx, pos, isYes); err != nil {
			m.logger.Warn("reconciliation unwind sell placement failed, sell retry will pick it up", "token_id", tokenID, "error", err)
		}
	}
	return true
}

func (m *Manager) setInventory(pos *types.MarketPosition, isYes bool, value float64) {
	if isYes {
		pos.YesInventory = value
	} else {
		pos.NoInventory = value
	}
}

func (m *Manager) setEntryPrice(pos *types.MarketPosition, isYes bool, value float64) {
	if isYes {
		pos.YesEntryPrice = value
	} else {
		pos.NoEntryPrice = value
	}
}

// CleanupOrphanedOrders diffs each tracked position's resting orders
// against the exchange's live open-orders list (spec.md §4.11). Orders we
// think are live but the exchange no longer reports are dropped locally
// (already filled or cancelled out from under us); orders the exchange
// reports that we aren't tracking are cancelled outright, since an
// untracked resting order can't be priced, repriced, or unwound safely.
func (m *Manager) CleanupOrphanedOrders(ctx context.Context, pos *types.MarketPosition) error {
	live, err := m.api.GetOpenOrders(ctx, pos.ConditionID)
	if err != nil {
		return err
	}
	liveIDs := make(map[string]bool, len(live))
	for _, o := range live {
		liveIDs[o.ID] = true
	}

	kept := pos.Orders[:0]
	for _, o := range pos.Orders {
		if liveIDs[o.OrderID] {
			kept = append(kept, o)
			delete(liveIDs, o.OrderID)
		} else {
			m.logger.Info("dropping order no longer live on exchange", "order_id", o.OrderID, "condition_id", pos.ConditionID)
		}
	}
	pos.Orders = kept

	if len(liveIDs) == 0 {
		return nil
	}
	var stray []string
	for id := range liveIDs {
		stray = append(stray, id)
	}
	m.logger.Warn("cancelling untracked exchange orders", "condition_id", pos.ConditionID, "count", len(stray))
	return m.api.CancelOrders(ctx, stray)
}

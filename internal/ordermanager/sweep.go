package ordermanager

import (
	"context"
	"strconv"

	"lp-rewards-bot/pkg/types"
)

// ForceSellSweep runs roughly every FORCE_SELL_SWEEP_SECONDS (spec.md
// §4.9): it walks the exchange's own reported positions rather than the
// local ledger, and for any token holding shares whose tracked position
// carries no SELL for it, resyncs that side's inventory and places the
// regular unwind SELL (placeUnwindSell). Tokens with no tracked position
// in the ledger are skipped. Unlike RetryPendingSells, this path
// deliberately ignores the phantom and recovered flags (open question (b)
// in spec.md §9) — it exists precisely to catch the cases normal
// reconciliation is holding off on, at the cost of occasionally racing a
// SELL placement that hasn't been observed yet.
func (m *Manager) ForceSellSweep(ctx context.Context) error {
	positions, err := m.api.GetPositions(ctx)
	if err != nil {
		return err
	}

	for _, p := range positions {
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil || size <= 0 {
			continue
		}
		pos := m.findByToken(p.Asset)
		if pos == nil {
			continue
		}
		if findOrder(pos.Orders, p.Asset, types.SELL) >= 0 {
			continue
		}

		isYes := p.Asset == pos.YesTokenID
		if isYes {
			pos.YesInventory = size
		} else {
			pos.NoInventory = size
		}

		if err := m.placeUnwindSell(ctx, pos, isYes); err != nil {
			m.logger.Warn("force-sell sweep placement failed", "token_id", p.Asset, "error", err)
			continue
		}
		m.ledger.Persist(pos)
		m.logger.Warn("force-sell sweep recovered untracked inventory", "condition_id", pos.ConditionID, "token_id", p.Asset, "size", size)
	}
	return nil
}

package ordermanager

import (
	"lp-rewards-bot/pkg/types"
)

// RecordMidpoint updates a position's last-seen YES midpoint without
// touching orders or inventory. Price Monitor calls this for a tick that
// classified as neither drift, stop-loss, nor extreme — a baseline update
// with no order-side consequence, still routed through the Order Manager
// since it's the ledger's sole mutator.
func (m *Manager) RecordMidpoint(pos *types.MarketPosition, midpoint float64) {
	pos.LastMidpoint = midpoint
	m.ledger.Persist(pos)
}

// findByToken returns the tracked position owning a token id, if any.
func (m *Manager) findByToken(tokenID string) *types.MarketPosition {
	for _, pos := range m.ledger.All() {
		if pos.YesTokenID == tokenID || pos.NoTokenID == tokenID {
			return pos
		}
	}
	return nil
}

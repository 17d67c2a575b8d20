package supervisor

import (
	"context"
	"time"
)

// rescan is phase 1 of the main loop (spec.md §4.1/§4.10/§4.11): reconcile
// every tracked position against exchange truth, re-rank the market
// universe, exit anything that dropped out of the ranking, enter anything
// newly selected, and run the hourly force-sell sweep when its cadence is
// due. Force-including already-tracked tokens in the scan keeps an open
// position from being treated as "dropped out" purely because of a
// transient ranking wobble.
//
// ReconcilePhantoms and ReconcileInventory are the two §4.10 sweeps, both
// run every rescan rather than one running only hourly: the first only
// re-checks tokens the SELL-retry exhaustion path already flagged
// phantom, the second walks every tracked side unconditionally and
// catches a missed fill on an already-tracked position long before the
// much slower hourly force-sell sweep would.
func (s *Supervisor) rescan(ctx context.Context) error {
	if err := s.om.ReconcilePhantoms(ctx); err != nil {
		s.logger.Warn("reconcile phantoms failed", "error", err)
	}
	if err := s.om.ReconcileInventory(ctx); err != nil {
		s.logger.Warn("reconcile inventory failed", "error", err)
	}

	tracked := s.ledger.All()
	forceInclude := make(map[string]struct{}, len(tracked)*2)
	for _, pos := range tracked {
		forceInclude[pos.YesTokenID] = struct{}{}
		forceInclude[pos.NoTokenID] = struct{}{}

		s.om.ClearBlockFlags(pos)

		if err := s.om.CleanupOrphanedOrders(ctx, pos); err != nil {
			s.logger.Warn("cleanup orphaned orders failed", "condition_id", pos.ConditionID, "error", err)
		}
	}

	if err := s.pm.CheckActiveVolatility(ctx); err != nil {
		s.logger.Warn("check active volatility failed", "error", err)
	}

	maxMarkets := s.cfg.ActiveMarketCap(time.Now())
	opps, err := s.scanner.ScanAndRank(ctx, maxMarkets, forceInclude)
	if err != nil {
		s.logger.Warn("scan and rank failed, keeping existing positions", "error", err)
		return nil
	}

	selected := make(map[string]struct{}, len(opps))
	for _, opp := range opps {
		selected[opp.ConditionID] = struct{}{}
	}

	for _, pos := range tracked {
		if _, ok := selected[pos.ConditionID]; ok {
			continue
		}
		if err := s.om.ExitStaleMarket(ctx, pos); err != nil {
			s.logger.Warn("exit stale market failed", "condition_id", pos.ConditionID, "error", err)
		}
	}

	trackedByCondition := make(map[string]struct{}, len(tracked))
	for _, pos := range tracked {
		trackedByCondition[pos.ConditionID] = struct{}{}
	}
	for _, opp := range opps {
		if _, ok := trackedByCondition[opp.ConditionID]; ok {
			continue
		}
		if err := s.om.PlaceInitialOrders(ctx, opp); err != nil {
			s.logger.Warn("place initial orders failed", "condition_id", opp.ConditionID, "error", err)
			continue
		}
		if err := s.marketFeed.Subscribe([]string{opp.YesTokenID, opp.NoTokenID}); err != nil {
			s.logger.Warn("market feed subscribe failed", "condition_id", opp.ConditionID, "error", err)
		}
		if err := s.userFeed.Subscribe([]string{opp.ConditionID}); err != nil {
			s.logger.Warn("user feed subscribe failed", "condition_id", opp.ConditionID, "error", err)
		}
	}

	if s.lastForceSellSweep.IsZero() || time.Since(s.lastForceSellSweep) >= s.cfg.ForceSellSweepInterval() {
		if err := s.om.ForceSellSweep(ctx); err != nil {
			s.logger.Warn("force sell sweep failed", "error", err)
		}
		s.lastForceSellSweep = time.Now()
	}

	return nil
}

package supervisor

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"lp-rewards-bot/pkg/types"
)

// StartupRecovery runs the full spec.md §4.12 sequence before the main
// loop starts: claim the single-instance lock (killing any prior instance
// still holding it), cancel every resting order left from a previous run,
// reconcile already-tracked positions against exchange truth, and finally
// force-adopt any exchange-reported inventory the ledger doesn't know
// about at all.
func (s *Supervisor) StartupRecovery(ctx context.Context) error {
	if err := s.claimSingleInstanceLock(); err != nil {
		return err
	}

	if err := s.om.StartupRecovery(ctx); err != nil {
		return err
	}

	return s.adoptUntrackedExchangePositions(ctx)
}

// claimSingleInstanceLock kills whatever process currently holds the PID
// lock file (a prior run that crashed or never shut down cleanly) before
// writing its own PID, mirroring bot.py's _kill_existing_instances /
// _acquire_lock pair.
func (s *Supervisor) claimSingleInstanceLock() error {
	if s.store == nil {
		return nil
	}

	if pid, ok := s.store.ReadLockPID(); ok {
		s.logger.Warn("killing existing bot instance", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
		time.Sleep(time.Second)
	}

	return s.store.AcquireLock()
}

// adoptUntrackedExchangePositions is spec.md §4.12 step 3 / §4.10's "no
// tracked position at all" branch: diff the exchange's reported balances
// against the ledger, and for every token the ledger has never heard of,
// resolve its market via the scanner's metadata lookup and force-adopt it
// through the Order Manager.
func (s *Supervisor) adoptUntrackedExchangePositions(ctx context.Context) error {
	positions, err := s.api.GetPositions(ctx)
	if err != nil {
		s.logger.Warn("could not fetch exchange positions for untracked adoption", "error", err)
		return nil
	}

	known := make(map[string]struct{})
	for _, pos := range s.ledger.All() {
		known[pos.YesTokenID] = struct{}{}
		known[pos.NoTokenID] = struct{}{}
	}

	oppByCondition := make(map[string]*types.MarketOpportunity)
	sizes := make(map[string][2]float64) // conditionID -> [yesSize, noSize]

	for _, p := range positions {
		if _, tracked := known[p.Asset]; tracked {
			continue
		}
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil || size <= 0 {
			continue
		}

		opp, err := s.scanner.LookupByToken(ctx, p.Asset)
		if err != nil || opp == nil {
			s.logger.Warn("untracked position has no resolvable market metadata, skipping", "token_id", p.Asset, "error", err)
			continue
		}
		oppByCondition[opp.ConditionID] = opp

		entry := sizes[opp.ConditionID]
		if p.Asset == opp.YesTokenID {
			entry[0] += size
		} else if p.Asset == opp.NoTokenID {
			entry[1] += size
		}
		sizes[opp.ConditionID] = entry
	}

	for conditionID, entry := range sizes {
		opp := oppByCondition[conditionID]
		if opp == nil {
			continue
		}
		if err := s.om.AdoptUntrackedPosition(ctx, *opp, entry[0], entry[1]); err != nil {
			s.logger.Warn("adopt untracked position failed", "condition_id", conditionID, "error", err)
		}
	}
	return nil
}

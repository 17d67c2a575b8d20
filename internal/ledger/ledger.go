// Package ledger implements the Position Ledger: the in-memory,
// authoritative record of every market the bot is actively quoting.
//
// The Order Manager is the ledger's sole mutator; Price Monitor and
// Supervisor only read from it. A position is destroyed once both its
// order list and both inventories are empty — see IsEmpty.
package ledger

import (
	"log/slog"
	"sync"

	"lp-rewards-bot/internal/store"
	"lp-rewards-bot/pkg/types"
)

// Ledger holds per-condition-id market positions.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*types.MarketPosition
	store     *store.Store // nil disables snapshot persistence
	logger    *slog.Logger
}

// New creates an empty ledger. store may be nil to disable persistence
// (used in tests).
func New(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]*types.MarketPosition),
		store:     st,
		logger:    logger,
	}
}

// LoadSnapshot seeds the ledger from disk at startup. Callers must still
// reconcile against exchange truth before trusting any loaded inventory —
// the snapshot is a best-effort starting guess, not authoritative.
func (l *Ledger) LoadSnapshot() error {
	if l.store == nil {
		return nil
	}
	snapshots, err := l.store.LoadAll()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range snapshots {
		pos := snapshots[i]
		l.positions[pos.ConditionID] = &pos
	}
	if len(snapshots) > 0 {
		l.logger.Info("loaded position snapshots", "count", len(snapshots))
	}
	return nil
}

// Get returns the position for a condition id, if tracked.
func (l *Ledger) Get(conditionID string) (*types.MarketPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[conditionID]
	return pos, ok
}

// All returns a snapshot slice of every tracked position.
func (l *Ledger) All() []*types.MarketPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.MarketPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

// Upsert adds or replaces a tracked position and persists a snapshot.
func (l *Ledger) Upsert(pos *types.MarketPosition) {
	l.mu.Lock()
	l.positions[pos.ConditionID] = pos
	l.mu.Unlock()
	l.persist(pos)
}

// Remove drops a position from the ledger (and its on-disk snapshot).
// Callers must have already confirmed IsEmpty(pos).
func (l *Ledger) Remove(conditionID string) {
	l.mu.Lock()
	delete(l.positions, conditionID)
	l.mu.Unlock()
	if l.store != nil {
		if err := l.store.DeletePosition(conditionID); err != nil {
			l.logger.Warn("delete position snapshot", "condition_id", conditionID, "error", err)
		}
	}
}

// Persist writes the current state of a tracked position to disk without
// changing what's in memory — call after mutating fields in place.
func (l *Ledger) Persist(pos *types.MarketPosition) {
	l.persist(pos)
}

func (l *Ledger) persist(pos *types.MarketPosition) {
	if l.store == nil {
		return
	}
	if err := l.store.SavePosition(pos.ConditionID, *pos); err != nil {
		l.logger.Warn("save position snapshot", "condition_id", pos.ConditionID, "error", err)
	}
}

// IsEmpty reports whether a position has no active orders and no
// inventory on either side — the only condition under which it may be
// destroyed (spec.md §3 lifecycle).
func IsEmpty(pos *types.MarketPosition) bool {
	return len(pos.Orders) == 0 && pos.YesInventory == 0 && pos.NoInventory == 0
}

package ordermanager

import (
	"context"
	"errors"
	"strconv"
	"time"

	"lp-rewards-bot/internal/exchangeclient"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

// StartupRecovery runs once before the main loop starts (spec.md §4.12).
// It cancels every order left resting from a previous run (retrying
// through transient failures, since a crash mid-cancel is exactly the
// scenario this guards against), then reconciles every position loaded
// from the advisory snapshot against exchange truth — any snapshot whose
// orders didn't survive the cancel-all gets its order list cleared
// outright, since CancelAll just took care of it.
func (m *Manager) StartupRecovery(ctx context.Context) error {
	if err := m.cancelAllWithRetry(ctx, 3); err != nil {
		m.logger.Error("startup cancel-all did not fully succeed, continuing with reconciliation", "error", err)
	}

	for _, pos := range m.ledger.All() {
		pos.Orders = nil
		m.adoptExchangeInventory(ctx, pos)
		m.ledger.Persist(pos)
	}
	return nil
}

func (m *Manager) cancelAllWithRetry(ctx context.Context, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.api.CancelAll(ctx); err == nil {
			return nil
		}
		m.logger.Warn("cancel-all attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return err
}

// adoptExchangeInventory force-adopts whatever the exchange reports for a
// position's two tokens as the source of truth, overwriting whatever an
// advisory snapshot guessed. Entry prices are left as last recorded — the
// exchange doesn't report historical cost basis, only current size — and
// the token is marked recovered so later reconciliation doesn't treat the
// jump in tracked size as a suspicious untracked fill.
func (m *Manager) adoptExchangeInventory(ctx context.Context, pos *types.MarketPosition) {
	positions, err := m.api.GetPositions(ctx)
	if err != nil {
		m.logger.Warn("could not fetch exchange positions during recovery", "error", err)
		return
	}

	for _, p := range positions {
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil {
			continue
		}
		switch p.Asset {
		case pos.YesTokenID:
			pos.YesInventory = size
			m.markRecovered(p.Asset)
		case pos.NoTokenID:
			pos.NoInventory = size
			m.markRecovered(p.Asset)
		}
	}
}

func (m *Manager) markRecovered(tokenID string) {
	m.mu.Lock()
	m.recoveredTokens[tokenID] = true
	m.mu.Unlock()
}

// WasRecovered reports whether a token's inventory was force-adopted at
// startup, so callers can skip treating its appearance as a fresh fill.
func (m *Manager) WasRecovered(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveredTokens[tokenID]
}

// AdoptUntrackedPosition force-adopts exchange-reported inventory that has
// no existing ledger entry at all (spec.md §4.12 step 3, the "no tracked
// position at all" branch of §4.10's untracked-shares adoption): typically
// leftover shares from a run whose position snapshot was lost. It builds a
// fresh MarketPosition from recovered opportunity metadata, marks each
// token that holds shares recovered so later reconciliation doesn't mistake the jump in
// inventory for a suspicious fill, and attempts a recovery SELL for
// whichever side holds shares — a resting order at midpoint-minus-one-tick,
// or a FOK market order if the size is below the market's own minimum
// order size (spec.md §4.12 step 2). A dead market (order-book 404) is
// written off: the shares are dropped rather than retried.
func (m *Manager) AdoptUntrackedPosition(ctx context.Context, opp types.MarketOpportunity, yesSize, noSize float64) error {
	if yesSize <= 0 && noSize <= 0 {
		return nil
	}

	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: opp.Midpoint,
		YesInventory: yesSize,
		NoInventory:  noSize,
	}

	if yesSize > 0 {
		m.markRecovered(opp.YesTokenID)
		if written := m.placeRecoverySell(ctx, pos, true, yesSize); written {
			pos.YesInventory = 0
		}
	}
	if noSize > 0 {
		m.markRecovered(opp.NoTokenID)
		if written := m.placeRecoverySell(ctx, pos, false, noSize); written {
			pos.NoInventory = 0
		}
	}

	if ledger.IsEmpty(pos) {
		return nil
	}
	m.ledger.Upsert(pos)
	m.logger.Warn("adopted untracked exchange position", "condition_id", opp.ConditionID, "yes_size", pos.YesInventory, "no_size", pos.NoInventory)
	return nil
}

// placeRecoverySell attempts the spec.md §4.12 recovery SELL for one side
// of a just-discovered position: a resting GTC order at midpoint-minus-
// one-tick, or — if size falls below the market's minimum order size,
// too small to rest — an immediate FOK market order instead. Reports true
// if the market is confirmed dead and the shares should be written off.
func (m *Manager) placeRecoverySell(ctx context.Context, pos *types.MarketPosition, isYes bool, size float64) (writeOff bool) {
	tokenID := pos.NoTokenID
	if isYes {
		tokenID = pos.YesTokenID
	}

	refMid := decimalOne.Sub(dec(pos.LastMidpoint))
	if isYes {
		refMid = dec(pos.LastMidpoint)
	}
	tick := dec(pos.TickSize.Float())
	target := sellTarget(refMid.Sub(tick), tick)

	orderType := "GTC"
	if size < pos.MinSize {
		orderType = "FOK"
	}

	req := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(target),
		Size:        size,
		Side:        types.SELL,
		OrderType:   orderType,
		TickSize:    pos.TickSize,
	}

	resp, err := m.api.PlaceOrder(ctx, req)
	if err != nil {
		var exErr *exchangeclient.Error
		if errors.As(err, &exErr) && exErr.Kind == exchangeclient.DeadMarket {
			m.logger.Warn("recovery sell: market dead, writing off shares", "token_id", tokenID, "size", size)
			return true
		}
		m.logger.Warn("recovery sell failed", "token_id", tokenID, "size", size, "error", err)
		return false
	}

	if orderType == "GTC" {
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
	}
	return false
}

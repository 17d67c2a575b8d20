package ordermanager

import (
	"context"
	"errors"
	"strconv"
	"time"

	"lp-rewards-bot/internal/exchangeclient"
	"lp-rewards-bot/pkg/types"
)

// phantomBalanceFloor is the remote-balance cutoff below which inventory
// is declared genuinely gone rather than a transient sync gap (spec.md
// §4.6: "If the remote balance is > ~0.5 shares... not phantom").
const phantomBalanceFloor = 0.5

// RetryPendingSells re-places a SELL order for any side holding inventory
// but with no resting SELL — the order may have been cancelled out from
// under us, or placement may have failed earlier (spec.md §4.6). After
// MAX_SELL_RETRIES consecutive failures on a token, the remote balance is
// checked immediately: a confirmed nonzero balance resets the counter and
// resyncs local inventory to match; a confirmed zero balance declares the
// token phantom, zeroing its inventory and entry price.
func (m *Manager) RetryPendingSells(ctx context.Context, pos *types.MarketPosition) error {
	if pos.YesInventory > 0 && findOrder(pos.Orders, pos.YesTokenID, types.SELL) < 0 {
		if err := m.retrySide(ctx, pos, true); err != nil {
			return err
		}
	}
	if pos.NoInventory > 0 && findOrder(pos.Orders, pos.NoTokenID, types.SELL) < 0 {
		if err := m.retrySide(ctx, pos, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) retrySide(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	tokenID := pos.NoTokenID
	if isYes {
		tokenID = pos.YesTokenID
	}
	if m.isPhantom(tokenID) {
		return nil
	}

	if err := m.placeUnwindSell(ctx, pos, isYes); err != nil {
		var exErr *exchangeclient.Error
		if errors.As(err, &exErr) && exErr.Kind == exchangeclient.OrderRejected {
			m.logger.Warn("sell retry rejected", "token_id", tokenID, "error", err)
		}
		if m.incrementSellFailure(tokenID) >= m.cfg.MaxSellRetries {
			return m.verifyAgainstRemoteBalance(ctx, pos, isYes, tokenID)
		}
		return nil
	}
	m.resetSellFailure(tokenID)
	return nil
}

// verifyAgainstRemoteBalance runs once a token has exhausted its SELL
// retries: it checks the exchange's own view of the balance and either
// clears the failure count (balance confirmed real, inventory resynced)
// or declares the token phantom (balance confirmed zero).
func (m *Manager) verifyAgainstRemoteBalance(ctx context.Context, pos *types.MarketPosition, isYes bool, tokenID string) error {
	positions, err := m.api.GetPositions(ctx)
	if err != nil {
		// Can't confirm either way; stay conservative and keep retrying
		// next cycle rather than guessing.
		return nil
	}

	var balance float64
	for _, p := range positions {
		if p.Asset != tokenID {
			continue
		}
		if size, perr := strconv.ParseFloat(p.Size, 64); perr == nil {
			balance = size
		}
	}

	if balance > phantomBalanceFloor {
		m.resetSellFailure(tokenID)
		if isYes {
			pos.YesInventory = balance
		} else {
			pos.NoInventory = balance
		}
		m.logger.Info("remote balance confirmed, resyncing inventory", "token_id", tokenID, "balance", balance)
		return nil
	}

	m.markPhantom(tokenID)
	if isYes {
		pos.YesInventory = 0
		pos.YesEntryPrice = 0
	} else {
		pos.NoInventory = 0
		pos.NoEntryPrice = 0
	}
	m.logger.Warn("remote balance confirmed zero, declaring token phantom", "token_id", tokenID)
	return nil
}

// ProcessCooldownReentry re-enters a side once every spec.md §4.7
// condition holds: last_sell_fill set, zero inventory, not blocked, no BUY
// already resting for it, market not blacklisted, global pause not
// active, and the fill cooldown has elapsed since the last SELL. On
// success it places a single BUY at the current midpoint's BUY target and
// clears last_sell_fill; a placement failure leaves last_sell_fill set so
// the next cycle retries.
func (m *Manager) ProcessCooldownReentry(ctx context.Context, pos *types.MarketPosition) error {
	if m.IsBlacklisted(pos.ConditionID) || m.GlobalPauseActive() {
		return nil
	}
	cooldown := m.cfg.FillCooldown()

	if m.reentryEligible(pos.YesBlocked, pos.YesInventory, pos.YesLastSellFill, pos.YesTokenID, pos, cooldown) {
		if err := m.reenterSide(ctx, pos, true); err != nil {
			return err
		}
	}
	if m.reentryEligible(pos.NoBlocked, pos.NoInventory, pos.NoLastSellFill, pos.NoTokenID, pos, cooldown) {
		if err := m.reenterSide(ctx, pos, false); err != nil {
			return err
		}
	}
	return nil
}

// ClearBlockFlags clears both per-side block flags at the start of a
// rescan cycle (spec.md §4.4 step 5: "set that side's blocked flag
// (cleared on next rescan)"). The block only ever suppresses re-entry for
// the remainder of the cycle it tripped in.
func (m *Manager) ClearBlockFlags(pos *types.MarketPosition) {
	pos.YesBlocked = false
	pos.NoBlocked = false
}

func (m *Manager) reentryEligible(blocked bool, inventory float64, lastSellFill time.Time, tokenID string, pos *types.MarketPosition, cooldown time.Duration) bool {
	if blocked || inventory != 0 || lastSellFill.IsZero() {
		return false
	}
	if findOrder(pos.Orders, tokenID, types.BUY) >= 0 {
		return false
	}
	return time.Since(lastSellFill) >= cooldown
}

func (m *Manager) reenterSide(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	tokenID := pos.NoTokenID
	if isYes {
		tokenID = pos.YesTokenID
	}

	mid := pos.LastMidpoint
	if fresh, err := m.api.GetMidpoint(ctx, pos.YesTokenID); err == nil {
		mid = fresh
		pos.LastMidpoint = fresh
	}

	tick := dec(pos.TickSize.Float())
	maxSpread := dec(pos.MaxSpread)
	refMid := decimalOne.Sub(dec(mid))
	if isYes {
		refMid = dec(mid)
	}
	target := m.buyTarget(refMid, maxSpread, tick)

	req := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		Price:       decFloat(target),
		Size:        m.orderSize(decFloat(target), pos.MinSize, time.Now()),
		Side:        types.BUY,
		OrderType:   "GTC",
		TickSize:    pos.TickSize,
	}

	resp, err := m.api.PlaceOrder(ctx, req)
	if err != nil {
		m.logger.Warn("cooldown re-entry BUY failed", "token_id", tokenID, "error", err)
		return nil
	}
	pos.Orders = append(pos.Orders, types.ActiveOrder{
		OrderID:             resp.OrderID,
		TokenID:             tokenID,
		Side:                types.BUY,
		Price:               req.Price,
		Size:                req.Size,
		ConditionID:         pos.ConditionID,
		PlacedAt:            time.Now(),
		MidpointAtPlacement: mid,
	})
	if isYes {
		pos.YesLastSellFill = time.Time{}
	} else {
		pos.NoLastSellFill = time.Time{}
	}
	m.logger.Info("cooldown elapsed, re-entered side", "condition_id", pos.ConditionID, "yes", isYes)
	return nil
}

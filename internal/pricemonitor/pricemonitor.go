// Package pricemonitor classifies every midpoint change the bot observes
// — from REST polling or from the market websocket channel — into one of
// four actions and dispatches into the Order Manager: leave it alone,
// nudge a resting SELL tighter, re-center a drifted position, or force an
// exit. It never mutates a position's orders or inventory directly;
// internal/ordermanager owns every write.
package pricemonitor

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

// ExchangeAPI is the subset of *exchangeclient.Client the monitor calls.
type ExchangeAPI interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetPriceHistory(ctx context.Context, tokenID string, startTs int64, interval string) ([]types.PricePoint, error)
}

// OrderManager is the subset of *ordermanager.Manager the monitor
// dispatches into. Defined here, rather than depending on the concrete
// type, so tests can fake it without wiring a real Manager.
type OrderManager interface {
	CheckStopLoss(pos *types.MarketPosition, midpoint float64) (yesExit, noExit bool)
	CheckVolatility(history []types.PricePoint, maxSpread float64) bool
	AdjustDriftedPosition(ctx context.Context, pos *types.MarketPosition, midpoint float64) error
	RepriceSellIfStale(ctx context.Context, pos *types.MarketPosition, tokenID string, bestAsk float64) error
	RepriceSellsAtMidpoint(ctx context.Context, pos *types.MarketPosition, midpoint float64) error
	ForceExitSide(ctx context.Context, pos *types.MarketPosition, isYes bool) error
	ForceExitMarket(ctx context.Context, pos *types.MarketPosition) error
	ExitStaleMarket(ctx context.Context, pos *types.MarketPosition) error
	RecordMidpoint(pos *types.MarketPosition, midpoint float64)
}

// Monitor owns midpoint classification: drift, stop-loss, extreme-price
// exit and sub-drift SELL repricing (spec.md §4.5/§4.8/§4.9).
type Monitor struct {
	api    ExchangeAPI
	om     OrderManager
	ledger *ledger.Ledger
	cfg    config.ThresholdsConfig
	logger *slog.Logger

	mu           sync.Mutex
	lastBestAsks map[string]float64 // tokenID -> best ask, WS path only
}

// New constructs a Monitor. api, om and l must be non-nil.
func New(api ExchangeAPI, om OrderManager, l *ledger.Ledger, cfg config.ThresholdsConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		api:          api,
		om:           om,
		ledger:       l,
		cfg:          cfg,
		logger:       logger,
		lastBestAsks: make(map[string]float64),
	}
}

// currentMidpoint fetches a token's midpoint, returning ok=false on any
// transport error or an exchange-reported value outside (0,1) — callers
// skip the position entirely for this tick rather than act on garbage.
func (p *Monitor) currentMidpoint(ctx context.Context, tokenID string) (float64, bool) {
	mid, err := p.api.GetMidpoint(ctx, tokenID)
	if err != nil {
		p.logger.Warn("midpoint fetch failed", "token_id", tokenID, "error", err)
		return 0, false
	}
	if mid <= 0 || mid >= 1 {
		p.logger.Warn("midpoint out of range", "token_id", tokenID, "midpoint", mid)
		return 0, false
	}
	return mid, true
}

// CheckAllPositions is the REST-fallback path (spec.md §4.5): run when the
// websocket isn't delivering price ticks. It polls every tracked
// position's YES-token midpoint and classifies+dispatches in one pass.
func (p *Monitor) CheckAllPositions(ctx context.Context) error {
	for _, pos := range p.ledger.All() {
		mid, ok := p.currentMidpoint(ctx, pos.YesTokenID)
		if !ok {
			continue
		}
		if err := p.classify(ctx, pos, mid, 0); err != nil {
			p.logger.Warn("classify position failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

// HandlePriceEvents is the websocket-driven path (spec.md §4.5): coalesce
// the latest price_change event per asset id, then classify+dispatch only
// the positions that actually moved this batch.
func (p *Monitor) HandlePriceEvents(ctx context.Context, events []types.PriceChangeEvent) error {
	latest := make(map[string]types.PriceChangeEvent, len(events))
	for _, e := range events {
		latest[e.AssetID] = e
	}

	for assetID, event := range latest {
		pos := p.findByToken(assetID)
		if pos == nil {
			continue
		}
		isYes := assetID == pos.YesTokenID

		mid := event.Midpoint()
		if mid <= 0 || mid >= 1 {
			continue
		}
		yesMid := mid
		if !isYes {
			yesMid = 1 - mid
		}

		if event.BestAsk > 0 {
			p.mu.Lock()
			p.lastBestAsks[assetID] = event.BestAsk
			p.mu.Unlock()
		}

		if err := p.classify(ctx, pos, yesMid, p.bestAsk(assetID)); err != nil {
			p.logger.Warn("classify position from ws event failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

func (p *Monitor) bestAsk(tokenID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBestAsks[tokenID]
}

func (p *Monitor) findByToken(tokenID string) *types.MarketPosition {
	for _, pos := range p.ledger.All() {
		if pos.YesTokenID == tokenID || pos.NoTokenID == tokenID {
			return pos
		}
	}
	return nil
}

// classify implements the original's priority order exactly: extreme
// midpoint first (exits unconditionally, regardless of P&L), then
// per-side stop-loss, then drift past threshold, then — for a move too
// small to count as drift but on a side still carrying inventory — an
// aggressive SELL-only reprice. bestAsk is 0 on the REST-fallback path,
// where there is no live best-ask to undercut with.
func (p *Monitor) classify(ctx context.Context, pos *types.MarketPosition, midpoint, bestAsk float64) error {
	if midpoint < p.cfg.MinMidpoint || midpoint > p.cfg.MaxMidpoint {
		p.logger.Warn("midpoint at extreme, exiting market", "condition_id", pos.ConditionID, "midpoint", midpoint)
		return p.om.ForceExitMarket(ctx, pos)
	}

	if yesExit, noExit := p.om.CheckStopLoss(pos, midpoint); yesExit || noExit {
		if yesExit {
			if err := p.om.ForceExitSide(ctx, pos, true); err != nil {
				p.logger.Warn("force exit yes side failed", "condition_id", pos.ConditionID, "error", err)
			}
		}
		if noExit {
			if err := p.om.ForceExitSide(ctx, pos, false); err != nil {
				p.logger.Warn("force exit no side failed", "condition_id", pos.ConditionID, "error", err)
			}
		}
		p.om.RecordMidpoint(pos, midpoint)
		return nil
	}

	driftThreshold := math.Max(pos.MaxSpread*p.cfg.DriftThresholdFrac, p.cfg.MinDriftThreshold)
	drift := math.Abs(midpoint - pos.LastMidpoint)
	hasInventory := pos.YesInventory > 0 || pos.NoInventory > 0

	if drift > driftThreshold {
		if !hasAnyBuy(pos) && len(pos.Orders) > 0 {
			// SELL-only position, typically mid-cooldown: nothing to
			// re-center on the BUY side, but the old SELL price is now
			// stale enough to chase.
			return p.om.RepriceSellsAtMidpoint(ctx, pos, midpoint)
		}
		return p.om.AdjustDriftedPosition(ctx, pos, midpoint)
	}

	if !hasInventory {
		p.om.RecordMidpoint(pos, midpoint)
		return nil
	}

	// Sub-drift move, but a side still holds inventory — aggressively
	// reprice its SELL rather than wait for the next drift crossing.
	p.om.RecordMidpoint(pos, midpoint)
	if pos.YesInventory > 0 {
		if err := p.om.RepriceSellIfStale(ctx, pos, pos.YesTokenID, bestAsk); err != nil {
			p.logger.Warn("reprice yes sell failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	if pos.NoInventory > 0 {
		if err := p.om.RepriceSellIfStale(ctx, pos, pos.NoTokenID, bestAsk); err != nil {
			p.logger.Warn("reprice no sell failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

func hasAnyBuy(pos *types.MarketPosition) bool {
	for _, o := range pos.Orders {
		if o.Side == types.BUY {
			return true
		}
	}
	return false
}

// CheckActiveVolatility runs once per rescan cycle across every active
// position (not just ones a tick just touched): fetch 24h price history
// for the YES token, and if the range relative to the market's own reward
// window exceeds MAX_VOLATILITY_RATIO, pull every BUY immediately and
// drop the market outright if no inventory remains to unwind.
func (p *Monitor) CheckActiveVolatility(ctx context.Context) error {
	if p.cfg.MaxVolatilityRatio <= 0 {
		return nil
	}
	for _, pos := range p.ledger.All() {
		history, err := p.api.GetPriceHistory(ctx, pos.YesTokenID, 0, "1d")
		if err != nil {
			continue
		}
		if !p.om.CheckVolatility(history, pos.MaxSpread) {
			continue
		}
		p.logger.Warn("volatility exit", "condition_id", pos.ConditionID)
		if err := p.om.ExitStaleMarket(ctx, pos); err != nil {
			p.logger.Warn("volatility exit failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

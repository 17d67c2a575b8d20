package pricemonitor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	midpoints map[string]float64
	history   []types.PricePoint
}

func (f *fakeAPI) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	return f.midpoints[tokenID], nil
}

func (f *fakeAPI) GetPriceHistory(ctx context.Context, tokenID string, startTs int64, interval string) ([]types.PricePoint, error) {
	return f.history, nil
}

// fakeOM records every call dispatched into it; tests assert on these
// counters rather than the concrete ordermanager.Manager, so this package
// stays decoupled from its sibling's internals.
type fakeOM struct {
	stopLossYes, stopLossNo       bool
	volatile                      bool
	adjustedDrift                 int
	repricedSells                 int
	repricedSellsAtMid            int
	forcedExitSideYes, forcedExitSideNo int
	forcedExitMarket              int
	exitedStale                   int
	recordedMidpoints             []float64
}

func (f *fakeOM) CheckStopLoss(pos *types.MarketPosition, midpoint float64) (bool, bool) {
	return f.stopLossYes, f.stopLossNo
}

func (f *fakeOM) CheckVolatility(history []types.PricePoint, maxSpread float64) bool {
	return f.volatile
}

func (f *fakeOM) AdjustDriftedPosition(ctx context.Context, pos *types.MarketPosition, midpoint float64) error {
	f.adjustedDrift++
	pos.LastMidpoint = midpoint
	return nil
}

func (f *fakeOM) RepriceSellIfStale(ctx context.Context, pos *types.MarketPosition, tokenID string, bestAsk float64) error {
	f.repricedSells++
	return nil
}

func (f *fakeOM) RepriceSellsAtMidpoint(ctx context.Context, pos *types.MarketPosition, midpoint float64) error {
	f.repricedSellsAtMid++
	pos.LastMidpoint = midpoint
	return nil
}

func (f *fakeOM) ForceExitSide(ctx context.Context, pos *types.MarketPosition, isYes bool) error {
	if isYes {
		f.forcedExitSideYes++
	} else {
		f.forcedExitSideNo++
	}
	return nil
}

func (f *fakeOM) ForceExitMarket(ctx context.Context, pos *types.MarketPosition) error {
	f.forcedExitMarket++
	return nil
}

func (f *fakeOM) ExitStaleMarket(ctx context.Context, pos *types.MarketPosition) error {
	f.exitedStale++
	return nil
}

func (f *fakeOM) RecordMidpoint(pos *types.MarketPosition, midpoint float64) {
	f.recordedMidpoints = append(f.recordedMidpoints, midpoint)
	pos.LastMidpoint = midpoint
}

func testPosition() *types.MarketPosition {
	return &types.MarketPosition{
		ConditionID:  "cond-1",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		MaxSpread:    0.10,
		MinSize:      5,
		TickSize:     "0.01",
		LastMidpoint: 0.50,
	}
}

func newMonitor(t *testing.T, api *fakeAPI, om *fakeOM, l *ledger.Ledger) *Monitor {
	t.Helper()
	return New(api, om, l, config.Defaults(), discardLogger())
}

func TestCheckAllPositionsExtremeMidpointForcesExit(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	l.Upsert(pos)

	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.02}}
	om := &fakeOM{}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if om.forcedExitMarket != 1 {
		t.Errorf("forcedExitMarket = %d, want 1", om.forcedExitMarket)
	}
	if om.adjustedDrift != 0 || om.repricedSells != 0 {
		t.Errorf("extreme midpoint should short-circuit before drift/reprice checks")
	}
}

func TestCheckAllPositionsStopLossForcesSideExit(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.YesInventory = 10
	pos.YesEntryPrice = 0.70
	l.Upsert(pos)

	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.50}}
	om := &fakeOM{stopLossYes: true}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if om.forcedExitSideYes != 1 {
		t.Errorf("forcedExitSideYes = %d, want 1", om.forcedExitSideYes)
	}
	if om.forcedExitSideNo != 0 {
		t.Errorf("forcedExitSideNo = %d, want 0 (only YES tripped)", om.forcedExitSideNo)
	}
	if len(om.recordedMidpoints) != 1 || om.recordedMidpoints[0] != 0.50 {
		t.Errorf("expected midpoint recorded after stop-loss exit, got %v", om.recordedMidpoints)
	}
}

func TestCheckAllPositionsDriftWithRestingBuyReplacesOrders(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.Orders = []types.ActiveOrder{{OrderID: "o1", TokenID: "tok-yes", Side: types.BUY}}
	l.Upsert(pos)

	// max_spread 0.10, drift threshold = max(0.10*0.15, 0.005) = 0.015
	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.55}}
	om := &fakeOM{}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if om.adjustedDrift != 1 {
		t.Errorf("adjustedDrift = %d, want 1", om.adjustedDrift)
	}
	if om.repricedSellsAtMid != 0 {
		t.Errorf("a position with a resting BUY should go through AdjustDriftedPosition, not the sell-only path")
	}
}

func TestCheckAllPositionsDriftSellOnlyRepricesSellsInstead(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.YesInventory = 8
	pos.Orders = []types.ActiveOrder{{OrderID: "s1", TokenID: "tok-yes", Side: types.SELL}}
	l.Upsert(pos)

	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.55}}
	om := &fakeOM{}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if om.repricedSellsAtMid != 1 {
		t.Errorf("repricedSellsAtMid = %d, want 1", om.repricedSellsAtMid)
	}
	if om.adjustedDrift != 0 {
		t.Errorf("a SELL-only position should never hit AdjustDriftedPosition")
	}
}

func TestCheckAllPositionsSubDriftWithInventoryRepricesSell(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.YesInventory = 4
	l.Upsert(pos)

	// drift = |0.505 - 0.50| = 0.005, below the 0.015 threshold.
	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.505}}
	om := &fakeOM{}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if om.repricedSells != 1 {
		t.Errorf("repricedSells = %d, want 1 (YES side only)", om.repricedSells)
	}
	if om.adjustedDrift != 0 || om.repricedSellsAtMid != 0 {
		t.Errorf("sub-drift move should only trigger the per-side SELL reprice")
	}
}

func TestCheckAllPositionsNoInventoryNoDriftJustRecordsMidpoint(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	l.Upsert(pos)

	api := &fakeAPI{midpoints: map[string]float64{"tok-yes": 0.502}}
	om := &fakeOM{}
	m := newMonitor(t, api, om, l)

	if err := m.CheckAllPositions(context.Background()); err != nil {
		t.Fatalf("CheckAllPositions: %v", err)
	}
	if len(om.recordedMidpoints) != 1 {
		t.Errorf("expected exactly one RecordMidpoint call, got %v", om.recordedMidpoints)
	}
	if om.adjustedDrift != 0 || om.repricedSells != 0 || om.repricedSellsAtMid != 0 {
		t.Errorf("flat position with no inventory should take no pricing action")
	}
}

func TestHandlePriceEventsCoalescesLatestPerAsset(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.YesInventory = 4
	l.Upsert(pos)

	om := &fakeOM{}
	m := newMonitor(t, &fakeAPI{}, om, l)

	events := []types.PriceChangeEvent{
		{AssetID: "tok-yes", BestBid: 0.50, BestAsk: 0.52},
		{AssetID: "tok-yes", BestBid: 0.502, BestAsk: 0.522}, // latest wins, mid 0.512
	}
	if err := m.HandlePriceEvents(context.Background(), events); err != nil {
		t.Fatalf("HandlePriceEvents: %v", err)
	}
	if len(om.recordedMidpoints) != 1 {
		t.Fatalf("expected one classification per coalesced asset, got %d", len(om.recordedMidpoints))
	}
	if got := om.recordedMidpoints[0]; got < 0.511 || got > 0.513 {
		t.Errorf("expected the latest event's midpoint (~0.512), got %v", got)
	}
}

func TestHandlePriceEventsRejectsExtremeWireMidpoint(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	l.Upsert(pos)

	om := &fakeOM{}
	m := newMonitor(t, &fakeAPI{}, om, l)

	events := []types.PriceChangeEvent{{AssetID: "tok-yes", BestBid: 0, BestAsk: 0}}
	if err := m.HandlePriceEvents(context.Background(), events); err != nil {
		t.Fatalf("HandlePriceEvents: %v", err)
	}
	if om.forcedExitMarket != 0 || len(om.recordedMidpoints) != 0 {
		t.Errorf("a wire midpoint of exactly 0 should be dropped before classification, not treated as extreme-but-valid")
	}
}

func TestCheckActiveVolatilityExitsOnlyWhenRatioTrips(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	pos.YesInventory = 6
	l.Upsert(pos)

	api := &fakeAPI{history: []types.PricePoint{{P: 0.40}, {P: 0.80}}}
	om := &fakeOM{volatile: true}
	m := newMonitor(t, api, om, l)

	if err := m.CheckActiveVolatility(context.Background()); err != nil {
		t.Fatalf("CheckActiveVolatility: %v", err)
	}
	if om.exitedStale != 1 {
		t.Errorf("exitedStale = %d, want 1", om.exitedStale)
	}
}

func TestCheckActiveVolatilitySkipsCalmMarkets(t *testing.T) {
	t.Parallel()
	l := ledger.New(nil, discardLogger())
	pos := testPosition()
	l.Upsert(pos)

	api := &fakeAPI{history: []types.PricePoint{{P: 0.49}, {P: 0.51}}}
	om := &fakeOM{volatile: false}
	m := newMonitor(t, api, om, l)

	if err := m.CheckActiveVolatility(context.Background()); err != nil {
		t.Fatalf("CheckActiveVolatility: %v", err)
	}
	if om.exitedStale != 0 {
		t.Errorf("exitedStale = %d, want 0 for a calm market", om.exitedStale)
	}
}

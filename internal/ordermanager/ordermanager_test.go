package ordermanager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(api ExchangeAPI) *Manager {
	return New(api, ledger.New(nil, testLogger()), config.Defaults(), testLogger())
}

func testOpportunity() types.MarketOpportunity {
	return types.MarketOpportunity{
		ConditionID: "mkt-1",
		YesTokenID:  "yes-1",
		NoTokenID:   "no-1",
		Midpoint:    0.50,
		MaxSpread:   0.04,
		MinSize:     5,
		TickSize:    types.Tick01,
	}
}

// Scenario 1 — Entry: opening a fresh market places two BUY orders inside
// the reward window and tracks them in the ledger.
func TestScenarioEntry(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{}
	m := newTestManager(fx)

	if err := m.PlaceInitialOrders(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("PlaceInitialOrders: %v", err)
	}

	pos, ok := m.ledger.Get("mkt-1")
	if !ok {
		t.Fatal("expected position to be tracked after entry")
	}
	if len(pos.Orders) != 2 {
		t.Fatalf("expected 2 resting orders, got %d", len(pos.Orders))
	}
	for _, o := range pos.Orders {
		if o.Side != types.BUY {
			t.Errorf("expected BUY order, got %s", o.Side)
		}
	}
}

// Scenario 2 — BUY fill trips the global circuit breaker and places an
// unwind SELL for the newly acquired inventory.
func TestScenarioBuyFillTripsCircuitBreakerAndPlacesSell(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{midpoint: 0.50}
	m := newTestManager(fx)

	opp := testOpportunity()
	if err := m.PlaceInitialOrders(context.Background(), opp); err != nil {
		t.Fatalf("PlaceInitialOrders: %v", err)
	}

	fill := types.Fill{ConditionID: opp.ConditionID, TokenID: opp.YesTokenID, Side: types.BUY, Size: 5, Price: 0.48}
	if err := m.HandleFill(context.Background(), fill); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	if !m.GlobalPauseActive() {
		t.Error("expected global circuit breaker to be active after a fill")
	}

	pos, ok := m.ledger.Get(opp.ConditionID)
	if !ok {
		t.Fatal("expected position still tracked")
	}
	if pos.YesInventory != 5 {
		t.Errorf("YesInventory = %v, want 5", pos.YesInventory)
	}
	if idx := findOrder(pos.Orders, opp.YesTokenID, types.SELL); idx < 0 {
		t.Error("expected an unwind SELL order to have been placed")
	}
	if idx := findOrder(pos.Orders, opp.NoTokenID, types.BUY); idx >= 0 {
		t.Error("expected the other side's resting BUY to be cancelled on fill")
	}
}

// Scenario 2b — a fill in one market cancels every resting BUY order in
// every other tracked market, the global half of the circuit breaker.
func TestScenarioBuyFillCancelsBuysAcrossMarkets(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{midpoint: 0.50}
	m := newTestManager(fx)

	oppA := testOpportunity()
	if err := m.PlaceInitialOrders(context.Background(), oppA); err != nil {
		t.Fatalf("PlaceInitialOrders A: %v", err)
	}

	oppB := types.MarketOpportunity{
		ConditionID: "mkt-2",
		YesTokenID:  "yes-2",
		NoTokenID:   "no-2",
		Midpoint:    0.50,
		MaxSpread:   0.04,
		MinSize:     5,
		TickSize:    types.Tick01,
	}
	if err := m.PlaceInitialOrders(context.Background(), oppB); err != nil {
		t.Fatalf("PlaceInitialOrders B: %v", err)
	}

	fill := types.Fill{ConditionID: oppA.ConditionID, TokenID: oppA.YesTokenID, Side: types.BUY, Size: 5, Price: 0.48}
	if err := m.HandleFill(context.Background(), fill); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	posB, ok := m.ledger.Get(oppB.ConditionID)
	if !ok {
		t.Fatal("expected market B still tracked")
	}
	if len(posB.Orders) != 0 {
		t.Errorf("expected every BUY on market B to be cancelled, found %d resting orders", len(posB.Orders))
	}
}

// An untracked fill (order id not among our resting orders, but the asset
// id matches a tracked position's token) still moves inventory and drops
// any stale SELL it finds, without running the full BUY-fill procedure.
func TestUntrackedFillReducesInventoryAndDropsStaleSell(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 10,
		Orders: []types.ActiveOrder{
			{OrderID: "stale-sell", TokenID: opp.YesTokenID, Side: types.SELL, Price: 0.50, Size: 10, ConditionID: opp.ConditionID},
		},
	}
	m.ledger.Upsert(pos)

	fill := types.Fill{ConditionID: opp.ConditionID, OrderID: "unknown-order", TokenID: opp.YesTokenID, Side: types.SELL, Size: 3, Price: 0.50}
	if err := m.HandleFill(context.Background(), fill); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	got, ok := m.ledger.Get(opp.ConditionID)
	if !ok {
		t.Fatal("expected position to survive an untracked fill")
	}
	if got.YesInventory != 7 {
		t.Errorf("YesInventory = %v, want 7", got.YesInventory)
	}
	if idx := findOrder(got.Orders, opp.YesTokenID, types.SELL); idx >= 0 {
		t.Error("expected the stale SELL to be dropped on an untracked fill")
	}
	for _, id := range fx.cancelledIDs {
		if id != "stale-sell" {
			t.Errorf("unexpected cancelled order id %q", id)
		}
	}
	if len(fx.cancelledIDs) != 1 {
		t.Errorf("expected exactly one cancel call, got %d", len(fx.cancelledIDs))
	}
}

// Scenario 3 — Partial SELL: a SELL fill smaller than resting size reduces
// inventory and order size without destroying the position.
func TestScenarioPartialSellFill(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 10,
		Orders: []types.ActiveOrder{
			{OrderID: "sell-1", TokenID: opp.YesTokenID, Side: types.SELL, Price: 0.50, Size: 10, ConditionID: opp.ConditionID},
		},
	}
	m.ledger.Upsert(pos)

	fill := types.Fill{ConditionID: opp.ConditionID, TokenID: opp.YesTokenID, Side: types.SELL, Size: 4, Price: 0.50}
	if err := m.HandleFill(context.Background(), fill); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	got, ok := m.ledger.Get(opp.ConditionID)
	if !ok {
		t.Fatal("expected position to survive a partial fill")
	}
	if got.YesInventory != 6 {
		t.Errorf("YesInventory = %v, want 6", got.YesInventory)
	}
	idx := findOrder(got.Orders, opp.YesTokenID, types.SELL)
	if idx < 0 {
		t.Fatal("expected resting SELL order to survive partial fill")
	}
	if got.Orders[idx].Size != 6 {
		t.Errorf("resting SELL size = %v, want 6", got.Orders[idx].Size)
	}
}

// Scenario 4 — Phantom: a SELL that keeps failing past MAX_SELL_RETRIES
// marks the token phantom and stops hammering the exchange.
func TestScenarioPhantomAfterExhaustedRetries(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{placeRejectAll: true, midpoint: 0.50}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 5,
	}
	m.ledger.Upsert(pos)

	for i := 0; i < m.cfg.MaxSellRetries; i++ {
		if err := m.RetryPendingSells(context.Background(), pos); err != nil {
			t.Fatalf("RetryPendingSells: %v", err)
		}
	}

	if !m.isPhantom(opp.YesTokenID) {
		t.Error("expected token to be marked phantom after exhausting retries")
	}

	placedBefore := len(fx.placedOrders)
	if err := m.RetryPendingSells(context.Background(), pos); err != nil {
		t.Fatalf("RetryPendingSells: %v", err)
	}
	if len(fx.placedOrders) != placedBefore {
		t.Error("expected no further placement attempts once phantom")
	}
}

// Scenario 5 — Stop-loss: a side whose unrealized loss crosses the
// stop-loss threshold is flagged for a forced exit.
func TestScenarioStopLossTriggersExit(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeExchange{})

	pos := &types.MarketPosition{
		MaxSpread:     0.04,
		YesInventory:  10,
		YesEntryPrice: 0.60,
	}
	// stop loss threshold = max(0.04*0.6, 0.01) = 0.024
	yesExit, noExit := m.CheckStopLoss(pos, 0.57)
	if !yesExit {
		t.Error("expected stop loss to trigger on yes side")
	}
	if noExit {
		t.Error("no side has no inventory, should not trigger")
	}
}

// Scenario 6 — Cooldown re-entry: a side with no inventory and an elapsed
// cooldown since its last SELL fill gets a fresh BUY placed and its
// last-sell-fill timestamp cleared.
func TestScenarioCooldownReentry(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{midpoint: 0.50}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:     opp.ConditionID,
		YesTokenID:      opp.YesTokenID,
		NoTokenID:       opp.NoTokenID,
		MaxSpread:       opp.MaxSpread,
		MinSize:         opp.MinSize,
		TickSize:        opp.TickSize,
		LastMidpoint:    0.50,
		YesInventory:    0,
		YesLastSellFill: time.Now().Add(-time.Hour),
	}
	m.ledger.Upsert(pos)

	if err := m.ProcessCooldownReentry(context.Background(), pos); err != nil {
		t.Fatalf("ProcessCooldownReentry: %v", err)
	}
	if !pos.YesLastSellFill.IsZero() {
		t.Error("expected last_sell_fill to be cleared after successful re-entry")
	}
	if idx := findOrder(pos.Orders, opp.YesTokenID, types.BUY); idx < 0 {
		t.Error("expected a re-entry BUY order to have been placed")
	}

	// Still holding inventory on the other side — must not re-enter.
	pos2 := &types.MarketPosition{
		ConditionID:    "mkt-2",
		NoTokenID:      opp.NoTokenID,
		NoInventory:    3,
		NoLastSellFill: time.Now().Add(-time.Hour),
	}
	if err := m.ProcessCooldownReentry(context.Background(), pos2); err != nil {
		t.Fatalf("ProcessCooldownReentry: %v", err)
	}
	if idx := findOrder(pos2.Orders, pos2.NoTokenID, types.BUY); idx >= 0 {
		t.Error("expected no re-entry while inventory remains")
	}
}

// An untracked BUY-side fill must still reduce inventory, not add to it —
// the matched amount always came out of the exchange's reported balance
// regardless of which side it landed on.
func TestUntrackedFillReducesInventoryOnBuySide(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 10,
	}
	m.ledger.Upsert(pos)

	fill := types.Fill{ConditionID: opp.ConditionID, OrderID: "unknown-order", TokenID: opp.YesTokenID, Side: types.BUY, Size: 3, Price: 0.50}
	if err := m.HandleFill(context.Background(), fill); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	got, ok := m.ledger.Get(opp.ConditionID)
	if !ok {
		t.Fatal("expected position to survive an untracked fill")
	}
	if got.YesInventory != 7 {
		t.Errorf("YesInventory = %v, want 7 (untracked fills always reduce, never add)", got.YesInventory)
	}
}

// ReconcileInventory zeroes a tracked side's inventory once the exchange
// confirms the remote balance is actually zero.
func TestReconcileInventoryZeroesConfirmedEmptySide(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{positions: nil}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:   opp.ConditionID,
		YesTokenID:    opp.YesTokenID,
		NoTokenID:     opp.NoTokenID,
		YesInventory:  5,
		YesEntryPrice: 0.45,
	}
	m.ledger.Upsert(pos)

	if err := m.ReconcileInventory(context.Background()); err != nil {
		t.Fatalf("ReconcileInventory: %v", err)
	}

	got, _ := m.ledger.Get(opp.ConditionID)
	if got.YesInventory != 0 {
		t.Errorf("YesInventory = %v, want 0 after confirmed-empty reconciliation", got.YesInventory)
	}
	if got.YesEntryPrice != 0 {
		t.Errorf("YesEntryPrice = %v, want 0 after confirmed-empty reconciliation", got.YesEntryPrice)
	}
}

// ReconcileInventory discovers remote shares on a side the ledger had no
// inventory for at all and places an unwind SELL for them immediately,
// rather than waiting for the hourly force-sell sweep.
func TestReconcileInventoryAdoptsUntrackedRemoteSharesAndPlacesSell(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{
		midpoint:  0.50,
		positions: []types.PositionEntry{{Asset: "yes-1", Size: "8"}},
	}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 0,
	}
	m.ledger.Upsert(pos)

	if err := m.ReconcileInventory(context.Background()); err != nil {
		t.Fatalf("ReconcileInventory: %v", err)
	}

	got, _ := m.ledger.Get(opp.ConditionID)
	if got.YesInventory != 8 {
		t.Errorf("YesInventory = %v, want 8 after adopting untracked remote shares", got.YesInventory)
	}
	if idx := findOrder(got.Orders, opp.YesTokenID, types.SELL); idx < 0 {
		t.Error("expected an unwind SELL to be placed for newly discovered remote shares")
	}
}

// ReconcileInventory resyncs, but does not re-place a SELL, when a side
// already has one resting and the remote balance has merely drifted.
func TestReconcileInventoryResyncsWithoutDuplicatingExistingSell(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{
		midpoint:  0.50,
		positions: []types.PositionEntry{{Asset: "yes-1", Size: "9"}},
	}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesInventory: 7,
		Orders: []types.ActiveOrder{
			{OrderID: "sell-1", TokenID: opp.YesTokenID, Side: types.SELL, Price: 0.50, Size: 7, ConditionID: opp.ConditionID},
		},
	}
	m.ledger.Upsert(pos)

	if err := m.ReconcileInventory(context.Background()); err != nil {
		t.Fatalf("ReconcileInventory: %v", err)
	}

	got, _ := m.ledger.Get(opp.ConditionID)
	if got.YesInventory != 9 {
		t.Errorf("YesInventory = %v, want 9 after resync", got.YesInventory)
	}
	if len(fx.placedOrders) != 0 {
		t.Errorf("expected no new SELL placed when one was already resting, got %d placements", len(fx.placedOrders))
	}
}

// AdjustDriftedPosition, once a BUY has rested past the replace grace
// period, checks the exchange's live open-order set before cancelling it
// — a BUY that vanished because it filled is credited through the normal
// fill pipeline instead of being cancelled out from under a real fill.
func TestAdjustDriftedPositionCreditsVanishedFilledBuy(t *testing.T) {
	t.Parallel()
	fx := &fakeExchange{midpoint: 0.60, openOrders: map[string][]types.OpenOrder{}}
	m := newTestManager(fx)

	opp := testOpportunity()
	pos := &types.MarketPosition{
		ConditionID:  opp.ConditionID,
		YesTokenID:   opp.YesTokenID,
		NoTokenID:    opp.NoTokenID,
		MaxSpread:    opp.MaxSpread,
		MinSize:      opp.MinSize,
		TickSize:     opp.TickSize,
		LastMidpoint: 0.50,
		YesBlocked:   false,
		NoBlocked:    true, // isolate the yes-side path for this test
		Orders: []types.ActiveOrder{
			{OrderID: "buy-stale", TokenID: opp.YesTokenID, Side: types.BUY, Price: 0.46, Size: 5, ConditionID: opp.ConditionID, PlacedAt: time.Now().Add(-time.Hour)},
		},
	}
	m.ledger.Upsert(pos)
	fx.orderStatus = map[string]string{"buy-stale": "MATCHED"}

	if err := m.AdjustDriftedPosition(context.Background(), pos, 0.60); err != nil {
		t.Fatalf("AdjustDriftedPosition: %v", err)
	}

	got, _ := m.ledger.Get(opp.ConditionID)
	if idx := findOrder(got.Orders, opp.YesTokenID, types.BUY); idx >= 0 {
		t.Error("expected the vanished buy to be resolved, not replaced")
	}
	if got.YesInventory != 5 {
		t.Errorf("YesInventory = %v, want 5 credited from the vanished filled buy", got.YesInventory)
	}
	if idx := findOrder(got.Orders, opp.YesTokenID, types.SELL); idx < 0 {
		t.Error("expected the credited fill to trigger the normal unwind sell placement")
	}
}

package scanner

import (
	"context"
	"testing"
	"time"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/pkg/types"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		DetailCandidates:    10,
		MaxMarketsPerEvent:  3,
		MinMaxSpread:        0.01,
		MinRewardRate:       0.5,
		MinDailyVolume:      1000,
		MinBookDepthUSDC:    100,
		MaxBookDepthUSDC:    5000,
		MaxSpreadRatio:      1.5,
		MinHoursToExpiry:    24,
		MinVolatilityPoints: 10,
		NegRiskScoreBoost:   1.3,
		ExcludeSlugs:        []string{"excluded-slug"},
	}
}

func testThresholds() config.ThresholdsConfig {
	t := config.Defaults()
	t.MinMidpoint = 0.05
	t.MaxMidpoint = 0.95
	t.MaxEntryCost = 100.0
	t.MaxVolatilityRatio = 0 // off by default so tests don't need history
	return t
}

func baseMarket() GammaMarket {
	endDate := time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339)
	return GammaMarket{
		ID:               "m1",
		ConditionID:      "cond1",
		Slug:             "test-market",
		Active:           true,
		AcceptingOrders:  true,
		EnableOrderBook:  true,
		EndDate:          endDate,
		Volume24hr:       5000,
		OutcomePrices:    `["0.50","0.50"]`,
		ClobTokenIds:     `["yes-token","no-token"]`,
		RewardsMinSize:   50,
		RewardsMaxSpread: 3.0, // cents -> 0.03
		RewardsDailyRate: 10,
	}
}

func newTestScanner() *Scanner {
	return &Scanner{
		cfg:        testScannerConfig(),
		thresholds: testThresholds(),
	}
}

func TestPreFilterPassesValid(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	c, ok := s.preFilter(baseMarket())
	if !ok {
		t.Fatal("expected market to pass pre-filter")
	}
	if c.yesTokenID != "yes-token" || c.noTokenID != "no-token" {
		t.Errorf("unexpected token ids: %+v", c)
	}
	if c.maxSpread != 0.03 {
		t.Errorf("expected max spread 0.03 (cents converted), got %v", c.maxSpread)
	}
}

func TestPreFilterRejectsInactive(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.Active = false
	if _, ok := s.preFilter(m); ok {
		t.Error("expected inactive market to be rejected")
	}
}

func TestPreFilterRejectsClosed(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.Closed = true
	if _, ok := s.preFilter(m); ok {
		t.Error("expected closed market to be rejected")
	}
}

func TestPreFilterRejectsNotAcceptingOrders(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.AcceptingOrders = false
	if _, ok := s.preFilter(m); ok {
		t.Error("expected market not accepting orders to be rejected")
	}
}

func TestPreFilterRejectsLowRewardRate(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.RewardsDailyRate = 0.1 // below 0.5 threshold
	if _, ok := s.preFilter(m); ok {
		t.Error("expected low reward rate to be rejected")
	}
}

func TestPreFilterRejectsLowVolume(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.Volume24hr = 100 // below 1000 threshold
	if _, ok := s.preFilter(m); ok {
		t.Error("expected low volume to be rejected")
	}
}

func TestPreFilterRejectsTightMaxSpread(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.RewardsMaxSpread = 0.5 // 0.005 after conversion, below 0.01 threshold
	if _, ok := s.preFilter(m); ok {
		t.Error("expected too-tight max spread to be rejected")
	}
}

func TestPreFilterRejectsExcludedSlug(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.Slug = "excluded-slug"
	if _, ok := s.preFilter(m); ok {
		t.Error("expected excluded slug to be rejected")
	}
}

func TestPreFilterRejectsExpiringSoon(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.EndDate = time.Now().Add(1 * time.Hour).Format(time.RFC3339)
	if _, ok := s.preFilter(m); ok {
		t.Error("expected soon-expiring market to be rejected")
	}
}

func TestPreFilterRejectsExtremeMidpoint(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.OutcomePrices = `["0.97","0.03"]`
	if _, ok := s.preFilter(m); ok {
		t.Error("expected extreme midpoint to be rejected")
	}
}

func TestPreFilterRejectsMissingTokenIDs(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.ClobTokenIds = ""
	if _, ok := s.preFilter(m); ok {
		t.Error("expected missing token ids to be rejected")
	}
}

func TestPreFilterRejectsEntryCostOverCap(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket()
	m.RewardsMinSize = 1000 // 1000 * 0.5 = $500 > $100 cap
	if _, ok := s.preFilter(m); ok {
		t.Error("expected over-cap entry cost to be rejected")
	}
}

type fakeScanAPI struct {
	book    *types.BookResponse
	tick    types.TickSize
	history []types.PricePoint
}

func (f *fakeScanAPI) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	return f.book, nil
}

func (f *fakeScanAPI) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	return f.tick, nil
}

func (f *fakeScanAPI) GetPriceHistory(ctx context.Context, tokenID string, startTs int64, interval string) ([]types.PricePoint, error) {
	return f.history, nil
}

func deepBook() *types.BookResponse {
	return &types.BookResponse{
		Bids: []types.PriceLevel{{Price: "0.49", Size: "1000"}},
		Asks: []types.PriceLevel{{Price: "0.51", Size: "1000"}},
	}
}

func TestFetchDetailsComputesScoreAndDepth(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.api = &fakeScanAPI{book: deepBook(), tick: types.Tick001}

	c, ok := s.preFilter(baseMarket())
	if !ok {
		t.Fatal("candidate should pass pre-filter")
	}

	opp, ok := s.fetchDetails(context.Background(), c)
	if !ok {
		t.Fatal("expected detail fetch to succeed")
	}
	if opp.BookDepthUSDC <= 0 {
		t.Error("expected positive book depth")
	}
	if opp.Score <= 0 {
		t.Error("expected positive score")
	}
	if opp.TickSize != types.Tick001 {
		t.Errorf("expected tick size 0.01, got %v", opp.TickSize)
	}
}

func TestFetchDetailsRejectsThinBook(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.api = &fakeScanAPI{
		book: &types.BookResponse{
			Bids: []types.PriceLevel{{Price: "0.49", Size: "1"}},
			Asks: []types.PriceLevel{{Price: "0.51", Size: "1"}},
		},
		tick: types.Tick001,
	}

	c, _ := s.preFilter(baseMarket())
	if _, ok := s.fetchDetails(context.Background(), c); ok {
		t.Error("expected thin book to be rejected")
	}
}

func TestFetchDetailsAppliesNegRiskBoost(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.api = &fakeScanAPI{book: deepBook(), tick: types.Tick001}

	plain := baseMarket()
	neg := baseMarket()
	neg.NegRisk = true

	cPlain, _ := s.preFilter(plain)
	cNeg, _ := s.preFilter(neg)

	oppPlain, _ := s.fetchDetails(context.Background(), cPlain)
	oppNeg, _ := s.fetchDetails(context.Background(), cNeg)

	if oppNeg.Score <= oppPlain.Score {
		t.Errorf("expected neg_risk score boost: %v <= %v", oppNeg.Score, oppPlain.Score)
	}
}

func TestEnforceEventDiversityCapsPerEvent(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.cfg.MaxMarketsPerEvent = 1

	opps := []types.MarketOpportunity{
		{ConditionID: "a", Score: 3},
		{ConditionID: "b", Score: 2},
		{ConditionID: "c", Score: 1},
	}
	eventOf := map[string]string{"a": "evt1", "b": "evt1", "c": "evt2"}

	kept := s.enforceEventDiversity(opps, eventOf)
	if len(kept) != 2 {
		t.Fatalf("expected 2 opportunities after event cap, got %d", len(kept))
	}
	if kept[0].ConditionID != "a" || kept[1].ConditionID != "c" {
		t.Errorf("unexpected survivors: %+v", kept)
	}
}

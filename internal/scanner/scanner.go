// Package scanner discovers and ranks Polymarket reward markets. It is a
// two-phase scan mirroring the original's market_scanner.py: a cheap
// pre-filter over every Gamma-listed market (no per-market API calls),
// then an orderbook-backed detail fetch for only the top pre-scored
// candidates, since each one costs real API round-trips.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/pkg/types"
)

// ExchangeAPI is the subset of *exchangeclient.Client the scanner needs for
// the per-candidate detail phase.
type ExchangeAPI interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error)
	GetPriceHistory(ctx context.Context, tokenID string, startTs int64, interval string) ([]types.PricePoint, error)
}

// GammaMarket is the JSON shape returned by the Gamma markets endpoint,
// trimmed to the fields the scanner actually reads.
type GammaMarket struct {
	ID               string  `json:"id"`
	Question         string  `json:"question"`
	ConditionID      string  `json:"conditionId"`
	Slug             string  `json:"slug"`
	Active           bool    `json:"active"`
	Closed           bool    `json:"closed"`
	Archived         bool    `json:"archived"`
	AcceptingOrders  bool    `json:"acceptingOrders"`
	EnableOrderBook  bool    `json:"enableOrderBook"`
	EndDate          string  `json:"endDateIso"`
	Liquidity        string  `json:"liquidity"`
	Volume24hr       float64 `json:"volume24hr"`
	OutcomePrices    string  `json:"outcomePrices"`
	ClobTokenIds     string  `json:"clobTokenIds"`
	NegRisk          bool    `json:"negRisk"`
	RewardsMinSize   float64 `json:"rewardsMinSize"`
	RewardsMaxSpread float64 `json:"rewardsMaxSpread"` // cents, divide by 100
	RewardsDailyRate float64 `json:"rewardsDailyRate"`
	Events           []struct {
		ID string `json:"id"`
	} `json:"events"`
}

// candidate is a phase-1 survivor: cheap to produce, not yet worth an
// orderbook call.
type candidate struct {
	market      GammaMarket
	yesTokenID  string
	noTokenID   string
	midpoint    float64
	dailyRate   float64
	minSize     float64
	maxSpread   float64
	eventID     string
	preScore    float64
}

// Scanner runs the discovery scan on demand — the supervisor's rescan
// ticker, not the scanner itself, decides when.
type Scanner struct {
	gamma      *resty.Client
	api        ExchangeAPI
	cfg        config.ScannerConfig
	thresholds config.ThresholdsConfig
	logger     *slog.Logger
}

// New constructs a Scanner against the configured Gamma API host.
func New(cfg config.Config, api ExchangeAPI, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		gamma:      client,
		api:        api,
		cfg:        cfg.Scanner,
		thresholds: cfg.Thresholds,
		logger:     logger.With("component", "scanner"),
	}
}

// ScanAndRank fetches, filters, scores and ranks markets, returning at most
// maxMarkets opportunities. forceIncludeTokens names token ids a caller
// (the supervisor's rescan) needs represented even if they would
// otherwise be filtered or ranked out — e.g. a position already held.
func (s *Scanner) ScanAndRank(ctx context.Context, maxMarkets int, forceIncludeTokens map[string]struct{}) ([]types.MarketOpportunity, error) {
	if maxMarkets <= 0 {
		maxMarkets = 999
	}

	raw, err := s.fetchMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}

	var candidates []candidate
	for _, m := range raw {
		if c, ok := s.preFilter(m); ok {
			candidates = append(candidates, c)
		}
	}

	if forceIncludeTokens != nil {
		known := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			known[c.market.ConditionID] = true
		}
		for _, m := range raw {
			if known[m.ConditionID] {
				continue
			}
			ids := tokenIDsOf(m)
			if len(ids) < 2 {
				continue
			}
			if _, hit := forceIncludeTokens[ids[0]]; !hit {
				if _, hit2 := forceIncludeTokens[ids[1]]; !hit2 {
					continue
				}
			}
			if c, ok := s.preFilter(m); ok {
				candidates = append(candidates, c)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].preScore > candidates[j].preScore
	})
	if len(candidates) > s.cfg.DetailCandidates {
		candidates = candidates[:s.cfg.DetailCandidates]
	}

	var opportunities []types.MarketOpportunity
	rejected := 0
	for _, c := range candidates {
		opp, ok := s.fetchDetails(ctx, c)
		if !ok {
			rejected++
			continue
		}
		opportunities = append(opportunities, opp)
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].Score > opportunities[j].Score
	})

	opportunities = s.enforceEventDiversity(opportunities, eventIDsByCondition(candidates))

	if len(opportunities) > maxMarkets {
		opportunities = opportunities[:maxMarkets]
	}

	s.logger.Info("scan complete",
		"fetched", len(raw),
		"pre_filtered", len(candidates),
		"detail_rejected", rejected,
		"selected", len(opportunities),
	)
	return opportunities, nil
}

// LookupByToken resolves market metadata for a single token id, the
// fallback path startup recovery uses when a held position's market no
// longer appears in a fresh scan.
func (s *Scanner) LookupByToken(ctx context.Context, tokenID string) (*types.MarketOpportunity, error) {
	var page []GammaMarket
	resp, err := s.gamma.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("lookup token %s: %w", tokenID, err)
	}
	if resp.StatusCode() != 200 || len(page) == 0 {
		return nil, fmt.Errorf("lookup token %s: not found", tokenID)
	}

	c, ok := s.preFilter(page[0])
	if !ok {
		// Metadata still resolves even if the market no longer passes the
		// live entry filters — recovery needs identity, not eligibility.
		c = candidateFromMarketUnfiltered(page[0])
	}
	opp, ok := s.fetchDetails(ctx, c)
	if !ok {
		return nil, fmt.Errorf("lookup token %s: detail fetch failed", tokenID)
	}
	return &opp, nil
}

func (s *Scanner) fetchMarkets(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	limit := 500

	for offset < 10000 {
		var page []GammaMarket
		resp, err := s.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active": "true",
				"closed": "false",
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("gamma markets: status %d", resp.StatusCode())
		}
		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}
	return all, nil
}

// preFilter is phase 1: every check that needs no extra API call. Mirrors
// the original's _pre_filter, including the cents-to-price-unit conversion
// on rewards_max_spread.
func (s *Scanner) preFilter(m GammaMarket) (candidate, bool) {
	if !m.Active || m.Closed || m.Archived || !m.AcceptingOrders || !m.EnableOrderBook {
		return candidate{}, false
	}

	slugLower := strings.ToLower(m.Slug)
	questionLower := strings.ToLower(m.Question)
	conditionLower := strings.ToLower(m.ConditionID)
	if s.excludedByFilter(slugLower, questionLower, conditionLower) {
		return candidate{}, false
	}

	if m.EndDate != "" {
		expiry, err := time.Parse(time.RFC3339, strings.Replace(m.EndDate, "Z", "+00:00", 1))
		if err == nil {
			hoursLeft := time.Until(expiry).Hours()
			if hoursLeft < s.cfg.MinHoursToExpiry {
				return candidate{}, false
			}
		}
	}

	if m.RewardsMaxSpread == 0 || m.RewardsMinSize == 0 {
		return candidate{}, false
	}
	maxSpread := m.RewardsMaxSpread / 100.0
	if maxSpread < s.cfg.MinMaxSpread {
		return candidate{}, false
	}
	if m.RewardsDailyRate < s.cfg.MinRewardRate {
		return candidate{}, false
	}

	ids := tokenIDsOf(m)
	if len(ids) < 2 {
		return candidate{}, false
	}
	midpoint := firstOutcomePrice(m.OutcomePrices)
	if midpoint <= 0 {
		return candidate{}, false
	}
	if midpoint < s.thresholds.MinMidpoint || midpoint > s.thresholds.MaxMidpoint {
		return candidate{}, false
	}

	worstSidePrice := math.Max(midpoint, 1-midpoint)
	if m.RewardsMinSize*worstSidePrice > s.thresholds.MaxEntryCost {
		return candidate{}, false
	}

	if m.Volume24hr < s.cfg.MinDailyVolume {
		return candidate{}, false
	}

	eventID := m.ConditionID
	if len(m.Events) > 0 && m.Events[0].ID != "" {
		eventID = m.Events[0].ID
	}

	return candidate{
		market:     m,
		yesTokenID: ids[0],
		noTokenID:  ids[1],
		midpoint:   midpoint,
		dailyRate:  m.RewardsDailyRate,
		minSize:    m.RewardsMinSize,
		maxSpread:  maxSpread,
		eventID:    eventID,
		preScore:   m.RewardsDailyRate / math.Max(maxSpread, 0.001),
	}, true
}

// candidateFromMarketUnfiltered builds a candidate straight from a Gamma
// market's fields without applying any entry filter, for recovery lookups
// where identity is needed regardless of current eligibility.
func candidateFromMarketUnfiltered(m GammaMarket) candidate {
	ids := tokenIDsOf(m)
	var yes, no string
	if len(ids) >= 2 {
		yes, no = ids[0], ids[1]
	}
	eventID := m.ConditionID
	if len(m.Events) > 0 && m.Events[0].ID != "" {
		eventID = m.Events[0].ID
	}
	return candidate{
		market:     m,
		yesTokenID: yes,
		noTokenID:  no,
		midpoint:   firstOutcomePrice(m.OutcomePrices),
		dailyRate:  m.RewardsDailyRate,
		minSize:    m.RewardsMinSize,
		maxSpread:  m.RewardsMaxSpread / 100.0,
		eventID:    eventID,
	}
}

func (s *Scanner) excludedByFilter(slugLower, questionLower, conditionLower string) bool {
	hasInclude := len(s.cfg.IncludeConditionIDs) > 0 || len(s.cfg.IncludeSlugs) > 0 || len(s.cfg.IncludeKeywords) > 0
	if hasInclude {
		matched := containsFold(s.cfg.IncludeConditionIDs, conditionLower) || containsFold(s.cfg.IncludeSlugs, slugLower)
		if !matched {
			for _, kw := range s.cfg.IncludeKeywords {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw != "" && (strings.Contains(slugLower, kw) || strings.Contains(questionLower, kw)) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return true
		}
	}

	if containsFold(s.cfg.ExcludeSlugs, slugLower) {
		return true
	}
	for _, kw := range s.cfg.ExcludeKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && (strings.Contains(slugLower, kw) || strings.Contains(questionLower, kw)) {
			return true
		}
	}
	return false
}

func containsFold(list []string, needle string) bool {
	for _, v := range list {
		if strings.ToLower(strings.TrimSpace(v)) == needle {
			return true
		}
	}
	return false
}

// fetchDetails is phase 2: one orderbook call and (if configured) one
// price-history call per surviving candidate, mirroring _fetch_details.
func (s *Scanner) fetchDetails(ctx context.Context, c candidate) (types.MarketOpportunity, bool) {
	book, err := s.api.GetOrderBook(ctx, c.yesTokenID)
	if err != nil {
		s.logger.Debug("orderbook fetch failed", "condition_id", c.market.ConditionID, "error", err)
		return types.MarketOpportunity{}, false
	}

	depth := bookDepthInRange(book, c.midpoint, c.maxSpread)
	if depth < s.cfg.MinBookDepthUSDC || depth > s.cfg.MaxBookDepthUSDC {
		return types.MarketOpportunity{}, false
	}

	currentSpread := topOfBookSpread(book)
	if currentSpread > c.maxSpread*s.cfg.MaxSpreadRatio {
		return types.MarketOpportunity{}, false
	}

	if s.thresholds.MaxVolatilityRatio > 0 {
		history, err := s.api.GetPriceHistory(ctx, c.yesTokenID, 0, "1d")
		if err == nil && len(history) > 0 {
			if len(history) < s.cfg.MinVolatilityPoints {
				return types.MarketOpportunity{}, false
			}
			min, max := history[0].P, history[0].P
			for _, p := range history[1:] {
				if p.P < min {
					min = p.P
				}
				if p.P > max {
					max = p.P
				}
			}
			if (max-min)/c.maxSpread > s.thresholds.MaxVolatilityRatio {
				return types.MarketOpportunity{}, false
			}
		}
	}

	tick, err := s.api.GetTickSize(ctx, c.yesTokenID)
	if err != nil {
		tick = types.Tick001
	}

	score := compositeScore(c.dailyRate, depth, currentSpread, c.maxSpread)
	if c.market.NegRisk {
		score *= s.cfg.NegRiskScoreBoost
	}

	return types.MarketOpportunity{
		ConditionID:     c.market.ConditionID,
		YesTokenID:      c.yesTokenID,
		NoTokenID:       c.noTokenID,
		Question:        questionOrDefault(c.market.Question),
		Midpoint:        c.midpoint,
		RewardDailyRate: c.dailyRate,
		MinSize:         c.minSize,
		MaxSpread:       c.maxSpread,
		BookDepthUSDC:   depth,
		CurrentSpread:   currentSpread,
		TickSize:        tick,
		NegRisk:         c.market.NegRisk,
		Score:           score,
	}, true
}

// compositeScore ranks a market by reward density relative to book
// competition, discounted when the live spread is narrower than the
// market's own reward window (a spread near zero means other LPs already
// fill this market's reward quota).
func compositeScore(dailyRate, bookDepth, currentSpread, maxSpread float64) float64 {
	rewardRatio := dailyRate / math.Max(bookDepth, 1.0)
	spreadVacancy := math.Min(currentSpread/math.Max(maxSpread, 0.001), 1.0)
	return rewardRatio * spreadVacancy
}

// enforceEventDiversity caps how many ranked opportunities may share a
// Gamma event group, so one fast-moving news event (many correlated
// buckets) can't fill every resting order at once.
func (s *Scanner) enforceEventDiversity(opportunities []types.MarketOpportunity, eventOf map[string]string) []types.MarketOpportunity {
	if s.cfg.MaxMarketsPerEvent <= 0 {
		return opportunities
	}
	counts := make(map[string]int)
	var kept []types.MarketOpportunity
	for _, o := range opportunities {
		eid := eventOf[o.ConditionID]
		if eid == "" {
			eid = o.ConditionID
		}
		if counts[eid] >= s.cfg.MaxMarketsPerEvent {
			continue
		}
		counts[eid]++
		kept = append(kept, o)
	}
	return kept
}

func eventIDsByCondition(candidates []candidate) map[string]string {
	out := make(map[string]string, len(candidates))
	for _, c := range candidates {
		out[c.market.ConditionID] = c.eventID
	}
	return out
}

func bookDepthInRange(book *types.BookResponse, midpoint, maxSpread float64) float64 {
	if book == nil {
		return 0
	}
	lower, upper := midpoint-maxSpread, midpoint+maxSpread
	depth := 0.0
	for _, bid := range book.Bids {
		p, _ := strconv.ParseFloat(bid.Price, 64)
		sz, _ := strconv.ParseFloat(bid.Size, 64)
		if p >= lower {
			depth += p * sz
		}
	}
	for _, ask := range book.Asks {
		p, _ := strconv.ParseFloat(ask.Price, 64)
		sz, _ := strconv.ParseFloat(ask.Size, 64)
		if p <= upper {
			depth += p * sz
		}
	}
	return depth
}

func topOfBookSpread(book *types.BookResponse) float64 {
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0
	}
	bid, _ := strconv.ParseFloat(book.Bids[0].Price, 64)
	ask, _ := strconv.ParseFloat(book.Asks[0].Price, 64)
	return ask - bid
}

func tokenIDsOf(m GammaMarket) []string {
	if m.ClobTokenIds == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &ids); err != nil {
		return nil
	}
	return ids
}

func firstOutcomePrice(raw string) float64 {
	if raw == "" {
		return 0
	}
	var prices []string
	if err := json.Unmarshal([]byte(raw), &prices); err != nil || len(prices) == 0 {
		return 0
	}
	p, err := strconv.ParseFloat(prices[0], 64)
	if err != nil {
		return 0
	}
	return p
}

func questionOrDefault(q string) string {
	if q == "" {
		return "unknown"
	}
	return q
}

// Package ordermanager owns every mutation of a market's position: order
// placement, repricing, fill handling, exits, reconciliation and the
// global circuit breaker. The Position Ledger is its only store of state
// about what's resting where — Price Monitor and Supervisor read the
// ledger but never write it; everything that writes goes through here.
package ordermanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/pkg/types"
)

// ExchangeAPI is the subset of *exchangeclient.Client the order manager
// calls. Defining it here (rather than depending on the concrete type)
// keeps this package's tests free of HTTP/signing concerns.
type ExchangeAPI interface {
	PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResponse, error)
	PlaceOrders(ctx context.Context, orders []types.OrderRequest) ([]types.OrderResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) error
	CancelMarketOrders(ctx context.Context, conditionID string) error
	CancelAll(ctx context.Context) error
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
	GetPositions(ctx context.Context) ([]types.PositionEntry, error)
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
}

// Manager implements every rule in §4: pricing, placement, repricing, fill
// handling, exits, reconciliation and the global circuit breaker.
//
// blacklist, phantomTokens, recoveredTokens, sellFailures and the global
// pause timestamp deliberately live here and not in the ledger — they are
// Order Manager working state, not position state (see internal/ledger's
// doc comment).
type Manager struct {
	api    ExchangeAPI
	ledger *ledger.Ledger
	cfg    config.ThresholdsConfig
	logger *slog.Logger

	mu              sync.Mutex
	blacklist       map[string]time.Time // conditionID -> blacklisted-until
	phantomTokens   map[string]bool      // tokenID -> true from a confirmed zero remote balance until the next ReconcilePhantoms pass
	recoveredTokens map[string]bool      // tokenID -> true once startup/reconciliation has force-adopted it
	sellFailures    map[string]int       // tokenID -> consecutive failed SELL retries
	lastGlobalFill  time.Time
	globalPaused    bool
	lastSizeMult    float64
}

// New constructs a Manager. api and ledger must be non-nil; cfg supplies
// every threshold named in spec.md's pricing and lifecycle rules.
func New(api ExchangeAPI, l *ledger.Ledger, cfg config.ThresholdsConfig, logger *slog.Logger) *Manager {
	return &Manager{
		api:             api,
		ledger:          l,
		cfg:             cfg,
		logger:          logger,
		blacklist:       make(map[string]time.Time),
		phantomTokens:   make(map[string]bool),
		recoveredTokens: make(map[string]bool),
		sellFailures:    make(map[string]int),
		lastSizeMult:    1.0,
	}
}

// IsBlacklisted reports whether a market is still serving out the
// blacklist window set by its most recent BUY fill.
func (m *Manager) IsBlacklisted(conditionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blacklist[conditionID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.blacklist, conditionID)
		return false
	}
	return true
}

func (m *Manager) blacklistMarket(conditionID string) {
	m.mu.Lock()
	m.blacklist[conditionID] = time.Now().Add(m.cfg.MarketBlacklistDuration())
	m.mu.Unlock()
}

func (m *Manager) markPhantom(tokenID string) {
	m.mu.Lock()
	m.phantomTokens[tokenID] = true
	m.mu.Unlock()
}

func (m *Manager) clearPhantom(tokenID string) {
	m.mu.Lock()
	delete(m.phantomTokens, tokenID)
	m.mu.Unlock()
}

func (m *Manager) isPhantom(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phantomTokens[tokenID]
}

func (m *Manager) incrementSellFailure(tokenID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sellFailures[tokenID]++
	return m.sellFailures[tokenID]
}

func (m *Manager) resetSellFailure(tokenID string) {
	m.mu.Lock()
	delete(m.sellFailures, tokenID)
	m.mu.Unlock()
}

// sleep pauses for d or until ctx is cancelled, whichever comes first —
// used for the brief cancel-then-post delays spec.md §4.3/§4.5 call for
// between releasing collateral on a cancel and claiming it again with a
// new order.
func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Package supervisor implements the main loop: startup recovery, periodic
// rescans, stream-driven and REST-fallback event processing, cooldown
// re-entry, and signal-driven shutdown. It is the only component that owns
// both the Order Manager and the Position Ledger end to end — everything
// else either mutates through the Order Manager or only reads.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/internal/store"
	"lp-rewards-bot/internal/stream"
	"lp-rewards-bot/pkg/types"
)

// ExchangeAPI is the subset of *exchangeclient.Client the supervisor calls
// directly, outside what it already reaches through the Order Manager and
// Price Monitor — startup discovery of untracked exchange positions and
// the cancel-all used at shutdown.
type ExchangeAPI interface {
	GetPositions(ctx context.Context) ([]types.PositionEntry, error)
	CancelAll(ctx context.Context) error
}

// Scanner is the narrow interface the supervisor depends on for market
// discovery; *scanner.Scanner satisfies it.
type Scanner interface {
	ScanAndRank(ctx context.Context, maxMarkets int, forceIncludeTokens map[string]struct{}) ([]types.MarketOpportunity, error)
	LookupByToken(ctx context.Context, tokenID string) (*types.MarketOpportunity, error)
}

// OrderManager is the subset of *ordermanager.Manager the supervisor
// drives directly. Defined here (rather than depending on the concrete
// type) for the same test-isolation reasons as the narrow interfaces in
// internal/pricemonitor and internal/scanner.
type OrderManager interface {
	StartupRecovery(ctx context.Context) error
	AdoptUntrackedPosition(ctx context.Context, opp types.MarketOpportunity, yesSize, noSize float64) error
	WasRecovered(tokenID string) bool

	PlaceInitialOrders(ctx context.Context, opp types.MarketOpportunity) error
	ReconcilePhantoms(ctx context.Context) error
	ReconcileInventory(ctx context.Context) error
	CleanupOrphanedOrders(ctx context.Context, pos *types.MarketPosition) error
	ExitStaleMarket(ctx context.Context, pos *types.MarketPosition) error
	CancelAllBuys(ctx context.Context, pos *types.MarketPosition) error

	RetryPendingSells(ctx context.Context, pos *types.MarketPosition) error
	ProcessCooldownReentry(ctx context.Context, pos *types.MarketPosition) error
	ClearBlockFlags(pos *types.MarketPosition)
	ForceSellSweep(ctx context.Context) error

	SizeMultiplierChanged(now time.Time) bool
	ResizeBuysForMultiplier(ctx context.Context, pos *types.MarketPosition) error

	HandleFill(ctx context.Context, fill types.Fill) error
	IsBlacklisted(conditionID string) bool
	GlobalPauseActive() bool
}

// PriceMonitor is the subset of *pricemonitor.Monitor the supervisor
// drives directly.
type PriceMonitor interface {
	CheckAllPositions(ctx context.Context) error
	HandlePriceEvents(ctx context.Context, events []types.PriceChangeEvent) error
	CheckActiveVolatility(ctx context.Context) error
}

// Supervisor owns the main loop (spec.md §2.7/§5): it is the single
// goroutine that mutates the Position Ledger through the Order Manager,
// draining the two stream feeds and falling back to REST polling when
// streaming isn't healthy.
type Supervisor struct {
	om      OrderManager
	pm      PriceMonitor
	scanner Scanner
	ledger  *ledger.Ledger
	api     ExchangeAPI
	store   *store.Store

	marketFeed *stream.Feed
	userFeed   *stream.Feed

	cfg    config.ThresholdsConfig
	logger *slog.Logger
	runID  string

	mu                 sync.Mutex
	consecutiveErrors  int
	lastRescan         time.Time
	lastForceSellSweep time.Time
}

// New constructs a Supervisor. Every dependency must already be wired: the
// Order Manager and Ledger share the same underlying state, the Price
// Monitor shares the Order Manager, and the two stream feeds are already
// constructed (not yet running — Run starts them).
func New(
	om OrderManager,
	pm PriceMonitor,
	scanner Scanner,
	l *ledger.Ledger,
	api ExchangeAPI,
	st *store.Store,
	marketFeed, userFeed *stream.Feed,
	cfg config.Config,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		om:         om,
		pm:         pm,
		scanner:    scanner,
		ledger:     l,
		api:        api,
		store:      st,
		marketFeed: marketFeed,
		userFeed:   userFeed,
		cfg:        cfg.Thresholds,
		logger:     logger.With("component", "supervisor"),
		runID:      uuid.NewString(),
	}
}

// Run is the entry point: acquire the single-instance lock, recover
// startup state, start the stream feeds, then loop until ctx is cancelled
// or MAX_CONSECUTIVE_ERRORS main-loop exceptions accumulate (spec.md §5/§7
// "self-terminate for external watchdog restart").
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting", "run_id", s.runID)

	if err := s.ledger.LoadSnapshot(); err != nil {
		s.logger.Warn("loading position snapshot failed, starting from empty ledger", "error", err)
	}

	if err := s.StartupRecovery(ctx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.marketFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("market feed stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.userFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("user feed stopped", "error", err)
		}
	}()

	if err := s.initialSubscriptions(); err != nil {
		s.logger.Warn("initial stream subscription failed", "error", err)
	}

	loopErr := s.loop(ctx)
	s.Shutdown(context.Background())

	wg.Wait()
	return loopErr
}

// loop is the body of run() (spec.md §5): sleep 0.5s when streaming is
// healthy, ~MONITOR_INTERVAL_SECONDS otherwise, draining stream events on
// every iteration and falling back to REST polling when the feeds are
// down. A rescan runs every RESCAN_INTERVAL_SECONDS; the hourly force-sell
// sweep is nested inside whichever rescan crosses that cadence.
func (s *Supervisor) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor loop cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if err := s.tick(ctx); err != nil {
			s.mu.Lock()
			s.consecutiveErrors++
			count := s.consecutiveErrors
			s.mu.Unlock()
			s.logger.Error("main loop iteration failed", "error", err, "consecutive_errors", count)
			if count >= s.cfg.MaxConsecutiveErrors {
				s.logger.Error("max consecutive errors exceeded, self-terminating for external restart")
				return err
			}
		} else {
			s.mu.Lock()
			s.consecutiveErrors = 0
			s.mu.Unlock()
		}

		streamHealthy := s.marketFeed.Connected() && s.userFeed.Connected()
		sleep := time.Duration(s.cfg.MonitorIntervalSeconds) * time.Second
		if streamHealthy {
			sleep = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tick runs one main-loop iteration's phases 0-4 (spec.md §5, bot.py's
// run()): size-multiplier transition, periodic rescan, stream/REST event
// processing, cooldown re-entry plus SELL retry, and a status log.
func (s *Supervisor) tick(ctx context.Context) error {
	if err := s.applySizeMultiplierTransition(ctx); err != nil {
		s.logger.Warn("size multiplier transition failed", "error", err)
	}

	if time.Since(s.lastRescan) >= s.cfg.RescanInterval() {
		if err := s.rescan(ctx); err != nil {
			return err
		}
		s.lastRescan = time.Now()
	}

	if err := s.processEvents(ctx); err != nil {
		return err
	}

	for _, pos := range s.ledger.All() {
		if err := s.om.ProcessCooldownReentry(ctx, pos); err != nil {
			s.logger.Warn("cooldown re-entry failed", "condition_id", pos.ConditionID, "error", err)
		}
		if err := s.om.RetryPendingSells(ctx, pos); err != nil {
			s.logger.Warn("sell retry failed", "condition_id", pos.ConditionID, "error", err)
		}
	}

	s.logStatus()
	return nil
}

func (s *Supervisor) applySizeMultiplierTransition(ctx context.Context) error {
	if !s.om.SizeMultiplierChanged(time.Now()) {
		return nil
	}
	s.logger.Info("size multiplier transitioned, resizing resting buys")
	for _, pos := range s.ledger.All() {
		if err := s.om.ResizeBuysForMultiplier(ctx, pos); err != nil {
			s.logger.Warn("resize buys for multiplier failed", "condition_id", pos.ConditionID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) logStatus() {
	positions := s.ledger.All()
	var resting, withInventory int
	for _, pos := range positions {
		resting += len(pos.Orders)
		if pos.YesInventory > 0 || pos.NoInventory > 0 {
			withInventory++
		}
	}
	s.logger.Info("status",
		"tracked_markets", len(positions),
		"resting_orders", resting,
		"markets_with_inventory", withInventory,
		"market_feed_connected", s.marketFeed.Connected(),
		"user_feed_connected", s.userFeed.Connected(),
		"global_paused", s.om.GlobalPauseActive(),
	)
}

func (s *Supervisor) initialSubscriptions() error {
	var assetIDs, conditionIDs []string
	for _, pos := range s.ledger.All() {
		assetIDs = append(assetIDs, pos.YesTokenID, pos.NoTokenID)
		conditionIDs = append(conditionIDs, pos.ConditionID)
	}
	if len(assetIDs) > 0 {
		if err := s.marketFeed.Subscribe(assetIDs); err != nil {
			return err
		}
	}
	if len(conditionIDs) > 0 {
		if err := s.userFeed.Subscribe(conditionIDs); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown runs once after the main loop exits, whether triggered by
// SIGINT/SIGTERM (ctx cancellation, spec.md §5) or by the consecutive-
// error self-termination path: best-effort cancel-all-with-retry, then
// release the single-instance lock. The ledger is left as-is — positions
// survive to the next startup's reconciliation rather than being cleared
// in memory.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down, cancelling all orders")
	if err := s.cancelAllWithRetry(ctx, 5); err != nil {
		s.logger.Warn("shutdown cancel-all did not fully succeed", "error", err)
	}
	if s.store != nil {
		if err := s.store.ReleaseLock(); err != nil {
			s.logger.Warn("release pid lock failed", "error", err)
		}
	}
	s.marketFeed.Close()
	s.userFeed.Close()
}

func (s *Supervisor) cancelAllWithRetry(ctx context.Context, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.api.CancelAll(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return err
}

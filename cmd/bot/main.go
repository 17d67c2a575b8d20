// Polymarket liquidity-provider rewards bot — an automated market maker
// for Polymarket binary prediction markets that farms the CLOB's maker
// rewards program rather than directional edge.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires every package, waits for SIGINT/SIGTERM
//	internal/supervisor        — main loop: startup recovery, rescans, stream/REST event processing, shutdown
//	internal/scanner           — polls the Gamma API for reward-eligible markets, ranks by opportunity score
//	internal/ordermanager      — the sole mutator of tracked positions: placement, fills, reconciliation, exits
//	internal/pricemonitor      — drift/volatility/stop-loss checks driven by streamed and polled prices
//	internal/ledger            — in-memory position ledger with advisory disk snapshots
//	internal/stream            — market + user WebSocket feeds with auto-reconnect
//	internal/exchangeclient    — REST client and L1/L2 authentication for the Polymarket CLOB API
//	internal/store             — JSON snapshot persistence and the single-instance PID lock
//	internal/diagnostics       — structured, secret-redacting logging
//
// How it makes money:
//
//	The bot posts resting BUY orders on both sides of wide-spread,
//	reward-eligible markets to earn the CLOB's maker rewards, then
//	immediately posts an offsetting SELL once a BUY fills to unwind the
//	resulting inventory rather than hold directional risk.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/internal/diagnostics"
	"lp-rewards-bot/internal/exchangeclient"
	"lp-rewards-bot/internal/ledger"
	"lp-rewards-bot/internal/ordermanager"
	"lp-rewards-bot/internal/pricemonitor"
	"lp-rewards-bot/internal/scanner"
	"lp-rewards-bot/internal/store"
	"lp-rewards-bot/internal/stream"
	"lp-rewards-bot/internal/supervisor"
)

const apiKeyDerivationTimeout = 15 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := diagnostics.NewLogger(
		cfg.Logging.Format == "json",
		parseLogLevel(cfg.Logging.Level),
		cfg.Wallet.PrivateKey,
	)

	auth, err := exchangeclient.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to build auth", "error", err)
		os.Exit(1)
	}

	client := exchangeclient.NewClient(*cfg, auth, logger)

	if !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(context.Background(), apiKeyDerivationTimeout)
		creds, err := client.DeriveAPIKey(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to derive API key", "error", err)
			os.Exit(1)
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open data store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	l := ledger.New(st, logger)
	om := ordermanager.New(client, l, cfg.Thresholds, logger)
	pm := pricemonitor.New(client, om, l, cfg.Thresholds, logger)
	sc := scanner.New(*cfg, client, logger)

	marketFeed := stream.NewMarketFeed(cfg.API.WSBaseURL, logger)
	userFeed := stream.NewUserFeed(cfg.API.WSBaseURL, auth, logger)

	sup := supervisor.New(om, pm, sc, l, client, st, marketFeed, userFeed, *cfg, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("lp rewards bot starting",
		"wallet", auth.Address(),
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

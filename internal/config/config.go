// Package config loads the bot's configuration.
//
// Per spec, only two things are genuinely external parameters: the signing
// private key and the funding wallet address, both read from POLY_* env
// vars. Everything else — every strategy threshold from the original
// bot's config.py — is a compile-time constant with sane defaults that an
// operator may optionally override via an optional YAML file read with
// viper. Thresholds are not read from env vars.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	SignatureType int    `mapstructure:"signature_type"` // 0 EOA, 1 proxy, 2 Gnosis Safe
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange hosts and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth
// on startup (see internal/exchangeclient.Auth).
type APIConfig struct {
	CLOBBaseURL    string `mapstructure:"clob_base_url"`
	DataAPIBaseURL string `mapstructure:"data_api_base_url"`
	GammaBaseURL   string `mapstructure:"gamma_base_url"`
	WSBaseURL      string `mapstructure:"ws_base_url"`
	ApiKey         string `mapstructure:"api_key"`
	Secret         string `mapstructure:"secret"`
	Passphrase     string `mapstructure:"passphrase"`
}

// StoreConfig sets where the advisory position snapshot and PID lock file live.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig selects the slog handler format/level.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// ThresholdsConfig mirrors the original bot's config.py constants. These are
// compile-time per spec.md §6, but are exposed here so an operator can
// override them without recompiling, via an optional YAML file. There is
// no POLY_* env var for any threshold.
type ThresholdsConfig struct {
	SpreadBufferFraction  float64 `mapstructure:"spread_buffer_fraction"`
	MinSpreadBuffer       float64 `mapstructure:"min_spread_buffer"`
	DriftThresholdFrac    float64 `mapstructure:"drift_threshold_fraction"`
	MinDriftThreshold     float64 `mapstructure:"min_drift_threshold"`
	StopLossFraction      float64 `mapstructure:"stop_loss_fraction"`
	MinStopLoss           float64 `mapstructure:"min_stop_loss"`
	MinMidpoint           float64 `mapstructure:"min_midpoint"`
	MaxMidpoint           float64 `mapstructure:"max_midpoint"`
	MaxVolatilityRatio    float64 `mapstructure:"max_volatility_ratio"`

	MaxInventoryPerSide  float64 `mapstructure:"max_inventory_per_side"`
	MaxOrderSize         float64 `mapstructure:"max_order_size"`
	MaxSingleOrderUSDC   float64 `mapstructure:"max_single_order_usdc"`
	MaxEntryCost         float64 `mapstructure:"max_entry_cost"`
	MaxOrdersPerMarket   int     `mapstructure:"max_orders_per_market"`

	FillCooldownSeconds    int `mapstructure:"fill_cooldown_seconds"`
	MaxFillsBeforeBlock    int `mapstructure:"max_fills_before_block"`
	MarketBlacklistSeconds int `mapstructure:"market_blacklist_seconds"`
	MaxSellRetries         int `mapstructure:"max_sell_retries"`
	OrderGracePeriodSeconds int `mapstructure:"order_grace_period_seconds"`

	GlobalCircuitBreaker   bool `mapstructure:"global_circuit_breaker"`
	GlobalFillPauseSeconds int  `mapstructure:"global_fill_pause_seconds"`

	RescanIntervalSeconds       int `mapstructure:"rescan_interval_seconds"`
	MonitorIntervalSeconds      int `mapstructure:"monitor_interval_seconds"`
	RestFallbackIntervalSeconds int `mapstructure:"rest_fallback_interval_seconds"`
	StartupCooldownSeconds      int `mapstructure:"startup_cooldown_seconds"`
	ForceSellSweepSeconds       int `mapstructure:"force_sell_sweep_seconds"`

	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`

	WSPingIntervalSeconds  int `mapstructure:"ws_ping_interval_seconds"`
	WSMaxReconnectDelaySec int `mapstructure:"ws_max_reconnect_delay_seconds"`

	PeakHoursStart          int     `mapstructure:"peak_hours_start"`
	PeakHoursEnd            int     `mapstructure:"peak_hours_end"`
	PeakSizeMultiplier      float64 `mapstructure:"peak_size_multiplier"`
	OffPeakSizeMultiplier   float64 `mapstructure:"off_peak_size_multiplier"`

	PeakMaxMarkets    int `mapstructure:"peak_max_markets"`
	OffPeakMaxMarkets int `mapstructure:"off_peak_max_markets"`
}

// ScannerConfig mirrors config.py's market-discovery constants: the
// filters applied before an opportunity is even considered, and the
// opportunity-scoring inputs. Compile-time defaults per spec.md §6,
// overridable the same way ThresholdsConfig is.
type ScannerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	DetailCandidates    int `mapstructure:"detail_candidates"`
	MaxMarketsPerEvent  int `mapstructure:"max_markets_per_event"`

	MinMaxSpread        float64 `mapstructure:"min_max_spread"`
	MinRewardRate       float64 `mapstructure:"min_reward_rate"`
	MinDailyVolume      float64 `mapstructure:"min_daily_volume"`
	MinBookDepthUSDC    float64 `mapstructure:"min_book_depth_usdc"`
	MaxBookDepthUSDC    float64 `mapstructure:"max_book_depth_usdc"`
	MaxSpreadRatio      float64 `mapstructure:"max_spread_ratio"`
	MinHoursToExpiry    float64 `mapstructure:"min_hours_to_expiry"`
	MinVolatilityPoints int     `mapstructure:"min_volatility_data_points"`
	NegRiskScoreBoost   float64 `mapstructure:"neg_risk_score_boost"`

	ExcludeSlugs        []string `mapstructure:"exclude_slugs"`
	IncludeConditionIDs []string `mapstructure:"include_condition_ids"`
	IncludeSlugs        []string `mapstructure:"include_slugs"`
	IncludeKeywords     []string `mapstructure:"include_keywords"`
	ExcludeKeywords     []string `mapstructure:"exclude_keywords"`
}

// ScannerDefaults returns the original bot's market_scanner.py / config.py
// filter and scoring constants, unchanged.
func ScannerDefaults() ScannerConfig {
	return ScannerConfig{
		PollIntervalSeconds: 180,
		DetailCandidates:    80,
		MaxMarketsPerEvent:  3,

		MinMaxSpread:        0.01,
		MinRewardRate:       0.5,
		MinDailyVolume:      5000,
		MinBookDepthUSDC:    500,
		MaxBookDepthUSDC:    5000,
		MaxSpreadRatio:      1.5,
		MinHoursToExpiry:    72,
		MinVolatilityPoints: 10,
		NegRiskScoreBoost:   1.3,
	}
}

func (s ScannerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Defaults returns the original bot's config.py values, unchanged.
func Defaults() ThresholdsConfig {
	return ThresholdsConfig{
		SpreadBufferFraction: 0.40,
		MinSpreadBuffer:      0.002,
		DriftThresholdFrac:   0.15,
		MinDriftThreshold:    0.005,
		StopLossFraction:     0.6,
		MinStopLoss:          0.01,
		MinMidpoint:          0.05,
		MaxMidpoint:          0.95,
		MaxVolatilityRatio:   2.0,

		MaxInventoryPerSide: 300,
		MaxOrderSize:        500,
		MaxSingleOrderUSDC:  250,
		MaxEntryCost:        100.0,
		MaxOrdersPerMarket:  3,

		FillCooldownSeconds:     300,
		MaxFillsBeforeBlock:     3,
		MarketBlacklistSeconds:  7200,
		MaxSellRetries:          5,
		OrderGracePeriodSeconds: 30,

		GlobalCircuitBreaker:   true,
		GlobalFillPauseSeconds: 120,

		RescanIntervalSeconds:       180,
		MonitorIntervalSeconds:      5,
		RestFallbackIntervalSeconds: 30,
		StartupCooldownSeconds:      60,
		ForceSellSweepSeconds:       3600,

		MaxConsecutiveErrors: 20,

		WSPingIntervalSeconds:  5,
		WSMaxReconnectDelaySec: 60,

		PeakHoursStart:        22,
		PeakHoursEnd:          7,
		PeakSizeMultiplier:    1.0,
		OffPeakSizeMultiplier: 1.0,
		PeakMaxMarkets:        12,
		OffPeakMaxMarkets:     50,
	}
}

// FillCooldown/etc. helpers for callers that want time.Duration instead of
// raw seconds.
func (t ThresholdsConfig) FillCooldown() time.Duration {
	return time.Duration(t.FillCooldownSeconds) * time.Second
}

func (t ThresholdsConfig) MarketBlacklistDuration() time.Duration {
	return time.Duration(t.MarketBlacklistSeconds) * time.Second
}

func (t ThresholdsConfig) GlobalFillPause() time.Duration {
	return time.Duration(t.GlobalFillPauseSeconds) * time.Second
}

func (t ThresholdsConfig) RescanInterval() time.Duration {
	return time.Duration(t.RescanIntervalSeconds) * time.Second
}

func (t ThresholdsConfig) RestFallbackInterval() time.Duration {
	return time.Duration(t.RestFallbackIntervalSeconds) * time.Second
}

func (t ThresholdsConfig) ForceSellSweepInterval() time.Duration {
	return time.Duration(t.ForceSellSweepSeconds) * time.Second
}

// ActiveMarketCap returns how many markets the scanner should keep tracked
// simultaneously for the given time of day: a tighter cap during peak
// (higher fill risk, so lower desired exposure) and a looser one off-peak.
// Mirrors the peak-window logic the Order Manager uses for order sizing.
func (t ThresholdsConfig) ActiveMarketCap(now time.Time) int {
	hour := now.UTC().Hour()
	start, end := t.PeakHoursStart, t.PeakHoursEnd
	peak := start != end && (func() bool {
		if start < end {
			return hour >= start && hour < end
		}
		return hour >= start || hour < end
	})()
	if peak {
		return t.PeakMaxMarkets
	}
	return t.OffPeakMaxMarkets
}

func defaultConfig() Config {
	return Config{
		Wallet: WalletConfig{ChainID: 137, SignatureType: 2},
		API: APIConfig{
			CLOBBaseURL:    "https://clob.polymarket.com",
			DataAPIBaseURL: "https://data-api.polymarket.com",
			GammaBaseURL:   "https://gamma-api.polymarket.com",
			WSBaseURL:      "wss://ws-subscriptions-clob.polymarket.com/ws",
		},
		Store:      StoreConfig{DataDir: "./data"},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Thresholds: Defaults(),
		Scanner:    ScannerDefaults(),
	}
}

// Load reads configuration from an optional YAML file at path (skipped if
// path is empty or the file does not exist — defaults apply) then overrides
// the two required secrets from POLY_PRIVATE_KEY / POLY_WALLET_ADDRESS (the
// latter maps onto Wallet.FunderAddress when no proxy is configured).
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			if err := v.Unmarshal(&cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("POLY_WALLET_ADDRESS"); addr != "" && cfg.Wallet.FunderAddress == "" {
		cfg.Wallet.FunderAddress = addr
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("POLY_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks the required fields per spec.md §6.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet private key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet address is required (set POLY_WALLET_ADDRESS)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	return nil
}

// Package config provides application-wide configuration management.
// All configuration is loaded from files and environment variables.
// No configuration is hardcoded in strategy or broker logic.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Mode defines whether the system runs in paper or live trading mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config holds all system configuration.
// Loaded once at startup and passed as read-only to all components.
type Config struct {
	// ActiveBroker selects which broker implementation to use (e.g. "kotakneo").
	ActiveBroker string `json:"active_broker"`

	// TradingMode controls whether orders are actually placed (live) or simulated (paper).
	TradingMode Mode `json:"trading_mode"`

	// Capital is the total capital available for trading (INR).
	Capital float64 `json:"capital"`

	// Risk configuration limits.
	Risk RiskConfig `json:"risk"`

	// Strategy holds the RSI-dip indicator parameters.
	Strategy StrategyConfig `json:"strategy"`

	// Sizing holds position-sizing and portfolio limits. Hot-reloadable.
	Sizing SizingConfig `json:"sizing"`

	// Pacing holds call-rate, concurrency, and staleness thresholds. Hot-reloadable.
	Pacing PacingConfig `json:"pacing"`

	// Paths for file-based communication with the candidate-signal producer.
	Paths PathsConfig `json:"paths"`

	// Broker-specific configuration (API keys, endpoints, etc.).
	BrokerConfig map[string]json.RawMessage `json:"broker_config"`

	// MarketCalendarPath points to the exchange calendar data file.
	MarketCalendarPath string `json:"market_calendar_path"`

	// Notify configures optional outbound notification transports beyond
	// the always-on log transport.
	Notify NotifyConfig `json:"notify"`
}

// NotifyConfig holds settings for optional notification transports.
// Telegram is wired only when both fields are non-empty; an empty config
// leaves the log transport as the sole notifier.
type NotifyConfig struct {
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
}

// StrategyConfig holds the fixed RSI-dip indicator parameters (spec §4.2,
// §4.4, §4.5). There is no plug-in mechanism: one strategy, tunable only on
// these knobs.
type StrategyConfig struct {
	// RSIPeriod is the lookback for RSI10 (default 10).
	RSIPeriod int `json:"rsi_period"`

	// EMAShortSpan is the lookback for the EMA9 trailing-sell target.
	EMAShortSpan int `json:"ema_short_span"`

	// EMALongSpan is the lookback for the EMA200 trend filter.
	EMALongSpan int `json:"ema_long_span"`

	// ReentryThresholds are the RSI10 levels that unlock successive
	// pyramid buys, most permissive first (default [30, 20, 10]).
	ReentryThresholds []float64 `json:"reentry_thresholds"`

	// ExitSafetyFloorRatio is the minimum fraction of entry price EMA9
	// must clear before a sell is placed or revised (default 0.95).
	ExitSafetyFloorRatio float64 `json:"exit_safety_floor_ratio"`
}

// SizingConfig holds position-sizing and portfolio limits. Every field here
// is reloadable without a restart (see ConfigWatcher).
type SizingConfig struct {
	// MaxPortfolioSize caps concurrent open positions.
	MaxPortfolioSize int `json:"max_portfolio_size"`

	// DefaultCapitalPerTrade is the rupee amount allotted to a new entry or
	// re-entry when a Candidate doesn't carry its own execution_capital.
	DefaultCapitalPerTrade float64 `json:"default_capital_per_trade"`

	// MinCombinedScore is the acceptance-gate threshold a Candidate's
	// combined_score must clear alongside a buy/strong_buy verdict.
	MinCombinedScore float64 `json:"min_combined_score"`

	// MaxPositionToAvgVolumeRatio bounds position value against a ticker's
	// average daily traded volume (the liquidity guard).
	MaxPositionToAvgVolumeRatio float64 `json:"max_position_to_avg_volume_ratio"`

	// DailyReentryCap limits re-entry fills per ticker per day.
	DailyReentryCap int `json:"daily_reentry_cap"`
}

// PacingConfig holds call-rate, concurrency, and staleness thresholds.
// The config watcher reloads these fields; cmd/engine applies only
// APIRateLimitPerSec to the running process.
type PacingConfig struct {
	// APIRateLimitPerSec is the steady-state outbound broker-call rate.
	APIRateLimitPerSec float64 `json:"api_rate_limit_per_sec"`

	// MaxWorkers bounds concurrent per-position ExitEngine work.
	MaxWorkers int `json:"max_workers"`

	// MonitorIntervalMinutes is the ExitEngine/Reconciler cycle cadence
	// during market hours (default 60).
	MonitorIntervalMinutes int `json:"monitor_interval_minutes"`

	// LTPStaleThresholdSeconds is loaded and reported by the config
	// watcher; PriceFallback does not read it and applies
	// market.StaleThreshold (60s) instead.
	LTPStaleThresholdSeconds int `json:"ltp_stale_threshold_seconds"`

	// ReconnectBackoffBaseSeconds seeds the WebSocket reconnect backoff.
	ReconnectBackoffBaseSeconds int `json:"reconnect_backoff_base_seconds"`
}

// RiskConfig defines hard risk guardrails.
// Validate checks these limits, with tighter caps applied in live mode.
type RiskConfig struct {
	// MaxRiskPerTradePct is the maximum percentage of capital risked on a single trade.
	MaxRiskPerTradePct float64 `json:"max_risk_per_trade_pct"`

	// MaxOpenPositions limits concurrent open positions.
	MaxOpenPositions int `json:"max_open_positions"`

	// MaxDailyLossPct is the maximum daily loss as a percentage of capital.
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`

	// MaxCapitalDeploymentPct limits how much total capital can be deployed at once.
	MaxCapitalDeploymentPct float64 `json:"max_capital_deployment_pct"`
}

// PathsConfig defines filesystem paths for inter-layer communication.
type PathsConfig struct {
	// AIOutputDir is where the candidate-signal producer writes scoring
	// output CSVs, one file per trading day (internal/candidates reads the
	// newest one).
	AIOutputDir string `json:"ai_output_dir"`

	// MarketDataDir is where cached market data lives.
	MarketDataDir string `json:"market_data_dir"`

	// LogDir is where all system logs are written.
	LogDir string `json:"log_dir"`

	// LedgerPath is the TradeStore JSON ledger file.
	LedgerPath string `json:"ledger_path"`

	// ScripMasterCacheDir caches the broker's daily instrument-token dump.
	ScripMasterCacheDir string `json:"scrip_master_cache_dir"`
}

// Load reads configuration from a JSON file.
// Environment variables override file values where applicable.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", absPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}

	cfg.applyDefaults()

	// Environment variable overrides.
	if v := os.Getenv("ALGO_TRADING_MODE"); v != "" {
		cfg.TradingMode = Mode(v)
	}
	if v := os.Getenv("ALGO_ACTIVE_BROKER"); v != "" {
		cfg.ActiveBroker = v
	}
	if v := os.Getenv("ALGO_LEDGER_PATH"); v != "" {
		cfg.Paths.LedgerPath = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in the strategy/sizing/pacing knobs a config file is
// allowed to omit. Called before env overrides so an explicit file value or
// environment variable always wins.
func (c *Config) applyDefaults() {
	if c.Strategy.RSIPeriod == 0 {
		c.Strategy.RSIPeriod = 10
	}
	if c.Strategy.EMAShortSpan == 0 {
		c.Strategy.EMAShortSpan = 9
	}
	if c.Strategy.EMALongSpan == 0 {
		c.Strategy.EMALongSpan = 200
	}
	if len(c.Strategy.ReentryThresholds) == 0 {
		c.Strategy.ReentryThresholds = []float64{30, 20, 10}
	}
	if c.Strategy.ExitSafetyFloorRatio == 0 {
		c.Strategy.ExitSafetyFloorRatio = 0.95
	}
	if c.Sizing.DailyReentryCap == 0 {
		c.Sizing.DailyReentryCap = 1
	}
	if c.Pacing.MaxWorkers == 0 {
		c.Pacing.MaxWorkers = 10
	}
	if c.Pacing.MonitorIntervalMinutes == 0 {
		c.Pacing.MonitorIntervalMinutes = 60
	}
	if c.Pacing.LTPStaleThresholdSeconds == 0 {
		c.Pacing.LTPStaleThresholdSeconds = 15
	}
	if c.Pacing.ReconnectBackoffBaseSeconds == 0 {
		c.Pacing.ReconnectBackoffBaseSeconds = 1
	}
	if c.Paths.LedgerPath == "" {
		c.Paths.LedgerPath = "data/ledger.json"
	}
	if c.Paths.ScripMasterCacheDir == "" {
		c.Paths.ScripMasterCacheDir = "data/scrip_master"
	}
}

// Validate checks that all required configuration fields are present and sane.
func (c *Config) Validate() error {
	if c.ActiveBroker == "" {
		return fmt.Errorf("active_broker is required")
	}
	if c.TradingMode != ModePaper && c.TradingMode != ModeLive {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if c.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %f", c.Capital)
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 100 {
		return fmt.Errorf("max_risk_per_trade_pct must be in (0, 100], got %f", c.Risk.MaxRiskPerTradePct)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", c.Risk.MaxOpenPositions)
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("max_daily_loss_pct must be in (0, 100], got %f", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxCapitalDeploymentPct <= 0 || c.Risk.MaxCapitalDeploymentPct > 100 {
		return fmt.Errorf("max_capital_deployment_pct must be in (0, 100], got %f", c.Risk.MaxCapitalDeploymentPct)
	}
	if c.Paths.AIOutputDir == "" {
		return fmt.Errorf("paths.ai_output_dir is required")
	}
	if c.Sizing.MaxPortfolioSize <= 0 {
		return fmt.Errorf("sizing.max_portfolio_size must be positive, got %d", c.Sizing.MaxPortfolioSize)
	}
	if c.Sizing.DefaultCapitalPerTrade <= 0 {
		return fmt.Errorf("sizing.default_capital_per_trade must be positive, got %f", c.Sizing.DefaultCapitalPerTrade)
	}

	// Live mode has stricter requirements to prevent accidental real trading.
	if c.TradingMode == ModeLive {
		if err := c.validateLiveMode(); err != nil {
			return fmt.Errorf("live mode: %w", err)
		}
	}

	return nil
}

// validateLiveMode enforces extra safety checks when running with real money.
func (c *Config) validateLiveMode() error {
	// Broker config must exist for the active broker.
	if c.BrokerConfig == nil {
		return fmt.Errorf("broker_config is required for live trading")
	}
	if _, ok := c.BrokerConfig[c.ActiveBroker]; !ok {
		return fmt.Errorf("broker_config[%q] is required for live trading", c.ActiveBroker)
	}

	// Safety cap: max 5 open positions in live mode.
	if c.Risk.MaxOpenPositions > 5 {
		return fmt.Errorf("max_open_positions cannot exceed 5 in live mode (got %d)", c.Risk.MaxOpenPositions)
	}

	// Safety cap: max 2%% risk per trade in live mode.
	if c.Risk.MaxRiskPerTradePct > 2.0 {
		return fmt.Errorf("max_risk_per_trade_pct cannot exceed 2%% in live mode (got %.1f%%)", c.Risk.MaxRiskPerTradePct)
	}

	// Safety cap: max 70%% capital deployment in live mode.
	if c.Risk.MaxCapitalDeploymentPct > 70.0 {
		return fmt.Errorf("max_capital_deployment_pct cannot exceed 70%% in live mode (got %.1f%%)", c.Risk.MaxCapitalDeploymentPct)
	}

	return nil
}

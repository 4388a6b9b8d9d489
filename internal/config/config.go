// Package config defines the top-level configuration for the close engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by CLOSEBOT_* environment
// variables.
type Config struct {
	Terminal     TerminalConfig     `toml:"terminal"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Cost         CostConfig         `toml:"cost"`
	Scoring      ScoringConfig      `toml:"scoring"`
	Precheck     PrecheckConfig     `toml:"precheck"`
	Validator    ValidatorConfig    `toml:"validator"`
	Close        CloseConfig        `toml:"close"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Recovery     RecoveryConfig     `toml:"recovery"`
	Archive      ArchiveConfig      `toml:"archive"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// TerminalConfig holds the trading terminal bridge endpoints and session
// parameters.
type TerminalConfig struct {
	FeedURL           string   `toml:"feed_url"`
	CommandURL        string   `toml:"command_url"`
	Token             string   `toml:"token"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	ReadTimeout       duration `toml:"read_timeout"`
	CommandsPerSecond int      `toml:"commands_per_second"`
	DedupTTL          duration `toml:"dedup_ttl"`
	// DryRun fills closes from cached prices instead of sending commands.
	DryRun bool `toml:"dry_run"`
	// SimSlippage is the adverse market-fill adjustment in dry-run mode.
	SimSlippage float64 `toml:"sim_slippage"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SymbolRates holds the per-side overnight swap rates for one instrument, in
// account currency per lot per day. Negative means the position pays.
type SymbolRates struct {
	Long  float64 `toml:"long"`
	Short float64 `toml:"short"`
}

// CostConfig holds the carrying-cost model parameters.
type CostConfig struct {
	// DefaultRate is the assumed per-lot daily cost for instruments missing
	// from the rates table.
	DefaultRate float64 `toml:"default_rate"`
	// TripleSwapDay is the weekday charged three days of swap, e.g.
	// "Wednesday".
	TripleSwapDay string                 `toml:"triple_swap_day"`
	Rates         map[string]SymbolRates `toml:"rates"`
}

// ScoringConfig holds the close-scoring thresholds and the scan schedule.
type ScoringConfig struct {
	ScanInterval          duration `toml:"scan_interval"`
	MinHoldingDays        int      `toml:"min_holding_days"`
	MaxHoldingDays        int      `toml:"max_holding_days"`
	ReferenceDailyCost    float64  `toml:"reference_daily_cost"`
	ReferenceHoldingDays  int      `toml:"reference_holding_days"`
	HighCostThreshold     float64  `toml:"high_cost_threshold"`
	ModerateCostThreshold float64  `toml:"moderate_cost_threshold"`
	LargeLoss             float64  `toml:"large_loss"`
	ModerateProfit        float64  `toml:"moderate_profit"`
	SavingsHorizonDays    int      `toml:"savings_horizon_days"`
}

// PrecheckConfig holds the pre-close gating thresholds.
type PrecheckConfig struct {
	StalenessMinutes        int     `toml:"staleness_minutes"`
	LossWarnPct             float64 `toml:"loss_warn_pct"`
	SpreadWarnPips          float64 `toml:"spread_warn_pips"`
	SpreadWaitPips          float64 `toml:"spread_wait_pips"`
	MarginCriticalPct       float64 `toml:"margin_critical_pct"`
	MarginWarnPct           float64 `toml:"margin_warn_pct"`
	PriceDeviationWarnPct   float64 `toml:"price_deviation_warn_pct"`
	PriceDeviationAdjustPct float64 `toml:"price_deviation_adjust_pct"`
	BatchMaxPositions       int     `toml:"batch_max_positions"`
	BatchMaxInstruments     int     `toml:"batch_max_instruments"`
	BatchMaxLots            float64 `toml:"batch_max_lots"`
	LotEpsilon              float64 `toml:"lot_epsilon"`
}

// ValidatorConfig holds the request validation thresholds.
type ValidatorConfig struct {
	MaxPriceDeviationPct float64 `toml:"max_price_deviation_pct"`
	LotEpsilon           float64 `toml:"lot_epsilon"`
}

// CloseConfig selects the targets for the one-shot close and batch modes.
type CloseConfig struct {
	// PositionID is the target of close mode; PairID optionally names the
	// other hedge leg to close alongside it.
	PositionID string `toml:"position_id"`
	PairID     string `toml:"pair_id"`
	// PositionIDs are the targets of batch mode. When empty, batch mode
	// closes the actionable proposals from a scan instead.
	PositionIDs []string `toml:"position_ids"`
	Mode        string   `toml:"mode"`
	LimitPrice  float64  `toml:"limit_price"`
	StopOnError bool     `toml:"stop_on_error"`
}

// OrchestratorConfig holds the close pipeline tunables.
type OrchestratorConfig struct {
	ExecutionTimeout duration `toml:"execution_timeout"`
	BatchItemDelay   duration `toml:"batch_item_delay"`
	PairDelay        duration `toml:"pair_delay"`
	ConcurrentPair   bool     `toml:"concurrent_pair"`
	// AutoClose executes immediate-urgency proposals without operator
	// confirmation. Applies to the close and full modes.
	AutoClose bool `toml:"auto_close"`
}

// RecoveryConfig holds the failure recovery tunables.
type RecoveryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	BaseDelay      duration `toml:"base_delay"`
	Multiplier     float64  `toml:"multiplier"`
	MaxDelay       duration `toml:"max_delay"`
	EnableFallback bool     `toml:"enable_fallback"`
	HistoryCap     int      `toml:"history_cap"`
}

// ArchiveConfig holds record archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Subjects          []string `toml:"subjects"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Terminal: TerminalConfig{
			FeedURL:           "ws://localhost:8765/feed",
			CommandURL:        "ws://localhost:8765/commands",
			HeartbeatInterval: duration{10 * time.Second},
			ReconnectDelay:    duration{2 * time.Second},
			ReadTimeout:       duration{30 * time.Second},
			CommandsPerSecond: 5,
			DedupTTL:          duration{2 * time.Minute},
			DryRun:            false,
			SimSlippage:       0,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "closebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    20,
			MaxRetries:  3,
			TLSEnabled:  false,
			SnapshotTTL: duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "closebot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Cost: CostConfig{
			DefaultRate:   2.0,
			TripleSwapDay: "Wednesday",
			Rates:         map[string]SymbolRates{},
		},
		Scoring: ScoringConfig{
			ScanInterval:          duration{15 * time.Minute},
			MinHoldingDays:        3,
			MaxHoldingDays:        30,
			ReferenceDailyCost:    20.0,
			ReferenceHoldingDays:  30,
			HighCostThreshold:     15.0,
			ModerateCostThreshold: 8.0,
			LargeLoss:             500.0,
			ModerateProfit:        200.0,
			SavingsHorizonDays:    30,
		},
		Precheck: PrecheckConfig{
			StalenessMinutes:        5,
			LossWarnPct:             10.0,
			SpreadWarnPips:          3.0,
			SpreadWaitPips:          5.0,
			MarginCriticalPct:       50.0,
			MarginWarnPct:           100.0,
			PriceDeviationWarnPct:   1.0,
			PriceDeviationAdjustPct: 3.0,
			BatchMaxPositions:       10,
			BatchMaxInstruments:     5,
			BatchMaxLots:            20.0,
			LotEpsilon:              0.01,
		},
		Validator: ValidatorConfig{
			MaxPriceDeviationPct: 5.0,
			LotEpsilon:           0.01,
		},
		Close: CloseConfig{
			Mode: "market",
		},
		Orchestrator: OrchestratorConfig{
			ExecutionTimeout: duration{10 * time.Second},
			BatchItemDelay:   duration{250 * time.Millisecond},
			PairDelay:        duration{100 * time.Millisecond},
			ConcurrentPair:   false,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:    3,
			BaseDelay:      duration{time.Second},
			Multiplier:     2.0,
			MaxDelay:       duration{10 * time.Second},
			EnableFallback: true,
			HistoryCap:     200,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Subjects: []string{"position closed", "close failed", "batch close completed", "close proposals"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"propose": true,
	"close":   true,
	"batch":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validWeekdays maps the accepted triple_swap_day spellings.
var validWeekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: propose, close, batch, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Terminal
	if !c.Terminal.DryRun {
		if c.Terminal.FeedURL == "" {
			errs = append(errs, "terminal: feed_url must not be empty")
		}
		if c.Terminal.CommandURL == "" {
			errs = append(errs, "terminal: command_url must not be empty")
		}
	}
	if c.Terminal.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "terminal: heartbeat_interval must be > 0")
	}
	if c.Terminal.ReadTimeout.Duration <= c.Terminal.HeartbeatInterval.Duration {
		errs = append(errs, "terminal: read_timeout must exceed heartbeat_interval")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Cost
	if !validWeekdays[strings.ToLower(c.Cost.TripleSwapDay)] {
		errs = append(errs, fmt.Sprintf("cost: unknown triple_swap_day %q", c.Cost.TripleSwapDay))
	}

	// Scoring
	if c.Scoring.ScanInterval.Duration <= 0 {
		errs = append(errs, "scoring: scan_interval must be > 0")
	}
	if c.Scoring.MinHoldingDays < 0 {
		errs = append(errs, "scoring: min_holding_days must be >= 0")
	}
	if c.Scoring.MaxHoldingDays <= c.Scoring.MinHoldingDays {
		errs = append(errs, "scoring: max_holding_days must exceed min_holding_days")
	}
	if c.Scoring.ReferenceDailyCost <= 0 {
		errs = append(errs, "scoring: reference_daily_cost must be > 0")
	}
	if c.Scoring.SavingsHorizonDays < 1 {
		errs = append(errs, "scoring: savings_horizon_days must be >= 1")
	}

	// Precheck
	if c.Precheck.StalenessMinutes < 1 {
		errs = append(errs, "precheck: staleness_minutes must be >= 1")
	}
	if c.Precheck.MarginCriticalPct > c.Precheck.MarginWarnPct {
		errs = append(errs, "precheck: margin_critical_pct must not exceed margin_warn_pct")
	}
	if c.Precheck.SpreadWarnPips > c.Precheck.SpreadWaitPips {
		errs = append(errs, "precheck: spread_warn_pips must not exceed spread_wait_pips")
	}
	if c.Precheck.BatchMaxPositions < 1 {
		errs = append(errs, "precheck: batch_max_positions must be >= 1")
	}

	// Close targets
	switch strings.ToLower(c.Close.Mode) {
	case "market", "limit":
	default:
		errs = append(errs, fmt.Sprintf("close: unknown mode %q (valid: market, limit)", c.Close.Mode))
	}
	if strings.ToLower(c.Close.Mode) == "limit" && c.Close.LimitPrice <= 0 {
		errs = append(errs, "close: limit_price must be > 0 for limit mode")
	}
	if strings.ToLower(c.Mode) == "close" && c.Close.PositionID == "" {
		errs = append(errs, "close: position_id is required in close mode")
	}

	// Orchestrator
	if c.Orchestrator.ExecutionTimeout.Duration <= 0 {
		errs = append(errs, "orchestrator: execution_timeout must be > 0")
	}

	// Recovery
	if c.Recovery.MaxAttempts < 0 {
		errs = append(errs, "recovery: max_attempts must be >= 0")
	}
	if c.Recovery.BaseDelay.Duration <= 0 {
		errs = append(errs, "recovery: base_delay must be > 0")
	}
	if c.Recovery.Multiplier < 1 {
		errs = append(errs, "recovery: multiplier must be >= 1")
	}
	if c.Recovery.MaxDelay.Duration < c.Recovery.BaseDelay.Duration {
		errs = append(errs, "recovery: max_delay must be >= base_delay")
	}

	// Notify — token and chat ID go together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

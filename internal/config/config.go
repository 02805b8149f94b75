// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHARB_* environment variables.
type Config struct {
	Chain     ChainConfig       `toml:"chain"`
	Wallet    WalletConfig      `toml:"wallet"`
	Assets    []AssetConfig     `toml:"assets"`
	Pools     []PoolConfig      `toml:"pools"`
	Adapters  map[string]string `toml:"adapters"`
	Monitor   MonitorConfig     `toml:"monitor"`
	Evaluator EvaluatorConfig   `toml:"evaluator"`
	Executor  ExecutorConfig    `toml:"executor"`
	Ledger    LedgerConfig      `toml:"ledger"`
	Postgres  PostgresConfig    `toml:"postgres"`
	SQLite    SQLiteConfig      `toml:"sqlite"`
	Redis     RedisConfig       `toml:"redis"`
	S3        S3Config          `toml:"s3"`
	Kafka     KafkaConfig       `toml:"kafka"`
	Server    ServerConfig      `toml:"server"`
	Notify    NotifyConfig      `toml:"notify"`
	Mode      string            `toml:"mode"`
	LogLevel  string            `toml:"log_level"`
}

// ChainConfig holds the RPC endpoint and settlement contract parameters.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	SettlementAddress string   `toml:"settlement_address"`
	ProfitReceiver    string   `toml:"profit_receiver"`
	GasLimit          uint64   `toml:"gas_limit"`
	RPCTimeout        duration `toml:"rpc_timeout"`
	RPCRateLimit      int      `toml:"rpc_rate_limit"` // requests per second, 0 disables
	TipMultiplier     float64  `toml:"tip_multiplier"`
	MaxFeeGwei        float64  `toml:"max_fee_gwei"`
}

// WalletConfig holds the signing key source.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// AssetConfig declares a token the engine prices or borrows.
type AssetConfig struct {
	ID          string  `toml:"id"`
	Address     string  `toml:"address"`
	Decimals    int     `toml:"decimals"`
	NativePrice float64 `toml:"native_price"`
}

// PoolConfig declares one pool. Mode is one of constant_product,
// concentrated or discrete_bin.
type PoolConfig struct {
	ID      string  `toml:"id"`
	Venue   string  `toml:"venue"`
	Address string  `toml:"address"`
	Asset0  string  `toml:"asset0"`
	Asset1  string  `toml:"asset1"`
	Mode    string  `toml:"mode"`
	FeeBps  float64 `toml:"fee_bps"`
	FeeTier int     `toml:"fee_tier"`
	BinStep int     `toml:"bin_step"`
}

// MonitorConfig controls the polling loop.
type MonitorConfig struct {
	PollInterval       duration `toml:"poll_interval"`
	DeltaThresholdBps  float64  `toml:"delta_threshold_bps"`
	MaxRetries         int      `toml:"max_retries"`
	BackoffBase        duration `toml:"backoff_base"`
	BackoffMax         duration `toml:"backoff_max"`
	LivenessAlarmAfter int      `toml:"liveness_alarm_after"`
	PublishSnapshots   bool     `toml:"publish_snapshots"`
}

// EvaluatorConfig holds sizing bounds and the cost model parameters. Amounts
// are in units of the borrow asset.
type EvaluatorConfig struct {
	MinInput         float64 `toml:"min_input"`
	MaxInput         float64 `toml:"max_input"`
	SearchIterations int     `toml:"search_iterations"`
	BorrowFeeBps     float64 `toml:"borrow_fee_bps"`
	ExecutionCost    float64 `toml:"execution_cost"`
	SafetyMargin     float64 `toml:"safety_margin"`
	ProfitFloor      float64 `toml:"profit_floor"`
	MaxSnapshotAge   int     `toml:"max_snapshot_age"`
	MaxDepthFraction float64 `toml:"max_depth_fraction"`
	SlippageBps      float64 `toml:"slippage_bps"`
}

// ExecutorConfig controls submission, confirmation and the circuit breaker.
type ExecutorConfig struct {
	FailureThreshold    int      `toml:"failure_threshold"`
	Cooldown            duration `toml:"cooldown"`
	ConfirmTimeout      duration `toml:"confirm_timeout"`
	ReceiptPollInterval duration `toml:"receipt_poll_interval"`
	FreshnessBudget     int      `toml:"freshness_budget"`
	SimulateTimeout     duration `toml:"simulate_timeout"`
	BroadcastRetries    int      `toml:"broadcast_retries"`
	DedupTTL            duration `toml:"dedup_ttl"`
	LockTTL             duration `toml:"lock_ttl"`
	// UnresolvedAlarmAfter consecutive nonce_unresolved skips raise the
	// nonce_stuck alarm. 0 disables it.
	UnresolvedAlarmAfter int `toml:"unresolved_alarm_after"`
}

// LedgerConfig selects the ledger backend and its periodic jobs.
type LedgerConfig struct {
	Backend            string   `toml:"backend"`
	ReconcileTolerance float64  `toml:"reconcile_tolerance"`
	ReconcileInterval  duration `toml:"reconcile_interval"`
	SummaryInterval    duration `toml:"summary_interval"`
	ArchiveInterval    duration `toml:"archive_interval"`
	ArchiveRetention   duration `toml:"archive_retention"`
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

// SQLiteConfig holds the single-host ledger database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// engine with an in-process bus and lock instead.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for ledger archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the outcome stream parameters.
type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`
	Brokers     []string `toml:"brokers"`
	Topic       string   `toml:"topic"`
	EnsureTopic bool     `toml:"ensure_topic"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			ChainID:       8453,
			GasLimit:      900_000,
			RPCTimeout:    duration{3 * time.Second},
			TipMultiplier: 1.2,
			MaxFeeGwei:    5,
		},
		Adapters: map[string]string{},
		Monitor: MonitorConfig{
			PollInterval:       duration{2 * time.Second},
			DeltaThresholdBps:  30,
			MaxRetries:         3,
			BackoffBase:        duration{200 * time.Millisecond},
			BackoffMax:         duration{5 * time.Second},
			LivenessAlarmAfter: 5,
			PublishSnapshots:   true,
		},
		Evaluator: EvaluatorConfig{
			MinInput:         1,
			MaxInput:         1_000,
			SearchIterations: 24,
			BorrowFeeBps:     5,
			ExecutionCost:    0.05,
			SafetyMargin:     0,
			ProfitFloor:      0.10,
			MaxSnapshotAge:   2,
			MaxDepthFraction: 0.05,
			SlippageBps:      30,
		},
		Executor: ExecutorConfig{
			FailureThreshold:    5,
			Cooldown:            duration{0},
			ConfirmTimeout:      duration{30 * time.Second},
			ReceiptPollInterval: duration{500 * time.Millisecond},
			FreshnessBudget:     1,
			SimulateTimeout:     duration{2 * time.Second},
			BroadcastRetries:    3,
			DedupTTL:            duration{30 * time.Second},
			LockTTL:             duration{15 * time.Second},

			UnresolvedAlarmAfter: 10,
		},
		Ledger: LedgerConfig{
			Backend:            "sqlite",
			ReconcileTolerance: 0.01,
			ReconcileInterval:  duration{15 * time.Minute},
			SummaryInterval:    duration{time.Hour},
			ArchiveInterval:    duration{24 * time.Hour},
			ArchiveRetention:   duration{30 * 24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flasharb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "data/flasharb.db",
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flasharb-ledger",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "flasharb.outcomes",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"circuit_tripped", "circuit_reset", "liveness_alarm", "nonce_stuck", "summary", "reconcile_drift"},
		},
		Mode:     "observe",
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

var validPoolModes = map[string]bool{
	"constant_product": true,
	"concentrated":     true,
	"discrete_bin":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Mode) {
	case "observe", "simulate", "live":
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: observe, simulate, live)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.RPCTimeout.Duration <= 0 {
		errs = append(errs, "chain: rpc_timeout must be > 0")
	}
	needsSettlement := c.Mode == "simulate" || c.Mode == "live"
	if needsSettlement {
		if !common.IsHexAddress(c.Chain.SettlementAddress) {
			errs = append(errs, fmt.Sprintf("chain: settlement_address %q is not a hex address", c.Chain.SettlementAddress))
		}
		if c.Chain.GasLimit == 0 {
			errs = append(errs, "chain: gas_limit must be > 0")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}
	if c.Chain.ProfitReceiver != "" && !common.IsHexAddress(c.Chain.ProfitReceiver) {
		errs = append(errs, fmt.Sprintf("chain: profit_receiver %q is not a hex address", c.Chain.ProfitReceiver))
	}

	// Assets and pools. Deep descriptor validation happens in venue.New; this
	// catches what can be checked without cross-referencing.
	if len(c.Assets) == 0 {
		errs = append(errs, "assets: at least one asset must be declared")
	}
	for i, a := range c.Assets {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("assets[%d]: id must not be empty", i))
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("assets[%d]: decimals must be 0-36, got %d", i, a.Decimals))
		}
	}
	if len(c.Pools) < 2 {
		errs = append(errs, "pools: at least two pools are required to form a pair")
	}
	for i, p := range c.Pools {
		if !validPoolModes[p.Mode] {
			errs = append(errs, fmt.Sprintf("pools[%d]: unknown mode %q (valid: constant_product, concentrated, discrete_bin)", i, p.Mode))
		}
	}
	if needsSettlement {
		for venue, addr := range c.Adapters {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("adapters: %s address %q is not a hex address", venue, addr))
			}
		}
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval must be > 0")
	}
	if c.Monitor.DeltaThresholdBps <= 0 {
		errs = append(errs, "monitor: delta_threshold_bps must be > 0")
	}
	if c.Monitor.MaxRetries < 0 {
		errs = append(errs, "monitor: max_retries must be >= 0")
	}
	if c.Monitor.LivenessAlarmAfter < 1 {
		errs = append(errs, "monitor: liveness_alarm_after must be >= 1")
	}

	// Evaluator
	if c.Evaluator.MinInput <= 0 {
		errs = append(errs, "evaluator: min_input must be > 0")
	}
	if c.Evaluator.MaxInput < c.Evaluator.MinInput {
		errs = append(errs, "evaluator: max_input must be >= min_input")
	}
	if c.Evaluator.SearchIterations < 1 || c.Evaluator.SearchIterations > 64 {
		errs = append(errs, "evaluator: search_iterations must be 1-64")
	}
	if c.Evaluator.BorrowFeeBps < 0 {
		errs = append(errs, "evaluator: borrow_fee_bps must be >= 0")
	}
	if c.Evaluator.ExecutionCost < 0 || c.Evaluator.SafetyMargin < 0 {
		errs = append(errs, "evaluator: execution_cost and safety_margin must be >= 0")
	}
	if c.Evaluator.ProfitFloor < 0 {
		errs = append(errs, "evaluator: profit_floor must be >= 0")
	}
	if c.Evaluator.MaxSnapshotAge < 0 {
		errs = append(errs, "evaluator: max_snapshot_age must be >= 0")
	}
	if c.Evaluator.MaxDepthFraction <= 0 || c.Evaluator.MaxDepthFraction > 1 {
		errs = append(errs, "evaluator: max_depth_fraction must be in (0, 1]")
	}
	if c.Evaluator.SlippageBps < 0 || c.Evaluator.SlippageBps >= 10_000 {
		errs = append(errs, "evaluator: slippage_bps must be in [0, 10000)")
	}

	// Executor
	if c.Executor.FailureThreshold < 1 {
		errs = append(errs, "executor: failure_threshold must be >= 1")
	}
	if c.Executor.Cooldown.Duration < 0 {
		errs = append(errs, "executor: cooldown must be >= 0 (0 disables automatic reset)")
	}
	if c.Executor.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "executor: confirm_timeout must be > 0")
	}
	if c.Executor.ReceiptPollInterval.Duration <= 0 {
		errs = append(errs, "executor: receipt_poll_interval must be > 0")
	}
	if c.Executor.FreshnessBudget < 0 {
		errs = append(errs, "executor: freshness_budget must be >= 0")
	}
	if c.Executor.UnresolvedAlarmAfter < 0 {
		errs = append(errs, "executor: unresolved_alarm_after must be >= 0 (0 disables the alarm)")
	}

	// Ledger
	if !validBackends[c.Ledger.Backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: postgres, sqlite, memory)", c.Ledger.Backend))
	}
	if c.Ledger.Backend == "memory" && c.Mode == "live" {
		errs = append(errs, "ledger: memory backend cannot persist the nonce journal; use postgres or sqlite in live mode")
	}
	if c.Ledger.ReconcileTolerance < 0 {
		errs = append(errs, "ledger: reconcile_tolerance must be >= 0")
	}

	// Postgres
	if c.Ledger.Backend == "postgres" {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Ledger.Backend == "sqlite" && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty")
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: at least one broker is required when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Pools, assets and adapters are only configurable through the file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FLASHARB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "FLASHARB_CHAIN_ID")
	setStr(&cfg.Chain.SettlementAddress, "FLASHARB_CHAIN_SETTLEMENT_ADDRESS")
	setStr(&cfg.Chain.ProfitReceiver, "FLASHARB_CHAIN_PROFIT_RECEIVER")
	setUint64(&cfg.Chain.GasLimit, "FLASHARB_CHAIN_GAS_LIMIT")
	setDuration(&cfg.Chain.RPCTimeout, "FLASHARB_CHAIN_RPC_TIMEOUT")
	setInt(&cfg.Chain.RPCRateLimit, "FLASHARB_CHAIN_RPC_RATE_LIMIT")
	setFloat64(&cfg.Chain.TipMultiplier, "FLASHARB_CHAIN_TIP_MULTIPLIER")
	setFloat64(&cfg.Chain.MaxFeeGwei, "FLASHARB_CHAIN_MAX_FEE_GWEI")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FLASHARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FLASHARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FLASHARB_WALLET_KEY_PASSWORD")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "FLASHARB_MONITOR_POLL_INTERVAL")
	setFloat64(&cfg.Monitor.DeltaThresholdBps, "FLASHARB_MONITOR_DELTA_THRESHOLD_BPS")
	setInt(&cfg.Monitor.MaxRetries, "FLASHARB_MONITOR_MAX_RETRIES")
	setInt(&cfg.Monitor.LivenessAlarmAfter, "FLASHARB_MONITOR_LIVENESS_ALARM_AFTER")

	// ── Evaluator ──
	setFloat64(&cfg.Evaluator.MinInput, "FLASHARB_EVALUATOR_MIN_INPUT")
	setFloat64(&cfg.Evaluator.MaxInput, "FLASHARB_EVALUATOR_MAX_INPUT")
	setInt(&cfg.Evaluator.SearchIterations, "FLASHARB_EVALUATOR_SEARCH_ITERATIONS")
	setFloat64(&cfg.Evaluator.BorrowFeeBps, "FLASHARB_EVALUATOR_BORROW_FEE_BPS")
	setFloat64(&cfg.Evaluator.ExecutionCost, "FLASHARB_EVALUATOR_EXECUTION_COST")
	setFloat64(&cfg.Evaluator.SafetyMargin, "FLASHARB_EVALUATOR_SAFETY_MARGIN")
	setFloat64(&cfg.Evaluator.ProfitFloor, "FLASHARB_EVALUATOR_PROFIT_FLOOR")
	setInt(&cfg.Evaluator.MaxSnapshotAge, "FLASHARB_EVALUATOR_MAX_SNAPSHOT_AGE")
	setFloat64(&cfg.Evaluator.MaxDepthFraction, "FLASHARB_EVALUATOR_MAX_DEPTH_FRACTION")
	setFloat64(&cfg.Evaluator.SlippageBps, "FLASHARB_EVALUATOR_SLIPPAGE_BPS")

	// ── Executor ──
	setInt(&cfg.Executor.FailureThreshold, "FLASHARB_EXECUTOR_FAILURE_THRESHOLD")
	setDuration(&cfg.Executor.Cooldown, "FLASHARB_EXECUTOR_COOLDOWN")
	setDuration(&cfg.Executor.ConfirmTimeout, "FLASHARB_EXECUTOR_CONFIRM_TIMEOUT")
	setInt(&cfg.Executor.FreshnessBudget, "FLASHARB_EXECUTOR_FRESHNESS_BUDGET")
	setInt(&cfg.Executor.BroadcastRetries, "FLASHARB_EXECUTOR_BROADCAST_RETRIES")
	setInt(&cfg.Executor.UnresolvedAlarmAfter, "FLASHARB_EXECUTOR_UNRESOLVED_ALARM_AFTER")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "FLASHARB_LEDGER_BACKEND")
	setFloat64(&cfg.Ledger.ReconcileTolerance, "FLASHARB_LEDGER_RECONCILE_TOLERANCE")
	setDuration(&cfg.Ledger.SummaryInterval, "FLASHARB_LEDGER_SUMMARY_INTERVAL")
	setDuration(&cfg.Ledger.ArchiveInterval, "FLASHARB_LEDGER_ARCHIVE_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FLASHARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHARB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHARB_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "FLASHARB_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLASHARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLASHARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLASHARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHARB_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "FLASHARB_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "FLASHARB_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "FLASHARB_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLASHARB_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHARB_MODE")
	setStr(&cfg.LogLevel, "FLASHARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SchedulerMode selects between the scheduler's two batch-selection
// strategies.
type SchedulerMode string

const (
	SchedulerModePriority SchedulerMode = "priority"
	SchedulerModeRotation SchedulerMode = "rotation"
)

// Config is the single typed configuration for the whole engine, loaded
// once at startup. Components receive only the subset they need.
type Config struct {
	// Upstream RPC
	RPCURL   string
	RPCWSURL string

	// Initial tracked set
	Wallets []string

	// Listener
	PollIntervalSec  time.Duration
	QueueMaxSize     int
	DebounceSec      time.Duration
	RPCRatePerSec    float64
	ReconnectMinSec  time.Duration
	ReconnectMaxSec  time.Duration

	// Scheduler
	ScanIntervalSec   time.Duration
	MaxWalletsPerCycle int
	SchedulerMode     SchedulerMode
	RotationKWatchlist int
	RotationKNormal    int

	// Worker
	Concurrency          int
	MaxTxHistory         int
	HeartbeatIntervalSec time.Duration

	// Alerts
	CooldownSec time.Duration

	// Publisher
	PublishIntervalSec time.Duration
	ScoreDeltaThreshold float64
	MaxTxPerMinute      int
	ConfirmTimeoutSec   time.Duration
	DryRun              bool

	// Oracle
	OracleCacheTTLSec    time.Duration
	OracleRateLimitCount int
	OracleRateLimitWindow time.Duration

	// Store
	DBPath string

	// Ambient
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:   envOr("RPC_URL", "https://api.mainnet-beta.solana.com"),
		RPCWSURL: envOr("RPC_WS_URL", "wss://api.mainnet-beta.solana.com"),

		Wallets: splitTrim(os.Getenv("WALLETS")),

		PollIntervalSec: time.Duration(envInt("POLL_INTERVAL_SEC", 45)) * time.Second,
		QueueMaxSize:    envInt("QUEUE_MAXSIZE", 8192),
		DebounceSec:     time.Duration(envFloat("DEBOUNCE_SEC", 1.0) * float64(time.Second)),
		RPCRatePerSec:   envFloat("RPC_RATE_PER_SEC", 8.0),
		ReconnectMinSec: time.Duration(envInt("RECONNECT_MIN_SEC", 1)) * time.Second,
		ReconnectMaxSec: time.Duration(envInt("RECONNECT_MAX_SEC", 60)) * time.Second,

		ScanIntervalSec:    time.Duration(envInt("SCAN_INTERVAL_SEC", 30)) * time.Second,
		MaxWalletsPerCycle: envInt("MAX_WALLETS_PER_CYCLE", 2000),
		SchedulerMode:      SchedulerMode(envOr("SCHEDULER_MODE", string(SchedulerModePriority))),
		RotationKWatchlist: envInt("ROTATION_K_WATCHLIST", 2),
		RotationKNormal:    envInt("ROTATION_K_NORMAL", 4),

		Concurrency:          envInt("CONCURRENCY", 8),
		MaxTxHistory:         envInt("MAX_TX_HISTORY", 500),
		HeartbeatIntervalSec: time.Duration(envInt("HEARTBEAT_INTERVAL_SEC", 30)) * time.Second,

		CooldownSec: time.Duration(envInt("COOLDOWN_SEC", 3600)) * time.Second,

		PublishIntervalSec:  time.Duration(envInt("PUBLISH_INTERVAL_SEC", 60)) * time.Second,
		ScoreDeltaThreshold: envFloat("SCORE_DELTA_THRESHOLD", 3.0),
		MaxTxPerMinute:      envInt("MAX_TX_PER_MINUTE", 10),
		ConfirmTimeoutSec:   time.Duration(envInt("CONFIRM_TIMEOUT_SEC", 30)) * time.Second,
		DryRun:              envOr("DRY_RUN", "false") == "true",

		OracleCacheTTLSec:     time.Duration(envInt("ORACLE_CACHE_TTL_SEC", 60)) * time.Second,
		OracleRateLimitCount:  envInt("ORACLE_RATE_LIMIT_COUNT", 100),
		OracleRateLimitWindow: time.Duration(envInt("ORACLE_RATE_LIMIT_WINDOW_SEC", 60)) * time.Second,

		DBPath:   envOr("DB_PATH", "trust_engine.db"),
		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate enforces the fatal-config-error exit path (exit code 1).
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL must not be empty")
	}
	if c.SchedulerMode != SchedulerModePriority && c.SchedulerMode != SchedulerModeRotation {
		return fmt.Errorf("invalid SCHEDULER_MODE %q: must be %q or %q", c.SchedulerMode, SchedulerModePriority, SchedulerModeRotation)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be >= 1")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

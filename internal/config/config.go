// Package config defines all configuration for the pipeline processes.
// Config is loaded from an optional YAML file with every key overridable
// via its canonical environment variable (DATABASE_URL, REDIS_URL, RPC_URL,
// WSS_URL, CONTRACT_ADDR, PRIVATE_KEY, TRADER_*, ...).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, built once at startup and passed
// by value to every worker.
type Config struct {
	// RetryMax is the single RETRY_MAX knob: both the RPC backoff cap and
	// the failed-epoch retry cap read it.
	RetryMax int `mapstructure:"retry_max"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Predict  PredictConfig  `mapstructure:"predict"`
	Trader   TraderConfig   `mapstructure:"trader"`
	Seed     SeedConfig     `mapstructure:"seed"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig holds the relational store connection settings. One
// transaction per epoch sync holds one pooled connection for its duration.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MaxConns     int           `mapstructure:"max_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnTimeout  time.Duration `mapstructure:"conn_timeout"`
	StmtTimeout  time.Duration `mapstructure:"stmt_timeout"`
}

// RedisConfig holds the buffer/bus/lock backend address.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ChainConfig holds chain endpoints and the prediction contract address.
// PrivateKey is only read by the trader and never logged.
type ChainConfig struct {
	RPCURL       string `mapstructure:"rpc_url"`
	WSSURL       string `mapstructure:"wss_url"`
	ContractAddr string `mapstructure:"contract_addr"`
	PrivateKey   string `mapstructure:"private_key"`
	CallDelayMS  int    `mapstructure:"call_delay_ms"` // min spacing between filter queries
}

// CallDelay returns the RPC pacing interval as a duration.
func (c ChainConfig) CallDelay() time.Duration {
	return time.Duration(c.CallDelayMS) * time.Millisecond
}

// BufferConfig names the durable stream and its consumer group.
type BufferConfig struct {
	Stream    string `mapstructure:"stream"`
	Group     string `mapstructure:"group"`
	Consumer  string `mapstructure:"consumer"`
	BatchSize int    `mapstructure:"batch_size"`
}

// SyncConfig tunes the reconciliation side.
type SyncConfig struct {
	CacheMax int `mapstructure:"cache_max"` // block-timestamp + round LRU capacity
}

// PredictConfig tunes the live prediction aggregator.
type PredictConfig struct {
	FinalAdvanceMS int64 `mapstructure:"final_advance_ms"` // final revision fires this long before lock
}

// TraderConfig enumerates every trader knob. Defaults are deliberately
// inert: disabled, dry-run, high-confidence only.
type TraderConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	DryRun        bool    `mapstructure:"dry_run"`
	Amount        string  `mapstructure:"amount"` // bet value, decimal string
	MinConfidence string  `mapstructure:"min_confidence"`
	SideFilter    string  `mapstructure:"side_filter"` // UP, DOWN, or any
	DeltaMS       int64   `mapstructure:"delta_ms"`    // 0 = follow predict.final_advance_ms
	GasBump       float64 `mapstructure:"gas_bump"`
	ArmEnabled    bool    `mapstructure:"arm_enabled"`
	ArmSlopeMin   float64 `mapstructure:"arm_slope_min"`
	ArmVolumeMin  float64 `mapstructure:"arm_volume_min"`
	ArmUpdiffMin  float64 `mapstructure:"arm_updiff_min"`
	ArmMaxAgeMS   int64   `mapstructure:"arm_max_age_ms"`
}

// AmountDecimal parses the configured bet value. Validate guarantees it
// parses, so callers may ignore the error after startup.
func (t TraderConfig) AmountDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Amount)
}

// SeedConfig bootstraps an empty store: when Epoch is set and no finalized
// rounds exist yet, the reconciler syncs exactly this epoch with the given
// explicit block range before the data-driven estimator takes over.
type SeedConfig struct {
	Epoch     int64  `mapstructure:"epoch"`
	FromBlock uint64 `mapstructure:"from_block"`
	ToBlock   uint64 `mapstructure:"to_block"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the optional Prometheus listener. Empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// envBindings maps config keys to their canonical environment names.
var envBindings = map[string]string{
	"retry_max":                "RETRY_MAX",
	"database.url":             "DATABASE_URL",
	"redis.url":                "REDIS_URL",
	"chain.rpc_url":            "RPC_URL",
	"chain.wss_url":            "WSS_URL",
	"chain.contract_addr":      "CONTRACT_ADDR",
	"chain.call_delay_ms":      "RPC_CALL_DELAY_MS",
	"buffer.stream":            "BUFFER_STREAM",
	"buffer.group":             "BUFFER_GROUP",
	"buffer.consumer":          "BUFFER_CONSUMER",
	"buffer.batch_size":        "BATCH_SIZE",
	"sync.cache_max":           "CACHE_MAX",
	"predict.final_advance_ms": "FINAL_ADVANCE_MS",
	"trader.enabled":           "TRADER_ENABLED",
	"trader.dry_run":           "TRADER_DRY_RUN",
	"trader.amount":            "TRADER_AMOUNT",
	"trader.min_confidence":    "TRADER_MIN_CONFIDENCE",
	"trader.side_filter":       "TRADER_SIDE_FILTER",
	"trader.delta_ms":          "TRADER_DELTA_MS",
	"trader.gas_bump":          "TRADER_GAS_BUMP",
	"trader.arm_enabled":       "TRADER_ARM_ENABLED",
	"trader.arm_slope_min":     "TRADER_ARM_SLOPE_MIN",
	"trader.arm_volume_min":    "TRADER_ARM_VOLUME_MIN",
	"trader.arm_updiff_min":    "TRADER_ARM_UPDIFF_MIN",
	"trader.arm_max_age_ms":    "TRADER_ARM_MAX_AGE_MS",
	"seed.epoch":               "SEED_EPOCH",
	"seed.from_block":          "SEED_FROM_BLOCK",
	"seed.to_block":            "SEED_TO_BLOCK",
	"logging.level":            "LOG_LEVEL",
	"logging.format":           "LOG_FORMAT",
	"metrics.addr":             "METRICS_ADDR",
}

// Load reads config from an optional YAML file, applies defaults, and lets
// environment variables override everything. PRIVATE_KEY is applied last
// from the environment so it never has to live in a file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PRIVATE_KEY"); key != "" {
		cfg.Chain.PrivateKey = key
	}
	if cfg.Buffer.Consumer == "" {
		cfg.Buffer.Consumer = defaultConsumerName()
	}
	if cfg.Trader.DeltaMS == 0 {
		cfg.Trader.DeltaMS = cfg.Predict.FinalAdvanceMS
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("retry_max", 3)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_timeout", "10s")
	v.SetDefault("database.stmt_timeout", "60s")
	v.SetDefault("chain.call_delay_ms", 200)
	v.SetDefault("buffer.stream", "bet_stream")
	v.SetDefault("buffer.group", "bet_processors")
	v.SetDefault("buffer.batch_size", 100)
	v.SetDefault("sync.cache_max", 5000)
	v.SetDefault("predict.final_advance_ms", 5000)
	v.SetDefault("trader.enabled", false)
	v.SetDefault("trader.dry_run", true)
	v.SetDefault("trader.amount", "0.001")
	v.SetDefault("trader.min_confidence", "high")
	v.SetDefault("trader.side_filter", "any")
	v.SetDefault("trader.gas_bump", 1.2)
	v.SetDefault("trader.arm_enabled", true)
	v.SetDefault("trader.arm_slope_min", 0.05)
	v.SetDefault("trader.arm_volume_min", 1.5)
	v.SetDefault("trader.arm_updiff_min", 0.10)
	v.SetDefault("trader.arm_max_age_ms", 30000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Validate checks the fields every process needs. Endpoint requirements
// that differ per process are covered by the Require* helpers.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set REDIS_URL)")
	}
	if c.RetryMax < 1 {
		return fmt.Errorf("retry_max must be >= 1")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be >= 1")
	}
	if c.Buffer.Stream == "" || c.Buffer.Group == "" {
		return fmt.Errorf("buffer.stream and buffer.group must be non-empty")
	}
	if c.Buffer.BatchSize < 1 {
		return fmt.Errorf("buffer.batch_size must be >= 1")
	}
	if c.Sync.CacheMax < 1 {
		return fmt.Errorf("sync.cache_max must be >= 1")
	}
	if c.Predict.FinalAdvanceMS < 500 {
		return fmt.Errorf("predict.final_advance_ms must be >= 500")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	switch c.Trader.MinConfidence {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("trader.min_confidence must be one of: low, medium, high")
	}
	switch c.Trader.SideFilter {
	case "UP", "DOWN", "any":
	default:
		return fmt.Errorf("trader.side_filter must be one of: UP, DOWN, any")
	}
	if _, err := c.Trader.AmountDecimal(); err != nil {
		return fmt.Errorf("trader.amount is not a valid decimal: %w", err)
	}
	if c.Trader.GasBump < 1.0 {
		return fmt.Errorf("trader.gas_bump must be >= 1.0")
	}
	if (c.Seed.Epoch != 0) != (c.Seed.ToBlock != 0) {
		return fmt.Errorf("seed.epoch and seed.to_block must be set together")
	}
	if c.Seed.ToBlock != 0 && c.Seed.FromBlock >= c.Seed.ToBlock {
		return fmt.Errorf("seed.from_block must be < seed.to_block")
	}
	return nil
}

// RequireRPC ensures the request/response chain endpoint is configured.
func (c *Config) RequireRPC() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set RPC_URL)")
	}
	if c.Chain.ContractAddr == "" {
		return fmt.Errorf("chain.contract_addr is required (set CONTRACT_ADDR)")
	}
	return nil
}

// RequireWSS ensures the push-socket endpoint is configured (ingester).
func (c *Config) RequireWSS() error {
	if c.Chain.WSSURL == "" {
		return fmt.Errorf("chain.wss_url is required (set WSS_URL)")
	}
	if c.Chain.ContractAddr == "" {
		return fmt.Errorf("chain.contract_addr is required (set CONTRACT_ADDR)")
	}
	return nil
}

// RequireSigner ensures a private key is present whenever the trader is
// enabled. Dry-run still reserves nonces against the wallet address, so it
// needs the key too. The key value itself is never logged.
func (c *Config) RequireSigner() error {
	if c.Trader.Enabled && c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required when the trader is enabled (set PRIVATE_KEY)")
	}
	return nil
}

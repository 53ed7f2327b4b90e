// Package config defines all configuration for the ingestion daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via PUMP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Store     StoreConfig     `mapstructure:"store"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	SolPrice  SolPriceConfig  `mapstructure:"sol_price"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StreamConfig holds the upstream Geyser endpoint and reconnect policy.
//
//   - Endpoint/APIKey: the gRPC feed (x-token header auth).
//   - MaxConnections: size of the shared connection pool (provider-limited).
//   - ReconnectDelay/MaxReconnectDelay: exponential backoff base and cap.
//   - SubscribeMinInterval: minimum gap between outbound subscription writes.
//   - HealthCheckInterval: heartbeat window before a connection is declared
//     dead and its monitors migrated.
type StreamConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	APIKey               string        `mapstructure:"api_key"`
	Commitment           string        `mapstructure:"commitment"`
	MaxConnections       int           `mapstructure:"max_connections"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	SubscribeMinInterval time.Duration `mapstructure:"subscribe_min_interval"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
}

// StoreConfig holds the PostgreSQL connection pool settings.
type StoreConfig struct {
	DSN               string        `mapstructure:"dsn"`
	PoolSize          int           `mapstructure:"pool_size"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// BatchConfig tunes the database batch writer.
//
//   - Size/Interval: flush when the queue reaches Size or every Interval.
//   - SaveInterval: how often the trade handler drains its pending buffer
//     into the writer.
//   - MaxFlushRetry: transient-error retries before a batch is requeued.
type BatchConfig struct {
	Size          int           `mapstructure:"size"`
	Interval      time.Duration `mapstructure:"interval"`
	SaveInterval  time.Duration `mapstructure:"save_interval"`
	MaxFlushRetry int           `mapstructure:"max_flush_retry"`
}

// DiscoveryConfig gates which tokens get persisted.
//
//   - BCSaveThreshold: min USD market cap for a bonding-curve token.
//   - AMMSaveThreshold: min USD market cap for an AMM token.
//   - SaveAllTokens: bypass both thresholds.
type DiscoveryConfig struct {
	BCSaveThreshold  float64 `mapstructure:"bc_save_threshold"`
	AMMSaveThreshold float64 `mapstructure:"amm_save_threshold"`
	SaveAllTokens    bool    `mapstructure:"save_all_tokens"`
}

// SolPriceConfig controls the SOL/USD reference price service.
// The WS stream is primary; the REST endpoint is polled as fallback.
type SolPriceConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	RestURL        string        `mapstructure:"rest_url"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	InitialPrice   float64       `mapstructure:"initial_price"`
}

// PublishConfig controls republishing of lifecycle/trade events over NATS
// for the external WebSocket fan-out server.
type PublishConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	NatsURL       string        `mapstructure:"nats_url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the health/metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PUMP_STREAM_API_KEY, PUMP_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("PUMP_STREAM_API_KEY"); key != "" {
		cfg.Stream.APIKey = key
	}
	if dsn := os.Getenv("PUMP_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("PUMP_SAVE_ALL_TOKENS") == "true" || os.Getenv("PUMP_SAVE_ALL_TOKENS") == "1" {
		cfg.Discovery.SaveAllTokens = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.commitment", "confirmed")
	v.SetDefault("stream.max_connections", 2)
	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.max_reconnect_delay", 60*time.Second)
	v.SetDefault("stream.subscribe_min_interval", 2*time.Second)
	v.SetDefault("stream.health_check_interval", 30*time.Second)

	v.SetDefault("store.pool_size", 10)
	v.SetDefault("store.idle_timeout", 30*time.Second)
	v.SetDefault("store.connection_timeout", 5*time.Second)

	v.SetDefault("batch.size", 50)
	v.SetDefault("batch.interval", 250*time.Millisecond)
	v.SetDefault("batch.save_interval", time.Second)
	v.SetDefault("batch.max_flush_retry", 3)

	v.SetDefault("discovery.bc_save_threshold", 8888.0)
	v.SetDefault("discovery.amm_save_threshold", 1000.0)
	v.SetDefault("discovery.save_all_tokens", false)

	v.SetDefault("sol_price.update_interval", 5*time.Second)

	v.SetDefault("publish.subject_prefix", "pump")
	v.SetDefault("publish.max_reconnects", -1)
	v.SetDefault("publish.reconnect_wait", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Stream.Endpoint == "" {
		return fmt.Errorf("stream.endpoint is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set PUMP_STORE_DSN)")
	}
	if c.Stream.MaxConnections <= 0 {
		return fmt.Errorf("stream.max_connections must be > 0")
	}
	if c.Stream.ReconnectDelay <= 0 || c.Stream.MaxReconnectDelay < c.Stream.ReconnectDelay {
		return fmt.Errorf("stream reconnect delays must satisfy 0 < reconnect_delay <= max_reconnect_delay")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0")
	}
	if c.Batch.Interval <= 0 {
		return fmt.Errorf("batch.interval must be > 0")
	}
	if c.Discovery.BCSaveThreshold < 0 || c.Discovery.AMMSaveThreshold < 0 {
		return fmt.Errorf("discovery thresholds must be >= 0")
	}
	if c.Store.PoolSize <= 0 {
		return fmt.Errorf("store.pool_size must be > 0")
	}
	if c.Publish.Enabled && c.Publish.NatsURL == "" {
		return fmt.Errorf("publish.nats_url is required when publish.enabled")
	}
	switch c.Stream.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("stream.commitment must be one of: processed, confirmed, finalized")
	}
	return nil
}

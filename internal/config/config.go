// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Batching    BatchingConfig    `mapstructure:"batching"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Sinks       SinksConfig       `mapstructure:"sinks"`
	Exchanges   ExchangesConfig   `mapstructure:"exchanges"`
	Alerts      AlertConfig       `mapstructure:"alert_thresholds"`
	Baseline    BaselineConfig    `mapstructure:"performance_baseline"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	TUIMode     bool   `mapstructure:"-"` // Set at runtime, not from config file
}

// BatchingConfig controls whether sinks are wrapped in batch sinks.
type BatchingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BatchSize    int           `mapstructure:"batch_size"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// PerformanceConfig holds engine tuning parameters.
type PerformanceConfig struct {
	Workers               int           `mapstructure:"workers"` // 0 = NumCPU
	MaxQueueSize          int           `mapstructure:"max_queue_size"`
	ProcessingTimeout     time.Duration `mapstructure:"processing_timeout"`
	EnableBackpressure    bool          `mapstructure:"enable_backpressure"`
	BackpressureThreshold int           `mapstructure:"backpressure_threshold"`
}

// MonitoringConfig holds metrics emission settings.
type MonitoringConfig struct {
	EnableMetrics         bool          `mapstructure:"enable_metrics"`
	MetricsInterval       time.Duration `mapstructure:"metrics_interval"`
	EnableLatencyTracking bool          `mapstructure:"enable_latency_tracking"`
	ScoreWeights          ScoreWeights  `mapstructure:"score_weights"`
}

// ScoreWeights holds the weighted components of the performance score.
type ScoreWeights struct {
	Latency    float64 `mapstructure:"latency"`
	Throughput float64 `mapstructure:"throughput"`
	Success    float64 `mapstructure:"success"`
	Stability  float64 `mapstructure:"stability"`
}

// PoolConfig holds WebSocket connection pool settings.
type PoolConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	EnableBatching    bool          `mapstructure:"enable_batching"`
	BatchSize         int           `mapstructure:"batch_size"`
	MemoryThreshold   uint64        `mapstructure:"memory_threshold"` // bytes of RSS
	InboundRateLimit  int           `mapstructure:"inbound_rate_limit"`
}

// BrokerConfig holds NATS broker settings.
type BrokerConfig struct {
	URL           string        `mapstructure:"url"`
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

// CacheConfig holds Redis cache settings.
type CacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"` // 0 = no expiry
}

// SinksConfig toggles the built-in output sinks.
type SinksConfig struct {
	EnablePublish   bool   `mapstructure:"enable_publish"`
	EnableWebSocket bool   `mapstructure:"enable_websocket"`
	EnableCache     bool   `mapstructure:"enable_cache"`
	BroadcastChannel string `mapstructure:"broadcast_channel"`
}

// ExchangesConfig holds upstream exchange adapter settings.
type ExchangesConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
}

// BinanceConfig holds Binance adapter configuration.
type BinanceConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	WebSocketURL string   `mapstructure:"websocket_url"`
	Symbols      []string `mapstructure:"symbols"`
	Streams      []string `mapstructure:"streams"` // trade, ticker, depth, kline_1m...
}

// AlertConfig holds alerting thresholds.
type AlertConfig struct {
	ErrorRateThreshold    float64       `mapstructure:"error_rate_threshold"`
	QueueSizeThreshold    float64       `mapstructure:"queue_size_threshold"`
	LatencyThreshold      float64       `mapstructure:"latency_threshold"` // ms
	ChannelErrorThreshold float64       `mapstructure:"channel_error_threshold"`
	Duration              time.Duration `mapstructure:"duration"`
}

// BaselineConfig holds the performance baseline used for scoring.
type BaselineConfig struct {
	MaxLatency    float64 `mapstructure:"max_latency"` // ms
	MinThroughput float64 `mapstructure:"min_throughput"`
	MaxErrorRate  float64 `mapstructure:"max_error_rate"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPHeaders    string `mapstructure:"otlp_headers"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	HealthPort     int    `mapstructure:"health_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("MDC")
	v.AutomaticEnv()

	// Bind env vars to config keys
	bindEnvVars(v)

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "MDC_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "MDC_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "MDC_LOG_LEVEL", "LOG_LEVEL")

	// Engine
	v.BindEnv("performance.max_queue_size", "MDC_MAX_QUEUE_SIZE")
	v.BindEnv("performance.workers", "MDC_WORKERS")
	v.BindEnv("batching.enabled", "MDC_BATCHING_ENABLED")

	// Broker
	v.BindEnv("broker.url", "MDC_NATS_URL", "NATS_URL")
	v.BindEnv("broker.topic_prefix", "MDC_TOPIC_PREFIX")

	// Cache
	v.BindEnv("cache.addr", "MDC_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("cache.password", "MDC_REDIS_PASSWORD", "REDIS_PASSWORD")

	// Pool
	v.BindEnv("pool.listen_addr", "MDC_WS_LISTEN_ADDR")
	v.BindEnv("pool.max_connections", "MDC_WS_MAX_CONNECTIONS")

	// Exchanges
	v.BindEnv("exchanges.binance.websocket_url", "MDC_BINANCE_WS_URL", "BINANCE_WS_URL")
	v.BindEnv("exchanges.binance.symbols", "MDC_BINANCE_SYMBOLS", "BINANCE_SYMBOLS")

	// Telemetry
	v.BindEnv("telemetry.enabled", "MDC_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "MDC_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.otlp_endpoint", "MDC_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "market-collector")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Batching defaults
	v.SetDefault("batching.enabled", false)
	v.SetDefault("batching.batch_size", 50)
	v.SetDefault("batching.flush_timeout", "100ms")

	// Performance defaults
	v.SetDefault("performance.workers", 0) // NumCPU
	v.SetDefault("performance.max_queue_size", 10000)
	v.SetDefault("performance.processing_timeout", "5s")
	v.SetDefault("performance.enable_backpressure", true)
	v.SetDefault("performance.backpressure_threshold", 5000)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_interval", "1s")
	v.SetDefault("monitoring.enable_latency_tracking", true)
	v.SetDefault("monitoring.score_weights.latency", 0.3)
	v.SetDefault("monitoring.score_weights.throughput", 0.25)
	v.SetDefault("monitoring.score_weights.success", 0.3)
	v.SetDefault("monitoring.score_weights.stability", 0.15)

	// Pool defaults
	v.SetDefault("pool.listen_addr", ":8080")
	v.SetDefault("pool.max_connections", 1000)
	v.SetDefault("pool.connection_timeout", "60s")
	v.SetDefault("pool.heartbeat_interval", "30s")
	v.SetDefault("pool.flush_interval", "50ms")
	v.SetDefault("pool.enable_batching", false)
	v.SetDefault("pool.batch_size", 25)
	v.SetDefault("pool.memory_threshold", 512*1024*1024)
	v.SetDefault("pool.inbound_rate_limit", 120) // messages per minute

	// Broker defaults
	v.SetDefault("broker.url", "nats://127.0.0.1:4222")
	v.SetDefault("broker.topic_prefix", "market")
	v.SetDefault("broker.max_reconnects", -1) // infinite
	v.SetDefault("broker.reconnect_wait", "2s")
	v.SetDefault("broker.ping_interval", "2m")

	// Cache defaults
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "0s")

	// Sinks defaults
	v.SetDefault("sinks.enable_publish", true)
	v.SetDefault("sinks.enable_websocket", true)
	v.SetDefault("sinks.enable_cache", true)
	v.SetDefault("sinks.broadcast_channel", "marketData")

	// Exchanges defaults
	v.SetDefault("exchanges.binance.enabled", false)
	v.SetDefault("exchanges.binance.websocket_url", "wss://stream.binance.com:9443")
	v.SetDefault("exchanges.binance.symbols", []string{"BTCUSDT"})
	v.SetDefault("exchanges.binance.streams", []string{"trade", "ticker", "depth"})

	// Alert threshold defaults
	v.SetDefault("alert_thresholds.error_rate_threshold", 0.05)
	v.SetDefault("alert_thresholds.queue_size_threshold", 8000)
	v.SetDefault("alert_thresholds.latency_threshold", 1000)
	v.SetDefault("alert_thresholds.channel_error_threshold", 10)
	v.SetDefault("alert_thresholds.duration", "30s")

	// Baseline defaults
	v.SetDefault("performance_baseline.max_latency", 100)
	v.SetDefault("performance_baseline.min_throughput", 100)
	v.SetDefault("performance_baseline.max_error_rate", 0.01)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "market-collector")
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.health_port", 8081)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Performance.MaxQueueSize <= 0 {
		return fmt.Errorf("performance.max_queue_size must be positive")
	}
	if c.Performance.EnableBackpressure &&
		c.Performance.BackpressureThreshold > c.Performance.MaxQueueSize {
		return fmt.Errorf("performance.backpressure_threshold (%d) exceeds max_queue_size (%d)",
			c.Performance.BackpressureThreshold, c.Performance.MaxQueueSize)
	}
	if c.Batching.Enabled && c.Batching.BatchSize <= 0 {
		return fmt.Errorf("batching.batch_size must be positive when batching is enabled")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if c.Sinks.EnablePublish && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when the publish sink is enabled")
	}
	if c.Sinks.EnableCache && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache sink is enabled")
	}
	if c.Exchanges.Binance.Enabled && len(c.Exchanges.Binance.Symbols) == 0 {
		return fmt.Errorf("exchanges.binance.symbols cannot be empty")
	}
	return nil
}

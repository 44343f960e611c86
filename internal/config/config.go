package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/caarlos0/env/v10"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the flow engine
type Config struct {
	// Server configuration
	HTTPPort int    `env:"FLOWENGINE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"FLOWENGINE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Backend for records, checkpoints, threads, credits and events
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig

	// Credit admission
	Credits CreditConfig

	// Event bus
	Events EventConfig

	// Outbound notifications
	Webhooks WebhookConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Retention of execution records and threads
	RecordTTL time.Duration `env:"REDIS_RECORD_TTL" envDefault:"168h"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider        string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
	MaxRetries     int           `env:"LLM_MAX_RETRIES" envDefault:"2"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"8"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"64"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	StallThreshold      time.Duration `env:"WORKER_STALL_THRESHOLD" envDefault:"10m"`

	// Iteration cap per loop node; zero uses the scheduler default
	MaxLoopIterations int `env:"WORKER_MAX_LOOP_ITERATIONS" envDefault:"10000"`

	// Dispatch retries per node; zero keeps dispatch at-most-once
	NodeRetries    int           `env:"WORKER_NODE_RETRIES" envDefault:"0"`
	NodeRetryDelay time.Duration `env:"WORKER_NODE_RETRY_DELAY" envDefault:"200ms"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	GraphExecutionTimeout time.Duration `env:"TIMEOUT_GRAPH_EXECUTION" envDefault:"1h"`
	ShutdownTimeout       time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`

	// Fallback budget for operation types without a default
	Fallback time.Duration `env:"TIMEOUT_FALLBACK" envDefault:"60s"`

	// Per operation type budgets, e.g. "llm=2m,mcp=90s"
	TypeDefaults map[string]string `env:"TIMEOUT_TYPE_DEFAULTS" envKeyValSeparator:"="`

	// Per operation name budgets, e.g. "slow_search=5m"
	Overrides map[string]string `env:"TIMEOUT_OVERRIDES" envKeyValSeparator:"="`

	NearTimeoutRatio float64 `env:"TIMEOUT_NEAR_RATIO" envDefault:"0.8"`
}

// CreditConfig holds credit admission configuration
type CreditConfig struct {
	SkipCheck bool `env:"CREDITS_SKIP_CHECK" envDefault:"false"`

	// Subscription credits granted to new workspaces by the memory ledger
	DefaultGrant int64 `env:"CREDITS_DEFAULT_GRANT" envDefault:"1000"`

	InputPer1K              float64 `env:"CREDITS_INPUT_PER_1K" envDefault:"1"`
	OutputPer1K             float64 `env:"CREDITS_OUTPUT_PER_1K" envDefault:"3"`
	EstimatedLoopIterations int     `env:"CREDITS_LOOP_ITERATIONS" envDefault:"5"`
}

// EventConfig holds event bus configuration
type EventConfig struct {
	SubscriberBuffer int `env:"EVENTS_SUBSCRIBER_BUFFER" envDefault:"256"`
}

// WebhookConfig holds webhook notifier configuration
type WebhookConfig struct {
	URLs       []string      `env:"WEBHOOK_URLS" envSeparator:","`
	Secret     string        `env:"WEBHOOK_SECRET"`
	Timeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	MaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory or redis)", c.StorageBackend)
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size must not be negative")
	}
	if c.Workers.NodeRetries < 0 {
		return fmt.Errorf("node retries must not be negative")
	}
	if c.Workers.MaxLoopIterations < 0 {
		return fmt.Errorf("max loop iterations must not be negative")
	}

	if !timeout.ValidRatio(c.Timeouts.NearTimeoutRatio) {
		return fmt.Errorf("near-timeout ratio must be in (0, 1]: %v", c.Timeouts.NearTimeoutRatio)
	}
	if _, err := c.Timeouts.TypeBudgets(); err != nil {
		return err
	}
	if _, err := c.Timeouts.OverrideBudgets(); err != nil {
		return err
	}

	if c.Credits.InputPer1K < 0 || c.Credits.OutputPer1K < 0 {
		return fmt.Errorf("credit rates must not be negative")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// TypeBudgets parses the per-type timeout table.
func (t TimeoutConfig) TypeBudgets() (map[string]time.Duration, error) {
	return parseBudgets("TIMEOUT_TYPE_DEFAULTS", t.TypeDefaults)
}

// OverrideBudgets parses the per-name timeout table.
func (t TimeoutConfig) OverrideBudgets() (map[string]time.Duration, error) {
	return parseBudgets("TIMEOUT_OVERRIDES", t.Overrides)
}

func parseBudgets(name string, raw map[string]string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(raw))
	for key, value := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", name, key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid %s entry %q: duration must be positive", name, key)
		}
		out[strings.TrimSpace(key)] = d
	}
	return out, nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

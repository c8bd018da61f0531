package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents gateway configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Redis configuration (used when events.backend is "redis")
	Redis RedisConfig `yaml:"redis"`

	// Event bus configuration
	Events EventsConfig `yaml:"events"`

	// Per-connection session configuration
	Session SessionConfig `yaml:"session"`

	// History (bounded event log) configuration
	History HistoryConfig `yaml:"history"`

	// Broadcast configuration
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Heavy computation configuration
	Computation ComputationConfig `yaml:"computation"`

	// Maintenance scheduler configuration
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Diagnostics configuration
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Listen address of the WebSocket endpoint
	ListenAddr string `yaml:"listen_addr"`

	// Path the WebSocket upgrade is served on
	WebSocketPath string `yaml:"websocket_path"`

	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port"`

	// Read deadline, refreshed on every pong
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Write deadline for a single frame
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Ping period, must be less than ReadTimeout
	PingInterval time.Duration `yaml:"ping_interval"`

	// Outbound queue length per connection
	SendQueueSize int `yaml:"send_queue_size"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum inbound message size (in bytes)
	MaxMessageSize int64 `yaml:"max_message_size"`

	// Maximum concurrent connections for the whole gateway
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for pub/sub channels
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry configuration for the startup ping
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Consecutive publish failures that open the circuit breaker
	BreakerFailures int `yaml:"breaker_failures"`

	// How long the breaker stays open before a probe publish
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// EventsConfig selects the event bus implementation
type EventsConfig struct {
	// "local" (in-process) or "redis"
	Backend string `yaml:"backend"`
}

// SessionConfig represents per-connection resource configuration
type SessionConfig struct {
	// Size of the per-connection working buffer
	WorkingBufferSize int `yaml:"working_buffer_size"`

	// Default interval of subscribe_updates deliveries
	UpdateInterval time.Duration `yaml:"update_interval"`

	// Lower bound a client may request for its update interval
	MinUpdateInterval time.Duration `yaml:"min_update_interval"`

	// Maximum periodic timers a single session may own
	MaxTimers int `yaml:"max_timers"`

	// Maximum event subscriptions a single session may own
	MaxSubscriptions int `yaml:"max_subscriptions"`

	// Delay of the one-shot welcome message
	WelcomeDelay time.Duration `yaml:"welcome_delay"`
}

// HistoryConfig represents event log configuration
type HistoryConfig struct {
	// Hard cap on retained entries
	MaxEntries int `yaml:"max_entries"`
}

// BroadcastConfig represents broadcast configuration
type BroadcastConfig struct {
	// Per-target delivery timeout
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// Maximum deliveries in flight during one broadcast pass
	MaxParallel int `yaml:"max_parallel"`
}

// ComputationConfig represents heavy_computation configuration
type ComputationConfig struct {
	// Upper bound of iterations per request
	MaxIterations int `yaml:"max_iterations"`

	// Scratch bytes allocated by a single unit of work
	ScratchSize int `yaml:"scratch_size"`
}

// MaintenanceConfig represents maintenance scheduler configuration
type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Timeout of a single tick
	TickTimeout time.Duration `yaml:"tick_timeout"`

	// Scratch bytes a tick may allocate
	ScratchSize int `yaml:"scratch_size"`
}

// DiagnosticsConfig represents diagnostics configuration
type DiagnosticsConfig struct {
	// Allow clients to trigger a manual garbage collection (default true)
	AllowForceGC bool `yaml:"allow_force_gc"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes, applying defaults and validation
func Parse(data []byte) (*Config, error) {
	// Booleans that default to true are seeded before decoding so an
	// explicit false in the file still wins.
	cfg := Config{Diagnostics: DiagnosticsConfig{AllowForceGC: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated only with defaults
func Default() *Config {
	cfg := &Config{Diagnostics: DiagnosticsConfig{AllowForceGC: true}}
	setDefaults(cfg)
	return cfg
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}
	if cfg.Server.PingInterval >= cfg.Server.ReadTimeout {
		return fmt.Errorf("server.ping_interval must be less than server.read_timeout")
	}
	if cfg.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be greater than 0")
	}

	switch cfg.Events.Backend {
	case "local":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when events.backend is redis")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be greater than 0")
		}
	default:
		return fmt.Errorf("events.backend must be \"local\" or \"redis\", got %q", cfg.Events.Backend)
	}

	if cfg.Session.WorkingBufferSize <= 0 {
		return fmt.Errorf("session.working_buffer_size must be greater than 0")
	}
	if cfg.Session.MinUpdateInterval <= 0 {
		return fmt.Errorf("session.min_update_interval must be greater than 0")
	}
	if cfg.Session.UpdateInterval < cfg.Session.MinUpdateInterval {
		return fmt.Errorf("session.update_interval must be at least session.min_update_interval")
	}

	if cfg.History.MaxEntries <= 0 {
		return fmt.Errorf("history.max_entries must be greater than 0")
	}

	if cfg.Broadcast.DeliveryTimeout <= 0 {
		return fmt.Errorf("broadcast.delivery_timeout must be greater than 0")
	}

	if cfg.Computation.MaxIterations <= 0 {
		return fmt.Errorf("computation.max_iterations must be greater than 0")
	}

	if cfg.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be greater than 0")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.WebSocketPath == "" {
		cfg.Server.WebSocketPath = "/ws"
	}
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = (cfg.Server.ReadTimeout * 9) / 10
	}
	if cfg.Server.SendQueueSize == 0 {
		cfg.Server.SendQueueSize = 256
	}

	if cfg.Security.MaxMessageSize == 0 {
		cfg.Security.MaxMessageSize = 64 * 1024
	}
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 10000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 50
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 20
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "local"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "push-gateway:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
	if cfg.Redis.MaxRetries == 0 {
		cfg.Redis.MaxRetries = 3
	}
	if cfg.Redis.RetryDelay == 0 {
		cfg.Redis.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Redis.BreakerFailures == 0 {
		cfg.Redis.BreakerFailures = 5
	}
	if cfg.Redis.BreakerTimeout == 0 {
		cfg.Redis.BreakerTimeout = 10 * time.Second
	}

	if cfg.Session.WorkingBufferSize == 0 {
		cfg.Session.WorkingBufferSize = 1024 * 1024 // 1MB per connection
	}
	if cfg.Session.MinUpdateInterval == 0 {
		cfg.Session.MinUpdateInterval = 100 * time.Millisecond
	}
	if cfg.Session.UpdateInterval == 0 {
		cfg.Session.UpdateInterval = 2 * time.Second
	}
	if cfg.Session.MaxTimers == 0 {
		cfg.Session.MaxTimers = 16
	}
	if cfg.Session.MaxSubscriptions == 0 {
		cfg.Session.MaxSubscriptions = 32
	}
	if cfg.Session.WelcomeDelay == 0 {
		cfg.Session.WelcomeDelay = 100 * time.Millisecond
	}

	if cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = 1000
	}

	if cfg.Broadcast.DeliveryTimeout == 0 {
		cfg.Broadcast.DeliveryTimeout = 2 * time.Second
	}
	if cfg.Broadcast.MaxParallel == 0 {
		cfg.Broadcast.MaxParallel = 64
	}

	if cfg.Computation.MaxIterations == 0 {
		cfg.Computation.MaxIterations = 10000
	}
	if cfg.Computation.ScratchSize == 0 {
		cfg.Computation.ScratchSize = 64 * 1024
	}

	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = 5 * time.Second
	}
	if cfg.Maintenance.TickTimeout == 0 {
		cfg.Maintenance.TickTimeout = cfg.Maintenance.Interval
	}
	if cfg.Maintenance.ScratchSize == 0 {
		cfg.Maintenance.ScratchSize = 16 * 1024
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

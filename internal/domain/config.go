package domain

import (
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which collaborators are wired
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine settings
	Scoring ScoringConfig `json:"scoring"`
	History HistoryConfig `json:"history"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins lists browser origins accepted by CORS and the
	// WebSocket upgrade. Empty or "*" allows every origin.
	AllowedOrigins []string `json:"allowedOrigins"`
}

// OriginAllowed reports whether a request from origin may be served.
// Requests without an Origin header are not cross-origin and always pass.
func (c ServerConfig) OriginAllowed(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	return false
}

// ScoringConfig holds the scorer's static parameters.
type ScoringConfig struct {
	Weights FeatureWeights `json:"weights"`

	// TimeZone is the IANA zone used to derive hour and day of week.
	TimeZone string `json:"timeZone"`
}

// HistoryConfig controls how user history is aggregated.
type HistoryConfig struct {
	// Enabled switches from neutral (all-zero) history to repository-backed history.
	Enabled bool `json:"enabled"`

	Lookback        time.Duration `json:"lookback"`
	FrequencyWindow time.Duration `json:"frequencyWindow"`
	VelocityWindow  time.Duration `json:"velocityWindow"`
	HighValue       float64       `json:"highValue"`
	BaselineTTL     time.Duration `json:"baselineTtl"`
}

// DefaultHistoryConfig returns the standard aggregation windows.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:         true,
		Lookback:        30 * 24 * time.Hour,
		FrequencyWindow: time.Hour,
		VelocityWindow:  10 * time.Minute,
		HighValue:       1000,
		BaselineTTL:     5 * time.Minute,
	}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Weights:  DefaultFeatureWeights(),
			TimeZone: "UTC",
		},
		History: DefaultHistoryConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

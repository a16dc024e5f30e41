// Package config builds the runtime configuration from tier defaults, an
// optional .env file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // scoring time zones must resolve in minimal containers

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const envPrefix = "KESTREL_"

// Load reads configuration. Without arguments an optional ./.env is loaded;
// named files must exist. Variables already present in the environment win
// over file values.
func Load(files ...string) (*domain.Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	cfg := domain.DefaultConfig()
	switch tier := domain.Tier(strings.ToLower(lookup("TIER"))); tier {
	case "", domain.TierCommunity:
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("%sTIER: unknown tier %q", envPrefix, tier)
	}

	e := &env{}

	// Server
	e.str("HOST", &cfg.Server.Host)
	e.int("PORT", &cfg.Server.Port)
	e.int("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.int("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)

	// Repository
	e.str("DB_DRIVER", &cfg.Repository.Driver)
	e.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.int("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	e.int("DB_MAX_OPEN_CONNS", &cfg.Repository.MaxOpenConns)
	e.int("DB_MAX_IDLE_CONNS", &cfg.Repository.MaxIdleConns)
	e.duration("DB_CONN_MAX_LIFETIME", &cfg.Repository.ConnMaxLifetime)

	// Cache
	e.str("CACHE_TYPE", &cfg.Cache.Type)
	e.int("CACHE_SIZE", &cfg.Cache.LocalMaxSize)
	e.duration("CACHE_TTL", &cfg.Cache.LocalTTL)
	e.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.int("REDIS_DB", &cfg.Cache.RedisDB)
	e.bool("CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	// Event bus
	e.str("BUS_TYPE", &cfg.EventBus.Type)
	e.int("BUS_BUFFER", &cfg.EventBus.ChannelBufferSize)
	e.str("NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.int("NATS_MAX_RECONNECTS", &cfg.EventBus.NATSMaxReconnects)
	e.int("NATS_RECONNECT_WAIT", &cfg.EventBus.NATSReconnectWait)

	// Scoring and history
	e.str("TIMEZONE", &cfg.Scoring.TimeZone)
	e.bool("HISTORY_ENABLED", &cfg.History.Enabled)
	e.duration("HISTORY_LOOKBACK", &cfg.History.Lookback)
	e.duration("HISTORY_FREQUENCY_WINDOW", &cfg.History.FrequencyWindow)
	e.duration("HISTORY_VELOCITY_WINDOW", &cfg.History.VelocityWindow)
	e.float("HISTORY_HIGH_VALUE", &cfg.History.HighValue)
	e.duration("HISTORY_BASELINE_TTL", &cfg.History.BaselineTTL)

	// Logging and tracing
	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	e.bool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.str("SERVICE_NAME", &cfg.Tracing.ServiceName)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown repository driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown event bus type %q", cfg.EventBus.Type))
	}
	if _, err := time.LoadLocation(cfg.Scoring.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("time zone %q: %w", cfg.Scoring.TimeZone, err))
	}
	if err := cfg.Scoring.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", envPrefix, key, value, err))
}

func (e *env) str(key string, dst *string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

// list splits a comma-separated value, dropping empty entries.
func (e *env) list(key string, dst *[]string) {
	v := lookup(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *env) int(key string, dst *int) {
	v := lookup(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v := lookup(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *env) bool(key string, dst *bool) {
	v := lookup(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *env) duration(key string, dst *time.Duration) {
	v := lookup(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

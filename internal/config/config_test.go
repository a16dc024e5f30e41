package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
	if cfg.EventBus.Type != "channel" {
		t.Errorf("expected channel bus, got %s", cfg.EventBus.Type)
	}
	if cfg.Scoring.TimeZone != "UTC" {
		t.Errorf("expected UTC, got %s", cfg.Scoring.TimeZone)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Repository.Driver)
	}
	if cfg.Cache.Type != "redis" || !cfg.Cache.EnableTwoPhase {
		t.Errorf("expected two-phase redis cache, got %+v", cfg.Cache)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats, got %s", cfg.EventBus.Type)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_SQLITE_PATH", "/tmp/k.db")
	t.Setenv("KESTREL_CACHE_TTL", "90s")
	t.Setenv("KESTREL_HISTORY_ENABLED", "false")
	t.Setenv("KESTREL_HISTORY_HIGH_VALUE", "500")
	t.Setenv("KESTREL_NATS_TOKEN", "secret")
	t.Setenv("KESTREL_LOG_FORMAT", "text")
	t.Setenv("KESTREL_TIMEZONE", "America/New_York")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/k.db" {
		t.Errorf("expected sqlite path override, got %s", cfg.Repository.SQLitePath)
	}
	if cfg.Cache.LocalTTL != 90*time.Second {
		t.Errorf("expected 90s ttl, got %v", cfg.Cache.LocalTTL)
	}
	if cfg.History.Enabled {
		t.Error("expected history disabled")
	}
	if cfg.History.HighValue != 500 {
		t.Errorf("expected high value 500, got %v", cfg.History.HighValue)
	}
	if cfg.EventBus.NATSToken != "secret" {
		t.Error("expected nats token override")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected text format, got %s", cfg.Logging.Format)
	}
	if cfg.Scoring.TimeZone != "America/New_York" {
		t.Errorf("expected time zone override, got %s", cfg.Scoring.TimeZone)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"BadTier", "KESTREL_TIER", "enterprise", "unknown tier"},
		{"BadPort", "KESTREL_PORT", "eighty", "KESTREL_PORT"},
		{"PortRange", "KESTREL_PORT", "70000", "out of range"},
		{"BadDuration", "KESTREL_CACHE_TTL", "5 minutes", "KESTREL_CACHE_TTL"},
		{"BadBool", "KESTREL_HISTORY_ENABLED", "maybe", "KESTREL_HISTORY_ENABLED"},
		{"BadDriver", "KESTREL_DB_DRIVER", "mysql", "repository driver"},
		{"BadBus", "KESTREL_BUS_TYPE", "kafka", "event bus"},
		{"BadTimeZone", "KESTREL_TIMEZONE", "Mars/Olympus", "time zone"},
		{"BadLogLevel", "KESTREL_LOG_LEVEL", "trace", "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.env")
	content := "KESTREL_SERVICE_NAME=from-file\nKESTREL_READ_TIMEOUT=12\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("KESTREL_SERVICE_NAME")
		os.Unsetenv("KESTREL_READ_TIMEOUT")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tracing.ServiceName != "from-file" {
		t.Errorf("expected service name from file, got %s", cfg.Tracing.ServiceName)
	}
	if cfg.Server.ReadTimeout != 12 {
		t.Errorf("expected read timeout 12, got %d", cfg.Server.ReadTimeout)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("KESTREL_ALLOWED_ORIGINS", "https://ops.example.com, http://localhost:3000/,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.Server.AllowedOrigins)
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ops.example.com", true},
		{"HTTPS://OPS.EXAMPLE.COM", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
		{"http://localhost:3001", false},
	}
	for _, tt := range tests {
		if got := cfg.Server.OriginAllowed(tt.origin); got != tt.want {
			t.Errorf("OriginAllowed(%q): expected %v, got %v", tt.origin, tt.want, got)
		}
	}

	open := domain.ServerConfig{}
	if !open.OriginAllowed("https://anywhere.example") {
		t.Error("expected empty list to allow any origin")
	}
	wildcard := domain.ServerConfig{AllowedOrigins: []string{"*"}}
	if !wildcard.OriginAllowed("https://anywhere.example") {
		t.Error("expected wildcard to allow any origin")
	}
}

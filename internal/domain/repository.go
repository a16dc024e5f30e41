// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string, since, until time.Time) ([]*Transaction, error)

	// Analysis results
	SaveAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, analysisID string) (*Analysis, error)
	GetAnalysisByTransaction(ctx context.Context, txID string) (*Analysis, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]*Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status AlertStatus) error

	// Alert rule configuration
	SaveAlertRule(ctx context.Context, rule *AlertRule) error
	GetAlertRule(ctx context.Context, ruleID string) (*AlertRule, error)
	ListAlertRules(ctx context.Context) ([]*AlertRule, error)

	Stats(ctx context.Context) (*DashboardStats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}

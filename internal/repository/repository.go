// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database and runs migrations.
func New(ctx context.Context, cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction. Saving an ID that already exists is a no-op.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, currency, merchant, location,
			ip_address, device_fingerprint, status, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount.String(), tx.Currency,
		tx.Merchant, tx.Location,
		tx.IPAddress, tx.DeviceFingerprint, string(tx.Status),
		toNanos(tx.Timestamp), toNanos(createdAt),
	)
	return err
}

const transactionColumns = `
	id, user_id, amount, currency, merchant, location,
	ip_address, device_fingerprint, status, timestamp, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var ip, device sql.NullString
	var status string
	var ts, created int64

	if err := s.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency,
		&tx.Merchant, &tx.Location,
		&ip, &device, &status, &ts, &created,
	); err != nil {
		return nil, err
	}

	tx.IPAddress = ip.String
	tx.DeviceFingerprint = device.String
	tx.Status = domain.TransactionStatus(status)
	tx.Timestamp = fromNanos(ts)
	tx.CreatedAt = fromNanos(created)
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns transactions newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, limit, offset int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		ORDER BY timestamp DESC, id ASC
		LIMIT ? OFFSET ?`

	return r.queryTransactions(ctx, query, limit, offset)
}

// GetTransactionsByUser returns a user's transactions with since <= timestamp <= until,
// oldest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since, until time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`

	return r.queryTransactions(ctx, query, userID, toNanos(since), toNanos(until))
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// SaveAnalysis stores an analysis result.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, a *domain.Analysis) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: analysis id is required", domain.ErrInvalidInput)
	}

	explanations, err := json.Marshal(nonNil(a.Prediction.Explanations))
	if err != nil {
		return err
	}
	features, err := json.Marshal(a.Features)
	if err != nil {
		return err
	}
	contributions, err := json.Marshal(a.Contributions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analyses (
			id, tx_id, user_id, is_fraud, risk_score, confidence,
			explanations, features, contributions, calibrated,
			trace_id, processing_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TxID, a.UserID,
		boolToInt(a.Prediction.IsFraud), a.Prediction.RiskScore, a.Prediction.Confidence,
		string(explanations), string(features), string(contributions),
		boolToInt(a.Calibrated), a.TraceID, a.ProcessingMs, toNanos(a.CreatedAt),
	)
	return err
}

const analysisColumns = `
	id, tx_id, user_id, is_fraud, risk_score, confidence,
	explanations, features, contributions, calibrated,
	trace_id, processing_ms, created_at
`

func scanAnalysis(s rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var isFraud, calibrated int
	var explanations, features, contributions string
	var traceID sql.NullString
	var created int64

	if err := s.Scan(
		&a.ID, &a.TxID, &a.UserID,
		&isFraud, &a.Prediction.RiskScore, &a.Prediction.Confidence,
		&explanations, &features, &contributions, &calibrated,
		&traceID, &a.ProcessingMs, &created,
	); err != nil {
		return nil, err
	}

	a.Prediction.IsFraud = isFraud != 0
	a.Calibrated = calibrated != 0
	a.TraceID = traceID.String
	a.CreatedAt = fromNanos(created)

	if err := json.Unmarshal([]byte(explanations), &a.Prediction.Explanations); err != nil {
		return nil, fmt.Errorf("failed to decode explanations: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	if err := json.Unmarshal([]byte(contributions), &a.Contributions); err != nil {
		return nil, fmt.Errorf("failed to decode contributions: %w", err)
	}
	return &a, nil
}

// GetAnalysis retrieves an analysis with its alerts.
func (r *SQLRepository) GetAnalysis(ctx context.Context, analysisID string) (*domain.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = ?`
	return r.getAnalysis(ctx, query, analysisID)
}

// GetAnalysisByTransaction retrieves the most recent analysis of a transaction.
func (r *SQLRepository) GetAnalysisByTransaction(ctx context.Context, txID string) (*domain.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE tx_id = ?
		ORDER BY created_at DESC LIMIT 1`
	return r.getAnalysis(ctx, query, txID)
}

func (r *SQLRepository) getAnalysis(ctx context.Context, query string, arg string) (*domain.Analysis, error) {
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, r.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: analysis %s", domain.ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}

	alerts, err := r.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE analysis_id = ? ORDER BY created_at ASC`, a.ID)
	if err != nil {
		return nil, err
	}
	a.Alerts = alerts
	return a, nil
}

// SaveAlert stores an alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", domain.ErrInvalidInput)
	}

	reasons, err := json.Marshal(nonNil(alert.Reasons))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (
			id, analysis_id, tx_id, user_id, rule_id, severity, status,
			risk_score, message, reasons, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.AnalysisID, alert.TxID, alert.UserID, alert.RuleID,
		string(alert.Severity), string(alert.Status),
		alert.RiskScore, alert.Message, string(reasons),
		toNanos(alert.CreatedAt), toNanos(alert.UpdatedAt),
	)
	return err
}

const alertColumns = `
	id, analysis_id, tx_id, user_id, rule_id, severity, status,
	risk_score, message, reasons, created_at, updated_at
`

func scanAlert(s rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var severity, status, reasons string
	var created, updated int64

	if err := s.Scan(
		&a.ID, &a.AnalysisID, &a.TxID, &a.UserID, &a.RuleID,
		&severity, &status, &a.RiskScore, &a.Message, &reasons,
		&created, &updated,
	); err != nil {
		return nil, err
	}

	a.Severity = domain.AlertSeverity(severity)
	a.Status = domain.AlertStatus(status)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
		return nil, fmt.Errorf("failed to decode alert reasons: %w", err)
	}
	return &a, nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (r *SQLRepository) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	if status == "" {
		query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC LIMIT ?`
		return r.queryAlerts(ctx, query, limit)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	return r.queryAlerts(ctx, query, string(status), limit)
}

func (r *SQLRepository) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus moves an alert to a new investigation status.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown alert status %q", domain.ErrInvalidInput, status)
	}

	query := `UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query), string(status), toNanos(time.Now().UTC()), alertID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	return nil
}

// SaveAlertRule inserts or updates an alert rule.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, rule *domain.AlertRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO alert_rules (
			id, name, description, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		string(rule.Severity), boolToInt(rule.Enabled),
		toNanos(rule.CreatedAt), toNanos(rule.UpdatedAt),
	)
	return err
}

const alertRuleColumns = `id, name, description, expression, severity, enabled, created_at, updated_at`

func scanAlertRule(s rowScanner) (*domain.AlertRule, error) {
	var rule domain.AlertRule
	var description sql.NullString
	var severity string
	var enabled int
	var created, updated int64

	if err := s.Scan(
		&rule.ID, &rule.Name, &description, &rule.Expression,
		&severity, &enabled, &created, &updated,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Severity = domain.AlertSeverity(severity)
	rule.Enabled = enabled != 0
	rule.CreatedAt = fromNanos(created)
	rule.UpdatedAt = fromNanos(updated)
	return &rule, nil
}

// GetAlertRule retrieves an alert rule by ID.
func (r *SQLRepository) GetAlertRule(ctx context.Context, ruleID string) (*domain.AlertRule, error) {
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE id = ?`

	rule, err := scanAlertRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert rule %s", domain.ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListAlertRules returns every alert rule ordered by ID.
func (r *SQLRepository) ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error) {
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Stats aggregates stored transactions, analyses and alerts.
func (r *SQLRepository) Stats(ctx context.Context) (*domain.DashboardStats, error) {
	var s domain.DashboardStats

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&s.TotalTransactions); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_fraud), 0), COALESCE(AVG(risk_score), 0)
		FROM analyses
	`).Scan(&s.TotalAnalyses, &s.FraudDetected, &s.AverageRiskScore); err != nil {
		return nil, fmt.Errorf("failed to aggregate analyses: %w", err)
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM alerts
	`
	if err := r.db.QueryRowContext(ctx, r.rebind(query), string(domain.AlertOpen)).Scan(&s.TotalAlerts, &s.OpenAlerts); err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}

	if s.TotalAnalyses > 0 {
		s.FraudRate = round3(float64(s.FraudDetected) / float64(s.TotalAnalyses))
	}
	s.AverageRiskScore = round3(s.AverageRiskScore)
	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// DB exposes the connection pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

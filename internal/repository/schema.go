package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Times are stored as unix
// nanoseconds so range queries compare integers on both drivers; amounts are
// stored as decimal text.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    merchant TEXT NOT NULL,
    location TEXT NOT NULL,
    ip_address TEXT,
    device_fingerprint TEXT,
    status TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    is_fraud INTEGER NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    explanations TEXT NOT NULL,
    features TEXT NOT NULL,
    contributions TEXT NOT NULL,
    calibrated INTEGER NOT NULL DEFAULT 0,
    trace_id TEXT,
    processing_ms BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tx ON analyses(tx_id);
CREATE INDEX IF NOT EXISTS idx_analyses_fraud ON analyses(is_fraud);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    analysis_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    message TEXT NOT NULL,
    reasons TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_analysis ON alerts(analysis_id);
`

const schemaAlertRules = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAnalyses,
		schemaAlerts,
		schemaAlertRules,
	}
}

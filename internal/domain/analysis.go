package domain

import "time"

// Analysis is the persisted outcome of scoring one transaction.
type Analysis struct {
	ID            string               `json:"id"`
	TxID          string               `json:"txId"`
	UserID        string               `json:"userId"`
	Prediction    PredictionResult     `json:"prediction"`
	Features      FeatureVector        `json:"features"`
	Contributions []ContributionDetail `json:"contributions"`
	Alerts        []*Alert             `json:"alerts,omitempty"`
	Calibrated    bool                 `json:"calibrated"`
	TraceID       string               `json:"traceId,omitempty"`
	ProcessingMs  int64                `json:"processingMs"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// AlertSeverity ranks how urgently an alert should be looked at.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Valid reports whether s is a known severity.
func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the investigation state of an alert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertClosed        AlertStatus = "closed"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved, AlertClosed:
		return true
	}
	return false
}

// Alert is raised when an alert rule matches an analysis.
type Alert struct {
	ID         string        `json:"id"`
	AnalysisID string        `json:"analysisId"`
	TxID       string        `json:"txId"`
	UserID     string        `json:"userId"`
	RuleID     string        `json:"ruleId"`
	Severity   AlertSeverity `json:"severity"`
	Status     AlertStatus   `json:"status"`
	RiskScore  float64       `json:"riskScore"`
	Message    string        `json:"message"`
	Reasons    []string      `json:"reasons"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// AlertRule is a CEL expression evaluated over a scored transaction.
type AlertRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Expression  string        `json:"expression"`
	Severity    AlertSeverity `json:"severity"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// DashboardStats aggregates stored analyses and alerts.
type DashboardStats struct {
	TotalTransactions int64   `json:"totalTransactions"`
	TotalAnalyses     int64   `json:"totalAnalyses"`
	FraudDetected     int64   `json:"fraudDetected"`
	FraudRate         float64 `json:"fraudRate"`
	AverageRiskScore  float64 `json:"averageRiskScore"`
	OpenAlerts        int64   `json:"openAlerts"`
	TotalAlerts       int64   `json:"totalAlerts"`
}

// Package pipeline turns an ingested transaction into a persisted,
// published analysis.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Assessor scores a transaction.
type Assessor interface {
	Assess(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error)
}

// RuleEvaluator returns the alert rules matched by a scored transaction.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) ([]*domain.AlertRule, error)
}

// Store persists analysis output.
type Store interface {
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
	SaveAnalysis(ctx context.Context, a *domain.Analysis) error
	SaveAlert(ctx context.Context, alert *domain.Alert) error
}

// Publisher emits pipeline events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Analyzer orchestrates scoring, alerting, persistence and publishing.
type Analyzer struct {
	assessor  Assessor
	rules     RuleEvaluator
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewAnalyzer creates an analyzer. rules and publisher may be nil.
func NewAnalyzer(assessor Assessor, rules RuleEvaluator, store Store, publisher Publisher) *Analyzer {
	return &Analyzer{
		assessor:  assessor,
		rules:     rules,
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// Analyze scores tx, stores the transaction, its analysis and any alerts,
// then publishes the result. A failure before the analysis is stored is
// published on the error topic and returned.
func (a *Analyzer) Analyze(ctx context.Context, tx *domain.Transaction, traceID string) (*domain.Analysis, error) {
	start := a.now()

	assessment, err := a.assessor.Assess(ctx, tx)
	if err != nil {
		a.fail(ctx, tx, err)
		return nil, err
	}

	analysis := &domain.Analysis{
		ID:            uuid.New().String(),
		TxID:          tx.ID,
		UserID:        tx.UserID,
		Prediction:    assessment.Prediction,
		Features:      assessment.Features,
		Contributions: assessment.Contributions,
		Calibrated:    assessment.Calibrated,
		TraceID:       traceID,
		CreatedAt:     start.UTC(),
	}
	analysis.Alerts = a.raise(ctx, tx, assessment, analysis)

	if err := a.store.SaveTransaction(ctx, tx); err != nil {
		err = fmt.Errorf("save transaction: %w", err)
		a.fail(ctx, tx, err)
		return nil, err
	}
	analysis.ProcessingMs = a.now().Sub(start).Milliseconds()
	if err := a.store.SaveAnalysis(ctx, analysis); err != nil {
		err = fmt.Errorf("save analysis: %w", err)
		a.fail(ctx, tx, err)
		return nil, err
	}
	for _, alert := range analysis.Alerts {
		if err := a.store.SaveAlert(ctx, alert); err != nil {
			slog.Error("failed to save alert",
				"alert_id", alert.ID,
				"tx_id", tx.ID,
				"error", err,
			)
			continue
		}
		metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	}

	outcome := "legit"
	if analysis.Prediction.IsFraud {
		outcome = "fraud"
	}
	metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	metrics.RiskScore.Observe(analysis.Prediction.RiskScore)
	metrics.AnalysisDuration.Observe(a.now().Sub(start).Seconds())

	a.publish(ctx, domain.TopicAnalysisResult, analysis)
	if len(analysis.Alerts) > 0 {
		a.publish(ctx, domain.TopicFraudAlert, &domain.FraudAlertEvent{Analysis: analysis, Transaction: tx})
	}

	slog.Debug("transaction analysed",
		"tx_id", tx.ID,
		"risk_score", analysis.Prediction.RiskScore,
		"is_fraud", analysis.Prediction.IsFraud,
		"alerts", len(analysis.Alerts),
		"duration_ms", analysis.ProcessingMs,
	)
	return analysis, nil
}

// raise builds alerts for every matching rule. Rule failures never fail the
// analysis.
func (a *Analyzer) raise(ctx context.Context, tx *domain.Transaction, assessment *domain.Assessment, analysis *domain.Analysis) []*domain.Alert {
	if a.rules == nil {
		return nil
	}
	matched, err := a.rules.Evaluate(ctx, tx, assessment)
	if err != nil {
		slog.Warn("alert rules not evaluated", "tx_id", tx.ID, "error", err)
		return nil
	}

	alerts := make([]*domain.Alert, 0, len(matched))
	for _, rule := range matched {
		reasons := append([]string{}, assessment.Prediction.Explanations...)
		name := rule.Name
		if name == "" {
			name = rule.ID
		}
		alerts = append(alerts, &domain.Alert{
			ID:         uuid.New().String(),
			AnalysisID: analysis.ID,
			TxID:       tx.ID,
			UserID:     tx.UserID,
			RuleID:     rule.ID,
			Severity:   rule.Severity,
			Status:     domain.AlertOpen,
			RiskScore:  assessment.Prediction.RiskScore,
			Message:    fmt.Sprintf("%s (risk score %.3f)", name, assessment.Prediction.RiskScore),
			Reasons:    reasons,
			CreatedAt:  analysis.CreatedAt,
			UpdatedAt:  analysis.CreatedAt,
		})
	}
	return alerts
}

func (a *Analyzer) fail(ctx context.Context, tx *domain.Transaction, err error) {
	metrics.AnalysesTotal.WithLabelValues("error").Inc()

	event := &domain.AnalysisError{Error: err.Error(), Timestamp: a.now().UnixMilli()}
	if tx != nil {
		event.TxID = tx.ID
		event.UserID = tx.UserID
	}
	slog.Warn("transaction analysis failed", "tx_id", event.TxID, "error", err)
	a.publish(ctx, domain.TopicAnalysisError, event)
}

func (a *Analyzer) publish(ctx context.Context, topic string, v any) {
	if a.publisher == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := a.publisher.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

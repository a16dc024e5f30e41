// Package worker analyses transactions published on the ingestion topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analyzer runs the analysis pipeline for one transaction.
type Analyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction, traceID string) (*domain.Analysis, error)
}

// TransactionMessage is the payload of the ingestion topic.
type TransactionMessage struct {
	Transaction *domain.Transaction `json:"transaction"`
	TraceID     string              `json:"traceId,omitempty"`
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, analyzer Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// handleMessage decodes and analyses one ingested transaction. Payloads
// that cannot be decoded are dropped.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("dropping malformed transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}
	if txMsg.Transaction == nil {
		slog.Error("dropping transaction message without transaction",
			"message_id", msg.ID,
		)
		return nil
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	analysis, err := w.analyzer.Analyze(ctx, txMsg.Transaction, traceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			slog.Warn("dropping invalid transaction",
				"tx_id", txMsg.Transaction.ID,
				"error", err,
			)
			return nil
		}
		return err
	}

	slog.Info("transaction processed",
		"tx_id", analysis.TxID,
		"trace_id", traceID,
		"risk_score", analysis.Prediction.RiskScore,
		"is_fraud", analysis.Prediction.IsFraud,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

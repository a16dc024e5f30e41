package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	seen   []string
	traces []string
	err    error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, tx *domain.Transaction, traceID string) (*domain.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, tx.ID)
	f.traces = append(f.traces, traceID)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Analysis{ID: "an-" + tx.ID, TxID: tx.ID}, nil
}

func (f *fakeAnalyzer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func publishTx(t *testing.T, b domain.EventBus, msg TransactionMessage) {
	t.Helper()
	payload, _ := json.Marshal(msg)
	if err := b.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func sampleTx(id string) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    "user-1",
		Amount:    decimal.NewFromInt(500),
		Currency:  "USD",
		Merchant:  "Amazon",
		Location:  "Austin, TX",
		Timestamp: time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC),
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeAnalyzer{})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionIngested, stats.Topics[0])
		}

		w.Stop()
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("ProcessTransaction", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		w := NewWorker(eventBus, analyzer)
		w.Start()
		defer w.Stop()

		publishTx(t, eventBus, TransactionMessage{Transaction: sampleTx("tx-001"), TraceID: "trace-001"})
		waitFor(t, func() bool { return analyzer.count() == 1 })

		analyzer.mu.Lock()
		defer analyzer.mu.Unlock()
		if analyzer.seen[0] != "tx-001" {
			t.Errorf("expected tx-001, got %s", analyzer.seen[0])
		}
		if analyzer.traces[0] != "trace-001" {
			t.Errorf("expected trace-001, got %s", analyzer.traces[0])
		}
	})

	t.Run("TraceDefaultsToMessageID", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		w := NewWorker(eventBus, analyzer)
		w.Start()
		defer w.Stop()

		publishTx(t, eventBus, TransactionMessage{Transaction: sampleTx("tx-002")})
		waitFor(t, func() bool { return analyzer.count() == 1 })

		analyzer.mu.Lock()
		defer analyzer.mu.Unlock()
		if analyzer.traces[0] == "" {
			t.Error("expected trace id to fall back to the message id")
		}
	})

	t.Run("BadPayloadsDropped", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		w := NewWorker(eventBus, analyzer)
		w.Start()
		defer w.Stop()

		eventBus.Publish(context.Background(), domain.TopicTransactionIngested, []byte("not json"))
		publishTx(t, eventBus, TransactionMessage{TraceID: "empty"})
		publishTx(t, eventBus, TransactionMessage{Transaction: sampleTx("tx-003")})

		waitFor(t, func() bool { return analyzer.count() == 1 })
	})
}

func TestHandleMessageErrors(t *testing.T) {
	ctx := context.Background()
	payload, _ := json.Marshal(TransactionMessage{Transaction: sampleTx("tx-err")})
	msg := &domain.Message{ID: "msg-1", Payload: payload}

	invalid := NewWorker(nil, &fakeAnalyzer{err: &domain.FieldError{Field: "merchant", Reason: "is required"}})
	if err := invalid.handleMessage(ctx, msg); err != nil {
		t.Errorf("invalid transactions should be dropped, got %v", err)
	}

	failing := NewWorker(nil, &fakeAnalyzer{err: errors.New("database unavailable")})
	if err := failing.handleMessage(ctx, msg); err == nil {
		t.Error("expected infrastructure errors to surface")
	}
}

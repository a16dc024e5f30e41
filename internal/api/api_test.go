package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/calibration"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluation"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// createTestServer wires the community stack against an in-memory database.
func createTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(ctx, domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	lru := cache.NewLRUCache(100)
	trainer := calibration.NewTrainer()
	hist := history.NewService(repo, lru, domain.DefaultHistoryConfig())
	scorer, err := scoring.NewScorer(features.NewExtractor(hist), domain.DefaultFeatureWeights(), trainer)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	rules, _ := alerting.NewEngine(2)
	rules.ReloadRules(alerting.DefaultRules())

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, Deps{
		Repo:      repo,
		Cache:     lru,
		Bus:       eventBus,
		Analyzer:  pipeline.NewAnalyzer(scorer, rules, repo, eventBus),
		Evaluator: evaluation.NewEvaluator(scorer),
		Trainer:   trainer,
		Rules:     rules,
		Version:   "test-v1",
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func jewelry(user string) map[string]any {
	return map[string]any{
		"userId":    user,
		"amount":    2500,
		"merchant":  "Jewelry Store",
		"location":  "Miami, FL",
		"timestamp": "2024-01-06T03:00:00Z",
	}
}

func coffee(user string) map[string]any {
	return map[string]any{
		"userId":    user,
		"amount":    "4.50",
		"merchant":  "Starbucks",
		"location":  "Seattle, WA",
		"timestamp": "2024-01-03T14:00:00Z",
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("FraudulentTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/analyze", jewelry("user-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AnalyzeResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !resp.IsFraud {
			t.Error("expected isFraud true")
		}
		if resp.RiskScore != 0.515 {
			t.Errorf("expected riskScore 0.515, got %v", resp.RiskScore)
		}
		if resp.Confidence != 0.03 {
			t.Errorf("expected confidence 0.03, got %v", resp.Confidence)
		}
		if len(resp.Explanations) != 4 {
			t.Errorf("expected 4 explanations, got %d", len(resp.Explanations))
		}
		if len(resp.Alerts) != 1 {
			t.Errorf("expected 1 alert, got %d", len(resp.Alerts))
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" || resp.Metadata.TraceID != rr.Header().Get(TraceIDHeader) {
			t.Errorf("expected trace id to match header, got %q", resp.Metadata.TraceID)
		}
		if resp.Metadata.Calibrated {
			t.Error("expected uncalibrated metadata before training")
		}

		if rr := do(t, server, http.MethodGet, "/analyses/"+resp.AnalysisID, nil); rr.Code != http.StatusOK {
			t.Errorf("expected stored analysis, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/transactions/"+resp.TxID, nil); rr.Code != http.StatusOK {
			t.Errorf("expected stored transaction, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/transactions/"+resp.TxID+"/analysis", nil); rr.Code != http.StatusOK {
			t.Errorf("expected analysis by transaction, got %d", rr.Code)
		}
	})

	t.Run("LegitimateTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/analyze", coffee("user-2"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp AnalyzeResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.IsFraud {
			t.Error("expected isFraud false")
		}
		if resp.Explanations == nil || len(resp.Alerts) != 0 {
			t.Error("expected empty explanations and alerts")
		}
	})

	badRequests := map[string]any{
		"InvalidJSON":     "not-json",
		"MissingMerchant": map[string]any{"userId": "u", "amount": 10, "location": "Paris"},
		"MissingUser":     map[string]any{"amount": 10, "merchant": "Cafe", "location": "Paris"},
		"BadTimestamp":    map[string]any{"userId": "u", "amount": 10, "merchant": "Cafe", "location": "Paris", "timestamp": "yesterday"},
		"BadStatus":       map[string]any{"userId": "u", "amount": 10, "merchant": "Cafe", "location": "Paris", "status": "refunded"},
		"AmountOverflow":  `{"userId":"u","amount":1e400,"merchant":"Jewelry Store","location":"Paris"}`,
	}
	for name, body := range badRequests {
		t.Run(name, func(t *testing.T) {
			rr := do(t, server, http.MethodPost, "/analyze", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/analyze", coffee("user-3"))
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	server := createTestServer(t)

	body := coffee("user-ingest")
	body["id"] = "tx-ingest-1"
	rr := do(t, server, http.MethodPost, "/transactions", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted map[string]string
	json.Unmarshal(rr.Body.Bytes(), &accepted)
	if accepted["txId"] != "tx-ingest-1" || accepted["status"] != "accepted" {
		t.Errorf("unexpected response %v", accepted)
	}

	if rr := do(t, server, http.MethodPost, "/transactions", map[string]any{"userId": "u"}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid transaction, got %d", rr.Code)
	}

	rr = do(t, server, http.MethodGet, "/transactions/tx-ingest-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected stored transaction, got %d", rr.Code)
	}
	var tx domain.Transaction
	json.Unmarshal(rr.Body.Bytes(), &tx)
	if tx.Merchant != "Starbucks" || tx.Amount.String() != "4.5" {
		t.Errorf("unexpected transaction %+v", tx)
	}

	rr = do(t, server, http.MethodGet, "/transactions?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Count != 1 || list.Limit != 10 {
		t.Errorf("expected 1 transaction with limit 10, got %+v", list)
	}

	if rr := do(t, server, http.MethodGet, "/transactions?limit=abc", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodGet, "/transactions/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodGet, "/analyses/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	server := createTestServer(t)

	do(t, server, http.MethodPost, "/analyze", jewelry("user-alert"))

	rr := do(t, server, http.MethodGet, "/alerts?status=open", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list struct {
		Alerts []*domain.Alert `json:"alerts"`
		Count  int             `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Fatalf("expected 1 open alert, got %d", list.Count)
	}
	id := list.Alerts[0].ID

	rr = do(t, server, http.MethodPut, "/alerts/"+id+"/status", map[string]string{"status": "investigating"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var updated domain.Alert
	json.Unmarshal(rr.Body.Bytes(), &updated)
	if updated.Status != domain.AlertInvestigating {
		t.Errorf("expected investigating, got %s", updated.Status)
	}

	if rr := do(t, server, http.MethodPut, "/alerts/"+id+"/status", map[string]string{"status": "ignored"}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodPut, "/alerts/missing/status", map[string]string{"status": "closed"}); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodGet, "/alerts?status=weird", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status filter, got %d", rr.Code)
	}

	rr = do(t, server, http.MethodGet, "/alerts?status=open", nil)
	json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Count != 0 {
		t.Errorf("expected no open alerts after update, got %d", list.Count)
	}
}

func TestAlertRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	rule := map[string]any{
		"id":         "night-high-value",
		"name":       "Night high value",
		"expression": "amount > 2000.0 && hour < 6",
		"severity":   "critical",
	}
	rr := do(t, server, http.MethodPost, "/alert-rules", rule)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	invalid := map[string]any{"id": "broken", "expression": "amount >", "severity": "low"}
	if rr := do(t, server, http.MethodPost, "/alert-rules", invalid); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid expression, got %d", rr.Code)
	}
	nonBool := map[string]any{"id": "num", "expression": "risk_score", "severity": "low"}
	if rr := do(t, server, http.MethodPost, "/alert-rules", nonBool); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-boolean expression, got %d", rr.Code)
	}

	rr = do(t, server, http.MethodGet, "/alert-rules", nil)
	var list struct {
		Count  int `json:"count"`
		Loaded int `json:"loaded"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected 1 stored rule, got %d", list.Count)
	}
	if list.Loaded != 2 {
		t.Errorf("expected default and new rule loaded, got %d", list.Loaded)
	}

	rr = do(t, server, http.MethodPost, "/analyze", jewelry("user-rules"))
	var resp AnalyzeResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Alerts) != 2 {
		t.Errorf("expected 2 alerts from hot-loaded rules, got %d", len(resp.Alerts))
	}
}

func TestModelEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("TrainFromBody", func(t *testing.T) {
		body := map[string]any{"transactions": []any{jewelry("a"), coffee("b")}}
		rr := do(t, server, http.MethodPost, "/model/train", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var summary domain.CalibrationSummary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if !summary.Calibrated || summary.Transactions != 2 {
			t.Errorf("unexpected summary %+v", summary)
		}

		// The bodies carry no ids; re-posting them must not count twice.
		for i := 0; i < 2; i++ {
			rr = do(t, server, http.MethodPost, "/model/train", body)
		}
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if summary.Transactions != 2 {
			t.Errorf("expected 2 transactions after repeats, got %d", summary.Transactions)
		}
	})

	t.Run("TrainFromRepository", func(t *testing.T) {
		do(t, server, http.MethodPost, "/analyze", coffee("stored"))
		rr := do(t, server, http.MethodPost, "/model/train?source=repository", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var summary domain.CalibrationSummary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if summary.Transactions != 3 {
			t.Errorf("expected 3 calibrated transactions, got %d", summary.Transactions)
		}
	})

	t.Run("TrainBadSource", func(t *testing.T) {
		if rr := do(t, server, http.MethodPost, "/model/train?source=s3", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("TrainInvalidTransaction", func(t *testing.T) {
		body := map[string]any{"transactions": []any{map[string]any{"timestamp": "nope"}}}
		if rr := do(t, server, http.MethodPost, "/model/train", body); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("TrainAmountOverflow", func(t *testing.T) {
		body := `{"transactions":[{"userId":"u","amount":1e400,"merchant":"Cafe","location":"Paris"}]}`
		if rr := do(t, server, http.MethodPost, "/model/train", body); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/model", nil)
		var summary domain.CalibrationSummary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if !summary.Calibrated {
			t.Error("expected calibrated summary")
		}
	})

	// Evaluation runs against an uncalibrated scorer so the baseline
	// scores apply.
	fresh := createTestServer(t)

	t.Run("Evaluate", func(t *testing.T) {
		body := map[string]any{
			"transactions": []any{jewelry("e1"), coffee("e2")},
			"labels":       []bool{true, false},
		}
		rr := do(t, fresh, http.MethodPost, "/model/evaluate", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var m domain.EvaluationMetrics
		json.Unmarshal(rr.Body.Bytes(), &m)
		if m.Accuracy != 1 || m.Precision != 1 || m.Recall != 1 || m.F1Score != 1 {
			t.Errorf("expected perfect metrics, got %+v", m)
		}
		if m.ConfusionMatrix.TruePositive != 1 || m.ConfusionMatrix.TrueNegative != 1 {
			t.Errorf("unexpected confusion matrix %+v", m.ConfusionMatrix)
		}
	})

	t.Run("EvaluateLengthMismatch", func(t *testing.T) {
		body := map[string]any{
			"transactions": []any{jewelry("m1")},
			"labels":       []bool{true, false},
		}
		if rr := do(t, fresh, http.MethodPost, "/model/evaluate", body); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server := createTestServer(t)
	do(t, server, http.MethodPost, "/analyze", jewelry("s1"))
	do(t, server, http.MethodPost, "/analyze", coffee("s2"))

	rr := do(t, server, http.MethodGet, "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var stats domain.DashboardStats
	json.Unmarshal(rr.Body.Bytes(), &stats)
	if stats.TotalAnalyses != 2 || stats.FraudDetected != 1 || stats.OpenAlerts != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.FraudRate != 0.5 {
		t.Errorf("expected fraud rate 0.5, got %v", stats.FraudRate)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Status     string            `json:"status"`
			Version    string            `json:"version"`
			Components map[string]string `json:"components"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Status != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp.Status)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp.Version)
		}
		if resp.Components["repository"] != "ok" || resp.Components["eventBus"] != "ok" {
			t.Errorf("unexpected components %v", resp.Components)
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("kestrel_http_requests_total")) {
			t.Error("expected request metrics in output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID, capturedTraceID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedRequestID = GetRequestID(r.Context())
			capturedTraceID = GetTraceID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" || capturedTraceID == "" {
			t.Error("expected request and trace IDs to be set")
		}
		if rr.Header().Get(RequestIDHeader) != capturedRequestID {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("TracingMiddlewareKeepsClientRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-42" {
			t.Errorf("expected req-42, got %s", rr.Header().Get(RequestIDHeader))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))
		req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})

	t.Run("CORSOriginPolicy", func(t *testing.T) {
		cfg := domain.ServerConfig{AllowedOrigins: []string{"https://ops.example.com"}}
		handler := CORSMiddleware(cfg.OriginAllowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		send := func(method, origin string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(method, "/analyze", nil)
			req.Header.Set("Origin", origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			return rr
		}

		rr := send(http.MethodOptions, "https://ops.example.com")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
			t.Errorf("expected allowed origin echoed, got %q", got)
		}

		rr = send(http.MethodOptions, "https://evil.example.com")
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}

		rr = send(http.MethodGet, "https://evil.example.com")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no CORS header for rejected origin, got %q", got)
		}
	})
}

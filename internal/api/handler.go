// Package api exposes the Kestrel HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/realtime"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const (
	maxBodyBytes     = 4 << 20
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Analyzer runs the full analysis pipeline for one transaction.
type Analyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction, traceID string) (*domain.Analysis, error)
}

// Evaluator measures scorer quality against labelled transactions.
type Evaluator interface {
	Evaluate(ctx context.Context, txs []*domain.Transaction, labels []bool) (*domain.EvaluationMetrics, error)
}

// RuleEngine validates and hot-loads alert rules.
type RuleEngine interface {
	ValidateRule(rule *domain.AlertRule) error
	LoadRule(rule *domain.AlertRule) error
	Rules() []*domain.AlertRule
}

// Deps are the collaborators behind the HTTP handlers. Cache, Bus, Rules and
// Hub are optional.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Analyzer  Analyzer
	Evaluator Evaluator
	Trainer   domain.Calibrator
	Rules     RuleEngine
	Hub       *realtime.Hub
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	analyzer  Analyzer
	evaluator Evaluator
	trainer   domain.Calibrator
	rules     RuleEngine
	version   string
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		analyzer:  deps.Analyzer,
		evaluator: deps.Evaluator,
		trainer:   deps.Trainer,
		rules:     deps.Rules,
		version:   deps.Version,
		now:       time.Now,
	}
}

// AnalyzeResponse is the response for POST /analyze.
type AnalyzeResponse struct {
	AnalysisID string `json:"analysisId"`
	TxID       string `json:"txId"`
	domain.PredictionResult
	Alerts   []*domain.Alert `json:"alerts"`
	Metadata struct {
		TraceID      string `json:"traceId"`
		ProcessingMs int64  `json:"processingMs"`
		Calibrated   bool   `json:"calibrated"`
		Version      string `json:"version"`
	} `json:"metadata"`
}

// Analyze handles POST /analyze: score, store and publish one transaction.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	analysis, err := h.analyzer.Analyze(ctx, tx, GetTraceID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AnalyzeResponse{
		AnalysisID:       analysis.ID,
		TxID:             analysis.TxID,
		PredictionResult: analysis.Prediction,
		Alerts:           analysis.Alerts,
	}
	if resp.Alerts == nil {
		resp.Alerts = []*domain.Alert{}
	}
	resp.Metadata.TraceID = analysis.TraceID
	resp.Metadata.ProcessingMs = analysis.ProcessingMs
	resp.Metadata.Calibrated = analysis.Calibrated
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// IngestTransaction handles POST /transactions: store the transaction and
// queue it for asynchronous analysis.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}
	if err := features.Validate(tx); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		writeError(w, err)
		return
	}

	traceID := GetTraceID(ctx)
	payload, err := json.Marshal(worker.TransactionMessage{Transaction: tx, TraceID: traceID})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"txId":    tx.ID,
		"status":  "accepted",
		"traceId": traceID,
	})
}

// ListTransactions handles GET /transactions?limit=&offset=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := h.repo.ListTransactions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
		"limit":        limit,
		"offset":       offset,
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetTransactionAnalysis retrieves the analysis of a transaction.
func (h *Handler) GetTransactionAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAnalysisByTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAnalysis retrieves an analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventBus", h.bus.Ping)
	}

	calibrated := h.trainer != nil && h.trainer.Calibrated()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"calibrated": calibrated,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decodeTransaction reads a TransactionRequest body. A missing ID is
// generated.
func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	var req domain.TransactionRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	tx, err := req.ToTransaction(h.now())
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	return tx, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, &domain.FieldError{Field: "limit", Reason: "must be a positive integer"}
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, &domain.FieldError{Field: "offset", Reason: "must be a non-negative integer"}
		}
	}
	return limit, offset, nil
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrLengthMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
